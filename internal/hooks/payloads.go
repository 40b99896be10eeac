package hooks

// Event body shapes, one per row of spec.md §6's event payload table.

type TaskRef struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Section   string `json:"section,omitempty"`
	SectionID string `json:"sectionId,omitempty"`
}

type TaskCompletedBody struct {
	Task TaskRef `json:"task"`
}

type TaskFailedBody struct {
	Task   TaskRef `json:"task"`
	Reason string  `json:"reason"`
}

type SectionRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TaskCount int    `json:"taskCount"`
}

type SectionCompletedBody struct {
	Section SectionRef `json:"section"`
	Tasks   []TaskRef  `json:"tasks"`
}

type HealthRef struct {
	Score         int    `json:"score"`
	PreviousScore int    `json:"previousScore"`
	Status        string `json:"status"`
}

type HealthChangedBody struct {
	Health HealthRef `json:"health"`
}

type DisputeRef struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"createdBy"`
}

type DisputeCreatedBody struct {
	Dispute DisputeRef `json:"dispute"`
	Task    TaskRef    `json:"task"`
}

type DisputeResolvedDispute struct {
	DisputeRef
	Resolution string `json:"resolution"`
}

type DisputeResolvedBody struct {
	Dispute DisputeResolvedDispute `json:"dispute"`
}

type CreditRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Role     string `json:"role"`
	Message  string `json:"message"`
}

type CreditExhaustedBody struct {
	Credit CreditRef `json:"credit"`
}

type CreditResolvedCredit struct {
	CreditRef
	Resolution string `json:"resolution"`
}

type CreditResolvedBody struct {
	Credit CreditResolvedCredit `json:"credit"`
}

type ProjectCompletedSummary struct {
	TotalTasks int      `json:"totalTasks"`
	Files      []string `json:"files"`
}

type ProjectCompletedBody struct {
	Summary ProjectCompletedSummary `json:"summary"`
}
