// Package section manages the section dependency graph of spec.md §3: a DAG
// where an edge "A depends on B" means every task in A blocks until every
// task in B that isn't skipped has reached a terminal status.
package section

import (
	"context"
	"errors"
	"fmt"

	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/store"
)

var (
	ErrSelfDependency = errors.New("section: a section cannot depend on itself")
	ErrCycle          = errors.New("section: dependency would create a cycle")
	ErrNotFound       = errors.New("section: not found")
)

// AddDependency records that sectionID depends on dependsOn, rejecting
// self-dependencies and anything that would introduce a cycle in the
// existing graph (spec.md §3 invariant 4). It reads the full dependency set
// before writing, so callers should serialize concurrent graph edits
// (the orchestrator loop only reads the graph; it never calls
// AddDependency).
func AddDependency(ctx context.Context, q *store.Queries, sectionID, dependsOn string) error {
	if sectionID == dependsOn {
		return ErrSelfDependency
	}

	edges, err := q.ListSectionDependencies(ctx)
	if err != nil {
		return fmt.Errorf("list section dependencies: %w", err)
	}

	adjacency := make(map[string][]string, len(edges))
	for _, e := range edges {
		adjacency[e.SectionID] = append(adjacency[e.SectionID], e.DependsOnSection)
	}
	adjacency[sectionID] = append(adjacency[sectionID], dependsOn)

	if reaches(adjacency, dependsOn, sectionID) {
		return ErrCycle
	}

	return q.AddSectionDependency(ctx, sectionID, dependsOn)
}

// reaches reports whether a forward walk from start can reach target,
// following depends-on edges. Used to detect that adding sectionID->dependsOn
// would let dependsOn eventually depend back on sectionID.
func reaches(adjacency map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		for _, next := range adjacency[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Unblocked reports whether every dependency of sectionID is satisfied: for
// each section it depends on, all of that section's non-skipped tasks have
// reached a terminal status.
func Unblocked(ctx context.Context, q *store.Queries, sectionID string) (bool, error) {
	deps, err := q.DependenciesOf(ctx, sectionID)
	if err != nil {
		return false, fmt.Errorf("dependencies of %s: %w", sectionID, err)
	}

	for _, dep := range deps {
		sec, err := q.GetSection(ctx, dep)
		if err != nil {
			return false, fmt.Errorf("get section %s: %w", dep, err)
		}
		if sec.Skipped {
			continue
		}

		tasks, err := q.ListTasksBySection(ctx, dep)
		if err != nil {
			return false, fmt.Errorf("list tasks for section %s: %w", dep, err)
		}
		for _, t := range tasks {
			if !t.Status.Terminal() {
				return false, nil
			}
		}
	}
	return true, nil
}

// Ready returns the sections, in priority/position order, whose
// dependencies are all satisfied and which are not themselves skipped.
func Ready(ctx context.Context, q *store.Queries) ([]model.Section, error) {
	all, err := q.ListSections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}

	var out []model.Section
	for _, s := range all {
		if s.Skipped {
			continue
		}
		ok, err := Unblocked(ctx, q, s.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
