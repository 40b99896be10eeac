package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steroidsdev/steroids/internal/config"
	"github.com/steroidsdev/steroids/internal/lockmgr"
	"github.com/steroidsdev/steroids/internal/model"
	"github.com/steroidsdev/steroids/internal/registry"
	"github.com/steroidsdev/steroids/internal/store"
)

// adminCmd groups operator actions that bypass the normal lock/dispute
// protocol (spec.md §4.2 force-release, §4.1 dispute resolution) — used when
// a human operator intervenes on a stuck task or an escalated dispute.
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator actions: force-release locks, resolve disputes",
}

var (
	adminProject string
)

var adminUnlockTaskCmd = &cobra.Command{
	Use:   "unlock-task <task-id>",
	Short: "Force-release a task lock regardless of which runner holds it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminUnlockTask,
}

var adminUnlockSectionCmd = &cobra.Command{
	Use:   "unlock-section <section-id>",
	Short: "Force-release a section lock regardless of which runner holds it",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminUnlockSection,
}

var (
	adminResolveResolution string
	adminResolveNotes      string
	adminResolveBy         string
)

var adminResolveDisputeCmd = &cobra.Command{
	Use:   "resolve-dispute <dispute-id>",
	Short: "Resolve an open dispute with the given resolution",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdminResolveDispute,
}

var adminListRunnersCmd = &cobra.Command{
	Use:   "list-runners",
	Short: "List registered runners (all projects, or one with --project)",
	Args:  cobra.NoArgs,
	RunE:  runAdminListRunners,
}

func init() {
	for _, c := range []*cobra.Command{adminUnlockTaskCmd, adminUnlockSectionCmd, adminResolveDisputeCmd} {
		c.Flags().StringVar(&adminProject, "project", "", "project directory (required)")
		_ = c.MarkFlagRequired("project")
	}
	adminListRunnersCmd.Flags().StringVar(&adminProject, "project", "", "restrict the listing to one project directory")

	adminResolveDisputeCmd.Flags().StringVar(&adminResolveResolution, "resolution", "", "approve|reject|skip|human (required)")
	adminResolveDisputeCmd.Flags().StringVar(&adminResolveNotes, "notes", "", "resolution notes")
	adminResolveDisputeCmd.Flags().StringVar(&adminResolveBy, "by", "operator", "identity of the resolver")
	_ = adminResolveDisputeCmd.MarkFlagRequired("resolution")

	adminCmd.AddCommand(adminUnlockTaskCmd, adminUnlockSectionCmd, adminResolveDisputeCmd, adminListRunnersCmd)
	rootCmd.AddCommand(adminCmd)
}

func openAdminProjectStore() (*store.ProjectStore, error) {
	dbPath := filepath.Join(config.ProjectStoreDir(adminProject), "steroids.db")
	return store.OpenProjectStore(dbPath)
}

func runAdminUnlockTask(cmd *cobra.Command, args []string) error {
	ps, err := openAdminProjectStore()
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer ps.Close()

	locks := lockmgr.New(ps.DB(), 0, 0)
	if err := locks.ReleaseTask(cmd.Context(), args[0], "", true); err != nil {
		return fmt.Errorf("force-release task lock: %w", err)
	}
	fmt.Printf("released task lock for %s\n", args[0])
	return nil
}

func runAdminUnlockSection(cmd *cobra.Command, args []string) error {
	ps, err := openAdminProjectStore()
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer ps.Close()

	locks := lockmgr.New(ps.DB(), 0, 0)
	if err := locks.ReleaseSection(cmd.Context(), args[0], "", true); err != nil {
		return fmt.Errorf("force-release section lock: %w", err)
	}
	fmt.Printf("released section lock for %s\n", args[0])
	return nil
}

func runAdminResolveDispute(cmd *cobra.Command, args []string) error {
	ps, err := openAdminProjectStore()
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer ps.Close()

	resolution := model.DisputeResolution(adminResolveResolution)
	switch resolution {
	case model.ResolutionApprove, model.ResolutionReject, model.ResolutionSkip, model.ResolutionHuman:
	default:
		return fmt.Errorf("unrecognized resolution %q", adminResolveResolution)
	}

	if err := ps.Queries().ResolveDispute(cmd.Context(), args[0], resolution, adminResolveNotes, adminResolveBy, time.Now()); err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	fmt.Printf("resolved dispute %s as %s\n", args[0], resolution)
	return nil
}

func runAdminListRunners(cmd *cobra.Command, args []string) error {
	global, err := openGlobalStore()
	if err != nil {
		return fmt.Errorf("open global store: %w", err)
	}
	defer global.Close()

	reg := registry.New(global, zap.NewNop())
	var runners []model.Runner
	if adminProject != "" {
		abs, absErr := filepath.Abs(adminProject)
		if absErr != nil {
			return fmt.Errorf("resolve project path: %w", absErr)
		}
		runners, err = reg.ListByProject(cmd.Context(), abs)
	} else {
		runners, err = reg.ListAll(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("list runners: %w", err)
	}

	for _, r := range runners {
		fmt.Printf("%s\tpid=%d\tstatus=%s\tproject=%s\theartbeat=%s\n",
			r.ID, r.PID, r.Status, r.ProjectPath, r.HeartbeatAt.Format(time.RFC3339))
	}
	return nil
}
