package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskflow/orchestrator/internal/scheduler"
)

var deadlockProject int64

// errDeadlockFound makes the command exit non-zero when a cycle exists
var errDeadlockFound = errors.New("dependency cycle found")

func init() {
	deadlockCmd.Flags().Int64VarP(&deadlockProject, "project", "p", 0, "project to inspect")
	deadlockCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(deadlockCmd)
}

var deadlockCmd = &cobra.Command{
	Use:   "deadlock",
	Short: "Check a project for circular dependencies",
	RunE:  runDeadlock,
}

func runDeadlock(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sched := scheduler.NewScheduler(store, logger)
	cycle, err := sched.DetectDeadlock(context.Background(), deadlockProject)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(cycle) == 0 {
		fmt.Fprintf(out, "project %d: no dependency cycle\n", deadlockProject)
		return nil
	}

	ids := make([]int64, 0, len(cycle))
	for _, task := range cycle {
		ids = append(ids, task.ID)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"project_id": deadlockProject,
		"cycle":      ids,
		"tasks":      cycle,
	}); err != nil {
		return err
	}
	return errDeadlockFound
}
