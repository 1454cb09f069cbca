package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cmdTask(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Bulk task maintenance",
	}

	var (
		projectID int64
		taskIDs   []int64
		nAnswers  int
		priority  float64
		force     bool
	)

	cmdRedundancy := &cobra.Command{
		Use:   "redundancy",
		Short: "Set how many answers the tasks need",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dependencies.Tasks().UpdateRedundancy(cmd.Context(), adminUser, projectID, nAnswers, nilIfEmpty(taskIDs))
		},
	}
	cmdRedundancy.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdRedundancy.Flags().IntVar(&nAnswers, "n-answers", 0, "Answers per task, 1 to 1000 (required)")
	cmdRedundancy.Flags().Int64SliceVar(&taskIDs, "tasks", nil, "Task ids, default all")
	_ = cmdRedundancy.MarkFlagRequired("project")
	_ = cmdRedundancy.MarkFlagRequired("n-answers")

	cmdPriority := &cobra.Command{
		Use:   "priority",
		Short: "Set the scheduling priority of tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			updated, err := dependencies.Tasks().UpdatePriority(cmd.Context(), adminUser, projectID, priority, nilIfEmpty(taskIDs))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks updated\n", updated)
			return nil
		},
	}
	cmdPriority.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdPriority.Flags().Float64Var(&priority, "priority", 0, "Priority between 0 and 1 (required)")
	cmdPriority.Flags().Int64SliceVar(&taskIDs, "tasks", nil, "Task ids, default all")
	_ = cmdPriority.MarkFlagRequired("project")
	_ = cmdPriority.MarkFlagRequired("priority")

	cmdDeleteValid := &cobra.Command{
		Use:   "delete-valid",
		Short: "Delete the tasks that have no results yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := dependencies.Tasks().DeleteValidTasks(cmd.Context(), adminUser, projectID, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks deleted\n", deleted)
			return nil
		},
	}
	cmdDeleteValid.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdDeleteValid.Flags().BoolVar(&force, "force", false, "Delete every task, results included")
	_ = cmdDeleteValid.MarkFlagRequired("project")

	cmdDeleteRuns := &cobra.Command{
		Use:   "delete-runs",
		Short: "Delete every answer of a project and reopen its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := dependencies.Tasks().DeleteTaskRuns(cmd.Context(), adminUser, projectID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task runs deleted\n", deleted)
			return nil
		},
	}
	cmdDeleteRuns.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	_ = cmdDeleteRuns.MarkFlagRequired("project")

	cmd.AddCommand(cmdRedundancy, cmdPriority, cmdDeleteValid, cmdDeleteRuns)
	return cmd
}

func nilIfEmpty(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
