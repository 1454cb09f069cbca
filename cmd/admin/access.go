package main

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskhub/internal/access"
)

var errAccessDisabled = errors.New("data access is not configured")

func cmdAccess(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Inspect the data access tables",
	}

	cmdTables := &cobra.Command{
		Use:         "tables",
		Short:       "Print the configured access tables",
		Annotations: map[string]string{offline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			tables := dependencies.Config.AccessPolicy().Tables()
			if tables == nil {
				return errAccessDisabled
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(tables); err != nil {
				return err
			}
			return encoder.Close()
		},
	}

	var userLevels, projectLevels, taskLevels []string
	cmdCheck := &cobra.Command{
		Use:         "check",
		Short:       "Check whether user levels reach a project or task",
		Annotations: map[string]string{offline: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := dependencies.Config.AccessPolicy()
			if !policy.Enabled() {
				return errAccessDisabled
			}
			return printAccessCheck(cmd.OutOrStdout(), policy,
				access.FromStrings(userLevels), access.FromStrings(projectLevels), access.FromStrings(taskLevels))
		},
	}
	cmdCheck.Flags().StringSliceVar(&userLevels, "user", nil, "User levels (required)")
	cmdCheck.Flags().StringSliceVar(&projectLevels, "project", nil, "Project levels")
	cmdCheck.Flags().StringSliceVar(&taskLevels, "task", nil, "Task levels")
	_ = cmdCheck.MarkFlagRequired("user")

	cmd.AddCommand(cmdTables, cmdCheck)
	return cmd
}

func printAccessCheck(w io.Writer, policy *access.Policy, user, project, task []access.Level) error {
	for _, levels := range [][]access.Level{user, project, task} {
		if err := policy.Validate(levels); err != nil {
			return err
		}
	}

	table := newTable(w, "Object", "Levels", "Allowed")
	table.Append([]string{"user", join(user), ""})
	if len(project) > 0 {
		table.Append([]string{"project", join(project), yesNo(policy.CanAccessProject(user, project))})
	}
	if len(task) > 0 {
		table.Append([]string{"task", join(task), yesNo(policy.CanAccessTask(user, task))})
	}
	if len(project) > 0 && len(task) > 0 {
		_, err := policy.EnsureTaskFitsProject(task, project)
		table.Append([]string{"task in project", "", yesNo(err == nil)})
	}
	table.Render()
	return nil
}

func join(levels []access.Level) string {
	return strings.Join(access.Strings(levels), ",")
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
