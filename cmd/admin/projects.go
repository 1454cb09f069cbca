package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/store"
)

func cmdProject(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project maintenance",
	}

	cmdList := &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := dependencies.Projects().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects found")
				return nil
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Short name", "Name", "Published", "Data access", "Quiz")
			for _, p := range projects {
				table.Append([]string{
					strconv.FormatInt(p.ID, 10),
					p.ShortName,
					p.Name,
					strconv.FormatBool(p.Published),
					strings.Join(p.DataAccess, ","),
					quizSummary(p.Info.Quiz),
				})
			}
			table.Render()
			return nil
		},
	}

	var (
		shortName  string
		name       string
		owner      string
		dataAccess []string
		published  bool
	)
	cmdCreate := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerUser, err := dependencies.Users().GetByName(cmd.Context(), owner)
			if err != nil {
				return err
			}
			project, err := dependencies.Projects().CreateProject(cmd.Context(), ownerUser, &store.Project{
				ShortName:  shortName,
				Name:       name,
				Published:  published,
				DataAccess: dataAccess,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tsecret=%s\n", project.ID, project.ShortName, project.SecretKey)
			return nil
		},
	}
	cmdCreate.Flags().StringVar(&shortName, "short-name", "", "Short name (required)")
	cmdCreate.Flags().StringVar(&name, "name", "", "Display name, defaults to the short name")
	cmdCreate.Flags().StringVar(&owner, "owner", "", "Owner user name (required)")
	cmdCreate.Flags().StringSliceVar(&dataAccess, "data-access", nil, "Data access levels")
	cmdCreate.Flags().BoolVar(&published, "published", false, "Publish the project")
	_ = cmdCreate.MarkFlagRequired("short-name")
	_ = cmdCreate.MarkFlagRequired("owner")

	var projectID int64
	var config quiz.Config
	cmdQuiz := &cobra.Command{
		Use:   "quiz",
		Short: "Show or change the project's quiz",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects := dependencies.Projects()
			current, err := projects.QuizConfig(cmd.Context(), adminUser, projectID)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("enabled") || flags.Changed("questions") || flags.Changed("pass") {
				if flags.Changed("enabled") {
					current.Enabled = config.Enabled
				}
				if flags.Changed("questions") {
					current.Questions = config.Questions
				}
				if flags.Changed("pass") {
					current.Pass = config.Pass
				}
				if err := projects.UpdateQuizConfig(cmd.Context(), adminUser, projectID, current); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), quizSummary(current))
			return nil
		},
	}
	cmdQuiz.Flags().Int64Var(&projectID, "id", 0, "Project id (required)")
	cmdQuiz.Flags().BoolVar(&config.Enabled, "enabled", false, "Enable the quiz")
	cmdQuiz.Flags().IntVar(&config.Questions, "questions", 0, "Number of gold questions")
	cmdQuiz.Flags().IntVar(&config.Pass, "pass", 0, "Right answers needed to pass")
	_ = cmdQuiz.MarkFlagRequired("id")

	cmdResetSecret := &cobra.Command{
		Use:   "reset-secret",
		Short: "Issue a new project secret key",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := dependencies.Projects().ResetSecretKey(cmd.Context(), adminUser, projectID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmdResetSecret.Flags().Int64Var(&projectID, "id", 0, "Project id (required)")
	_ = cmdResetSecret.MarkFlagRequired("id")

	cmdToken := &cobra.Command{
		Use:   "token",
		Short: "Print a project JWT for external contributors",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := dependencies.Services.Projects.GetByShortName(cmd.Context(), shortName)
			if err != nil {
				return err
			}
			token, err := dependencies.Projects().ProjectToken(cmd.Context(), project.ShortName, project.SecretKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmdToken.Flags().StringVar(&shortName, "short-name", "", "Short name (required)")
	_ = cmdToken.MarkFlagRequired("short-name")

	cmd.AddCommand(cmdList, cmdCreate, cmdQuiz, cmdResetSecret, cmdToken)
	return cmd
}

func quizSummary(config quiz.Config) string {
	if !config.Enabled {
		return "off"
	}
	return fmt.Sprintf("%d/%d", config.Pass, config.Questions)
}
