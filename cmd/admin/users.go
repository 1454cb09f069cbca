package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskhub/internal/service"
)

func cmdUser(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User maintenance",
	}

	var req service.NewUser
	cmdCreate := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print their api key",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := dependencies.Users().CreateUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\tapi_key=%s\tdata_access=%s\n",
				user.ID, user.Name, user.APIKey, strings.Join(user.DataAccess, ","))
			return nil
		},
	}
	cmdCreate.Flags().StringVar(&req.Name, "name", "", "User name (required)")
	cmdCreate.Flags().StringVar(&req.EmailAddr, "email", "", "Email address")
	cmdCreate.Flags().StringVar(&req.UserType, "type", "", "User type, picks the default data access")
	cmdCreate.Flags().StringSliceVar(&req.DataAccess, "data-access", nil, "Data access levels")
	cmdCreate.Flags().BoolVar(&req.Admin, "admin", false, "Grant admin rights")
	cmdCreate.Flags().BoolVar(&req.Subadmin, "subadmin", false, "Grant subadmin rights")
	_ = cmdCreate.MarkFlagRequired("name")

	var (
		userName  string
		projectID int64
		levels    []string
	)
	cmdQuizReset := &cobra.Command{
		Use:   "quiz-reset",
		Short: "Let a user take a project's quiz again",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := dependencies.Users().GetByName(cmd.Context(), userName)
			if err != nil {
				return err
			}
			return dependencies.Projects().ResetQuiz(cmd.Context(), adminUser, projectID, user.ID)
		},
	}
	cmdQuizReset.Flags().StringVar(&userName, "user", "", "User name (required)")
	cmdQuizReset.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	_ = cmdQuizReset.MarkFlagRequired("user")
	_ = cmdQuizReset.MarkFlagRequired("project")

	cmdDataAccess := &cobra.Command{
		Use:   "data-access",
		Short: "Replace a user's data access levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			users := dependencies.Users()
			user, err := users.GetByName(cmd.Context(), userName)
			if err != nil {
				return err
			}
			if _, err := users.SetDataAccess(cmd.Context(), user.ID, levels); err != nil {
				return err
			}
			return nil
		},
	}
	cmdDataAccess.Flags().StringVar(&userName, "user", "", "User name (required)")
	cmdDataAccess.Flags().StringSliceVar(&levels, "levels", nil, "Data access levels")
	_ = cmdDataAccess.MarkFlagRequired("user")

	cmd.AddCommand(cmdCreate, cmdQuizReset, cmdDataAccess)
	return cmd
}
