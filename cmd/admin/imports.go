package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskhub/internal/importer"
)

func cmdImport(dependencies *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create tasks in bulk",
	}

	var projectID int64
	newImporter := func() *importer.Importer {
		return importer.New(dependencies.Tasks(), dependencies.Services.Tasks, adminUser)
	}

	var file string
	cmdCSV := &cobra.Command{
		Use:   "csv",
		Short: "Import one task per row of a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			report, err := newImporter().CSV(cmd.Context(), projectID, f)
			return printReport(cmd.OutOrStdout(), report, err)
		},
	}
	cmdCSV.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdCSV.Flags().StringVar(&file, "file", "", "CSV file (required)")
	_ = cmdCSV.MarkFlagRequired("project")
	_ = cmdCSV.MarkFlagRequired("file")

	var dir string
	var folder importer.FolderOptions
	cmdImages := &cobra.Command{
		Use:   "images",
		Short: "Import one task per image of a local folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(folder.Extensions) == 0 {
				folder.Extensions = dependencies.Config.Upload.AllowedExtensions
			}
			report, err := newImporter().Folder(cmd.Context(), projectID, dir, folder)
			return printReport(cmd.OutOrStdout(), report, err)
		},
	}
	cmdImages.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdImages.Flags().StringVar(&dir, "dir", "", "Image folder (required)")
	cmdImages.Flags().StringSliceVar(&folder.Extensions, "ext", nil, "File extensions, default from the upload config")
	cmdImages.Flags().IntVar(&folder.NAnswers, "n-answers", 0, "Answers per task")
	_ = cmdImages.MarkFlagRequired("project")
	_ = cmdImages.MarkFlagRequired("dir")

	var start string
	var web importer.WebOptions
	cmdWeb := &cobra.Command{
		Use:   "web",
		Short: "Import one task per image found on a web page",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newImporter().Web(cmd.Context(), projectID, start, web)
			return printReport(cmd.OutOrStdout(), report, err)
		},
	}
	cmdWeb.Flags().Int64Var(&projectID, "project", 0, "Project id (required)")
	cmdWeb.Flags().StringVar(&start, "url", "", "Start page (required)")
	cmdWeb.Flags().IntVar(&web.MaxDepth, "depth", 1, "Link depth to follow, 1 reads the start page only")
	cmdWeb.Flags().DurationVar(&web.Delay, "delay", time.Second, "Delay between requests to a domain")
	cmdWeb.Flags().StringSliceVar(&web.AllowedDomains, "allowed-domain", nil, "Domains the crawler may visit")
	cmdWeb.Flags().StringVar(&web.SaveDir, "save-dir", "", "Download images to this folder")
	cmdWeb.Flags().IntVar(&web.Limit, "limit", 0, "Maximum images, 0 for no limit")
	cmdWeb.Flags().IntVar(&web.NAnswers, "n-answers", 0, "Answers per task")
	_ = cmdWeb.MarkFlagRequired("project")
	_ = cmdWeb.MarkFlagRequired("url")

	cmd.AddCommand(cmdCSV, cmdImages, cmdWeb)
	return cmd
}

func printReport(w io.Writer, report *importer.Report, err error) error {
	if report != nil {
		fmt.Fprintf(w, "created=%d duplicates=%d failed=%d\n", report.Created, report.Duplicates, report.Failed)
		for _, rowErr := range report.Errors {
			logrus.Debug(rowErr)
		}
	}
	return err
}
