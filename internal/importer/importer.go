// Package importer creates tasks in bulk from CSV files, local image folders
// and web pages, skipping tasks the project already has.
package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/store"
)

type TaskCreator interface {
	CreateTask(ctx context.Context, user *store.User, task *store.Task) (*store.Task, error)
}

type DuplicateFinder interface {
	FindDuplicate(ctx context.Context, projectID int64, info map[string]any) (int64, bool, error)
}

// Report summarises one import run. Failed rows do not stop the import.
type Report struct {
	Created    int
	Duplicates int
	Failed     int
	Errors     []error
}

// Err joins the per-row errors.
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}

type Importer struct {
	creator    TaskCreator
	duplicates DuplicateFinder
	// user the tasks are created as
	user *store.User
}

func New(creator TaskCreator, duplicates DuplicateFinder, user *store.User) *Importer {
	return &Importer{creator: creator, duplicates: duplicates, user: user}
}

func (importer *Importer) add(ctx context.Context, report *Report, task *store.Task, source string) {
	log := logrus.WithFields(logrus.Fields{"project": task.ProjectID, "source": source})

	if _, found, err := importer.duplicates.FindDuplicate(ctx, task.ProjectID, task.Info); err != nil {
		importer.fail(report, log, fmt.Errorf("importer: %s: %w", source, err))
		return
	} else if found {
		report.Duplicates++
		log.Debug("duplicate task skipped")
		return
	}

	created, err := importer.creator.CreateTask(ctx, importer.user, task)
	if err != nil {
		importer.fail(report, log, fmt.Errorf("importer: %s: %w", source, err))
		return
	}
	report.Created++
	log.WithField("task", created.ID).Debug("task created")
}

func (importer *Importer) fail(report *Report, log *logrus.Entry, err error) {
	report.Failed++
	report.Errors = append(report.Errors, err)
	log.WithError(err).Warn("import failed")
}
