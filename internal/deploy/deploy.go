// Package deploy prepares a host for a new installation: it stops the running
// services, moves the current installation aside as a timestamped backup and
// prunes old backups.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/app"
)

type Step interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	step     Step
	required bool
}

// Runner runs steps in order. A failing required step aborts the run, any
// other failure is logged and the run goes on.
type Runner struct {
	steps []entry
}

func (r *Runner) Add(step Step) {
	r.steps = append(r.steps, entry{step: step})
}

func (r *Runner) Require(step Step) {
	r.steps = append(r.steps, entry{step: step, required: true})
}

// Run returns the errors of best-effort steps, and a non-nil error only when a
// required step failed.
func (r *Runner) Run(ctx context.Context) ([]error, error) {
	var warnings []error
	for _, e := range r.steps {
		log := logrus.WithField("step", e.step.Name())
		log.Info("* ", e.step.Name())

		err := e.step.Run(ctx)
		if err == nil {
			continue
		}
		if e.required {
			log.WithError(err).Error("step failed")
			return warnings, fmt.Errorf("deploy: %s: %w", e.step.Name(), err)
		}
		log.WithError(err).Warn("step failed, continuing")
		warnings = append(warnings, err)
	}
	return warnings, nil
}

type Options struct {
	DryRun bool
	// Now defaults to time.Now.
	Now func() time.Time
	// Open defaults to OpenService.
	Open func(name string) (Controller, error)
	// Poll is the status polling interval used while stopping services.
	Poll time.Duration
}

// New builds the full deployment: stop services, promote the install path,
// rotate backups. Only the promotion is required.
func New(config app.DeployConfig, stopTimeout time.Duration, opts Options) (*Runner, error) {
	if config.InstallPath == "" {
		return nil, fmt.Errorf("deploy: install path is empty")
	}
	if opts.Open == nil {
		opts.Open = OpenService
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	runner := &Runner{}
	runner.Add(NewStopServices(config.Services, opts.Open, stopTimeout, opts.Poll, opts.DryRun))
	runner.Require(&Promote{
		Path:   config.InstallPath,
		Layout: config.TimestampLayout,
		Now:    opts.Now,
		DryRun: opts.DryRun,
	})
	runner.Add(&Rotate{
		Path:   config.InstallPath,
		Layout: config.TimestampLayout,
		Keep:   config.Keep,
		DryRun: opts.DryRun,
	})
	return runner, nil
}
