// Package sched picks the next tasks to present to a user and locks them so
// that a task is never handed to more users than it still needs answers from.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/store"
)

var ErrInvalidOptions = errors.New("sched: invalid options")

type CandidateSource interface {
	Candidates(ctx context.Context, q store.CandidateQuery) ([]store.Candidate, error)
}

type Locker interface {
	Acquire(ctx context.Context, taskID, userID int64, limit int, ttl time.Duration) (bool, error)
}

type Options struct {
	Limit   int
	Offset  int
	OrderBy string
	Desc    bool
	// GoldOnly serves calibration tasks only, used while a quiz is running.
	GoldOnly bool
}

type Scheduler struct {
	tasks    CandidateSource
	locks    Locker
	policy   *access.Policy
	timeout  time.Duration
	maxLimit int
}

func New(tasks CandidateSource, locks Locker, policy *access.Policy, timeout time.Duration, maxLimit int) *Scheduler {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &Scheduler{tasks: tasks, locks: locks, policy: policy, timeout: timeout, maxLimit: maxLimit}
}

// Timeout is how long a presented task stays locked for the project.
func (s *Scheduler) Timeout(project *store.Project) time.Duration {
	if project.Info.Timeout > 0 {
		return time.Duration(project.Info.Timeout) * time.Second
	}
	return s.timeout
}

func (s *Scheduler) Limit(requested int) int {
	if requested <= 0 {
		return 1
	}
	return min(requested, s.maxLimit)
}

func (s *Scheduler) NewTasks(ctx context.Context, project *store.Project, user *store.User, opts Options) ([]store.Task, error) {
	if !store.ValidOrderBy(opts.OrderBy) {
		return nil, fmt.Errorf("%w: orderby %q", ErrInvalidOptions, opts.OrderBy)
	}
	if opts.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidOptions)
	}

	limit := s.Limit(opts.Limit)
	query := store.CandidateQuery{
		ProjectID:   project.ID,
		UserID:      user.ID,
		Calibration: calibration(project, opts.GoldOnly),
		OrderBy:     opts.OrderBy,
		Desc:        opts.Desc,
		Limit:       max(limit*4, 10),
		Offset:      opts.Offset,
	}
	if s.policy.Enabled() {
		query.Levels = access.Strings(s.policy.UserTaskLevels(user.AccessLevels()))
	}
	ttl := s.Timeout(project)

	tasks := make([]store.Task, 0, limit)
	for len(tasks) < limit {
		page, err := s.tasks.Candidates(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("sched: candidates for project %d: %w", project.ID, err)
		}
		for _, candidate := range page {
			remaining := candidate.NAnswers - candidate.NTaskRuns
			locked, err := s.locks.Acquire(ctx, candidate.ID, user.ID, remaining, ttl)
			if err != nil {
				return nil, fmt.Errorf("sched: lock task %d: %w", candidate.ID, err)
			}
			if !locked {
				continue
			}
			tasks = append(tasks, candidate.Task)
			if len(tasks) == limit {
				break
			}
		}
		if len(page) < query.Limit {
			break
		}
		query.Offset += len(page)
	}

	logrus.WithFields(logrus.Fields{
		"project":  project.ID,
		"user":     user.ID,
		"tasks":    len(tasks),
		"goldOnly": opts.GoldOnly,
	}).Debug("scheduled tasks")
	return tasks, nil
}

func calibration(project *store.Project, goldOnly bool) int {
	switch {
	case goldOnly:
		return 1
	case project.Info.EnableGold:
		return -1
	default:
		return 0
	}
}
