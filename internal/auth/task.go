// Package auth decides who may act on tasks and issues the tokens external
// clients present.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/taskhub/internal/store"
)

type Action string

const (
	Create Action = "create"
	Read   Action = "read"
	Update Action = "update"
	Delete Action = "delete"
)

var (
	ErrUnknownAction   = errors.New("auth: unknown action")
	ErrProjectNotFound = errors.New("auth: invalid project id")
)

type ProjectGetter interface {
	Get(ctx context.Context, id int64) (*store.Project, error)
}

type ResultChecker interface {
	HasResult(ctx context.Context, projectID, taskID int64) (bool, error)
}

// TaskAuth authorizes task actions. A nil user is anonymous.
type TaskAuth struct {
	projects ProjectGetter
	results  ResultChecker
}

func NewTaskAuth(projects ProjectGetter, results ResultChecker) *TaskAuth {
	return &TaskAuth{projects: projects, results: results}
}

func (a *TaskAuth) Can(ctx context.Context, user *store.User, action Action, task *store.Task) (bool, error) {
	switch action {
	case Create, Update:
		return a.adminOrSubadminOwner(ctx, user, task)
	case Read:
		return user != nil, nil
	case Delete:
		if user != nil && user.Admin {
			return true, nil
		}
		hasResult, err := a.results.HasResult(ctx, task.ProjectID, task.ID)
		if err != nil {
			return false, fmt.Errorf("auth: task %d result: %w", task.ID, err)
		}
		if hasResult {
			return false, nil
		}
		return a.adminOrSubadminOwner(ctx, user, task)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (a *TaskAuth) adminOrSubadminOwner(ctx context.Context, user *store.User, task *store.Task) (bool, error) {
	if user == nil {
		return false, nil
	}
	project, err := a.projects.Get(ctx, task.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: %d", ErrProjectNotFound, task.ProjectID)
	}
	if err != nil {
		return false, fmt.Errorf("auth: project %d: %w", task.ProjectID, err)
	}
	return user.Admin || (user.Subadmin && slices.Contains(project.OwnersIDs, user.ID)), nil
}
