package access

import (
	"fmt"
	"slices"
)

// Policy answers access questions against a set of tables. A Policy without
// tables belongs to a public instance and allows everything.
type Policy struct {
	tables *Tables
}

func NewPolicy(tables *Tables) *Policy {
	return &Policy{tables: tables}
}

func (p *Policy) Enabled() bool {
	return p != nil && p.tables != nil
}

func (p *Policy) Tables() *Tables {
	if !p.Enabled() {
		return nil
	}
	return p.tables
}

// Validate fails when any level is not declared.
func (p *Policy) Validate(levels []Level) error {
	if !p.Enabled() {
		return nil
	}
	for _, l := range levels {
		if !p.tables.valid(l) {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, l)
		}
	}
	return nil
}

// UserProjectLevels lists every project level reachable with the user's levels.
func (p *Policy) UserProjectLevels(userLevels []Level) []Level {
	if !p.Enabled() {
		return nil
	}
	return p.tables.expand(userLevels, p.tables.ProjectLevelsForUserLevel, true)
}

// UserTaskLevels lists every task level reachable with the user's levels.
func (p *Policy) UserTaskLevels(userLevels []Level) []Level {
	if !p.Enabled() {
		return nil
	}
	return p.tables.expand(userLevels, p.tables.TaskLevelsForUserLevel, true)
}

// CanAccessProject reports whether a user may work on a project. Projects
// without levels are closed while the policy is enabled.
func (p *Policy) CanAccessProject(userLevels, projectLevels []Level) bool {
	if !p.Enabled() {
		return true
	}
	return intersects(projectLevels, p.UserProjectLevels(userLevels))
}

func (p *Policy) CanAccessTask(userLevels, taskLevels []Level) bool {
	if !p.Enabled() {
		return true
	}
	return intersects(taskLevels, p.UserTaskLevels(userLevels))
}

// CanAssignUser reports whether a user qualifies for an object at levels.
func (p *Policy) CanAssignUser(levels, userLevels []Level) bool {
	if !p.Enabled() {
		return true
	}
	if p.Validate(levels) != nil {
		return false
	}
	return intersects(levels, p.UserProjectLevels(userLevels))
}

// TaskLevelsForProject lists task levels a project with projectLevels accepts.
func (p *Policy) TaskLevelsForProject(projectLevels []Level) []Level {
	if !p.Enabled() {
		return nil
	}
	return p.tables.expand(projectLevels, p.tables.TaskLevelsForProjectLevel, false)
}

// ProjectLevelsForTask lists project levels a task with taskLevels may live in.
func (p *Policy) ProjectLevelsForTask(taskLevels []Level) []Level {
	if !p.Enabled() {
		return nil
	}
	return p.tables.expand(taskLevels, p.tables.ProjectLevelsForTaskLevel, false)
}

// UserLevelsForProject lists the user levels that qualify for a project.
func (p *Policy) UserLevelsForProject(projectLevels []Level) []Level {
	if !p.Enabled() {
		return nil
	}
	return p.tables.expand(projectLevels, p.tables.UserLevelsForProjectLevel, true)
}

// EnsureTaskFitsProject returns the levels the task should be stored with.
// A task without levels inherits the project's.
func (p *Policy) EnsureTaskFitsProject(taskLevels, projectLevels []Level) ([]Level, error) {
	if !p.Enabled() {
		return taskLevels, nil
	}
	if err := p.Validate(taskLevels); err != nil {
		return nil, err
	}
	if len(taskLevels) == 0 {
		return slices.Clone(projectLevels), nil
	}

	allowed := p.TaskLevelsForProject(projectLevels)
	for _, l := range taskLevels {
		if !slices.Contains(allowed, l) {
			return nil, fmt.Errorf("%w: task level %s not allowed in project levels %v", ErrInvalidLevel, l, projectLevels)
		}
	}
	return taskLevels, nil
}

// LevelsForUserType returns the levels a user type may be granted.
func (p *Policy) LevelsForUserType(userType string) ([]Level, bool) {
	if !p.Enabled() {
		return nil, false
	}
	levels, ok := p.tables.UserTypeLevels[userType]
	return levels, ok
}

// EnsureUserLevels checks levels granted to a user of the given type.
func (p *Policy) EnsureUserLevels(userType string, levels []Level) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.Validate(levels); err != nil {
		return err
	}
	allowed, ok := p.LevelsForUserType(userType)
	if !ok {
		return fmt.Errorf("%w: unknown user type %q", ErrInvalidLevel, userType)
	}
	for _, l := range levels {
		if !slices.Contains(allowed, l) {
			return fmt.Errorf("%w: %s not allowed for user type %q", ErrInvalidLevel, l, userType)
		}
	}
	return nil
}
