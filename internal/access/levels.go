package access

import (
	"errors"
	"fmt"
	"slices"
)

// Level is an ordinal data classification shared by users, tasks and projects.
type Level string

const (
	L1 Level = "L1"
	L2 Level = "L2"
	L3 Level = "L3"
	L4 Level = "L4"
)

var ErrInvalidLevel = errors.New("access: invalid data access level")

// Tables are the compatibility tables between access levels. They are loaded
// once with the configuration and never mutated afterwards.
type Tables struct {
	Levels []Level `yaml:"valid_access_levels"`

	// Levels a user must hold, besides the project's own, to work on a project.
	UserLevelsForProjectLevel map[Level][]Level `yaml:"valid_user_levels_for_project_level"`
	// Levels a user may reach beyond their explicit ones.
	ProjectLevelsForUserLevel map[Level][]Level `yaml:"valid_project_levels_for_user_level"`
	TaskLevelsForUserLevel    map[Level][]Level `yaml:"valid_task_levels_for_user_level"`

	ProjectLevelsForTaskLevel map[Level][]Level `yaml:"valid_project_levels_for_task_level"`
	TaskLevelsForProjectLevel map[Level][]Level `yaml:"valid_task_levels_for_project_level"`

	UserTypeLevels map[string][]Level `yaml:"valid_user_access_levels_for_user_types"`
}

// DefaultTables treats L1 as the most restricted data.
func DefaultTables() *Tables {
	return &Tables{
		Levels: []Level{L1, L2, L3, L4},
		UserLevelsForProjectLevel: map[Level][]Level{
			L1: {}, L2: {L1}, L3: {L1, L2}, L4: {L1, L2, L3},
		},
		ProjectLevelsForUserLevel: map[Level][]Level{
			L1: {L2, L3, L4}, L2: {L3, L4}, L3: {L4}, L4: {},
		},
		TaskLevelsForUserLevel: map[Level][]Level{
			L1: {L2, L3, L4}, L2: {L3, L4}, L3: {L4}, L4: {},
		},
		ProjectLevelsForTaskLevel: map[Level][]Level{
			L1: {L1}, L2: {L1, L2}, L3: {L1, L2, L3}, L4: {L1, L2, L3, L4},
		},
		TaskLevelsForProjectLevel: map[Level][]Level{
			L1: {L1, L2, L3, L4}, L2: {L2, L3, L4}, L3: {L3, L4}, L4: {L4},
		},
		UserTypeLevels: map[string][]Level{
			"Full-time Employee": {L1, L2, L3, L4},
			"Part-time Employee": {L2, L3, L4},
			"Contractor":         {L3, L4},
			"Volunteer":          {L4},
		},
	}
}

func (t *Tables) valid(level Level) bool {
	return slices.Contains(t.Levels, level)
}

// Check verifies that every key and value of every table is a declared level.
func (t *Tables) Check() error {
	if len(t.Levels) == 0 {
		return fmt.Errorf("%w: no levels declared", ErrInvalidLevel)
	}

	var errs []error
	checkTable := func(name string, table map[Level][]Level) {
		for key, values := range table {
			if !t.valid(key) {
				errs = append(errs, fmt.Errorf("%w: %s key %q", ErrInvalidLevel, name, key))
			}
			for _, v := range values {
				if !t.valid(v) {
					errs = append(errs, fmt.Errorf("%w: %s[%s] value %q", ErrInvalidLevel, name, key, v))
				}
			}
		}
	}
	checkTable("valid_user_levels_for_project_level", t.UserLevelsForProjectLevel)
	checkTable("valid_project_levels_for_user_level", t.ProjectLevelsForUserLevel)
	checkTable("valid_task_levels_for_user_level", t.TaskLevelsForUserLevel)
	checkTable("valid_project_levels_for_task_level", t.ProjectLevelsForTaskLevel)
	checkTable("valid_task_levels_for_project_level", t.TaskLevelsForProjectLevel)

	for userType, values := range t.UserTypeLevels {
		for _, v := range values {
			if !t.valid(v) {
				errs = append(errs, fmt.Errorf("%w: user type %q value %q", ErrInvalidLevel, userType, v))
			}
		}
	}
	return errors.Join(errs...)
}

// expand returns levels together with everything table maps them to, in the
// order the tables declare levels.
func (t *Tables) expand(levels []Level, table map[Level][]Level, includeSelf bool) []Level {
	set := make(map[Level]bool, len(t.Levels))
	for _, l := range levels {
		if !t.valid(l) {
			continue
		}
		if includeSelf {
			set[l] = true
		}
		for _, implied := range table[l] {
			set[implied] = true
		}
	}

	out := make([]Level, 0, len(set))
	for _, l := range t.Levels {
		if set[l] {
			out = append(out, l)
		}
	}
	return out
}

// Strings converts levels for storage.
func Strings(levels []Level) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = string(l)
	}
	return out
}

// FromStrings converts stored levels back.
func FromStrings(values []string) []Level {
	out := make([]Level, len(values))
	for i, v := range values {
		out[i] = Level(v)
	}
	return out
}

func intersects(a, b []Level) bool {
	for _, l := range a {
		if slices.Contains(b, l) {
			return true
		}
	}
	return false
}
