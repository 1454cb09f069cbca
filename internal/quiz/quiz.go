package quiz

import (
	"errors"
	"fmt"
)

type Status string

const (
	NotStarted Status = "not_started"
	InProgress Status = "in_progress"
	Passed     Status = "passed"
	Failed     Status = "failed"
)

var (
	ErrCompleted     = errors.New("quiz: already completed")
	ErrNotInProgress = errors.New("quiz: not in progress")
	ErrInvalidConfig = errors.New("quiz: invalid config")
)

// Config is the per-project quiz setup.
type Config struct {
	Enabled   bool `json:"enabled"`
	Questions int  `json:"questions"`
	Pass      int  `json:"pass"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Questions < 1 {
		return fmt.Errorf("%w: questions must be at least 1", ErrInvalidConfig)
	}
	if c.Pass < 1 {
		return fmt.Errorf("%w: pass must be at least 1", ErrInvalidConfig)
	}
	if c.Pass > c.Questions {
		return fmt.Errorf("%w: pass (%d) exceeds questions (%d)", ErrInvalidConfig, c.Pass, c.Questions)
	}
	return nil
}

type Result struct {
	Right int `json:"right"`
	Wrong int `json:"wrong"`
}

// Quiz is one user's progress through one project's quiz.
type Quiz struct {
	Status Status `json:"status"`
	Result Result `json:"result"`
	Config Config `json:"config"`
}

func New(config Config) Quiz {
	return Quiz{Status: NotStarted, Config: config}
}

func (q Quiz) Enabled() bool    { return q.Config.Enabled }
func (q Quiz) NotStarted() bool { return q.Status == NotStarted || q.Status == "" }
func (q Quiz) InProgress() bool { return q.Status == InProgress }
func (q Quiz) Passed() bool     { return q.Status == Passed }
func (q Quiz) Failed() bool     { return q.Status == Failed }
func (q Quiz) Completed() bool  { return q.Passed() || q.Failed() }

// Start moves a not started quiz of an enabled project into progress.
func (q *Quiz) Start() error {
	if q.Completed() {
		return ErrCompleted
	}
	if !q.NotStarted() {
		return nil
	}
	if !q.Config.Enabled {
		return fmt.Errorf("%w: quiz disabled", ErrNotInProgress)
	}
	q.Status = InProgress
	return nil
}

// Record counts an answer to a gold task and settles the outcome once the
// pass mark is reached or every question has been answered.
func (q *Quiz) Record(correct bool) error {
	if q.Completed() {
		return ErrCompleted
	}
	if !q.InProgress() {
		return ErrNotInProgress
	}

	if correct {
		q.Result.Right++
	} else {
		q.Result.Wrong++
	}

	switch {
	case q.Result.Right >= q.Config.Pass:
		q.Status = Passed
	case q.Result.Right+q.Result.Wrong >= q.Config.Questions:
		q.Status = Failed
	}
	return nil
}

func (q *Quiz) AddRight() error { return q.Record(true) }
func (q *Quiz) AddWrong() error { return q.Record(false) }

func (q *Quiz) Reset() {
	q.Status = NotStarted
	q.Result = Result{}
}
