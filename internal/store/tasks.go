package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhub/internal/access"
)

const (
	StateOngoing   = "ongoing"
	StateCompleted = "completed"
)

var (
	ErrInvalidRedundancy = errors.New("store: n_answers must be between 1 and 1000")
	ErrInvalidOrder      = errors.New("store: invalid order column")
)

type Task struct {
	ID          int64           `json:"id"`
	Created     time.Time       `json:"created"`
	ProjectID   int64           `json:"project_id"`
	State       string          `json:"state"`
	NAnswers    int             `json:"n_answers"`
	Priority    float64         `json:"priority_0"`
	Calibration int             `json:"calibration"`
	GoldAnswers json.RawMessage `json:"gold_answers,omitempty"`
	Exported    bool            `json:"exported"`
	DataAccess  []string        `json:"data_access,omitempty"`
	Info        map[string]any  `json:"info"`
}

func (t *Task) AccessLevels() []access.Level {
	return access.FromStrings(t.DataAccess)
}

func (t *Task) IsGold() bool {
	return t.Calibration == 1
}

type TaskRun struct {
	ID         int64           `json:"id"`
	Created    time.Time       `json:"created"`
	ProjectID  int64           `json:"project_id"`
	TaskID     int64           `json:"task_id"`
	UserID     int64           `json:"user_id"`
	FinishTime time.Time       `json:"finish_time"`
	Info       json.RawMessage `json:"info"`
}

// Candidate is a task eligible for scheduling with its current answer count.
type Candidate struct {
	Task
	NTaskRuns int
}

// CandidateQuery selects tasks a user can be presented.
type CandidateQuery struct {
	ProjectID int64
	UserID    int64
	// Calibration restricts to gold (1) or regular (0) tasks; negative means both.
	Calibration int
	// Levels restricts to tasks sharing any level; nil means unrestricted.
	Levels  []string
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

var orderColumns = map[string]string{
	"id":         "t.id",
	"priority_0": "t.priority_0",
	"created":    "t.created",
}

func ValidOrderBy(column string) bool {
	_, ok := orderColumns[column]
	return column == "" || ok
}

type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `t.id, t.created, t.project_id, t.state, t.n_answers, t.priority_0, t.calibration,
	t.gold_answers, t.exported, t.data_access, t.info`

func scanTask(row rowScanner, extra ...any) (*Task, error) {
	var t Task
	dest := []any{&t.ID, &t.Created, &t.ProjectID, &t.State, &t.NAnswers, &t.Priority, &t.Calibration,
		&t.GoldAnswers, &t.Exported, &t.DataAccess, &t.Info}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &t, nil
}

func (store *TaskStore) Get(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(store.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task t WHERE t.id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("task %d", id))
	}
	return t, nil
}

func (store *TaskStore) Create(ctx context.Context, task *Task) (int64, error) {
	if task.State == "" {
		task.State = StateOngoing
	}
	if task.NAnswers == 0 {
		task.NAnswers = 1
	}

	var id int64
	err := store.pool.QueryRow(ctx, `
		INSERT INTO task (project_id, state, n_answers, priority_0, calibration, gold_answers, exported, data_access, info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created
	`, task.ProjectID, task.State, task.NAnswers, task.Priority, task.Calibration, nullableJSON(task.GoldAnswers),
		task.Exported, nonNil(task.DataAccess), nonNilInfo(task.Info)).Scan(&id, &task.Created)
	if err != nil {
		return 0, fmt.Errorf("store: task create: %w", err)
	}
	task.ID = id
	return id, nil
}

func (store *TaskStore) Update(ctx context.Context, task *Task) error {
	tag, err := store.pool.Exec(ctx, `
		UPDATE task
		SET state = $1, n_answers = $2, priority_0 = $3, calibration = $4, gold_answers = $5,
			exported = $6, data_access = $7, info = $8
		WHERE id = $9
	`, task.State, task.NAnswers, task.Priority, task.Calibration, nullableJSON(task.GoldAnswers),
		task.Exported, nonNil(task.DataAccess), nonNilInfo(task.Info), task.ID)
	if err != nil {
		return fmt.Errorf("store: task update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %d", ErrNotFound, task.ID)
	}
	return nil
}

// Delete removes a task together with its runs and results.
func (store *TaskStore) Delete(ctx context.Context, id int64) error {
	tag, err := store.pool.Exec(ctx, `DELETE FROM task WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: task delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %d", ErrNotFound, id)
	}
	return nil
}

func (store *TaskStore) HasResult(ctx context.Context, projectID, taskID int64) (bool, error) {
	var exists bool
	err := store.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM result WHERE project_id = $1 AND task_id = $2)`,
		projectID, taskID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: task has result: %w", err)
	}
	return exists, nil
}

// Candidates lists ongoing tasks below their redundancy that the user has not
// answered yet.
func (store *TaskStore) Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	order := "t.priority_0 DESC, t.id ASC"
	if q.OrderBy != "" {
		column, ok := orderColumns[q.OrderBy]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOrder, q.OrderBy)
		}
		direction := "ASC"
		if q.Desc {
			direction = "DESC"
		}
		order = fmt.Sprintf("%s %s, t.id ASC", column, direction)
	}

	rows, err := store.pool.Query(ctx, `
		SELECT `+taskColumns+`, COALESCE(r.n, 0) AS n_task_runs
		FROM task t
		LEFT JOIN (
			SELECT task_id, count(*) AS n FROM task_run WHERE project_id = $1 GROUP BY task_id
		) r ON r.task_id = t.id
		WHERE t.project_id = $1
			AND t.state = 'ongoing'
			AND COALESCE(r.n, 0) < t.n_answers
			AND NOT EXISTS (SELECT 1 FROM task_run tr WHERE tr.task_id = t.id AND tr.user_id = $2)
			AND ($3::int < 0 OR t.calibration = $3)
			AND ($4::text[] IS NULL OR t.data_access && $4)
		ORDER BY `+order+`
		LIMIT $5 OFFSET $6
	`, q.ProjectID, q.UserID, q.Calibration, q.Levels, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("store: task candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, q.Limit)
	for rows.Next() {
		var n int
		t, err := scanTask(rows, &n)
		if err != nil {
			return nil, fmt.Errorf("store: task candidates scan: %w", err)
		}
		out = append(out, Candidate{Task: *t, NTaskRuns: n})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: task candidates rows: %w", err)
	}
	return out, nil
}

func (store *TaskStore) CountTasks(ctx context.Context, projectID int64) (int, error) {
	var n int
	if err := store.pool.QueryRow(ctx, `SELECT count(*) FROM task WHERE project_id = $1`, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count tasks: %w", err)
	}
	return n, nil
}

// CountAvailable counts ongoing tasks the user has not answered, optionally
// restricted to tasks sharing any of levels.
func (store *TaskStore) CountAvailable(ctx context.Context, projectID, userID int64, levels []string) (int, error) {
	var n int
	err := store.pool.QueryRow(ctx, `
		SELECT count(*) FROM task t
		WHERE t.project_id = $1
			AND t.state = 'ongoing'
			AND NOT EXISTS (SELECT 1 FROM task_run tr WHERE tr.task_id = t.id AND tr.user_id = $2)
			AND ($3::text[] IS NULL OR t.data_access && $3)
	`, projectID, userID, levels).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count available: %w", err)
	}
	return n, nil
}

func (store *TaskStore) CountUserTaskRuns(ctx context.Context, projectID, userID int64) (int, error) {
	var n int
	err := store.pool.QueryRow(ctx,
		`SELECT count(*) FROM task_run WHERE project_id = $1 AND user_id = $2`, projectID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count task runs: %w", err)
	}
	return n, nil
}

func (store *TaskStore) UserHasTaskRun(ctx context.Context, projectID, userID int64) (bool, error) {
	n, err := store.CountUserTaskRuns(ctx, projectID, userID)
	return n > 0, err
}

// SaveTaskRun stores an answer and completes the task, creating a new result
// version, once it reaches its redundancy.
func (store *TaskStore) SaveTaskRun(ctx context.Context, run *TaskRun) (bool, error) {
	var completed bool
	err := WithTransaction(ctx, store.pool, func(tx pgx.Tx) error {
		var nAnswers int
		err := tx.QueryRow(ctx, `SELECT n_answers FROM task WHERE id = $1 FOR UPDATE`, run.TaskID).Scan(&nAnswers)
		if err != nil {
			return notFound(err, fmt.Sprintf("task %d", run.TaskID))
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO task_run (project_id, task_id, user_id, created, finish_time, info)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, run.ProjectID, run.TaskID, run.UserID, run.Created, run.FinishTime, rawJSON(run.Info)).Scan(&run.ID)
		if uniqueViolation(err) {
			return fmt.Errorf("%w: task run for task %d by user %d", ErrDuplicate, run.TaskID, run.UserID)
		}
		if err != nil {
			return fmt.Errorf("store: task run insert: %w", err)
		}

		var runIDs []int64
		if err := tx.QueryRow(ctx,
			`SELECT array_agg(id ORDER BY id) FROM task_run WHERE task_id = $1`, run.TaskID).Scan(&runIDs); err != nil {
			return fmt.Errorf("store: task run ids: %w", err)
		}
		if len(runIDs) < nAnswers {
			return nil
		}

		completed = true
		return completeTasks(ctx, tx, run.ProjectID, []int64{run.TaskID}, [][]int64{runIDs})
	})
	return completed, err
}

func completeTasks(ctx context.Context, q queryer, projectID int64, taskIDs []int64, runIDs [][]int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `UPDATE task SET state = 'completed' WHERE id = ANY($1)`, taskIDs); err != nil {
		return fmt.Errorf("store: complete tasks: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE result SET last_version = false WHERE task_id = ANY($1)`, taskIDs); err != nil {
		return fmt.Errorf("store: retire results: %w", err)
	}
	for i, taskID := range taskIDs {
		_, err := q.Exec(ctx, `
			INSERT INTO result (project_id, task_id, task_run_ids, last_version)
			VALUES ($1, $2, $3, true)
		`, projectID, taskID, runIDs[i])
		if err != nil {
			return fmt.Errorf("store: insert result: %w", err)
		}
	}
	return nil
}

// UpdateRedundancy sets n_answers for the project's tasks (all of them when
// taskIDs is nil) and recomputes their state and results.
func (store *TaskStore) UpdateRedundancy(ctx context.Context, projectID int64, nAnswers int, taskIDs []int64) error {
	if nAnswers < 1 || nAnswers > 1000 {
		return ErrInvalidRedundancy
	}

	return WithTransaction(ctx, store.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE task SET n_answers = $2, state = 'ongoing'
			WHERE project_id = $1 AND ($3::bigint[] IS NULL OR id = ANY($3))
		`, projectID, nAnswers, taskIDs)
		if err != nil {
			return fmt.Errorf("store: update redundancy: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT t.id, array_agg(tr.id ORDER BY tr.id)
			FROM task t JOIN task_run tr ON tr.task_id = t.id
			WHERE t.project_id = $1 AND ($3::bigint[] IS NULL OR t.id = ANY($3))
			GROUP BY t.id
			HAVING count(tr.id) >= $2
		`, projectID, nAnswers, taskIDs)
		if err != nil {
			return fmt.Errorf("store: completed tasks: %w", err)
		}
		var completedIDs []int64
		var completedRuns [][]int64
		for rows.Next() {
			var id int64
			var runs []int64
			if err := rows.Scan(&id, &runs); err != nil {
				rows.Close()
				return fmt.Errorf("store: completed tasks scan: %w", err)
			}
			completedIDs = append(completedIDs, id)
			completedRuns = append(completedRuns, runs)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: completed tasks rows: %w", err)
		}

		if err := completeTasks(ctx, tx, projectID, completedIDs, completedRuns); err != nil {
			return err
		}

		// Raising redundancy reopens tasks, their results no longer hold.
		_, err = tx.Exec(ctx, `
			DELETE FROM result
			WHERE project_id = $1
				AND ($2::bigint[] IS NULL OR task_id = ANY($2))
				AND NOT (task_id = ANY($3))
		`, projectID, taskIDs, nonNil(completedIDs))
		if err != nil {
			return fmt.Errorf("store: delete stale results: %w", err)
		}
		return nil
	})
}

// UpdatePriority sets priority_0, clamped to [0, 1].
func (store *TaskStore) UpdatePriority(ctx context.Context, projectID int64, priority float64, taskIDs []int64) (int64, error) {
	priority = min(1.0, max(0.0, priority))
	tag, err := store.pool.Exec(ctx, `
		UPDATE task SET priority_0 = $2
		WHERE project_id = $1 AND ($3::bigint[] IS NULL OR id = ANY($3))
	`, projectID, priority, taskIDs)
	if err != nil {
		return 0, fmt.Errorf("store: update priority: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FindDuplicate returns the id of an ongoing task of the project with the
// same info document.
func (store *TaskStore) FindDuplicate(ctx context.Context, projectID int64, info map[string]any) (int64, bool, error) {
	var id int64
	err := store.pool.QueryRow(ctx, `
		SELECT id FROM task
		WHERE project_id = $1 AND state = 'ongoing' AND md5(info::text) = md5(($2::jsonb)::text)
		LIMIT 1
	`, projectID, nonNilInfo(info)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: find duplicate: %w", err)
	}
	return id, true, nil
}

// DeleteValid removes the project's tasks that have no result. With force,
// every task, task run and result of the project goes.
func (store *TaskStore) DeleteValid(ctx context.Context, projectID int64, force bool) (int64, error) {
	var deleted int64
	err := WithTransaction(ctx, store.pool, func(tx pgx.Tx) error {
		if force {
			if _, err := tx.Exec(ctx, `DELETE FROM result WHERE project_id = $1`, projectID); err != nil {
				return fmt.Errorf("store: delete results: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM task_run WHERE project_id = $1`, projectID); err != nil {
				return fmt.Errorf("store: delete task runs: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM task WHERE project_id = $1
			AND id NOT IN (SELECT task_id FROM result WHERE project_id = $1)
		`, projectID)
		if err != nil {
			return fmt.Errorf("store: delete tasks: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// DeleteTaskRuns removes every answer of the project together with the
// results built from them, and reopens the project's tasks.
func (store *TaskStore) DeleteTaskRuns(ctx context.Context, projectID int64) (int64, error) {
	var deleted int64
	err := WithTransaction(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM result WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("store: delete results: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM task_run WHERE project_id = $1`, projectID)
		if err != nil {
			return fmt.Errorf("store: delete task runs: %w", err)
		}
		deleted = tag.RowsAffected()
		if _, err := tx.Exec(ctx, `UPDATE task SET state = 'ongoing' WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("store: reopen tasks: %w", err)
		}
		return nil
	})
	return deleted, err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func nonNilInfo(info map[string]any) map[string]any {
	if info == nil {
		return map[string]any{}
	}
	return info
}
