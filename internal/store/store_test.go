package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/quiz"
)

func TestValidOrderBy(t *testing.T) {
	for _, column := range []string{"", "id", "priority_0", "created"} {
		assert.True(t, ValidOrderBy(column), column)
	}
	assert.False(t, ValidOrderBy("info; DROP TABLE task"))
}

func TestJSONHelpers(t *testing.T) {
	assert.Nil(t, nullableJSON(nil))
	assert.Equal(t, []byte(`{"a":1}`), nullableJSON(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, []byte("{}"), rawJSON(nil))
	assert.Equal(t, map[string]any{}, nonNilInfo(nil))
	assert.Equal(t, []string{}, nonNil[string](nil))
}

func TestUserQuiz(t *testing.T) {
	project := &Project{ID: 4, Info: ProjectInfo{Quiz: quiz.Config{Enabled: true, Questions: 3, Pass: 2}}}
	user := &User{}

	q := user.QuizFor(project)
	assert.Equal(t, quiz.NotStarted, q.Status)
	assert.Equal(t, project.Info.Quiz, q.Config)

	require.NoError(t, q.Start())
	user.SetQuiz(project.ID, q)
	user.ResetQuiz(99)

	project.Info.Quiz.Pass = 3
	q = user.QuizFor(project)
	assert.Equal(t, quiz.InProgress, q.Status)
	assert.Equal(t, 3, q.Config.Pass, "the project's config wins over the stored one")

	user.ResetQuiz(project.ID)
	assert.Equal(t, quiz.NotStarted, user.QuizFor(project).Status)
}

func TestSecretsAreNotSerialized(t *testing.T) {
	data, err := json.Marshal([]any{
		User{Name: "ann", APIKey: "user-secret"},
		Project{ShortName: "birds", SecretKey: "project-secret"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestProjectOwners(t *testing.T) {
	project := &Project{OwnerID: 1, OwnersIDs: []int64{1, 5}}
	assert.True(t, project.IsOwner(1))
	assert.True(t, project.IsOwner(5))
	assert.False(t, project.IsOwner(2))
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TASKHUB_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TASKHUB_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, app.DatabaseConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), app.DatabaseConfig{})
	assert.Error(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users, projects, tasks := NewUserStore(pool), NewProjectStore(pool), NewTaskStore(pool)

	user := &User{Name: "user-" + uuid.NewString(), APIKey: uuid.NewString(), DataAccess: []string{"L1"}}
	_, err := users.Create(ctx, user)
	require.NoError(t, err)
	_, err = users.Create(ctx, &User{Name: user.Name, APIKey: uuid.NewString()})
	require.ErrorIs(t, err, ErrDuplicate)

	found, err := users.GetByAPIKey(ctx, user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	project := &Project{ShortName: "p-" + uuid.NewString(), Name: "Birds", OwnerID: user.ID, SecretKey: "s"}
	_, err = projects.Create(ctx, project)
	require.NoError(t, err)

	first := &Task{ProjectID: project.ID, NAnswers: 2, Priority: 0.9, Info: map[string]any{"n": 1.0}}
	second := &Task{ProjectID: project.ID, Priority: 0.5, Info: map[string]any{"n": 2.0}}
	gold := &Task{ProjectID: project.ID, Calibration: 1, GoldAnswers: json.RawMessage(`{"a":"x"}`), Info: map[string]any{"n": 3.0}}
	for _, task := range []*Task{first, second, gold} {
		_, err := tasks.Create(ctx, task)
		require.NoError(t, err)
	}

	candidates, err := tasks.Candidates(ctx, CandidateQuery{ProjectID: project.ID, UserID: user.ID, Calibration: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, first.ID, candidates[0].ID)
	assert.Equal(t, second.ID, candidates[1].ID)

	now := time.Now()
	completed, err := tasks.SaveTaskRun(ctx, &TaskRun{ProjectID: project.ID, TaskID: second.ID, UserID: user.ID, Created: now, FinishTime: now})
	require.NoError(t, err)
	assert.True(t, completed)
	_, err = tasks.SaveTaskRun(ctx, &TaskRun{ProjectID: project.ID, TaskID: second.ID, UserID: user.ID, Created: now, FinishTime: now})
	require.ErrorIs(t, err, ErrDuplicate)

	hasResult, err := tasks.HasResult(ctx, project.ID, second.ID)
	require.NoError(t, err)
	assert.True(t, hasResult)

	candidates, err = tasks.Candidates(ctx, CandidateQuery{ProjectID: project.ID, UserID: user.ID, Calibration: -1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, first.ID, candidates[0].ID)
	assert.Equal(t, gold.ID, candidates[1].ID)

	id, ok, err := tasks.FindDuplicate(ctx, project.ID, map[string]any{"n": 1.0})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.ID, id)
	_, ok, err = tasks.FindDuplicate(ctx, project.ID, map[string]any{"n": 2.0})
	require.NoError(t, err)
	assert.False(t, ok, "completed tasks are not duplicates")

	require.NoError(t, tasks.UpdateRedundancy(ctx, project.ID, 2, nil))
	reopened, err := tasks.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateOngoing, reopened.State)
	hasResult, err = tasks.HasResult(ctx, project.ID, second.ID)
	require.NoError(t, err)
	assert.False(t, hasResult)
	require.ErrorIs(t, tasks.UpdateRedundancy(ctx, project.ID, 0, nil), ErrInvalidRedundancy)

	updated, err := tasks.UpdatePriority(ctx, project.ID, 7, []int64{gold.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)
	clamped, err := tasks.Get(ctx, gold.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, clamped.Priority)
	assert.JSONEq(t, `{"a":"x"}`, string(clamped.GoldAnswers))

	runs, err := tasks.DeleteTaskRuns(ctx, project.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, runs)
	done, err := tasks.CountUserTaskRuns(ctx, project.ID, user.ID)
	require.NoError(t, err)
	assert.Zero(t, done)

	deleted, err := tasks.DeleteValid(ctx, project.ID, false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	_, err = tasks.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateQuiz(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users, projects := NewUserStore(pool), NewProjectStore(pool)

	user := &User{Name: "user-" + uuid.NewString(), APIKey: uuid.NewString()}
	_, err := users.Create(ctx, user)
	require.NoError(t, err)
	project := &Project{ShortName: "p-" + uuid.NewString(), Name: "Quiz", OwnerID: user.ID, SecretKey: "s",
		Info: ProjectInfo{Quiz: quiz.Config{Enabled: true, Questions: 2, Pass: 2}}}
	_, err = projects.Create(ctx, project)
	require.NoError(t, err)

	_, err = users.UpdateQuiz(ctx, user.ID, project, func(q *quiz.Quiz) error { return q.Start() })
	require.NoError(t, err)
	updated, err := users.UpdateQuiz(ctx, user.ID, project, func(q *quiz.Quiz) error { return q.Record(true) })
	require.NoError(t, err)
	assert.Equal(t, quiz.Result{Right: 1}, updated.QuizFor(project).Result)

	_, err = users.UpdateQuiz(ctx, user.ID, project, func(q *quiz.Quiz) error {
		q.Result.Right = 99
		return quiz.ErrCompleted
	})
	require.ErrorIs(t, err, quiz.ErrCompleted)

	stored, err := users.Get(ctx, user.ID)
	require.NoError(t, err)
	q := stored.QuizFor(project)
	assert.Equal(t, quiz.InProgress, q.Status)
	assert.Equal(t, quiz.Result{Right: 1}, q.Result)

	_, err = users.UpdateQuiz(ctx, -1, project, func(*quiz.Quiz) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
