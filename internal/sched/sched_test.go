package sched

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/store"
)

type fakeSource struct {
	candidates []store.Candidate
	queries    []store.CandidateQuery
}

func (f *fakeSource) Candidates(_ context.Context, q store.CandidateQuery) ([]store.Candidate, error) {
	f.queries = append(f.queries, q)
	var matched []store.Candidate
	for _, c := range f.candidates {
		if q.Calibration >= 0 && c.Calibration != q.Calibration {
			continue
		}
		if q.Levels != nil && !slices.ContainsFunc(c.DataAccess, func(l string) bool { return slices.Contains(q.Levels, l) }) {
			continue
		}
		matched = append(matched, c)
	}
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

type fakeLocker struct {
	holders map[int64][]int64
	ttls    []time.Duration
}

func (f *fakeLocker) Acquire(_ context.Context, taskID, userID int64, limit int, ttl time.Duration) (bool, error) {
	if f.holders == nil {
		f.holders = map[int64][]int64{}
	}
	f.ttls = append(f.ttls, ttl)
	holders := f.holders[taskID]
	if slices.Contains(holders, userID) {
		return true, nil
	}
	if len(holders) >= limit {
		return false, nil
	}
	f.holders[taskID] = append(holders, userID)
	return true, nil
}

func candidate(id int64, calibration int, levels ...string) store.Candidate {
	return store.Candidate{Task: store.Task{ID: id, ProjectID: 1, NAnswers: 1, Calibration: calibration, DataAccess: levels}}
}

func ids(tasks []store.Task) []int64 {
	out := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestNewTasksDefaultsToOne(t *testing.T) {
	source := &fakeSource{candidates: []store.Candidate{candidate(1, 0), candidate(2, 0)}}
	scheduler := New(source, &fakeLocker{}, nil, time.Hour, 100)

	tasks, err := scheduler.NewTasks(context.Background(), &store.Project{ID: 1}, &store.User{ID: 9}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(tasks))
	assert.Nil(t, source.queries[0].Levels, "disabled policy does not filter")
	assert.Equal(t, 0, source.queries[0].Calibration, "gold excluded by default")
}

func TestNewTasksLockedTasksAreSkipped(t *testing.T) {
	source := &fakeSource{candidates: []store.Candidate{candidate(1, 0), candidate(2, 0), candidate(3, 0)}}
	locker := &fakeLocker{}
	scheduler := New(source, locker, nil, time.Hour, 100)
	project := &store.Project{ID: 1}

	first, err := scheduler.NewTasks(context.Background(), project, &store.User{ID: 1}, Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(first))

	second, err := scheduler.NewTasks(context.Background(), project, &store.User{ID: 2}, Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(second), "tasks 1 and 2 need a single answer and are locked")

	again, err := scheduler.NewTasks(context.Background(), project, &store.User{ID: 1}, Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(again), "a holder gets its locked tasks back")
}

func TestNewTasksPagesPastLockedCandidates(t *testing.T) {
	var candidates []store.Candidate
	for id := int64(1); id <= 25; id++ {
		candidates = append(candidates, candidate(id, 0))
	}
	source := &fakeSource{candidates: candidates}
	locker := &fakeLocker{holders: map[int64][]int64{}}
	for id := int64(1); id <= 20; id++ {
		locker.holders[id] = []int64{100}
	}
	scheduler := New(source, locker, nil, time.Hour, 100)

	tasks, err := scheduler.NewTasks(context.Background(), &store.Project{ID: 1}, &store.User{ID: 1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int64{21}, ids(tasks))
	assert.Len(t, source.queries, 3)
}

func TestNewTasksGold(t *testing.T) {
	source := &fakeSource{candidates: []store.Candidate{candidate(1, 0), candidate(2, 1)}}

	scheduler := New(source, &fakeLocker{}, nil, time.Hour, 100)
	tasks, err := scheduler.NewTasks(context.Background(), &store.Project{ID: 1}, &store.User{ID: 1}, Options{GoldOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(tasks))

	project := &store.Project{ID: 1, Info: store.ProjectInfo{EnableGold: true}}
	_, err = scheduler.NewTasks(context.Background(), project, &store.User{ID: 2}, Options{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, -1, source.queries[len(source.queries)-1].Calibration)
}

func TestNewTasksDataAccess(t *testing.T) {
	source := &fakeSource{candidates: []store.Candidate{candidate(1, 0, "L1"), candidate(2, 0, "L3"), candidate(3, 0, "L4")}}
	policy := access.NewPolicy(access.DefaultTables())
	scheduler := New(source, &fakeLocker{}, policy, time.Hour, 100)

	user := &store.User{ID: 1, DataAccess: []string{"L3"}}
	tasks, err := scheduler.NewTasks(context.Background(), &store.Project{ID: 1}, user, Options{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids(tasks))

	nobody := &store.User{ID: 2}
	tasks, err = scheduler.NewTasks(context.Background(), &store.Project{ID: 1}, nobody, Options{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestNewTasksOptions(t *testing.T) {
	scheduler := New(&fakeSource{}, &fakeLocker{}, nil, time.Hour, 100)
	ctx := context.Background()

	_, err := scheduler.NewTasks(ctx, &store.Project{ID: 1}, &store.User{ID: 1}, Options{OrderBy: "info"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = scheduler.NewTasks(ctx, &store.Project{ID: 1}, &store.User{ID: 1}, Options{Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	assert.Equal(t, 1, scheduler.Limit(0))
	assert.Equal(t, 100, scheduler.Limit(500))
	assert.Equal(t, 7, scheduler.Limit(7))
}

func TestTimeout(t *testing.T) {
	locker := &fakeLocker{}
	scheduler := New(&fakeSource{candidates: []store.Candidate{candidate(1, 0)}}, locker, nil, time.Hour, 100)
	assert.Equal(t, time.Hour, scheduler.Timeout(&store.Project{}))

	project := &store.Project{ID: 1, Info: store.ProjectInfo{Timeout: 90}}
	assert.Equal(t, 90*time.Second, scheduler.Timeout(project))

	_, err := scheduler.NewTasks(context.Background(), project, &store.User{ID: 1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{90 * time.Second}, locker.ttls)
}
