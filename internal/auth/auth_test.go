package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/store"
)

type fakeProjects map[int64]*store.Project

func (f fakeProjects) Get(_ context.Context, id int64) (*store.Project, error) {
	p, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", store.ErrNotFound, id)
	}
	return p, nil
}

type fakeResults map[int64]bool

func (f fakeResults) HasResult(_ context.Context, _, taskID int64) (bool, error) {
	return f[taskID], nil
}

func TestTaskAuth(t *testing.T) {
	projects := fakeProjects{1: {ID: 1, OwnersIDs: []int64{20}}}
	results := fakeResults{101: true}
	taskAuth := NewTaskAuth(projects, results)

	admin := &store.User{ID: 10, Admin: true}
	owner := &store.User{ID: 20, Subadmin: true}
	subadmin := &store.User{ID: 30, Subadmin: true}
	ownerNotSubadmin := &store.User{ID: 20}
	worker := &store.User{ID: 40}

	task := &store.Task{ID: 100, ProjectID: 1}
	withResult := &store.Task{ID: 101, ProjectID: 1}

	tests := []struct {
		name   string
		user   *store.User
		action Action
		task   *store.Task
		want   bool
	}{
		{"anonymous create", nil, Create, task, false},
		{"admin create", admin, Create, task, true},
		{"subadmin owner create", owner, Create, task, true},
		{"subadmin not owner create", subadmin, Create, task, false},
		{"owner without subadmin update", ownerNotSubadmin, Update, task, false},
		{"worker update", worker, Update, task, false},
		{"anonymous read", nil, Read, task, false},
		{"worker read", worker, Read, task, true},
		{"admin delete with result", admin, Delete, withResult, true},
		{"owner delete with result", owner, Delete, withResult, false},
		{"owner delete", owner, Delete, task, true},
		{"worker delete", worker, Delete, task, false},
		{"anonymous delete", nil, Delete, task, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := taskAuth.Can(context.Background(), test.user, test.action, test.task)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestTaskAuthErrors(t *testing.T) {
	taskAuth := NewTaskAuth(fakeProjects{}, fakeResults{})
	user := &store.User{ID: 1, Subadmin: true}

	_, err := taskAuth.Can(context.Background(), user, Update, &store.Task{ID: 1, ProjectID: 99})
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = taskAuth.Can(context.Background(), user, Action("publish"), &store.Task{ID: 1})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestProjectToken(t *testing.T) {
	project := &store.Project{ID: 7, ShortName: "birds", SecretKey: "project-secret"}
	token, err := ProjectToken(project)
	require.NoError(t, err)

	require.NoError(t, AuthorizeProject(project, "Bearer "+token))

	assert.ErrorIs(t, AuthorizeProject(project, ""), ErrMissingToken)
	assert.ErrorIs(t, AuthorizeProject(project, token), ErrInvalidHeader)
	assert.ErrorIs(t, AuthorizeProject(project, "Basic "+token), ErrInvalidHeader)

	other := &store.Project{ID: 8, ShortName: "birds", SecretKey: "project-secret"}
	assert.ErrorIs(t, AuthorizeProject(other, "Bearer "+token), ErrInvalidToken)

	rotated := &store.Project{ID: 7, ShortName: "birds", SecretKey: "new-secret"}
	assert.ErrorIs(t, AuthorizeProject(rotated, "Bearer "+token), ErrInvalidToken)

	_, err = ProjectToken(&store.Project{ID: 9})
	assert.Error(t, err)
}

func TestSigner(t *testing.T) {
	signer := NewSigner("server-secret", time.Hour)
	now := time.Now()
	signer.now = func() time.Time { return now }

	signature, err := signer.Sign(5, 1)
	require.NoError(t, err)
	require.NoError(t, signer.Verify(signature, 5, 1))

	assert.ErrorIs(t, signer.Verify(signature, 6, 1), ErrInvalidSignature)
	assert.ErrorIs(t, signer.Verify("", 5, 1), ErrInvalidSignature)
	assert.ErrorIs(t, NewSigner("other", time.Hour).Verify(signature, 5, 1), ErrInvalidSignature)

	signer.now = func() time.Time { return now.Add(2 * time.Hour) }
	err = signer.Verify(signature, 5, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}
