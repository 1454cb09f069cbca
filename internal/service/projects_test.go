package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/store"
)

func TestQuizConfig(t *testing.T) {
	f := newFixture(false)
	f.addProject(1)
	owner := f.addUser(1)
	worker := f.addUser(5)
	service := NewProjectService(f.deps())
	ctx := context.Background()

	_, err := service.QuizConfig(ctx, worker, 1)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = service.QuizConfig(ctx, nil, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)

	invalid := quiz.Config{Enabled: true, Questions: 2, Pass: 3}
	assert.ErrorIs(t, service.UpdateQuizConfig(ctx, owner, 1, invalid), ErrBadRequest)

	config := quiz.Config{Enabled: true, Questions: 10, Pass: 7}
	require.NoError(t, service.UpdateQuizConfig(ctx, owner, 1, config))
	got, err := service.QuizConfig(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, config, got)
}

func TestResetQuiz(t *testing.T) {
	f := newFixture(false)
	project := f.addProject(1, func(p *store.Project) {
		p.Info.Quiz = quiz.Config{Enabled: true, Questions: 2, Pass: 1}
	})
	owner := f.addUser(1)
	worker := f.addUser(5)
	worker.SetQuiz(1, quiz.Quiz{Status: quiz.Passed, Result: quiz.Result{Right: 1}})
	service := NewProjectService(f.deps())
	ctx := context.Background()

	assert.ErrorIs(t, service.ResetQuiz(ctx, worker, 1, 5), ErrForbidden)
	assert.ErrorIs(t, service.ResetQuiz(ctx, owner, 1, 404), ErrNotFound)

	require.NoError(t, service.ResetQuiz(ctx, owner, 1, 5))
	q := worker.QuizFor(project)
	assert.True(t, q.NotStarted())
	assert.Equal(t, quiz.Result{}, q.Result)
	assert.Equal(t, project.Info.Quiz, q.Config)

	require.NoError(t, service.ResetQuiz(ctx, owner, 1, 1), "users without a quiz are left alone")
}

func TestAssignUsers(t *testing.T) {
	f := newFixture(true)
	f.addProject(1, func(p *store.Project) { p.DataAccess = []string{"L2"} })
	owner := f.addUser(1)
	f.addUser(5, func(u *store.User) { u.DataAccess = []string{"L1"} })
	f.addUser(6, func(u *store.User) { u.DataAccess = []string{"L2"} })
	f.addUser(7, func(u *store.User) { u.DataAccess = []string{"L4"} })
	service := NewProjectService(f.deps())
	ctx := context.Background()

	assignment, err := service.AssignableUsers(ctx, owner, 1)
	require.NoError(t, err)
	var ids []int64
	for _, u := range assignment.Users {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []int64{5, 6}, ids)
	assert.Empty(t, assignment.Assigned)

	assert.ErrorIs(t, service.AssignUsers(ctx, owner, 1, []int64{6, 7}), ErrBadRequest)
	assert.ErrorIs(t, service.AssignUsers(ctx, owner, 1, []int64{404}), ErrNotFound)

	require.NoError(t, service.AssignUsers(ctx, owner, 1, []int64{6, 5, 6}))
	assignment, err = service.AssignableUsers(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, assignment.Assigned)
}

func TestAssignUsersNeedsDataAccess(t *testing.T) {
	f := newFixture(false)
	f.addProject(1)
	owner := f.addUser(1)
	service := NewProjectService(f.deps())

	_, err := service.AssignableUsers(context.Background(), owner, 1)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.ErrorIs(t, service.AssignUsers(context.Background(), owner, 1, []int64{1}), ErrBadRequest)
}

func TestProjectTokenAndSecretReset(t *testing.T) {
	f := newFixture(false)
	project := f.addProject(1)
	owner := f.addUser(1)
	service := NewProjectService(f.deps())
	ctx := context.Background()

	_, err := service.ProjectToken(ctx, "project1", "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = service.ProjectToken(ctx, "project1", "wrong")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = service.ProjectToken(ctx, "nope", "secret")
	assert.ErrorIs(t, err, ErrNotFound)

	token, err := service.ProjectToken(ctx, "project1", "secret")
	require.NoError(t, err)
	require.NoError(t, auth.AuthorizeProject(project, "Bearer "+token))

	secret, err := service.ResetSecretKey(ctx, owner, 1)
	require.NoError(t, err)
	assert.NotEqual(t, "secret", secret)
	assert.ErrorIs(t, auth.AuthorizeProject(f.projects.items[1], "Bearer "+token), auth.ErrInvalidToken)

	_, err = service.ResetSecretKey(ctx, f.addUser(5), 1)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateProject(t *testing.T) {
	f := newFixture(true)
	owner := f.addUser(1)
	service := NewProjectService(f.deps())
	ctx := context.Background()

	_, err := service.CreateProject(ctx, owner, &store.Project{ShortName: "Bad Name"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = service.CreateProject(ctx, owner, &store.Project{ShortName: "birds", DataAccess: []string{"L9"}})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = service.CreateProject(ctx, nil, &store.Project{ShortName: "birds"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	project, err := service.CreateProject(ctx, owner, &store.Project{ShortName: "birds", DataAccess: []string{"L2"}})
	require.NoError(t, err)
	assert.Equal(t, "birds", project.Name)
	assert.Equal(t, []int64{1}, project.OwnersIDs)
	assert.NotEmpty(t, project.SecretKey)

	_, err = service.CreateProject(ctx, owner, &store.Project{ShortName: "birds"})
	assert.ErrorIs(t, err, ErrConflict)

	projects, err := service.List(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestCreateUser(t *testing.T) {
	f := newFixture(true)
	service := NewUserService(f.deps())
	ctx := context.Background()

	user, err := service.CreateUser(ctx, NewUser{Name: "ada", UserType: "Contractor"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L3", "L4"}, user.DataAccess, "defaults to the user type levels")
	assert.NotEmpty(t, user.APIKey)

	_, err = service.CreateUser(ctx, NewUser{Name: "bob", UserType: "Contractor", DataAccess: []string{"L1"}})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = service.CreateUser(ctx, NewUser{Name: "eve", UserType: "Robot"})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = service.CreateUser(ctx, NewUser{Name: " "})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = service.CreateUser(ctx, NewUser{Name: "ada", UserType: "Volunteer"})
	assert.ErrorIs(t, err, ErrConflict)

	found, err := service.Authenticate(ctx, user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	anonymous, err := service.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, anonymous)

	_, err = service.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := service.SetDataAccess(ctx, user.ID, []string{"L4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L4"}, updated.DataAccess)
	_, err = service.SetDataAccess(ctx, user.ID, []string{"L2"})
	assert.ErrorIs(t, err, ErrBadRequest)
}
