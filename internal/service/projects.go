package service

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/store"
)

var shortNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

type ProjectService struct {
	users    UserRepo
	projects ProjectRepo
	policy   *access.Policy
}

func NewProjectService(deps *Dependencies) *ProjectService {
	return &ProjectService{
		users:    deps.Users,
		projects: deps.Projects,
		policy:   deps.Config.AccessPolicy(),
	}
}

func (service *ProjectService) owned(ctx context.Context, user *store.User, projectID int64) (*store.Project, error) {
	if user == nil {
		return nil, ErrUnauthorized
	}
	project, err := service.projects.Get(ctx, projectID)
	if err != nil {
		return nil, classify(err)
	}
	if !user.Admin && !project.IsOwner(user.ID) {
		return nil, fmt.Errorf("%w: not an owner of project %d", ErrForbidden, projectID)
	}
	return project, nil
}

func (service *ProjectService) List(ctx context.Context) ([]store.Project, error) {
	projects, err := service.projects.List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return projects, nil
}

func (service *ProjectService) Get(ctx context.Context, projectID int64) (*store.Project, error) {
	project, err := service.projects.Get(ctx, projectID)
	if err != nil {
		return nil, classify(err)
	}
	return project, nil
}

// CreateProject stores a new project owned by owner with a fresh secret key.
func (service *ProjectService) CreateProject(ctx context.Context, owner *store.User, project *store.Project) (*store.Project, error) {
	if owner == nil {
		return nil, ErrUnauthorized
	}
	if !shortNamePattern.MatchString(project.ShortName) {
		return nil, fmt.Errorf("%w: invalid short name %q", ErrBadRequest, project.ShortName)
	}
	if project.Name == "" {
		project.Name = project.ShortName
	}
	if err := service.policy.Validate(project.AccessLevels()); err != nil {
		return nil, classify(err)
	}
	if err := project.Info.Quiz.Validate(); err != nil {
		return nil, classify(err)
	}

	project.OwnerID = owner.ID
	if !slices.Contains(project.OwnersIDs, owner.ID) {
		project.OwnersIDs = append(project.OwnersIDs, owner.ID)
	}
	project.SecretKey = uuid.NewString()
	if _, err := service.projects.Create(ctx, project); err != nil {
		return nil, classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "short_name": project.ShortName, "owner": owner.ID}).Info("project created")
	return project, nil
}

func (service *ProjectService) QuizConfig(ctx context.Context, user *store.User, projectID int64) (quiz.Config, error) {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return quiz.Config{}, err
	}
	return project.Info.Quiz, nil
}

func (service *ProjectService) UpdateQuizConfig(ctx context.Context, user *store.User, projectID int64, config quiz.Config) error {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return classify(err)
	}
	project.Info.Quiz = config
	if err := service.projects.Update(ctx, project); err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{
		"project":   project.ID,
		"user":      user.ID,
		"enabled":   config.Enabled,
		"questions": config.Questions,
		"pass":      config.Pass,
	}).Info("quiz config updated")
	return nil
}

// ResetQuiz lets a user take the project's quiz again.
func (service *ProjectService) ResetQuiz(ctx context.Context, user *store.User, projectID, targetUserID int64) error {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return err
	}
	target, err := service.users.UpdateQuiz(ctx, targetUserID, project, func(q *quiz.Quiz) error {
		q.Reset()
		return nil
	})
	if err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "user": target.ID, "by": user.ID}).Info("quiz reset")
	return nil
}

type Assignment struct {
	Users    []store.User `json:"users"`
	Assigned []int64      `json:"assigned"`
}

// AssignableUsers lists the users whose data access qualifies them for the
// project together with the users already assigned.
func (service *ProjectService) AssignableUsers(ctx context.Context, user *store.User, projectID int64) (*Assignment, error) {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return nil, err
	}
	if !service.policy.Enabled() {
		return nil, fmt.Errorf("%w: data access is disabled", ErrBadRequest)
	}
	levels := service.policy.UserLevelsForProject(project.AccessLevels())
	users, err := service.users.ListByDataAccess(ctx, access.Strings(levels))
	if err != nil {
		return nil, classify(err)
	}
	return &Assignment{Users: users, Assigned: nonNilIDs(project.Info.ProjectUsers)}, nil
}

// AssignUsers replaces the project's assigned users.
func (service *ProjectService) AssignUsers(ctx context.Context, user *store.User, projectID int64, userIDs []int64) error {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return err
	}
	if !service.policy.Enabled() {
		return fmt.Errorf("%w: data access is disabled", ErrBadRequest)
	}

	assigned := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if slices.Contains(assigned, id) {
			continue
		}
		candidate, err := service.users.Get(ctx, id)
		if err != nil {
			return classify(err)
		}
		if !service.policy.CanAssignUser(project.AccessLevels(), candidate.AccessLevels()) {
			return fmt.Errorf("%w: user %d data access does not match project %d", ErrBadRequest, id, project.ID)
		}
		assigned = append(assigned, id)
	}
	slices.Sort(assigned)

	project.Info.ProjectUsers = assigned
	if err := service.projects.Update(ctx, project); err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "users": assigned, "by": user.ID}).Info("project users assigned")
	return nil
}

// ProjectToken issues the project JWT to a caller presenting the project's
// secret key.
func (service *ProjectService) ProjectToken(ctx context.Context, shortName, secretKey string) (string, error) {
	if secretKey == "" {
		return "", fmt.Errorf("%w: secret key required", ErrForbidden)
	}
	project, err := service.projects.GetByShortName(ctx, shortName)
	if err != nil {
		return "", classify(err)
	}
	if project.SecretKey != secretKey {
		return "", fmt.Errorf("%w: project %q", ErrNotFound, shortName)
	}
	return auth.ProjectToken(project)
}

func (service *ProjectService) ResetSecretKey(ctx context.Context, user *store.User, projectID int64) (string, error) {
	project, err := service.owned(ctx, user, projectID)
	if err != nil {
		return "", err
	}
	project.SecretKey = uuid.NewString()
	if err := service.projects.Update(ctx, project); err != nil {
		return "", classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "by": user.ID}).Info("secret key reset")
	return project.SecretKey, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
