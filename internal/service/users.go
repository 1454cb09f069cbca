package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/store"
)

type UserService struct {
	users  UserRepo
	policy *access.Policy
}

func NewUserService(deps *Dependencies) *UserService {
	return &UserService{users: deps.Users, policy: deps.Config.AccessPolicy()}
}

type NewUser struct {
	Name       string
	EmailAddr  string
	Admin      bool
	Subadmin   bool
	UserType   string
	DataAccess []string
}

// CreateUser stores a user with a generated api key. Data access levels must
// be allowed for the user type.
func (service *UserService) CreateUser(ctx context.Context, req NewUser) (*store.User, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	levels := access.FromStrings(req.DataAccess)
	if service.policy.Enabled() {
		if len(levels) == 0 {
			defaults, ok := service.policy.LevelsForUserType(req.UserType)
			if !ok {
				return nil, fmt.Errorf("%w: unknown user type %q", ErrBadRequest, req.UserType)
			}
			levels = defaults
		}
		if err := service.policy.EnsureUserLevels(req.UserType, levels); err != nil {
			return nil, classify(err)
		}
	}

	user := &store.User{
		Name:       req.Name,
		EmailAddr:  req.EmailAddr,
		APIKey:     uuid.NewString(),
		Admin:      req.Admin,
		Subadmin:   req.Subadmin,
		UserType:   req.UserType,
		DataAccess: access.Strings(levels),
	}
	if _, err := service.users.Create(ctx, user); err != nil {
		return nil, classify(err)
	}
	logrus.WithFields(logrus.Fields{"user": user.ID, "name": user.Name, "levels": user.DataAccess}).Info("user created")
	return user, nil
}

// Authenticate resolves an api key. An empty key is an anonymous caller.
func (service *UserService) Authenticate(ctx context.Context, apiKey string) (*store.User, error) {
	if apiKey == "" {
		return nil, nil
	}
	user, err := service.users.GetByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("service: authenticate: %w", err)
	}
	return user, nil
}

func (service *UserService) GetByName(ctx context.Context, name string) (*store.User, error) {
	user, err := service.users.GetByName(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	return user, nil
}

// SetDataAccess replaces the user's levels after checking them against the
// user type.
func (service *UserService) SetDataAccess(ctx context.Context, userID int64, levels []string) (*store.User, error) {
	user, err := service.users.Get(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	if err := service.policy.EnsureUserLevels(user.UserType, access.FromStrings(levels)); err != nil {
		return nil, classify(err)
	}
	user.DataAccess = levels
	if err := service.users.Update(ctx, user); err != nil {
		return nil, classify(err)
	}
	logrus.WithFields(logrus.Fields{"user": user.ID, "levels": levels}).Info("user data access updated")
	return user, nil
}
