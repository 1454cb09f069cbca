package service

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/cache"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/sched"
	"github.com/taskhub/internal/store"
)

type UserRepo interface {
	Get(ctx context.Context, id int64) (*store.User, error)
	GetByName(ctx context.Context, name string) (*store.User, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*store.User, error)
	ListByDataAccess(ctx context.Context, levels []string) ([]store.User, error)
	Create(ctx context.Context, user *store.User) (int64, error)
	Update(ctx context.Context, user *store.User) error
	UpdateQuiz(ctx context.Context, userID int64, project *store.Project, fn func(q *quiz.Quiz) error) (*store.User, error)
}

type ProjectRepo interface {
	Get(ctx context.Context, id int64) (*store.Project, error)
	GetByShortName(ctx context.Context, shortName string) (*store.Project, error)
	List(ctx context.Context) ([]store.Project, error)
	Create(ctx context.Context, project *store.Project) (int64, error)
	Update(ctx context.Context, project *store.Project) error
}

type TaskRepo interface {
	Get(ctx context.Context, id int64) (*store.Task, error)
	Create(ctx context.Context, task *store.Task) (int64, error)
	Update(ctx context.Context, task *store.Task) error
	Delete(ctx context.Context, id int64) error
	HasResult(ctx context.Context, projectID, taskID int64) (bool, error)
	CountTasks(ctx context.Context, projectID int64) (int, error)
	CountAvailable(ctx context.Context, projectID, userID int64, levels []string) (int, error)
	CountUserTaskRuns(ctx context.Context, projectID, userID int64) (int, error)
	UserHasTaskRun(ctx context.Context, projectID, userID int64) (bool, error)
	SaveTaskRun(ctx context.Context, run *store.TaskRun) (bool, error)
	UpdateRedundancy(ctx context.Context, projectID int64, nAnswers int, taskIDs []int64) error
	UpdatePriority(ctx context.Context, projectID int64, priority float64, taskIDs []int64) (int64, error)
	FindDuplicate(ctx context.Context, projectID int64, info map[string]any) (int64, bool, error)
	DeleteValid(ctx context.Context, projectID int64, force bool) (int64, error)
	DeleteTaskRuns(ctx context.Context, projectID int64) (int64, error)
}

type Scheduler interface {
	NewTasks(ctx context.Context, project *store.Project, user *store.User, opts sched.Options) ([]store.Task, error)
	Timeout(project *store.Project) time.Duration
}

type LockStore interface {
	HasLock(ctx context.Context, taskID, userID int64) (bool, error)
	Release(ctx context.Context, taskID, userID int64) error
	TTL(ctx context.Context, taskID, userID int64) (time.Duration, error)
}

type ContributionsGuard interface {
	Stamp(ctx context.Context, taskID, userID int64, ttl time.Duration) error
	Check(ctx context.Context, taskID, userID int64) (bool, error)
	StampPresentedTime(ctx context.Context, taskID, userID int64, ttl time.Duration) error
	CheckPresentedTime(ctx context.Context, taskID, userID int64) (bool, error)
	ExtendPresentedTime(ctx context.Context, taskID, userID int64, ttl time.Duration) error
	PresentedTime(ctx context.Context, taskID, userID int64) (time.Time, error)
	Unstamp(ctx context.Context, taskID, userID int64) error
}

type TaskSigner interface {
	Sign(taskID, projectID int64) (string, error)
	Verify(signature string, taskID, projectID int64) error
}

// Dependencies is everything the services need. Signer is nil unless task
// signatures are enabled.
type Dependencies struct {
	Config    *app.Config
	Users     UserRepo
	Projects  ProjectRepo
	Tasks     TaskRepo
	Scheduler Scheduler
	Locks     LockStore
	Guard     ContributionsGuard
	Signer    TaskSigner
}

// NewDependencies wires the Postgres stores and the Redis backed scheduling
// state.
func NewDependencies(config *app.Config, pool *pgxpool.Pool, redisPool *redis.Pool) *Dependencies {
	keys := cache.Keyspace(config.Redis.KeyPrefix)
	tasks := store.NewTaskStore(pool)
	locks := cache.NewLocks(redisPool, keys)

	deps := &Dependencies{
		Config:    config,
		Users:     store.NewUserStore(pool),
		Projects:  store.NewProjectStore(pool),
		Tasks:     tasks,
		Scheduler: sched.New(tasks, locks, config.AccessPolicy(), config.SchedulerTimeout(), config.Scheduler.MaxLimit),
		Locks:     locks,
		Guard:     cache.NewGuard(redisPool, keys),
	}
	if config.Security.EnableEncryption {
		deps.Signer = auth.NewSigner(config.Security.SecretKey, config.SchedulerTimeout())
	}
	return deps
}
