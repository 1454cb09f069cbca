package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/sched"
	"github.com/taskhub/internal/store"
)

const anonymousTaskError = "This project does not allow anonymous contributors"

type TaskService struct {
	users     UserRepo
	projects  ProjectRepo
	tasks     TaskRepo
	scheduler Scheduler
	locks     LockStore
	guard     ContributionsGuard
	signer    TaskSigner
	taskAuth  *auth.TaskAuth
	policy    *access.Policy
	now       func() time.Time
}

func NewTaskService(deps *Dependencies) *TaskService {
	return &TaskService{
		users:     deps.Users,
		projects:  deps.Projects,
		tasks:     deps.Tasks,
		scheduler: deps.Scheduler,
		locks:     deps.Locks,
		guard:     deps.Guard,
		signer:    deps.Signer,
		taskAuth:  auth.NewTaskAuth(deps.Projects, deps.Tasks),
		policy:    deps.Config.AccessPolicy(),
		now:       time.Now,
	}
}

// PresentedTask is a task handed to a contributor.
type PresentedTask struct {
	store.Task
	Signature string `json:"signature,omitempty"`
}

type NewTaskRequest struct {
	sched.Options
	// ExternalUID marks a contributor of an external app, who must present a
	// project token in Authorization.
	ExternalUID   string
	Authorization string
}

// NewTask picks, locks and stamps the next tasks for the user. A nil result
// with no error means there is nothing for the user to do.
func (service *TaskService) NewTask(ctx context.Context, user *store.User, projectID int64, req NewTaskRequest) ([]PresentedTask, error) {
	project, err := service.projects.Get(ctx, projectID)
	if err != nil {
		return nil, classify(err)
	}
	if !project.Published && !(user != nil && (user.Admin || project.IsOwner(user.ID))) {
		return nil, fmt.Errorf("%w: project %d", ErrNotFound, projectID)
	}

	if user == nil {
		return []PresentedTask{{Task: store.Task{ProjectID: project.ID, Info: map[string]any{"error": anonymousTaskError}}}}, nil
	}

	q := user.QuizFor(project)
	if q.Failed() {
		return nil, nil
	}

	if req.ExternalUID != "" {
		if err := auth.AuthorizeProject(project, req.Authorization); err != nil {
			return nil, classify(err)
		}
	}
	if err := service.checkProjectAccess(user, project); err != nil {
		return nil, err
	}

	if q.NotStarted() && q.Enabled() {
		contributed, err := service.tasks.UserHasTaskRun(ctx, project.ID, user.ID)
		if err != nil {
			return nil, fmt.Errorf("service: user task runs: %w", err)
		}
		if !contributed {
			updated, err := service.users.UpdateQuiz(ctx, user.ID, project, func(q *quiz.Quiz) error {
				if !q.NotStarted() {
					return nil
				}
				return q.Start()
			})
			if err != nil {
				return nil, classify(err)
			}
			*user = *updated
			q = user.QuizFor(project)
			logrus.WithFields(logrus.Fields{"project": project.ID, "user": user.ID}).Info("quiz started")
		}
	}

	opts := req.Options
	opts.GoldOnly = q.InProgress()
	tasks, err := service.scheduler.NewTasks(ctx, project, user, opts)
	if err != nil {
		return nil, classify(err)
	}

	ttl := service.scheduler.Timeout(project)
	presented, err := service.present(ctx, tasks, user.ID, ttl)
	if err != nil {
		service.release(context.WithoutCancel(ctx), tasks, user.ID)
		return nil, err
	}
	return presented, nil
}

func (service *TaskService) present(ctx context.Context, tasks []store.Task, userID int64, ttl time.Duration) ([]PresentedTask, error) {
	presented := make([]PresentedTask, 0, len(tasks))
	for _, task := range tasks {
		if err := service.stamp(ctx, task.ID, userID, ttl); err != nil {
			return nil, err
		}
		p := PresentedTask{Task: task}
		if service.signer != nil {
			var err error
			if p.Signature, err = service.signer.Sign(task.ID, task.ProjectID); err != nil {
				return nil, fmt.Errorf("service: sign task: %w", err)
			}
		}
		presented = append(presented, p)
	}
	return presented, nil
}

// release gives back the locks and stamps of tasks that were not handed out.
func (service *TaskService) release(ctx context.Context, tasks []store.Task, userID int64) {
	for _, task := range tasks {
		log := logrus.WithFields(logrus.Fields{"task": task.ID, "user": userID})
		if err := service.locks.Release(ctx, task.ID, userID); err != nil {
			log.WithError(err).Warn("lock release failed")
		}
		if err := service.guard.Unstamp(ctx, task.ID, userID); err != nil {
			log.WithError(err).Warn("unstamp failed")
		}
	}
}

func (service *TaskService) stamp(ctx context.Context, taskID, userID int64, ttl time.Duration) error {
	if err := service.guard.Stamp(ctx, taskID, userID, ttl); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	returning, err := service.guard.CheckPresentedTime(ctx, taskID, userID)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if returning {
		err = service.guard.ExtendPresentedTime(ctx, taskID, userID, ttl)
	} else {
		err = service.guard.StampPresentedTime(ctx, taskID, userID, ttl)
	}
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}

func (service *TaskService) checkProjectAccess(user *store.User, project *store.Project) error {
	if user.Admin || project.IsOwner(user.ID) {
		return nil
	}
	if !service.policy.CanAccessProject(user.AccessLevels(), project.AccessLevels()) {
		return fmt.Errorf("%w: data access level does not allow project %d", ErrForbidden, project.ID)
	}
	if service.policy.Enabled() && len(project.Info.ProjectUsers) > 0 && !slices.Contains(project.Info.ProjectUsers, user.ID) {
		return fmt.Errorf("%w: user is not assigned to project %d", ErrForbidden, project.ID)
	}
	return nil
}

type TaskRunRequest struct {
	ProjectID int64           `json:"project_id"`
	TaskID    int64           `json:"task_id"`
	Info      json.RawMessage `json:"info"`
	Signature string          `json:"signature,omitempty"`
}

// SubmitTaskRun stores the user's answer for a task they were presented.
func (service *TaskService) SubmitTaskRun(ctx context.Context, user *store.User, req TaskRunRequest) (*store.TaskRun, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: sign in to contribute", ErrUnauthorized)
	}
	task, err := service.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, classify(err)
	}
	if task.ProjectID != req.ProjectID {
		return nil, fmt.Errorf("%w: task %d does not belong to project %d", ErrBadRequest, task.ID, req.ProjectID)
	}
	project, err := service.projects.Get(ctx, task.ProjectID)
	if err != nil {
		return nil, classify(err)
	}

	if service.signer != nil {
		if err := service.signer.Verify(req.Signature, task.ID, task.ProjectID); err != nil {
			return nil, classify(err)
		}
	}
	requested, err := service.guard.Check(ctx, task.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	if !requested {
		return nil, fmt.Errorf("%w: you must request a task first", ErrForbidden)
	}

	now := service.now()
	created, err := service.guard.PresentedTime(ctx, task.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	if created.IsZero() {
		created = now
	}

	run := &store.TaskRun{
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		UserID:     user.ID,
		Created:    created,
		FinishTime: now,
		Info:       req.Info,
	}
	completed, err := service.tasks.SaveTaskRun(ctx, run)
	if err != nil {
		return nil, classify(err)
	}

	if task.IsGold() {
		if err := service.recordQuizAnswer(ctx, user, project, task, req.Info); err != nil {
			return nil, err
		}
	}

	if err := service.guard.Unstamp(ctx, task.ID, user.ID); err != nil {
		logrus.WithError(err).WithField("task", task.ID).Warn("unstamp failed")
	}
	if err := service.locks.Release(ctx, task.ID, user.ID); err != nil {
		logrus.WithError(err).WithField("task", task.ID).Warn("lock release failed")
	}

	logrus.WithFields(logrus.Fields{
		"project":   task.ProjectID,
		"task":      task.ID,
		"user":      user.ID,
		"completed": completed,
	}).Info("task run saved")
	return run, nil
}

func (service *TaskService) recordQuizAnswer(ctx context.Context, user *store.User, project *store.Project, task *store.Task, answer json.RawMessage) error {
	if !user.QuizFor(project).InProgress() {
		return nil
	}
	correct, err := goldMatches(task.GoldAnswers, answer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	updated, err := service.users.UpdateQuiz(ctx, user.ID, project, func(q *quiz.Quiz) error {
		if !q.InProgress() {
			return nil
		}
		return q.Record(correct)
	})
	if err != nil {
		return classify(err)
	}
	*user = *updated
	q := user.QuizFor(project)
	if q.Completed() {
		logrus.WithFields(logrus.Fields{
			"project": project.ID,
			"user":    user.ID,
			"status":  q.Status,
			"right":   q.Result.Right,
			"wrong":   q.Result.Wrong,
		}).Info("quiz completed")
	}
	return nil
}

// goldMatches compares the decoded answer with the gold answer.
func goldMatches(gold, answer json.RawMessage) (bool, error) {
	if len(gold) == 0 {
		return false, nil
	}
	var want, got any
	if err := json.Unmarshal(gold, &want); err != nil {
		return false, fmt.Errorf("gold answers: %w", err)
	}
	if len(answer) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(answer, &got); err != nil {
		return false, fmt.Errorf("answer: %w", err)
	}
	return cmp.Equal(want, got), nil
}

type GoldRequest struct {
	TaskID int64           `json:"task_id"`
	Info   json.RawMessage `json:"info"`
}

// SetGoldAnswer turns a task into a calibration task with the given answer.
func (service *TaskService) SetGoldAnswer(ctx context.Context, user *store.User, projectID int64, req GoldRequest) error {
	if user == nil {
		return fmt.Errorf("%w: sign in to set gold answers", ErrUnauthorized)
	}
	project, err := service.projects.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if !user.Admin && !project.IsOwner(user.ID) {
		return fmt.Errorf("%w: not an owner of project %d", ErrForbidden, projectID)
	}
	task, err := service.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return classify(err)
	}
	if task.ProjectID != projectID {
		return fmt.Errorf("%w: task %d does not belong to project %d", ErrForbidden, task.ID, projectID)
	}
	if len(req.Info) == 0 || !json.Valid(req.Info) {
		return fmt.Errorf("%w: gold answer must be a JSON document", ErrBadRequest)
	}

	task.GoldAnswers = req.Info
	task.Calibration = 1
	task.Exported = true
	if err := service.tasks.Update(ctx, task); err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": projectID, "task": task.ID, "user": user.ID}).Info("gold answer set")
	return nil
}

type Progress struct {
	Done             int       `json:"done"`
	Total            int       `json:"total"`
	Remaining        int       `json:"remaining"`
	RemainingForUser int       `json:"remaining_for_user"`
	Quiz             quiz.Quiz `json:"quiz"`
}

func (service *TaskService) UserProgress(ctx context.Context, user *store.User, projectID int64) (*Progress, error) {
	if user == nil {
		return nil, ErrUnauthorized
	}
	project, err := service.projects.Get(ctx, projectID)
	if err != nil {
		return nil, classify(err)
	}

	var progress Progress
	if progress.Done, err = service.tasks.CountUserTaskRuns(ctx, project.ID, user.ID); err != nil {
		return nil, fmt.Errorf("service: progress: %w", err)
	}
	if progress.Total, err = service.tasks.CountTasks(ctx, project.ID); err != nil {
		return nil, fmt.Errorf("service: progress: %w", err)
	}
	if progress.Remaining, err = service.tasks.CountAvailable(ctx, project.ID, user.ID, nil); err != nil {
		return nil, fmt.Errorf("service: progress: %w", err)
	}
	progress.RemainingForUser = progress.Remaining
	if service.policy.Enabled() {
		levels := access.Strings(service.policy.UserTaskLevels(user.AccessLevels()))
		if progress.RemainingForUser, err = service.tasks.CountAvailable(ctx, project.ID, user.ID, levels); err != nil {
			return nil, fmt.Errorf("service: progress: %w", err)
		}
	}
	progress.Quiz = user.QuizFor(project)
	return &progress, nil
}

// CancelTask gives up the user's lock so the task can be presented again.
func (service *TaskService) CancelTask(ctx context.Context, user *store.User, taskID int64, projectShortName string) error {
	if user == nil {
		return ErrUnauthorized
	}
	project, err := service.projects.GetByShortName(ctx, projectShortName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	locked, err := service.locks.HasLock(ctx, taskID, user.ID)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if !locked {
		return nil
	}
	if err := service.locks.Release(ctx, taskID, user.ID); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "task": taskID, "user": user.ID}).Info("task cancelled")
	return nil
}

// LockTTL is how long the user's lock on a task has left.
func (service *TaskService) LockTTL(ctx context.Context, user *store.User, taskID int64) (time.Duration, error) {
	if user == nil {
		return 0, ErrUnauthorized
	}
	task, err := service.tasks.Get(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	ttl, err := service.locks.TTL(ctx, task.ID, user.ID)
	if err != nil {
		return 0, fmt.Errorf("service: %w", err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: no lock on task %d", ErrNotFound, task.ID)
	}
	return ttl, nil
}

func (service *TaskService) authorize(ctx context.Context, user *store.User, action auth.Action, task *store.Task) error {
	allowed, err := service.taskAuth.Can(ctx, user, action, task)
	if err != nil {
		return classify(err)
	}
	if allowed {
		return nil
	}
	if user == nil {
		return fmt.Errorf("%w: %s task", ErrUnauthorized, action)
	}
	return fmt.Errorf("%w: %s task %d", ErrForbidden, action, task.ID)
}

func (service *TaskService) CreateTask(ctx context.Context, user *store.User, task *store.Task) (*store.Task, error) {
	if err := service.authorize(ctx, user, auth.Create, task); err != nil {
		return nil, err
	}
	if task.NAnswers == 0 {
		task.NAnswers = 1
	}
	if task.NAnswers < 1 || task.NAnswers > 1000 {
		return nil, classify(store.ErrInvalidRedundancy)
	}
	task.Priority = min(1.0, max(0.0, task.Priority))
	task.State = store.StateOngoing

	project, err := service.projects.Get(ctx, task.ProjectID)
	if err != nil {
		return nil, classify(err)
	}
	levels, err := service.policy.EnsureTaskFitsProject(task.AccessLevels(), project.AccessLevels())
	if err != nil {
		return nil, classify(err)
	}
	task.DataAccess = access.Strings(levels)

	if _, err := service.tasks.Create(ctx, task); err != nil {
		return nil, classify(err)
	}
	return task, nil
}

func (service *TaskService) GetTask(ctx context.Context, user *store.User, taskID int64) (*store.Task, error) {
	task, err := service.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, classify(err)
	}
	if err := service.authorize(ctx, user, auth.Read, task); err != nil {
		return nil, err
	}
	if !user.Admin && !service.policy.CanAccessTask(user.AccessLevels(), task.AccessLevels()) {
		return nil, fmt.Errorf("%w: data access level does not allow task %d", ErrForbidden, task.ID)
	}
	return task, nil
}

// TaskPatch holds the fields of a task that may be changed; nil fields are
// left alone.
type TaskPatch struct {
	NAnswers    *int            `json:"n_answers"`
	Priority    *float64        `json:"priority_0"`
	Calibration *int            `json:"calibration"`
	GoldAnswers json.RawMessage `json:"gold_answers"`
	DataAccess  *[]string       `json:"data_access"`
	Info        map[string]any  `json:"info"`
}

func (service *TaskService) UpdateTask(ctx context.Context, user *store.User, taskID int64, patch TaskPatch) (*store.Task, error) {
	task, err := service.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, classify(err)
	}
	if err := service.authorize(ctx, user, auth.Update, task); err != nil {
		return nil, err
	}

	if patch.NAnswers != nil {
		if *patch.NAnswers < 1 || *patch.NAnswers > 1000 {
			return nil, classify(store.ErrInvalidRedundancy)
		}
		task.NAnswers = *patch.NAnswers
	}
	if patch.Priority != nil {
		task.Priority = min(1.0, max(0.0, *patch.Priority))
	}
	if patch.Calibration != nil {
		if *patch.Calibration != 0 && *patch.Calibration != 1 {
			return nil, fmt.Errorf("%w: calibration must be 0 or 1", ErrBadRequest)
		}
		task.Calibration = *patch.Calibration
	}
	if patch.GoldAnswers != nil {
		task.GoldAnswers = patch.GoldAnswers
	}
	if patch.Info != nil {
		task.Info = patch.Info
	}
	if patch.DataAccess != nil {
		project, err := service.projects.Get(ctx, task.ProjectID)
		if err != nil {
			return nil, classify(err)
		}
		levels, err := service.policy.EnsureTaskFitsProject(access.FromStrings(*patch.DataAccess), project.AccessLevels())
		if err != nil {
			return nil, classify(err)
		}
		task.DataAccess = access.Strings(levels)
	}

	if err := service.tasks.Update(ctx, task); err != nil {
		return nil, classify(err)
	}
	if patch.NAnswers != nil {
		if err := service.tasks.UpdateRedundancy(ctx, task.ProjectID, task.NAnswers, []int64{task.ID}); err != nil {
			return nil, classify(err)
		}
	}
	return task, nil
}

func (service *TaskService) DeleteTask(ctx context.Context, user *store.User, taskID int64) error {
	task, err := service.tasks.Get(ctx, taskID)
	if err != nil {
		return classify(err)
	}
	if err := service.authorize(ctx, user, auth.Delete, task); err != nil {
		return err
	}
	if err := service.tasks.Delete(ctx, task.ID); err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": task.ProjectID, "task": task.ID, "user": user.ID}).Info("task deleted")
	return nil
}

func (service *TaskService) ownedProject(ctx context.Context, user *store.User, projectID int64) (*store.Project, error) {
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

// UpdateRedundancy changes how many answers the project's tasks need. A nil
// taskIDs applies to every task.
func (service *TaskService) UpdateRedundancy(ctx context.Context, user *store.User, projectID int64, nAnswers int, taskIDs []int64) error {
	project, err := service.ownedProject(ctx, user, projectID)
	if err != nil {
		return err
	}
	if err := service.tasks.UpdateRedundancy(ctx, project.ID, nAnswers, taskIDs); err != nil {
		return classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "n_answers": nAnswers, "tasks": len(taskIDs)}).Info("redundancy updated")
	return nil
}

func (service *TaskService) UpdatePriority(ctx context.Context, user *store.User, projectID int64, priority float64, taskIDs []int64) (int64, error) {
	project, err := service.ownedProject(ctx, user, projectID)
	if err != nil {
		return 0, err
	}
	updated, err := service.tasks.UpdatePriority(ctx, project.ID, priority, taskIDs)
	if err != nil {
		return 0, classify(err)
	}
	return updated, nil
}

// DeleteValidTasks removes the tasks without results, or every task when
// forced.
func (service *TaskService) DeleteValidTasks(ctx context.Context, user *store.User, projectID int64, force bool) (int64, error) {
	project, err := service.ownedProject(ctx, user, projectID)
	if err != nil {
		return 0, err
	}
	deleted, err := service.tasks.DeleteValid(ctx, project.ID, force)
	if err != nil {
		return 0, classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "deleted": deleted, "force": force}).Info("tasks deleted")
	return deleted, nil
}

// DeleteTaskRuns discards every answer given in the project. Tasks go back
// to ongoing and may be answered again.
func (service *TaskService) DeleteTaskRuns(ctx context.Context, user *store.User, projectID int64) (int64, error) {
	project, err := service.ownedProject(ctx, user, projectID)
	if err != nil {
		return 0, err
	}
	deleted, err := service.tasks.DeleteTaskRuns(ctx, project.ID)
	if err != nil {
		return 0, classify(err)
	}
	logrus.WithFields(logrus.Fields{"project": project.ID, "deleted": deleted, "user": user.ID}).Info("task runs deleted")
	return deleted, nil
}
