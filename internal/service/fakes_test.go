package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/sched"
	"github.com/taskhub/internal/store"
)

type fakeUsers struct {
	items   map[int64]*store.User
	updates int
	nextID  int64
}

func newFakeUsers(users ...*store.User) *fakeUsers {
	f := &fakeUsers{items: map[int64]*store.User{}, nextID: 1000}
	for _, u := range users {
		f.items[u.ID] = u
	}
	return f
}

func (f *fakeUsers) Get(_ context.Context, id int64) (*store.User, error) {
	u, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, id)
	}
	return u, nil
}

func (f *fakeUsers) GetByName(_ context.Context, name string) (*store.User, error) {
	for _, u := range f.items {
		if u.Name == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: user %q", store.ErrNotFound, name)
}

func (f *fakeUsers) GetByAPIKey(_ context.Context, apiKey string) (*store.User, error) {
	for _, u := range f.items {
		if u.APIKey == apiKey {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: user by api key", store.ErrNotFound)
}

func (f *fakeUsers) ListByDataAccess(_ context.Context, levels []string) ([]store.User, error) {
	var out []store.User
	for _, u := range f.items {
		if slices.ContainsFunc(u.DataAccess, func(l string) bool { return slices.Contains(levels, l) }) {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(a, b store.User) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeUsers) Create(_ context.Context, user *store.User) (int64, error) {
	for _, u := range f.items {
		if u.Name == user.Name {
			return 0, fmt.Errorf("%w: user %q", store.ErrDuplicate, user.Name)
		}
	}
	f.nextID++
	user.ID = f.nextID
	f.items[user.ID] = user
	return user.ID, nil
}

func (f *fakeUsers) Update(_ context.Context, user *store.User) error {
	if _, ok := f.items[user.ID]; !ok {
		return fmt.Errorf("%w: user %d", store.ErrNotFound, user.ID)
	}
	f.updates++
	f.items[user.ID] = user
	return nil
}

func (f *fakeUsers) UpdateQuiz(_ context.Context, userID int64, project *store.Project, fn func(q *quiz.Quiz) error) (*store.User, error) {
	u, ok := f.items[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, userID)
	}
	q := u.QuizFor(project)
	if err := fn(&q); err != nil {
		return nil, err
	}
	u.SetQuiz(project.ID, q)
	f.updates++
	return u, nil
}

type fakeProjects struct {
	items  map[int64]*store.Project
	nextID int64
}

func newFakeProjects(projects ...*store.Project) *fakeProjects {
	f := &fakeProjects{items: map[int64]*store.Project{}, nextID: 100}
	for _, p := range projects {
		f.items[p.ID] = p
	}
	return f
}

func (f *fakeProjects) Get(_ context.Context, id int64) (*store.Project, error) {
	p, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", store.ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeProjects) GetByShortName(_ context.Context, shortName string) (*store.Project, error) {
	for _, p := range f.items {
		if p.ShortName == shortName {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: project %q", store.ErrNotFound, shortName)
}

func (f *fakeProjects) List(context.Context) ([]store.Project, error) {
	var out []store.Project
	for _, p := range f.items {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeProjects) Create(_ context.Context, project *store.Project) (int64, error) {
	if _, err := f.GetByShortName(context.Background(), project.ShortName); err == nil {
		return 0, fmt.Errorf("%w: project %q", store.ErrDuplicate, project.ShortName)
	}
	f.nextID++
	project.ID = f.nextID
	f.items[project.ID] = project
	return project.ID, nil
}

func (f *fakeProjects) Update(_ context.Context, project *store.Project) error {
	if _, ok := f.items[project.ID]; !ok {
		return fmt.Errorf("%w: project %d", store.ErrNotFound, project.ID)
	}
	f.items[project.ID] = project
	return nil
}

type fakeTasks struct {
	items       map[int64]*store.Task
	runs        []store.TaskRun
	results     map[int64]bool
	redundancy  map[int64]int
	priorities  map[int64]float64
	nextID      int64
	deleteValid bool
}

func newFakeTasks(tasks ...*store.Task) *fakeTasks {
	f := &fakeTasks{
		items:      map[int64]*store.Task{},
		results:    map[int64]bool{},
		redundancy: map[int64]int{},
		priorities: map[int64]float64{},
		nextID:     500,
	}
	for _, t := range tasks {
		f.items[t.ID] = t
	}
	return f
}

func (f *fakeTasks) Get(_ context.Context, id int64) (*store.Task, error) {
	t, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %d", store.ErrNotFound, id)
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTasks) Create(_ context.Context, task *store.Task) (int64, error) {
	f.nextID++
	task.ID = f.nextID
	copied := *task
	f.items[task.ID] = &copied
	return task.ID, nil
}

func (f *fakeTasks) Update(_ context.Context, task *store.Task) error {
	if _, ok := f.items[task.ID]; !ok {
		return fmt.Errorf("%w: task %d", store.ErrNotFound, task.ID)
	}
	copied := *task
	f.items[task.ID] = &copied
	return nil
}

func (f *fakeTasks) Delete(_ context.Context, id int64) error {
	if _, ok := f.items[id]; !ok {
		return fmt.Errorf("%w: task %d", store.ErrNotFound, id)
	}
	delete(f.items, id)
	return nil
}

func (f *fakeTasks) HasResult(_ context.Context, _, taskID int64) (bool, error) {
	return f.results[taskID], nil
}

func (f *fakeTasks) CountTasks(_ context.Context, projectID int64) (int, error) {
	n := 0
	for _, t := range f.items {
		if t.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

func (f *fakeTasks) CountAvailable(_ context.Context, projectID, userID int64, levels []string) (int, error) {
	n := 0
	for _, t := range f.items {
		if t.ProjectID != projectID || t.State == store.StateCompleted || f.answered(t.ID, userID) {
			continue
		}
		if levels != nil && !slices.ContainsFunc(t.DataAccess, func(l string) bool { return slices.Contains(levels, l) }) {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeTasks) answered(taskID, userID int64) bool {
	return slices.ContainsFunc(f.runs, func(r store.TaskRun) bool { return r.TaskID == taskID && r.UserID == userID })
}

func (f *fakeTasks) CountUserTaskRuns(_ context.Context, projectID, userID int64) (int, error) {
	n := 0
	for _, r := range f.runs {
		if r.ProjectID == projectID && r.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeTasks) UserHasTaskRun(ctx context.Context, projectID, userID int64) (bool, error) {
	n, err := f.CountUserTaskRuns(ctx, projectID, userID)
	return n > 0, err
}

func (f *fakeTasks) SaveTaskRun(_ context.Context, run *store.TaskRun) (bool, error) {
	task, ok := f.items[run.TaskID]
	if !ok {
		return false, fmt.Errorf("%w: task %d", store.ErrNotFound, run.TaskID)
	}
	if f.answered(run.TaskID, run.UserID) {
		return false, fmt.Errorf("%w: task run", store.ErrDuplicate)
	}
	run.ID = int64(len(f.runs) + 1)
	f.runs = append(f.runs, *run)

	count := 0
	for _, r := range f.runs {
		if r.TaskID == run.TaskID {
			count++
		}
	}
	if count < task.NAnswers {
		return false, nil
	}
	task.State = store.StateCompleted
	f.results[task.ID] = true
	return true, nil
}

func (f *fakeTasks) UpdateRedundancy(_ context.Context, projectID int64, nAnswers int, _ []int64) error {
	if nAnswers < 1 || nAnswers > 1000 {
		return store.ErrInvalidRedundancy
	}
	f.redundancy[projectID] = nAnswers
	return nil
}

func (f *fakeTasks) UpdatePriority(_ context.Context, projectID int64, priority float64, taskIDs []int64) (int64, error) {
	f.priorities[projectID] = priority
	return int64(len(taskIDs)), nil
}

func (f *fakeTasks) FindDuplicate(context.Context, int64, map[string]any) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeTasks) DeleteValid(_ context.Context, projectID int64, force bool) (int64, error) {
	f.deleteValid = force
	var deleted int64
	for id, t := range f.items {
		if t.ProjectID == projectID && (force || !f.results[id]) {
			delete(f.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeTasks) DeleteTaskRuns(_ context.Context, projectID int64) (int64, error) {
	var kept []store.TaskRun
	var deleted int64
	for _, r := range f.runs {
		if r.ProjectID == projectID {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.runs = kept
	for id, t := range f.items {
		if t.ProjectID == projectID {
			t.State = store.StateOngoing
			delete(f.results, id)
		}
	}
	return deleted, nil
}

// fakeScheduler hands out the project's ongoing tasks the user has not
// answered, gold ones only when asked.
type fakeScheduler struct {
	tasks   *fakeTasks
	timeout time.Duration
	last    sched.Options
	calls   int
}

func (f *fakeScheduler) NewTasks(_ context.Context, project *store.Project, user *store.User, opts sched.Options) ([]store.Task, error) {
	f.calls++
	f.last = opts
	if !store.ValidOrderBy(opts.OrderBy) {
		return nil, sched.ErrInvalidOptions
	}
	var ids []int64
	for id, t := range f.tasks.items {
		if t.ProjectID != project.ID || t.State == store.StateCompleted || f.tasks.answered(id, user.ID) {
			continue
		}
		if opts.GoldOnly != t.IsGold() {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	limit := max(opts.Limit, 1)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]store.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.tasks.items[id])
	}
	return out, nil
}

func (f *fakeScheduler) Timeout(project *store.Project) time.Duration {
	if project.Info.Timeout > 0 {
		return time.Duration(project.Info.Timeout) * time.Second
	}
	return f.timeout
}

type lockKey struct{ task, user int64 }

type fakeLocks struct {
	held     map[lockKey]time.Duration
	released []lockKey
}

func (f *fakeLocks) HasLock(_ context.Context, taskID, userID int64) (bool, error) {
	_, ok := f.held[lockKey{taskID, userID}]
	return ok, nil
}

func (f *fakeLocks) Release(_ context.Context, taskID, userID int64) error {
	delete(f.held, lockKey{taskID, userID})
	f.released = append(f.released, lockKey{taskID, userID})
	return nil
}

func (f *fakeLocks) TTL(_ context.Context, taskID, userID int64) (time.Duration, error) {
	return f.held[lockKey{taskID, userID}], nil
}

type fakeGuard struct {
	requested map[lockKey]bool
	presented map[lockKey]time.Time
	extended  int
	now       time.Time
}

func newFakeGuard(now time.Time) *fakeGuard {
	return &fakeGuard{requested: map[lockKey]bool{}, presented: map[lockKey]time.Time{}, now: now}
}

func (f *fakeGuard) Stamp(_ context.Context, taskID, userID int64, _ time.Duration) error {
	f.requested[lockKey{taskID, userID}] = true
	return nil
}

func (f *fakeGuard) Check(_ context.Context, taskID, userID int64) (bool, error) {
	return f.requested[lockKey{taskID, userID}], nil
}

func (f *fakeGuard) StampPresentedTime(_ context.Context, taskID, userID int64, _ time.Duration) error {
	if _, ok := f.presented[lockKey{taskID, userID}]; !ok {
		f.presented[lockKey{taskID, userID}] = f.now
	}
	return nil
}

func (f *fakeGuard) CheckPresentedTime(_ context.Context, taskID, userID int64) (bool, error) {
	_, ok := f.presented[lockKey{taskID, userID}]
	return ok, nil
}

func (f *fakeGuard) ExtendPresentedTime(context.Context, int64, int64, time.Duration) error {
	f.extended++
	return nil
}

func (f *fakeGuard) PresentedTime(_ context.Context, taskID, userID int64) (time.Time, error) {
	return f.presented[lockKey{taskID, userID}], nil
}

func (f *fakeGuard) Unstamp(_ context.Context, taskID, userID int64) error {
	delete(f.requested, lockKey{taskID, userID})
	delete(f.presented, lockKey{taskID, userID})
	return nil
}

type fixture struct {
	config    *app.Config
	users     *fakeUsers
	projects  *fakeProjects
	tasks     *fakeTasks
	scheduler *fakeScheduler
	locks     *fakeLocks
	guard     *fakeGuard
}

var presentedAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newFixture(withAccess bool) *fixture {
	config := app.DefaultConfig()
	if withAccess {
		config.DataAccess = access.DefaultTables()
	}
	tasks := newFakeTasks()
	return &fixture{
		config:    config,
		users:     newFakeUsers(),
		projects:  newFakeProjects(),
		tasks:     tasks,
		scheduler: &fakeScheduler{tasks: tasks, timeout: time.Hour},
		locks:     &fakeLocks{held: map[lockKey]time.Duration{}},
		guard:     newFakeGuard(presentedAt),
	}
}

func (f *fixture) deps() *Dependencies {
	return &Dependencies{
		Config:    f.config,
		Users:     f.users,
		Projects:  f.projects,
		Tasks:     f.tasks,
		Scheduler: f.scheduler,
		Locks:     f.locks,
		Guard:     f.guard,
	}
}

func (f *fixture) addUser(id int64, mutate ...func(*store.User)) *store.User {
	u := &store.User{ID: id, Name: "user" + strconv.FormatInt(id, 10), APIKey: "key-" + strconv.FormatInt(id, 10)}
	for _, m := range mutate {
		m(u)
	}
	f.users.items[id] = u
	return u
}

func (f *fixture) addProject(id int64, mutate ...func(*store.Project)) *store.Project {
	p := &store.Project{ID: id, ShortName: "project" + strconv.FormatInt(id, 10), OwnerID: 1, OwnersIDs: []int64{1}, Published: true, SecretKey: "secret"}
	for _, m := range mutate {
		m(p)
	}
	f.projects.items[id] = p
	return p
}

func (f *fixture) addTask(id, projectID int64, mutate ...func(*store.Task)) *store.Task {
	t := &store.Task{ID: id, ProjectID: projectID, State: store.StateOngoing, NAnswers: 1, Info: map[string]any{"n": id}}
	for _, m := range mutate {
		m(t)
	}
	f.tasks.items[id] = t
	return t
}
