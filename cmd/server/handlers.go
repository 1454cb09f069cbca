package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/sched"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/store"
)

type TaskAPI interface {
	NewTask(ctx context.Context, user *store.User, projectID int64, req service.NewTaskRequest) ([]service.PresentedTask, error)
	SubmitTaskRun(ctx context.Context, user *store.User, req service.TaskRunRequest) (*store.TaskRun, error)
	UserProgress(ctx context.Context, user *store.User, projectID int64) (*service.Progress, error)
	CancelTask(ctx context.Context, user *store.User, taskID int64, projectShortName string) error
	LockTTL(ctx context.Context, user *store.User, taskID int64) (time.Duration, error)
	SetGoldAnswer(ctx context.Context, user *store.User, projectID int64, req service.GoldRequest) error
	CreateTask(ctx context.Context, user *store.User, task *store.Task) (*store.Task, error)
	GetTask(ctx context.Context, user *store.User, taskID int64) (*store.Task, error)
	UpdateTask(ctx context.Context, user *store.User, taskID int64, patch service.TaskPatch) (*store.Task, error)
	DeleteTask(ctx context.Context, user *store.User, taskID int64) error
}

type ProjectAPI interface {
	QuizConfig(ctx context.Context, user *store.User, projectID int64) (quiz.Config, error)
	UpdateQuizConfig(ctx context.Context, user *store.User, projectID int64, config quiz.Config) error
	AssignableUsers(ctx context.Context, user *store.User, projectID int64) (*service.Assignment, error)
	AssignUsers(ctx context.Context, user *store.User, projectID int64, userIDs []int64) error
	ProjectToken(ctx context.Context, shortName, secretKey string) (string, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*store.User, error)
}

type Server struct {
	config   *app.Config
	tasks    TaskAPI
	projects ProjectAPI
	users    Authenticator
}

func NewServer(config *app.Config, tasks TaskAPI, projects ProjectAPI, users Authenticator) *Server {
	return &Server{config: config, tasks: tasks, projects: projects, users: users}
}

func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api", srv.handleIndex)
	mux.Handle("GET /api/project/{id}/newtask", srv.authed("project", srv.handleNewTask))
	mux.Handle("GET /api/project/{id}/userprogress", srv.authed("project", srv.handleUserProgress))
	mux.Handle("POST /api/project/{id}/taskgold", srv.authed("task", srv.handleTaskGold))
	mux.Handle("GET /api/project/{id}/quiz", srv.authed("project", srv.handleGetQuiz))
	mux.Handle("PUT /api/project/{id}/quiz", srv.authed("project", srv.handleUpdateQuiz))
	mux.Handle("POST /api/taskrun", srv.authed("taskrun", srv.handleTaskRun))
	mux.Handle("POST /api/task", srv.authed("task", srv.handleCreateTask))
	mux.Handle("GET /api/task/{id}", srv.authed("task", srv.handleGetTask))
	mux.Handle("PUT /api/task/{id}", srv.authed("task", srv.handleUpdateTask))
	mux.Handle("DELETE /api/task/{id}", srv.authed("task", srv.handleDeleteTask))
	mux.Handle("POST /api/task/{id}/canceltask", srv.authed("task", srv.handleCancelTask))
	mux.Handle("GET /api/task/{id}/lock", srv.authed("task", srv.handleLock))

	if srv.config.Feature("assign_users") {
		mux.Handle("GET /api/project/{id}/assign-users", srv.authed("project", srv.handleAssignableUsers))
		mux.Handle("POST /api/project/{id}/assign-users", srv.authed("project", srv.handleAssignUsers))
	}
	if srv.config.Feature("project_jwt") {
		mux.Handle("GET /api/auth/project/{short}/token", srv.public("project", srv.handleProjectToken))
	}

	return loggingMiddleware(maxBytes(srv.config.Server.MaxContentLength, mux))
}

func (srv *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "The %s API", srv.config.Brand)
}

func (srv *Server) handleNewTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	opts, err := newTaskOptions(r)
	if err != nil {
		return err
	}

	tasks, err := srv.tasks.NewTask(r.Context(), user, projectID, service.NewTaskRequest{
		Options:       opts,
		ExternalUID:   r.URL.Query().Get("external_uid"),
		Authorization: r.Header.Get("Authorization"),
	})
	if err != nil {
		return err
	}

	switch len(tasks) {
	case 0:
		return writeJSON(w, http.StatusOK, struct{}{})
	case 1:
		return writeJSON(w, http.StatusOK, tasks[0])
	default:
		return writeJSON(w, http.StatusOK, tasks)
	}
}

func newTaskOptions(r *http.Request) (sched.Options, error) {
	query := r.URL.Query()
	var opts sched.Options
	var err error

	if opts.Limit, err = queryInt(query.Get("limit")); err != nil {
		return opts, fmt.Errorf("%w: limit: %w", service.ErrBadRequest, err)
	}
	if opts.Offset, err = queryInt(query.Get("offset")); err != nil {
		return opts, fmt.Errorf("%w: offset: %w", service.ErrBadRequest, err)
	}
	opts.OrderBy = query.Get("orderby")
	if desc := query.Get("desc"); desc != "" {
		if opts.Desc, err = strconv.ParseBool(desc); err != nil {
			return opts, fmt.Errorf("%w: desc: %w", service.ErrBadRequest, err)
		}
	}
	return opts, nil
}

func (srv *Server) handleTaskRun(w http.ResponseWriter, r *http.Request, user *store.User) error {
	var req service.TaskRunRequest
	if err := readJSON(r, &req); err != nil {
		return err
	}
	run, err := srv.tasks.SubmitTaskRun(r.Context(), user, req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, run)
}

func (srv *Server) handleUserProgress(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	progress, err := srv.tasks.UserProgress(r.Context(), user, projectID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, progress)
}

type success struct {
	Success bool     `json:"success"`
	Expires *float64 `json:"expires,omitempty"`
}

func (srv *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	taskID, err := pathID(r)
	if err != nil {
		return err
	}
	var req struct {
		ProjectName string `json:"projectname"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if err := srv.tasks.CancelTask(r.Context(), user, taskID, req.ProjectName); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, success{Success: true})
}

func (srv *Server) handleLock(w http.ResponseWriter, r *http.Request, user *store.User) error {
	taskID, err := pathID(r)
	if err != nil {
		return err
	}
	ttl, err := srv.tasks.LockTTL(r.Context(), user, taskID)
	if err != nil {
		return err
	}
	expires := ttl.Seconds()
	return writeJSON(w, http.StatusOK, success{Success: true, Expires: &expires})
}

func (srv *Server) handleTaskGold(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	var req service.GoldRequest
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if err := srv.tasks.SetGoldAnswer(r.Context(), user, projectID, req); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, success{Success: true})
}

func (srv *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	var task store.Task
	if err := readJSON(r, &task); err != nil {
		return err
	}
	created, err := srv.tasks.CreateTask(r.Context(), user, &task)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, created)
}

func (srv *Server) handleGetTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	taskID, err := pathID(r)
	if err != nil {
		return err
	}
	task, err := srv.tasks.GetTask(r.Context(), user, taskID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, task)
}

func (srv *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	taskID, err := pathID(r)
	if err != nil {
		return err
	}
	var patch service.TaskPatch
	if err := readJSON(r, &patch); err != nil {
		return err
	}
	task, err := srv.tasks.UpdateTask(r.Context(), user, taskID, patch)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, task)
}

func (srv *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request, user *store.User) error {
	taskID, err := pathID(r)
	if err != nil {
		return err
	}
	if err := srv.tasks.DeleteTask(r.Context(), user, taskID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (srv *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	config, err := srv.projects.QuizConfig(r.Context(), user, projectID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, config)
}

func (srv *Server) handleUpdateQuiz(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	var config quiz.Config
	if err := readJSON(r, &config); err != nil {
		return err
	}
	if err := srv.projects.UpdateQuizConfig(r.Context(), user, projectID, config); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, config)
}

func (srv *Server) handleAssignableUsers(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	assignment, err := srv.projects.AssignableUsers(r.Context(), user, projectID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, assignment)
}

func (srv *Server) handleAssignUsers(w http.ResponseWriter, r *http.Request, user *store.User) error {
	projectID, err := pathID(r)
	if err != nil {
		return err
	}
	var req struct {
		Users []int64 `json:"users"`
	}
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if err := srv.projects.AssignUsers(r.Context(), user, projectID, req.Users); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, success{Success: true})
}

// handleProjectToken exchanges the project secret key, sent as the raw
// Authorization header, for a project JWT.
func (srv *Server) handleProjectToken(w http.ResponseWriter, r *http.Request) error {
	token, err := srv.projects.ProjectToken(r.Context(), r.PathValue("short"), r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = fmt.Fprint(w, token)
	return err
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", service.ErrBadRequest, r.PathValue("id"))
	}
	return id, nil
}

func queryInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: %w", errRequestTooLarge, err)
		}
		return fmt.Errorf("%w: invalid JSON body: %w", service.ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("writing response failed")
	}
	return nil
}
