package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/store"
)

var errRequestTooLarge = errors.New("request entity too large")

type userHandler func(w http.ResponseWriter, r *http.Request, user *store.User) error

type apiError struct {
	Action       string `json:"action"`
	Target       string `json:"target"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	ExceptionCls string `json:"exception_cls"`
	ExceptionMsg string `json:"exception_msg"`
}

// authed resolves the caller from their api key before calling next. Callers
// without a key are anonymous unless secure app access is on.
func (srv *Server) authed(target string, next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := srv.users.Authenticate(r.Context(), apiKey(r))
		if err == nil && user == nil && srv.config.Security.SecureAppAccess {
			err = service.ErrUnauthorized
		}
		if err == nil {
			err = next(w, r, user)
		}
		if err != nil {
			writeError(w, r, target, err)
		}
	})
}

func (srv *Server) public(target string, next func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			writeError(w, r, target, err)
		}
	})
}

// apiKey reads the api_key query parameter, falling back to an Authorization
// header that does not carry a bearer token.
func apiKey(r *http.Request) string {
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return header
}

func writeError(w http.ResponseWriter, r *http.Request, target string, err error) {
	status, cls := errorStatus(err)
	msg := err.Error()
	log := logrus.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "status": status})
	if status == http.StatusInternalServerError {
		log.Error("request failed")
		msg = http.StatusText(status)
	} else {
		log.Debug("request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Action:       r.Method,
		Target:       target,
		Status:       "failed",
		StatusCode:   status,
		ExceptionCls: cls,
		ExceptionMsg: msg,
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge, "RequestEntityTooLarge"
	}
	return http.StatusInternalServerError, "InternalServerError"
}

func maxBytes(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("request")
	})
}
