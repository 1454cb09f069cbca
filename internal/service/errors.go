package service

import (
	"errors"
	"fmt"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/auth"
	"github.com/taskhub/internal/quiz"
	"github.com/taskhub/internal/sched"
	"github.com/taskhub/internal/store"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
)

// classify tags lower layer errors with the service error a caller can act
// on. Unknown errors pass through untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrBadRequest), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, auth.ErrProjectNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, store.ErrInvalidRedundancy), errors.Is(err, store.ErrInvalidOrder),
		errors.Is(err, sched.ErrInvalidOptions), errors.Is(err, access.ErrInvalidLevel),
		errors.Is(err, quiz.ErrInvalidConfig), errors.Is(err, quiz.ErrCompleted),
		errors.Is(err, quiz.ErrNotInProgress):
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidHeader),
		errors.Is(err, auth.ErrInvalidToken):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, auth.ErrInvalidSignature):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return err
}
