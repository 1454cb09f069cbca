package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskhub/internal/store"
)

var (
	ErrMissingToken     = errors.New("auth: missing authorization header")
	ErrInvalidHeader    = errors.New("auth: authorization header must start with Bearer")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrInvalidSignature = errors.New("auth: invalid task signature")
)

type ProjectClaims struct {
	ShortName string `json:"short_name"`
	ProjectID int64  `json:"project_id"`
	jwt.RegisteredClaims
}

// ProjectToken signs the project's identity with its secret key.
func ProjectToken(project *store.Project) (string, error) {
	if project.SecretKey == "" {
		return "", fmt.Errorf("auth: project %d has no secret key", project.ID)
	}
	claims := ProjectClaims{ShortName: project.ShortName, ProjectID: project.ID}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(project.SecretKey))
	if err != nil {
		return "", fmt.Errorf("auth: sign project token: %w", err)
	}
	return token, nil
}

// AuthorizeProject checks an "Authorization: Bearer <jwt>" header against the
// project.
func AuthorizeProject(project *store.Project, header string) error {
	if header == "" {
		return ErrMissingToken
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return ErrInvalidHeader
	}

	var claims ProjectClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(project.SecretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.ProjectID != project.ID || claims.ShortName != project.ShortName {
		return fmt.Errorf("%w: token is for another project", ErrInvalidToken)
	}
	return nil
}

type signatureClaims struct {
	TaskID    int64 `json:"task_id"`
	ProjectID int64 `json:"project_id"`
	jwt.RegisteredClaims
}

// Signer signs presented tasks so that answers can only be sent for tasks
// the server handed out.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner returns a signer whose signatures expire after ttl; zero never
// expires.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{key: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Sign(taskID, projectID int64) (string, error) {
	now := s.now()
	claims := signatureClaims{TaskID: taskID, ProjectID: projectID}
	claims.IssuedAt = jwt.NewNumericDate(now)
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	signature, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign task %d: %w", taskID, err)
	}
	return signature, nil
}

func (s *Signer) Verify(signature string, taskID, projectID int64) error {
	if signature == "" {
		return fmt.Errorf("%w: missing", ErrInvalidSignature)
	}
	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if claims.TaskID != taskID || claims.ProjectID != projectID {
		return fmt.Errorf("%w: signed for another task", ErrInvalidSignature)
	}
	return nil
}
