package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/quiz"
)

type User struct {
	ID         int64     `json:"id"`
	Created    time.Time `json:"created"`
	Name       string    `json:"name"`
	EmailAddr  string    `json:"email_addr,omitempty"`
	APIKey     string    `json:"-"`
	Admin      bool      `json:"admin"`
	Subadmin   bool      `json:"subadmin"`
	UserType   string    `json:"user_type,omitempty"`
	DataAccess []string  `json:"data_access"`
	Info       UserInfo  `json:"info"`
}

type UserInfo struct {
	// Keyed by project id.
	Quiz map[string]quiz.Quiz `json:"quiz,omitempty"`
}

func (u *User) AccessLevels() []access.Level {
	return access.FromStrings(u.DataAccess)
}

// QuizFor returns the user's quiz for the project. The project's current
// configuration always replaces whatever was stored with the quiz.
func (u *User) QuizFor(project *Project) quiz.Quiz {
	q, ok := u.Info.Quiz[projectKey(project.ID)]
	if !ok {
		return quiz.New(project.Info.Quiz)
	}
	if q.Status == "" {
		q.Status = quiz.NotStarted
	}
	q.Config = project.Info.Quiz
	return q
}

func (u *User) SetQuiz(projectID int64, q quiz.Quiz) {
	if u.Info.Quiz == nil {
		u.Info.Quiz = make(map[string]quiz.Quiz)
	}
	u.Info.Quiz[projectKey(projectID)] = q
}

// ResetQuiz clears the user's progress for a project, if any.
func (u *User) ResetQuiz(projectID int64) {
	q, ok := u.Info.Quiz[projectKey(projectID)]
	if !ok {
		return
	}
	q.Reset()
	u.Info.Quiz[projectKey(projectID)] = q
}

func projectKey(projectID int64) string {
	return strconv.FormatInt(projectID, 10)
}

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, created, name, email_addr, api_key, admin, subadmin, user_type, data_access, info`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Created, &u.Name, &u.EmailAddr, &u.APIKey, &u.Admin, &u.Subadmin,
		&u.UserType, &u.DataAccess, &u.Info)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (store *UserStore) Get(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", id))
	}
	return u, nil
}

func (store *UserStore) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	u, err := scanUser(store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, apiKey))
	if err != nil {
		return nil, notFound(err, "user by api key")
	}
	return u, nil
}

func (store *UserStore) GetByName(ctx context.Context, name string) (*User, error) {
	u, err := scanUser(store.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %q", name))
	}
	return u, nil
}

// ListByDataAccess returns users holding any of the given levels.
func (store *UserStore) ListByDataAccess(ctx context.Context, levels []string) ([]User, error) {
	rows, err := store.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE data_access && $1 ORDER BY name ASC`, levels)
	if err != nil {
		return nil, fmt.Errorf("store: users by data access: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: users scan: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: users rows: %w", err)
	}
	return out, nil
}

func (store *UserStore) Create(ctx context.Context, user *User) (int64, error) {
	var id int64
	err := store.pool.QueryRow(ctx, `
		INSERT INTO users (name, email_addr, api_key, admin, subadmin, user_type, data_access, info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, user.Name, user.EmailAddr, user.APIKey, user.Admin, user.Subadmin, user.UserType,
		nonNil(user.DataAccess), user.Info).Scan(&id)
	if uniqueViolation(err) {
		return 0, fmt.Errorf("%w: user %q", ErrDuplicate, user.Name)
	}
	if err != nil {
		return 0, fmt.Errorf("store: user create: %w", err)
	}
	user.ID = id
	return id, nil
}

// Update saves the mutable fields of a user.
func (store *UserStore) Update(ctx context.Context, user *User) error {
	tag, err := store.pool.Exec(ctx, `
		UPDATE users
		SET admin = $1, subadmin = $2, user_type = $3, data_access = $4, info = $5
		WHERE id = $6
	`, user.Admin, user.Subadmin, user.UserType, nonNil(user.DataAccess), user.Info, user.ID)
	if err != nil {
		return fmt.Errorf("store: user update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %d", ErrNotFound, user.ID)
	}
	return nil
}

// UpdateQuiz applies fn to the user's quiz for the project with the user row
// locked, so concurrent answers are applied one after the other. It returns
// the user as stored afterwards. An error from fn leaves the row untouched
// and is returned as is.
func (store *UserStore) UpdateQuiz(ctx context.Context, userID int64, project *Project, fn func(q *quiz.Quiz) error) (*User, error) {
	var user *User
	err := WithTransaction(ctx, store.pool, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
		if err != nil {
			return notFound(err, fmt.Sprintf("user %d", userID))
		}
		q := u.QuizFor(project)
		if err := fn(&q); err != nil {
			return err
		}
		u.SetQuiz(project.ID, q)
		if _, err := tx.Exec(ctx, `UPDATE users SET info = $1 WHERE id = $2`, u.Info, u.ID); err != nil {
			return fmt.Errorf("store: user quiz update: %w", err)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
