package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskhub/internal/access"
	"github.com/taskhub/internal/quiz"
)

type Project struct {
	ID         int64       `json:"id"`
	Created    time.Time   `json:"created"`
	ShortName  string      `json:"short_name"`
	Name       string      `json:"name"`
	OwnerID    int64       `json:"owner_id"`
	OwnersIDs  []int64     `json:"owners_ids"`
	Published  bool        `json:"published"`
	SecretKey  string      `json:"-"`
	DataAccess []string    `json:"data_access"`
	Info       ProjectInfo `json:"info"`
}

type ProjectInfo struct {
	Quiz       quiz.Config `json:"quiz"`
	EnableGold bool        `json:"enable_gold"`
	// Seconds a presented task stays locked; zero uses the scheduler default.
	Timeout      int     `json:"timeout,omitempty"`
	ProjectUsers []int64 `json:"project_users,omitempty"`
}

func (p *Project) AccessLevels() []access.Level {
	return access.FromStrings(p.DataAccess)
}

func (p *Project) IsOwner(userID int64) bool {
	return p.OwnerID == userID || slices.Contains(p.OwnersIDs, userID)
}

type ProjectStore struct {
	pool *pgxpool.Pool
}

func NewProjectStore(pool *pgxpool.Pool) *ProjectStore {
	return &ProjectStore{pool: pool}
}

const projectColumns = `id, created, short_name, name, owner_id, owners_ids, published, secret_key, data_access, info`

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Created, &p.ShortName, &p.Name, &p.OwnerID, &p.OwnersIDs,
		&p.Published, &p.SecretKey, &p.DataAccess, &p.Info)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (store *ProjectStore) Get(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(store.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM project WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("project %d", id))
	}
	return p, nil
}

func (store *ProjectStore) GetByShortName(ctx context.Context, shortName string) (*Project, error) {
	p, err := scanProject(store.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM project WHERE short_name = $1`, shortName))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("project %q", shortName))
	}
	return p, nil
}

func (store *ProjectStore) List(ctx context.Context) ([]Project, error) {
	rows, err := store.pool.Query(ctx, `SELECT `+projectColumns+` FROM project ORDER BY short_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: projects list: %w", err)
	}
	defer rows.Close()

	out := make([]Project, 0, 16)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: projects scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: projects rows: %w", err)
	}
	return out, nil
}

func (store *ProjectStore) Create(ctx context.Context, project *Project) (int64, error) {
	var id int64
	err := store.pool.QueryRow(ctx, `
		INSERT INTO project (short_name, name, owner_id, owners_ids, published, secret_key, data_access, info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, project.ShortName, project.Name, project.OwnerID, nonNil(project.OwnersIDs), project.Published,
		project.SecretKey, nonNil(project.DataAccess), project.Info).Scan(&id)
	if uniqueViolation(err) {
		return 0, fmt.Errorf("%w: project %q", ErrDuplicate, project.ShortName)
	}
	if err != nil {
		return 0, fmt.Errorf("store: project create: %w", err)
	}
	project.ID = id
	return id, nil
}

func (store *ProjectStore) Update(ctx context.Context, project *Project) error {
	tag, err := store.pool.Exec(ctx, `
		UPDATE project
		SET name = $1, owners_ids = $2, published = $3, secret_key = $4, data_access = $5, info = $6
		WHERE id = $7
	`, project.Name, nonNil(project.OwnersIDs), project.Published, project.SecretKey,
		nonNil(project.DataAccess), project.Info, project.ID)
	if err != nil {
		return fmt.Errorf("store: project update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: project %d", ErrNotFound, project.ID)
	}
	return nil
}
