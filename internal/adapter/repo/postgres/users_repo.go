package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
)

// CreateUser inserts a new user and returns its id.
func (s *Store) CreateUser(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "users"))

	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO users (id, email, display_name, created_at) VALUES ($1,$2,$3,$4)`
	_, err := s.withExecutor(ctx).Exec(ctx, q, id, u.Email, u.DisplayName, nowUTC())
	if err != nil {
		return "", fmt.Errorf("op=user.create: %w", err)
	}
	return id, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()

	var u domain.User
	q := `SELECT id, email, display_name, created_at FROM users WHERE id=$1`
	err := s.withExecutor(ctx).QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return domain.User{}, wrapNotFound("user.get", err)
	}
	return u, nil
}

// CreateProject inserts a new project and returns its id.
func (s *Store) CreateProject(ctx domain.Context, p domain.Project) (string, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "projects"))

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := nowUTC()
	q := `INSERT INTO projects (id, owner_id, name, description, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.withExecutor(ctx).Exec(ctx, q, id, p.OwnerID, p.Name, p.Description, now, now)
	if err != nil {
		return "", fmt.Errorf("op=project.create: %w", err)
	}
	return id, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx domain.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()

	var p domain.Project
	q := `SELECT id, owner_id, name, description, created_at, updated_at FROM projects WHERE id=$1`
	err := s.withExecutor(ctx).QueryRow(ctx, q, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Project{}, wrapNotFound("project.get", err)
	}
	return p, nil
}

// ListProjectsByOwner lists every project owned by ownerID, used by
// StatsAggregator's dashboardMetrics (spec.md §4.7).
func (s *Store) ListProjectsByOwner(ctx domain.Context, ownerID string) ([]domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.ListByOwner")
	defer span.End()

	q := `SELECT id, owner_id, name, description, created_at, updated_at FROM projects WHERE owner_id=$1 ORDER BY created_at`
	rows, err := s.withExecutor(ctx).Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("op=project.list_by_owner: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=project.list_by_owner.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=project.list_by_owner.rows: %w", err)
	}
	return out, nil
}
