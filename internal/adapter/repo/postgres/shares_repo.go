package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
)

const shareColumns = `id, project_id, shared_by_id, email, shared_with_id, token_hash, token_expiry, status, created_at`

func scanShare(row interface{ Scan(...any) error }) (domain.ProjectShare, error) {
	var sh domain.ProjectShare
	err := row.Scan(&sh.ID, &sh.ProjectID, &sh.SharedByID, &sh.Email, &sh.SharedWithID, &sh.TokenHash, &sh.TokenExpiry, &sh.Status, &sh.CreatedAt)
	return sh, err
}

// CreateShare inserts a new pending share invitation.
func (s *Store) CreateShare(ctx domain.Context, sh domain.ProjectShare) (string, error) {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "project_shares"))

	id := sh.ID
	if id == "" {
		id = uuid.New().String()
	}
	if sh.Status == "" {
		sh.Status = domain.SharePending
	}
	q := `INSERT INTO project_shares (` + shareColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.withExecutor(ctx).Exec(ctx, q, id, sh.ProjectID, sh.SharedByID, sh.Email, sh.SharedWithID, sh.TokenHash, sh.TokenExpiry, sh.Status, nowUTC())
	if err != nil {
		return "", fmt.Errorf("op=share.create: %w", err)
	}
	return id, nil
}

// GetShareByToken looks up a share by its hashed token, regardless of status
// so callers can distinguish expired/revoked from not-found (spec.md §4.7).
func (s *Store) GetShareByToken(ctx domain.Context, tokenHash string) (domain.ProjectShare, error) {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.GetByToken")
	defer span.End()

	q := `SELECT ` + shareColumns + ` FROM project_shares WHERE token_hash=$1`
	sh, err := scanShare(s.withExecutor(ctx).QueryRow(ctx, q, tokenHash))
	if err != nil {
		return domain.ProjectShare{}, wrapNotFound("share.getbytoken", err)
	}
	return sh, nil
}

// AcceptShare moves a pending share to accepted and binds it to userID.
func (s *Store) AcceptShare(ctx domain.Context, id, userID string) error {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.Accept")
	defer span.End()

	q := `UPDATE project_shares SET status=$1, shared_with_id=$2 WHERE id=$3 AND status=$4`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, domain.ShareAccepted, userID, id, domain.SharePending)
	if err != nil {
		return fmt.Errorf("op=share.accept: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=share.accept: %w", domain.ErrConflict)
	}
	return nil
}

// RevokeShare transitions a share to revoked regardless of its current
// non-terminal state.
func (s *Store) RevokeShare(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.Revoke")
	defer span.End()

	q := `UPDATE project_shares SET status=$1 WHERE id=$2 AND status IN ($3,$4)`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, domain.ShareRevoked, id, domain.SharePending, domain.ShareAccepted)
	if err != nil {
		return fmt.Errorf("op=share.revoke: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=share.revoke: %w", domain.ErrConflict)
	}
	return nil
}

// ListSharesForProject lists every share (any status) issued for a project.
func (s *Store) ListSharesForProject(ctx domain.Context, projectID string) ([]domain.ProjectShare, error) {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.ListForProject")
	defer span.End()

	q := `SELECT ` + shareColumns + ` FROM project_shares WHERE project_id=$1 ORDER BY created_at`
	rows, err := s.withExecutor(ctx).Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=share.listforproject: %w", err)
	}
	defer rows.Close()

	var out []domain.ProjectShare
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("op=share.listforproject.scan: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ListAcceptedShareRecipients returns the user ids of everyone with an
// accepted share on projectID, used to fan out sharedProjectUpdate events.
func (s *Store) ListAcceptedShareRecipients(ctx domain.Context, projectID string) ([]string, error) {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.ListAcceptedRecipients")
	defer span.End()

	q := `SELECT shared_with_id FROM project_shares WHERE project_id=$1 AND status=$2`
	rows, err := s.withExecutor(ctx).Query(ctx, q, projectID, domain.ShareAccepted)
	if err != nil {
		return nil, fmt.Errorf("op=share.listacceptedrecipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("op=share.listacceptedrecipients.scan: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// HasAccess reports whether userID owns projectID or holds an accepted share
// on it (spec.md §8 property 7).
func (s *Store) HasAccess(ctx domain.Context, projectID, userID string) (bool, error) {
	tracer := otel.Tracer("repo.shares")
	ctx, span := tracer.Start(ctx, "shares.HasAccess")
	defer span.End()

	q := `SELECT EXISTS(
	        SELECT 1 FROM projects WHERE id=$1 AND owner_id=$2
	        UNION ALL
	        SELECT 1 FROM project_shares WHERE project_id=$1 AND shared_with_id=$2 AND status=$3
	      )`
	var ok bool
	if err := s.withExecutor(ctx).QueryRow(ctx, q, projectID, userID, domain.ShareAccepted).Scan(&ok); err != nil {
		return false, fmt.Errorf("op=share.hasaccess: %w", err)
	}
	return ok, nil
}
