package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/keyfort/internal/domain/repository"
)

const sessionColumns = `id, tenant_id, subject_id, session_type, refresh_token_hash,
	ip_address::text, device, expires_at, revoked, revoked_at, created_at`

// Create inserta una nueva sesión.
func (s *Store) Create(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	const q = `
		INSERT INTO sessions (
			id, tenant_id, subject_id, session_type, refresh_token_hash,
			ip_address, device, expires_at, created_at
		) VALUES (
			gen_random_uuid(), $1, $2, $3, $4,
			$5::inet, $6, $7, NOW()
		)
		RETURNING ` + sessionColumns
	row := s.pool.QueryRow(ctx, q,
		input.TenantID, input.SubjectID, string(input.Type), input.RefreshTokenHash,
		nullIfEmpty(input.IPAddress), nullIfEmpty(input.Device), input.ExpiresAt,
	)
	sess, err := s.scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetByHash obtiene una sesión por el hash de su refresh token vigente.
func (s *Store) GetByHash(ctx context.Context, refreshTokenHash string) (*repository.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE refresh_token_hash = $1`
	return s.scanSession(s.pool.QueryRow(ctx, q, refreshTokenHash))
}

// RotateHash reemplaza el hash vigente en un solo UPDATE condicional.
// Si otro refresh concurrente ya rotó la fila, la condición no matchea y
// retorna ErrNotFound; nunca hay ventana con dos hashes válidos ni con cero.
func (s *Store) RotateHash(ctx context.Context, oldHash, newHash string) (*repository.Session, error) {
	q := `
		UPDATE sessions
		SET refresh_token_hash = $2
		WHERE refresh_token_hash = $1
		  AND NOT revoked
		  AND expires_at > NOW()
		RETURNING ` + sessionColumns
	return s.scanSession(s.pool.QueryRow(ctx, q, oldHash, newHash))
}

// Revoke marca una sesión como revocada. Idempotente.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	const q = `
		UPDATE sessions
		SET revoked = true, revoked_at = NOW()
		WHERE id = $1 AND NOT revoked`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllForSubject revoca todas las sesiones vigentes de un sujeto.
func (s *Store) RevokeAllForSubject(ctx context.Context, tenantID, subjectID string) (int, error) {
	const q = `
		UPDATE sessions
		SET revoked = true, revoked_at = NOW()
		WHERE tenant_id = $1 AND subject_id = $2 AND NOT revoked`
	tag, err := s.pool.Exec(ctx, q, tenantID, subjectID)
	if err != nil {
		return 0, fmt.Errorf("revoke all by subject: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RevokeAllForTenant revoca todas las sesiones vigentes del tenant.
func (s *Store) RevokeAllForTenant(ctx context.Context, tenantID string) (int, error) {
	const q = `
		UPDATE sessions
		SET revoked = true, revoked_at = NOW()
		WHERE tenant_id = $1 AND NOT revoked`
	tag, err := s.pool.Exec(ctx, q, tenantID)
	if err != nil {
		return 0, fmt.Errorf("revoke all by tenant: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired elimina sesiones expiradas o revocadas.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	const q = `DELETE FROM sessions WHERE expires_at < NOW() OR revoked`
	tag, err := s.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) scanSession(row rowScanner) (*repository.Session, error) {
	var sess repository.Session
	var sessType string
	var ip, device *string
	var revokedAt *time.Time
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.SubjectID, &sessType, &sess.RefreshTokenHash,
		&ip, &device, &sess.ExpiresAt, &sess.Revoked, &revokedAt, &sess.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Type = repository.SessionType(sessType)
	sess.IPAddress = ip
	sess.Device = device
	sess.RevokedAt = revokedAt
	return &sess, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
