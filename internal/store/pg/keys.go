package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/keyfort/internal/domain/repository"
)

const keyColumns = `id, tenant_id, kid, algorithm, public_key, COALESCE(encrypted_private_key, ''), is_active, created_at, revoked_at`

// CreateActive inserta una clave nueva como activa en una sola transacción.
// El índice único parcial tenant_keys_one_active es el árbitro de carreras:
// dos rotaciones concurrentes nunca dejan dos filas activas, la perdedora
// recibe ErrConflict.
func (s *Store) CreateActive(ctx context.Context, k *repository.TenantKey, rotate bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if rotate {
		// Desactivar la activa anterior dentro de la misma tx.
		const deact = `
			UPDATE tenant_keys
			SET is_active = false, revoked_at = NOW()
			WHERE tenant_id = $1 AND is_active`
		if _, err := tx.Exec(ctx, deact, k.TenantID); err != nil {
			return fmt.Errorf("deactivate prior key: %w", err)
		}
	}

	const ins = `
		INSERT INTO tenant_keys (
			id, tenant_id, kid, algorithm, public_key,
			encrypted_private_key, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, true, NOW())
		RETURNING created_at`
	err = tx.QueryRow(ctx, ins,
		k.ID, k.TenantID, k.KID, k.Algorithm, k.PublicKey, k.EncryptedPrivateKey,
	).Scan(&k.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("insert key: %w", err)
	}
	k.IsActive = true

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetActive obtiene la clave activa del tenant, con material cifrado.
func (s *Store) GetActive(ctx context.Context, tenantID string) (*repository.TenantKey, error) {
	q := `SELECT ` + keyColumns + ` FROM tenant_keys WHERE tenant_id = $1 AND is_active LIMIT 1`
	return s.scanKey(s.pool.QueryRow(ctx, q, tenantID))
}

// GetByKID busca una clave por KID, activa o no.
func (s *Store) GetByKID(ctx context.Context, kid string) (*repository.TenantKey, error) {
	q := `SELECT ` + keyColumns + ` FROM tenant_keys WHERE kid = $1`
	return s.scanKey(s.pool.QueryRow(ctx, q, kid))
}

// ListPublic: claves publicables del tenant (activa + desactivadas no purgadas),
// nunca con material privado.
func (s *Store) ListPublic(ctx context.Context, tenantID string) ([]repository.TenantKey, error) {
	const q = `
		SELECT id, tenant_id, kid, algorithm, public_key, '', is_active, created_at, revoked_at
		FROM tenant_keys
		WHERE tenant_id = $1
		  AND (is_active OR encrypted_private_key IS NOT NULL)
		ORDER BY is_active DESC, created_at DESC`
	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list public keys: %w", err)
	}
	defer rows.Close()

	var out []repository.TenantKey
	for rows.Next() {
		k, err := s.scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// PurgeRetired borra el material privado de claves desactivadas antes del corte.
func (s *Store) PurgeRetired(ctx context.Context, before time.Time) (int, error) {
	const q = `
		UPDATE tenant_keys
		SET encrypted_private_key = NULL
		WHERE NOT is_active
		  AND encrypted_private_key IS NOT NULL
		  AND revoked_at IS NOT NULL
		  AND revoked_at < $1`
	tag, err := s.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, fmt.Errorf("purge retired keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanKey(row rowScanner) (*repository.TenantKey, error) {
	var k repository.TenantKey
	var revokedAt *time.Time
	err := row.Scan(
		&k.ID, &k.TenantID, &k.KID, &k.Algorithm, &k.PublicKey,
		&k.EncryptedPrivateKey, &k.IsActive, &k.CreatedAt, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}
	k.RevokedAt = revokedAt
	return &k, nil
}
