// Package repository define interfaces de acceso a datos.
package repository

import (
	"context"
	"time"
)

// SessionType discrimina el tipo de sesión. Enum cerrado: no hay otros valores.
type SessionType string

const (
	SessionUser   SessionType = "user"
	SessionAdmin  SessionType = "admin"
	SessionClient SessionType = "client"
)

// Valid reporta si el tipo es uno de los valores del enum.
func (t SessionType) Valid() bool {
	switch t {
	case SessionUser, SessionAdmin, SessionClient:
		return true
	}
	return false
}

// Session representa una cadena de refresh de un login.
// RefreshTokenHash guarda el hash del token vigente, nunca el token crudo.
type Session struct {
	ID               string
	TenantID         string
	SubjectID        string
	Type             SessionType
	RefreshTokenHash string
	IPAddress        *string
	Device           *string
	ExpiresAt        time.Time
	Revoked          bool
	RevokedAt        *time.Time
	CreatedAt        time.Time
}

// CreateSessionInput contiene los datos para crear una nueva sesión.
type CreateSessionInput struct {
	TenantID         string
	SubjectID        string
	Type             SessionType
	RefreshTokenHash string
	IPAddress        string
	Device           string
	ExpiresAt        time.Time
}

// SessionRepository define operaciones sobre sesiones/refresh chains.
type SessionRepository interface {
	// Create inserta una nueva sesión.
	Create(ctx context.Context, input CreateSessionInput) (*Session, error)

	// GetByHash obtiene una sesión por el hash de su refresh token vigente.
	// Retorna ErrNotFound si ningún hash coincide.
	GetByHash(ctx context.Context, refreshTokenHash string) (*Session, error)

	// RotateHash reemplaza el hash vigente por uno nuevo en un solo UPDATE
	// condicional (misma fila; nunca delete+insert). La condición exige que
	// oldHash siga vigente y la sesión no esté revocada ni expirada, de modo
	// que dos refresh concurrentes nunca produzcan dos hashes válidos.
	// Retorna ErrNotFound si la condición no se cumple.
	RotateHash(ctx context.Context, oldHash, newHash string) (*Session, error)

	// Revoke marca una sesión como revocada. Idempotente: revocar una sesión
	// ya revocada es un no-op exitoso.
	Revoke(ctx context.Context, sessionID string) error

	// RevokeAllForSubject revoca todas las sesiones vigentes de un sujeto.
	// Retorna el número de sesiones revocadas.
	RevokeAllForSubject(ctx context.Context, tenantID, subjectID string) (int, error)

	// RevokeAllForTenant revoca todas las sesiones vigentes del tenant
	// (ej: suspensión del tenant).
	RevokeAllForTenant(ctx context.Context, tenantID string) (int, error)

	// DeleteExpired elimina sesiones expiradas o revocadas.
	DeleteExpired(ctx context.Context) (int, error)
}
