package repository

import (
	"context"
	"time"
)

// TenantKey representa un par de claves de firma de un tenant.
// La mitad privada se almacena SIEMPRE cifrada (secretbox); el campo
// EncryptedPrivateKey queda vacío cuando el material fue purgado.
type TenantKey struct {
	ID                  string // identificador local opaco
	TenantID            string
	KID                 string // identificador público (header del token y JWKS)
	Algorithm           string // "EdDSA"
	PublicKey           []byte // ed25519 raw (32 bytes)
	EncryptedPrivateKey string // base64(nonce)|base64(ciphertext)
	IsActive            bool
	CreatedAt           time.Time
	RevokedAt           *time.Time
}

// JWK representa una clave pública en formato JWK (para el endpoint JWKS).
type JWK struct {
	KID string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
}

// JWKS representa un conjunto de claves públicas.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyRepository define operaciones sobre claves de firma por tenant.
//
// Invariante: a lo sumo una fila activa por tenant. CreateActive lo garantiza
// con una sola transacción condicional; nunca read-modify-write en dos viajes.
type KeyRepository interface {
	// CreateActive inserta una clave nueva como activa.
	// Si rotate es false y ya existe una clave activa para el tenant,
	// retorna ErrConflict sin tocar nada.
	// Si rotate es true, desactiva la activa anterior e inserta la nueva en la
	// misma transacción; una carrera con otra rotación concurrente se detecta
	// por el índice único parcial y retorna ErrConflict.
	CreateActive(ctx context.Context, k *TenantKey, rotate bool) error

	// GetActive obtiene la clave activa del tenant (con material cifrado).
	// Retorna ErrNotFound si no existe.
	GetActive(ctx context.Context, tenantID string) (*TenantKey, error)

	// GetByKID busca una clave por su KID, activa o no.
	// Usada en verificación: una clave desactivada sigue validando tokens
	// emitidos antes de la rotación.
	GetByKID(ctx context.Context, kid string) (*TenantKey, error)

	// ListPublic obtiene las claves publicables del tenant (activa +
	// desactivadas aún no purgadas), sin material privado.
	ListPublic(ctx context.Context, tenantID string) ([]TenantKey, error)

	// PurgeRetired borra el material privado de claves desactivadas antes
	// del corte (cuando todos sus tokens ya expiraron).
	// Retorna el número de claves purgadas.
	PurgeRetired(ctx context.Context, before time.Time) (int, error)
}
