// Package keyvault administra la identidad criptográfica de cada tenant:
// genera, cifra, rota y publica los pares de claves de firma.
package keyvault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/keyfort/internal/cache"
	"github.com/dropDatabas3/keyfort/internal/domain/repository"
	"github.com/dropDatabas3/keyfort/internal/metrics"
	"github.com/dropDatabas3/keyfort/internal/observability/logger"
	"github.com/dropDatabas3/keyfort/internal/security/secretbox"
	tokens "github.com/dropDatabas3/keyfort/internal/security/token"
)

// Algorithm es el único algoritmo de firma soportado.
const Algorithm = "EdDSA"

var (
	// ErrNoActiveKey: el tenant no tiene clave de firma. Error de setup,
	// requiere remediación explícita (generar clave), nunca se saltea.
	ErrNoActiveKey = errors.New("no_active_signing_key")

	// ErrKeyGeneration: fallo de entropía/crypto al generar o cifrar.
	ErrKeyGeneration = errors.New("key_generation_failed")

	// ErrKeyNotFound: ningún KID coincide.
	ErrKeyNotFound = errors.New("kid_not_found")

	// ErrTenantConflict: ya existe clave activa y no se pidió rotación,
	// o una rotación concurrente ganó la carrera.
	ErrTenantConflict = errors.New("tenant_key_conflict")
)

// Vault es el servicio de claves. Instancia explícita construida en el
// arranque; no hay estado global de material de claves.
type Vault struct {
	repo    repository.KeyRepository
	box     *secretbox.Box
	cache   cache.Cache
	jwksTTL time.Duration
}

// New construye el vault. jwksTTL acota el cache de lectura de claves
// públicas (las claves son inmutables una vez emitidas; el TTL solo
// acota la latencia de aparición de claves nuevas en el JWKS).
func New(repo repository.KeyRepository, box *secretbox.Box, c cache.Cache, jwksTTL time.Duration) *Vault {
	if jwksTTL <= 0 {
		jwksTTL = 15 * time.Second
	}
	return &Vault{repo: repo, box: box, cache: c, jwksTTL: jwksTTL}
}

// GenerateKeyPair crea un par ed25519 nuevo para el tenant y lo persiste
// como activo. Falla con ErrTenantConflict si ya hay clave activa.
func (v *Vault) GenerateKeyPair(ctx context.Context, tenantID string) (*repository.TenantKey, error) {
	return v.create(ctx, tenantID, false)
}

// RotateKey genera una clave nueva desactivando la anterior en la misma
// transacción. La clave vieja sigue verificando tokens ya emitidos.
func (v *Vault) RotateKey(ctx context.Context, tenantID string) (*repository.TenantKey, error) {
	return v.create(ctx, tenantID, true)
}

func (v *Vault) create(ctx context.Context, tenantID string, rotate bool) (*repository.TenantKey, error) {
	log := logger.From(ctx).With(logger.Component("keyvault"), logger.TenantID(tenantID))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		metrics.IncKeyRotation("generation_failed")
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	encPriv, err := v.box.Encrypt(priv)
	if err != nil {
		metrics.IncKeyRotation("generation_failed")
		return nil, fmt.Errorf("%w: encrypt private key: %v", ErrKeyGeneration, err)
	}

	k := &repository.TenantKey{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		KID:                 tokens.DeriveKID(pub),
		Algorithm:           Algorithm,
		PublicKey:           pub,
		EncryptedPrivateKey: encPriv,
	}

	if err := v.repo.CreateActive(ctx, k, rotate); err != nil {
		if repository.IsConflict(err) {
			metrics.IncKeyRotation("conflict")
			return nil, ErrTenantConflict
		}
		metrics.IncKeyRotation("store_error")
		return nil, fmt.Errorf("persist key: %w", err)
	}

	v.invalidate(tenantID)
	metrics.IncKeyRotation("ok")
	log.Info("signing key created", logger.KID(k.KID), logger.Op(opName(rotate)))
	return k, nil
}

func opName(rotate bool) string {
	if rotate {
		return "rotate"
	}
	return "generate"
}

// ActiveKey devuelve la clave activa del tenant con la privada descifrada.
// Solo el emisor de tokens debe llamarla; el material descifrado vive en
// memoria únicamente durante la firma, nunca se cachea.
func (v *Vault) ActiveKey(ctx context.Context, tenantID string) (*repository.TenantKey, ed25519.PrivateKey, error) {
	k, err := v.repo.GetActive(ctx, tenantID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, ErrNoActiveKey
		}
		return nil, nil, fmt.Errorf("get active key: %w", err)
	}
	priv, err := v.box.Decrypt(k.EncryptedPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt private key kid=%s: %w", k.KID, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("decrypt private key kid=%s: unexpected length %d", k.KID, len(priv))
	}
	return k, ed25519.PrivateKey(priv), nil
}

// KeyByKID busca una clave por KID para verificación. Funciona también para
// claves desactivadas (tokens firmados antes de una rotación). Nunca expone
// material privado.
func (v *Vault) KeyByKID(ctx context.Context, kid string) (*repository.TenantKey, error) {
	if b, ok := v.cacheGet("kid:" + kid); ok {
		var k repository.TenantKey
		if json.Unmarshal(b, &k) == nil {
			return &k, nil
		}
	}

	k, err := v.repo.GetByKID(ctx, kid)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get key by kid: %w", err)
	}
	pub := publicOnly(k)
	if b, err := json.Marshal(pub); err == nil {
		v.cacheSet("kid:"+kid, b)
	}
	return pub, nil
}

// PublicKeySet devuelve el JWKS del tenant: clave activa + desactivadas que
// aún pueden validar tokens no expirados. Sin material privado.
func (v *Vault) PublicKeySet(ctx context.Context, tenantID string) (*repository.JWKS, error) {
	keys, err := v.repo.ListPublic(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list public keys: %w", err)
	}
	jwks := &repository.JWKS{Keys: make([]repository.JWK, 0, len(keys))}
	for _, k := range keys {
		if len(k.PublicKey) == 0 {
			continue
		}
		jwks.Keys = append(jwks.Keys, repository.JWK{
			KID: k.KID,
			Kty: "OKP",
			Crv: "Ed25519",
			Alg: k.Algorithm,
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(k.PublicKey),
		})
	}
	return jwks, nil
}

// JWKSJSON devuelve el JWKS serializado, con cache corto.
func (v *Vault) JWKSJSON(ctx context.Context, tenantID string) ([]byte, error) {
	if b, ok := v.cacheGet("jwks:" + tenantID); ok {
		return b, nil
	}
	jwks, err := v.PublicKeySet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(jwks)
	if err != nil {
		return nil, err
	}
	v.cacheSet("jwks:"+tenantID, b)
	return b, nil
}

// PurgeRetired borra material privado de claves desactivadas cuyo último
// token posible ya expiró (corte = rotación + TTL de access).
func (v *Vault) PurgeRetired(ctx context.Context, before time.Time) (int, error) {
	n, err := v.repo.PurgeRetired(ctx, before)
	if err != nil {
		return 0, err
	}
	metrics.AddPurged("keys", n)
	return n, nil
}

// publicOnly devuelve una copia sin material privado.
func publicOnly(k *repository.TenantKey) *repository.TenantKey {
	cp := *k
	cp.EncryptedPrivateKey = ""
	return &cp
}

func (v *Vault) invalidate(tenantID string) {
	if v.cache != nil {
		v.cache.Delete("jwks:" + tenantID)
	}
}

func (v *Vault) cacheGet(key string) ([]byte, bool) {
	if v.cache == nil {
		return nil, false
	}
	return v.cache.Get(key)
}

func (v *Vault) cacheSet(key string, b []byte) {
	if v.cache != nil {
		v.cache.Set(key, b, v.jwksTTL)
	}
}
