package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/keyfort/internal/cache/memory"
	"github.com/dropDatabas3/keyfort/internal/domain/repository"
	"github.com/dropDatabas3/keyfort/internal/keyvault"
	"github.com/dropDatabas3/keyfort/internal/security/secretbox"
	"github.com/dropDatabas3/keyfort/internal/session"
)

type memKeyRepo struct {
	mu   sync.Mutex
	keys []*repository.TenantKey
}

func (f *memKeyRepo) CreateActive(_ context.Context, k *repository.TenantKey, rotate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.keys {
		if ex.TenantID == k.TenantID && ex.IsActive {
			if !rotate {
				return repository.ErrConflict
			}
			now := time.Now().UTC()
			ex.IsActive = false
			ex.RevokedAt = &now
		}
	}
	k.IsActive = true
	k.CreatedAt = time.Now().UTC()
	cp := *k
	f.keys = append(f.keys, &cp)
	return nil
}

func (f *memKeyRepo) GetActive(_ context.Context, tenantID string) (*repository.TenantKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.TenantID == tenantID && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *memKeyRepo) GetByKID(_ context.Context, kid string) (*repository.TenantKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KID == kid {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *memKeyRepo) ListPublic(_ context.Context, tenantID string) ([]repository.TenantKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.TenantKey
	for _, k := range f.keys {
		if k.TenantID == tenantID {
			cp := *k
			cp.EncryptedPrivateKey = ""
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *memKeyRepo) PurgeRetired(context.Context, time.Time) (int, error) { return 0, nil }

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*repository.Session
	seq      int
}

func (f *memSessionRepo) Create(_ context.Context, in repository.CreateSessionInput) (*repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	s := &repository.Session{
		ID:               fmt.Sprintf("sess-%d", f.seq),
		TenantID:         in.TenantID,
		SubjectID:        in.SubjectID,
		Type:             in.Type,
		RefreshTokenHash: in.RefreshTokenHash,
		ExpiresAt:        in.ExpiresAt,
		CreatedAt:        time.Now().UTC(),
	}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *memSessionRepo) GetByHash(_ context.Context, hash string) (*repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RefreshTokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *memSessionRepo) RotateHash(_ context.Context, oldHash, newHash string) (*repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RefreshTokenHash == oldHash && !s.Revoked && time.Now().UTC().Before(s.ExpiresAt) {
			s.RefreshTokenHash = newHash
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *memSessionRepo) Revoke(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Revoked = true
	}
	return nil
}

func (f *memSessionRepo) RevokeAllForSubject(context.Context, string, string) (int, error) {
	return 0, nil
}
func (f *memSessionRepo) RevokeAllForTenant(context.Context, string) (int, error) { return 0, nil }
func (f *memSessionRepo) DeleteExpired(context.Context) (int, error) { return 0, nil }

func newTestIssuer(t *testing.T) (*Issuer, *keyvault.Vault) {
	t.Helper()
	box, err := secretbox.New(strings.Repeat("k", 32))
	require.NoError(t, err)
	vault := keyvault.New(&memKeyRepo{}, box, nil, time.Second)
	sessions := session.New(&memSessionRepo{sessions: map[string]*repository.Session{}}, memory.New(time.Minute), time.Hour)
	return NewIssuer(vault, sessions, "https://id.example.com/", "api"), vault
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()

	_, _, err := iss.IssueAccessToken(ctx, "acme", "user-1", nil)
	require.ErrorIs(t, err, keyvault.ErrNoActiveKey, "issuing without a key must fail loudly")

	_, err = vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	tok, exp, err := iss.IssueAccessToken(ctx, "acme", "user-1", map[string]any{"role": "admin"})
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	claims, err := iss.VerifyAccessToken(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims["sub"])
	require.Equal(t, "acme", claims["tid"])
	require.Equal(t, "https://id.example.com/t/acme", claims["iss"])
	require.Equal(t, "api", claims["aud"])
	custom, ok := claims["custom"].(map[string]any)
	require.True(t, ok, "custom claims missing")
	require.Equal(t, "admin", custom["role"])
}

func TestVerifyExpired(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()
	_, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	// más allá de la tolerancia de reloj
	iss.AccessTTL = -2 * time.Minute
	tok, _, err := iss.IssueAccessToken(ctx, "acme", "user-1", nil)
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(ctx, tok)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyTampered(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()
	_, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	tok, _, err := iss.IssueAccessToken(ctx, "acme", "user-1", nil)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = iss.VerifyAccessToken(ctx, tampered)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyUnknownKID(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()
	_, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	_, priv, err := vault.ActiveKey(ctx, "acme")
	require.NoError(t, err)

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, jwtv5.MapClaims{
		"iss": iss.TenantIssuer("acme"),
		"sub": "user-1",
		"tid": "acme",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tk.Header["kid"] = "unknown-kid"
	signed, err := tk.SignedString(priv)
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(ctx, signed)
	require.ErrorIs(t, err, keyvault.ErrKeyNotFound)
}

func TestVerifyCrossTenantSubstitution(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()

	ka, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)
	_, err = vault.GenerateKeyPair(ctx, "globex")
	require.NoError(t, err)

	// token firmado con la clave de acme pero reclamando ser de globex
	_, priv, err := vault.ActiveKey(ctx, "acme")
	require.NoError(t, err)
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, jwtv5.MapClaims{
		"iss": iss.TenantIssuer("globex"),
		"sub": "user-1",
		"aud": "api",
		"tid": "globex",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tk.Header["kid"] = ka.KID
	signed, err := tk.SignedString(priv)
	require.NoError(t, err)

	_, err = iss.VerifyAccessToken(ctx, signed)
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestVerifySurvivesRotation(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()
	_, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	tok, _, err := iss.IssueAccessToken(ctx, "acme", "user-1", nil)
	require.NoError(t, err)

	_, err = vault.RotateKey(ctx, "acme")
	require.NoError(t, err)

	// el token previo sigue verificando mientras no expire: la clave vieja
	// queda resoluble por KID
	claims, err := iss.VerifyAccessToken(ctx, tok)
	require.NoError(t, err)
	require.Equal(t, "acme", claims["tid"])
}

func TestIssueTokenPairAndRefresh(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()
	_, err := vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	pair, err := iss.IssueTokenPair(ctx, "acme", "user-1", repository.SessionUser, session.Meta{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Greater(t, pair.ExpiresIn, int64(0))

	next, err := iss.Refresh(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	claims, err := iss.VerifyAccessToken(ctx, next.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims["sub"])

	// el refresh viejo queda quemado
	_, err = iss.Refresh(ctx, pair.RefreshToken, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, session.ErrInvalidRefreshToken) || errors.Is(err, session.ErrSessionRevoked))
}

func TestRefreshWithoutActiveKeyKeepsChain(t *testing.T) {
	t.Parallel()
	iss, vault := newTestIssuer(t)
	ctx := context.Background()

	// sesión válida para un tenant que todavía no tiene clave de firma
	created, err := iss.Sessions.CreateSession(ctx, "acme", "user-1", repository.SessionUser, session.Meta{})
	require.NoError(t, err)

	_, err = iss.Refresh(ctx, created.RawRefreshToken, nil)
	require.ErrorIs(t, err, keyvault.ErrNoActiveKey)

	// el fallo de setup no quemó el token: tras provisionar la clave, el
	// mismo refresh token sigue siendo canjeable
	_, err = vault.GenerateKeyPair(ctx, "acme")
	require.NoError(t, err)

	pair, err := iss.Refresh(ctx, created.RawRefreshToken, nil)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEqual(t, created.RawRefreshToken, pair.RefreshToken)
}
