package keyvault

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/keyfort/internal/domain/repository"
	"github.com/dropDatabas3/keyfort/internal/security/secretbox"
)

// fakeKeyRepo implementa repository.KeyRepository en memoria respetando el
// invariante de una sola clave activa por tenant.
type fakeKeyRepo struct {
	mu   sync.Mutex
	keys []*repository.TenantKey
}

func (f *fakeKeyRepo) CreateActive(_ context.Context, k *repository.TenantKey, rotate bool) error {
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

func (f *fakeKeyRepo) GetActive(_ context.Context, tenantID string) (*repository.TenantKey, error) {
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

func (f *fakeKeyRepo) GetByKID(_ context.Context, kid string) (*repository.TenantKey, error) {
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

func (f *fakeKeyRepo) ListPublic(_ context.Context, tenantID string) ([]repository.TenantKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.TenantKey
	for _, k := range f.keys {
		if k.TenantID != tenantID {
			continue
		}
		if !k.IsActive && k.EncryptedPrivateKey == "" {
			continue
		}
		cp := *k
		cp.EncryptedPrivateKey = ""
		out = append(out, cp)
	}
	return out, nil
}

func (f *fakeKeyRepo) PurgeRetired(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.keys {
		if !k.IsActive && k.EncryptedPrivateKey != "" && k.RevokedAt != nil && k.RevokedAt.Before(before) {
			k.EncryptedPrivateKey = ""
			n++
		}
	}
	return n, nil
}

func (f *fakeKeyRepo) activeCount(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.keys {
		if k.TenantID == tenantID && k.IsActive {
			n++
		}
	}
	return n
}

func newTestVault(t *testing.T) (*Vault, *fakeKeyRepo) {
	t.Helper()
	box, err := secretbox.New(strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	repo := &fakeKeyRepo{}
	return New(repo, box, nil, time.Second), repo
}

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	k, err := v.GenerateKeyPair(ctx, "acme")
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if k.TenantID != "acme" || !k.IsActive {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.Algorithm != Algorithm {
		t.Fatalf("algorithm = %q, want %q", k.Algorithm, Algorithm)
	}
	if len(k.PublicKey) != ed25519.PublicKeySize {
		t.Fatalf("public key size = %d", len(k.PublicKey))
	}
	if k.KID == "" || k.EncryptedPrivateKey == "" {
		t.Fatalf("kid or encrypted private key missing: %+v", k)
	}

	// segunda generación sin rotación debe chocar con la clave activa
	if _, err := v.GenerateKeyPair(ctx, "acme"); !errors.Is(err, ErrTenantConflict) {
		t.Fatalf("second generate = %v, want ErrTenantConflict", err)
	}
}

func TestActiveKeySignsAndVerifies(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	if _, _, err := v.ActiveKey(ctx, "acme"); !errors.Is(err, ErrNoActiveKey) {
		t.Fatalf("ActiveKey without key = %v, want ErrNoActiveKey", err)
	}

	if _, err := v.GenerateKeyPair(ctx, "acme"); err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	k, priv, err := v.ActiveKey(ctx, "acme")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	msg := []byte("payload")
	sig := ed25519.Sign(priv, msg)
	if !ed25519.Verify(ed25519.PublicKey(k.PublicKey), msg, sig) {
		t.Fatal("signature does not verify against stored public key")
	}
}

func TestRotateKeepsOldKeyForVerification(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	k1, err := v.GenerateKeyPair(ctx, "acme")
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	k2, err := v.RotateKey(ctx, "acme")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if k1.KID == k2.KID {
		t.Fatal("rotation produced same kid")
	}

	active, _, err := v.ActiveKey(ctx, "acme")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if active.KID != k2.KID {
		t.Fatalf("active kid = %s, want %s", active.KID, k2.KID)
	}

	// la clave vieja sigue resoluble por KID para validar tokens previos
	old, err := v.KeyByKID(ctx, k1.KID)
	if err != nil {
		t.Fatalf("KeyByKID(old): %v", err)
	}
	if old.IsActive {
		t.Fatal("old key still marked active")
	}
	if old.EncryptedPrivateKey != "" {
		t.Fatal("KeyByKID leaked private material")
	}
}

func TestConcurrentGenerateSingleActive(t *testing.T) {
	t.Parallel()
	v, repo := newTestVault(t)
	ctx := context.Background()
	const n = 16

	// n generaciones simultáneas para el mismo tenant: el índice parcial
	// deja pasar exactamente una, el resto choca
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.GenerateKeyPair(ctx, "acme")
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrTenantConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("ok = %d, conflicts = %d, want 1 and %d", ok, conflicts, n-1)
	}
	if got := repo.activeCount("acme"); got != 1 {
		t.Fatalf("active keys = %d, want 1", got)
	}

	// rotaciones simultáneas pueden ganar todas, pero el invariante de una
	// sola clave activa se mantiene
	wg = sync.WaitGroup{}
	rotErrs := make([]error, 8)
	for i := range rotErrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rotErrs[i] = v.RotateKey(ctx, "acme")
		}(i)
	}
	wg.Wait()
	for _, err := range rotErrs {
		if err != nil {
			t.Fatalf("RotateKey: %v", err)
		}
	}
	if got := repo.activeCount("acme"); got != 1 {
		t.Fatalf("active keys after rotations = %d, want 1", got)
	}
}

func TestKeyByKIDUnknown(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	if _, err := v.KeyByKID(context.Background(), "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("KeyByKID = %v, want ErrKeyNotFound", err)
	}
}

func TestJWKSContainsActiveAndRetired(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	ctx := context.Background()

	k1, _ := v.GenerateKeyPair(ctx, "acme")
	k2, err := v.RotateKey(ctx, "acme")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	b, err := v.JWKSJSON(ctx, "acme")
	if err != nil {
		t.Fatalf("JWKSJSON: %v", err)
	}
	var jwks repository.JWKS
	if err := json.Unmarshal(b, &jwks); err != nil {
		t.Fatalf("unmarshal jwks: %v", err)
	}
	if len(jwks.Keys) != 2 {
		t.Fatalf("jwks keys = %d, want 2", len(jwks.Keys))
	}
	kids := map[string]bool{}
	for _, jk := range jwks.Keys {
		kids[jk.KID] = true
		if jk.Kty != "OKP" || jk.Crv != "Ed25519" || jk.Use != "sig" {
			t.Fatalf("unexpected jwk shape: %+v", jk)
		}
		if jk.X == "" {
			t.Fatalf("jwk without x: %+v", jk)
		}
	}
	if !kids[k1.KID] || !kids[k2.KID] {
		t.Fatalf("jwks missing kid: got %v", kids)
	}
}

func TestJWKSEmptyTenant(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t)
	b, err := v.JWKSJSON(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("JWKSJSON: %v", err)
	}
	if string(b) != `{"keys":[]}` {
		t.Fatalf("empty jwks = %s", b)
	}
}

func TestPurgeRetired(t *testing.T) {
	t.Parallel()
	v, repo := newTestVault(t)
	ctx := context.Background()

	k1, _ := v.GenerateKeyPair(ctx, "acme")
	if _, err := v.RotateKey(ctx, "acme"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	n, err := v.PurgeRetired(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeRetired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	// la pública sobrevive a la purga: el JWKS ya no la publica, pero el
	// lookup por KID sigue resolviendo
	old, err := repo.GetByKID(ctx, k1.KID)
	if err != nil {
		t.Fatalf("GetByKID after purge: %v", err)
	}
	if old.EncryptedPrivateKey != "" {
		t.Fatal("private material survived purge")
	}
}
