// Package jwt emite y verifica access tokens firmados con la clave activa
// de cada tenant, y orquesta la emisión de pares access+refresh.
package jwt

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/dropDatabas3/keyfort/internal/domain/repository"
	"github.com/dropDatabas3/keyfort/internal/keyvault"
	"github.com/dropDatabas3/keyfort/internal/metrics"
	"github.com/dropDatabas3/keyfort/internal/observability/logger"
	"github.com/dropDatabas3/keyfort/internal/session"
)

// Tolerancia de reloj para exp/nbf.
const clockLeeway = 30 * time.Second

var (
	// ErrTokenExpired: el token superó su exp.
	ErrTokenExpired = errors.New("token_expired")

	// ErrSignatureInvalid: firma inválida o token malformado.
	ErrSignatureInvalid = errors.New("signature_invalid")

	// ErrTenantMismatch: el claim de tenant no coincide con el dueño de la
	// clave que firmó (defensa contra sustitución de tokens entre tenants).
	ErrTenantMismatch = errors.New("tenant_mismatch")
)

// TokenPair es el resultado que ve el colaborador externo.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issuer firma tokens usando la clave activa del tenant en el KeyVault.
type Issuer struct {
	Vault     *keyvault.Vault
	Sessions  *session.Store
	Iss       string        // URL base; el issuer efectivo es {base}/t/{tenant}
	Aud       string        // "aud" por defecto
	AccessTTL time.Duration // TTL de access tokens (ej: 15m)
}

// NewIssuer construye el emisor con el TTL por defecto de 15 minutos.
func NewIssuer(vault *keyvault.Vault, sessions *session.Store, iss, aud string) *Issuer {
	return &Issuer{
		Vault:     vault,
		Sessions:  sessions,
		Iss:       strings.TrimRight(iss, "/"),
		Aud:       aud,
		AccessTTL: 15 * time.Minute,
	}
}

// TenantIssuer construye el issuer efectivo por tenant: {base}/t/{tenant}.
// Embeber el tenant en iss evita que un token se replaye contra otro tenant.
func (i *Issuer) TenantIssuer(tenantID string) string {
	return fmt.Sprintf("%s/t/%s", i.Iss, tenantID)
}

// IssueAccessToken emite un access token firmado con la clave activa del
// tenant. Propaga keyvault.ErrNoActiveKey si el tenant no tiene clave: es un
// error de setup que el caller debe remediar, no saltear.
func (i *Issuer) IssueAccessToken(ctx context.Context, tenantID, subjectID string, custom map[string]any) (string, time.Time, error) {
	k, priv, err := i.Vault.ActiveKey(ctx, tenantID)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	exp := now.Add(i.AccessTTL)

	claims := jwtv5.MapClaims{
		"iss": i.TenantIssuer(tenantID),
		"sub": subjectID,
		"aud": i.Aud,
		"tid": tenantID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if len(custom) > 0 {
		claims["custom"] = custom
	}

	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = k.KID
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	metrics.IncTokensIssued(tenantID)
	return signed, exp, nil
}

// VerifyAccessToken valida firma (EdDSA por kid), exp/nbf con tolerancia, y
// que el tenant del claim coincida con el dueño de la clave. Devuelve las
// claims como map. Los errores tipados son para consumo interno: el borde
// HTTP los colapsa en un "invalid token" genérico y loguea la causa.
func (i *Issuer) VerifyAccessToken(ctx context.Context, tokenStr string) (map[string]any, error) {
	log := logger.From(ctx).With(logger.Component("jwt"), logger.Op("VerifyAccessToken"))

	var keyTenant string
	keyfunc := func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, keyvault.ErrKeyNotFound
		}
		k, err := i.Vault.KeyByKID(ctx, kid)
		if err != nil {
			return nil, err
		}
		keyTenant = k.TenantID
		return ed25519.PublicKey(k.PublicKey), nil
	}

	tok, err := jwtv5.Parse(tokenStr, keyfunc,
		jwtv5.WithValidMethods([]string{"EdDSA"}),
		jwtv5.WithLeeway(clockLeeway),
	)
	if err != nil {
		mapped := mapParseError(err)
		metrics.IncVerification(verifyResult(mapped))
		log.Debug("token verification failed", logger.Reason(mapped.Error()))
		return nil, mapped
	}
	if !tok.Valid {
		metrics.IncVerification("bad_signature")
		return nil, ErrSignatureInvalid
	}

	mc, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		metrics.IncVerification("bad_signature")
		return nil, ErrSignatureInvalid
	}

	// Cross-check de tenant: el tid del token debe ser el dueño de la clave
	// y el iss debe ser el issuer efectivo de ese tenant.
	tid, _ := mc["tid"].(string)
	iss, _ := mc["iss"].(string)
	if tid == "" || tid != keyTenant || iss != i.TenantIssuer(tid) {
		metrics.IncVerification("tenant_mismatch")
		log.Debug("token verification failed",
			logger.Reason("tenant_mismatch"),
			logger.TenantID(tid),
		)
		return nil, ErrTenantMismatch
	}

	metrics.IncVerification("ok")
	out := make(map[string]any, len(mc))
	for k, v := range mc {
		out[k] = v
	}
	return out, nil
}

// mapParseError traduce errores de jwt/v5 a la taxonomía del servicio.
func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwtv5.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, keyvault.ErrKeyNotFound):
		return keyvault.ErrKeyNotFound
	case errors.Is(err, jwtv5.ErrTokenNotValidYet):
		return ErrSignatureInvalid
	default:
		return ErrSignatureInvalid
	}
}

func verifyResult(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, keyvault.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrTenantMismatch):
		return "tenant_mismatch"
	default:
		return "bad_signature"
	}
}

// IssueTokenPair emite un access token y crea la sesión de refresh asociada.
func (i *Issuer) IssueTokenPair(ctx context.Context, tenantID, subjectID string, typ repository.SessionType, meta session.Meta, custom map[string]any) (*TokenPair, error) {
	access, exp, err := i.IssueAccessToken(ctx, tenantID, subjectID, custom)
	if err != nil {
		return nil, err
	}
	created, err := i.Sessions.CreateSession(ctx, tenantID, subjectID, typ, meta)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: created.RawRefreshToken,
		ExpiresIn:    int64(time.Until(exp).Seconds()),
	}, nil
}

// Refresh valida y rota el refresh token, y emite un access token nuevo para
// el sujeto de la sesión. Una validación exitosa produce exactamente un par
// nuevo y una fila rotada: la rotación es un único UPDATE condicional, sin
// ventana en la que el token viejo y el nuevo sean válidos a la vez.
//
// Antes de quemar el token se verifica que el tenant de la sesión tenga
// clave activa: un tenant sin clave es un error de setup remediable y no
// debe costarle la cadena de refresh al sujeto.
func (i *Issuer) Refresh(ctx context.Context, rawRefreshToken string, custom map[string]any) (*TokenPair, error) {
	sess, err := i.Sessions.Validate(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}
	if _, _, err := i.Vault.ActiveKey(ctx, sess.TenantID); err != nil {
		return nil, err
	}

	rot, err := i.Sessions.ValidateAndRotate(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}

	access, exp, err := i.IssueAccessToken(ctx, rot.TenantID, rot.SubjectID, custom)
	if err != nil {
		// La clave se rotó o desapareció entre el pre-chequeo y la firma.
		// Se loguea con la sesión afectada para poder rastrearla.
		logger.From(ctx).Error("refresh rotated but access issuance failed",
			logger.Component("jwt"),
			logger.TenantID(rot.TenantID),
			logger.SessionID(rot.SessionID),
			logger.Err(err),
		)
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rot.NewRawRefreshToken,
		ExpiresIn:    int64(time.Until(exp).Seconds()),
	}, nil
}
