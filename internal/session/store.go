// Package session implementa la máquina de estados de refresh tokens:
// tokens opacos de un solo uso, rotación sobre la misma fila y revocación
// en cascada ante reuso.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/keyfort/internal/cache"
	"github.com/dropDatabas3/keyfort/internal/domain/repository"
	"github.com/dropDatabas3/keyfort/internal/metrics"
	"github.com/dropDatabas3/keyfort/internal/observability/logger"
	tokens "github.com/dropDatabas3/keyfort/internal/security/token"
)

const (
	// refreshTokenBytes de entropía por token opaco.
	refreshTokenBytes = 32

	// tombPrefix marca hashes retirados por rotación. Un hit en un lookup
	// posterior es evidencia de robo del token viejo.
	tombPrefix = "rth:"
)

var (
	// ErrInvalidRefreshToken cubre token nunca emitido, ya rotado, o
	// expirado-y-purgado. Deliberadamente no distingue entre estos casos.
	ErrInvalidRefreshToken = errors.New("invalid_refresh_token")

	// ErrSessionRevoked: la sesión fue revocada (logout, admin, reuso).
	ErrSessionRevoked = errors.New("session_revoked")

	// ErrSessionExpired: la sesión superó su expires_at.
	ErrSessionExpired = errors.New("session_expired")

	// ErrInvalidSessionType: el tipo no pertenece al enum {user,admin,client}.
	ErrInvalidSessionType = errors.New("invalid_session_type")
)

// Meta es la metadata de cliente capturada al crear la sesión.
type Meta struct {
	IPAddress string
	Device    string
}

// Created es el resultado de CreateSession. RawRefreshToken se entrega al
// caller exactamente una vez; solo su hash queda persistido.
type Created struct {
	SessionID       string
	RawRefreshToken string
	ExpiresAt       time.Time
}

// Rotated es el resultado de ValidateAndRotate.
type Rotated struct {
	SessionID          string
	TenantID           string
	SubjectID          string
	Type               repository.SessionType
	NewRawRefreshToken string
	ExpiresAt          time.Time
}

// Store es el servicio de sesiones.
type Store struct {
	repo       repository.SessionRepository
	tombs      cache.Cache
	refreshTTL time.Duration
}

// New construye el store. tombs retiene hashes retirados durante refreshTTL
// para detectar reuso; con tombs nil la detección degrada a invalidez simple.
func New(repo repository.SessionRepository, tombs cache.Cache, refreshTTL time.Duration) *Store {
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Store{repo: repo, tombs: tombs, refreshTTL: refreshTTL}
}

// CreateSession genera un refresh token opaco de alta entropía, persiste su
// hash y retorna el token crudo (irrecuperable después de esta llamada).
func (s *Store) CreateSession(ctx context.Context, tenantID, subjectID string, typ repository.SessionType, meta Meta) (*Created, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionType, typ)
	}

	raw, err := tokens.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	sess, err := s.repo.Create(ctx, repository.CreateSessionInput{
		TenantID:         tenantID,
		SubjectID:        subjectID,
		Type:             typ,
		RefreshTokenHash: tokens.SHA256Base64URL(raw),
		IPAddress:        meta.IPAddress,
		Device:           meta.Device,
		ExpiresAt:        time.Now().UTC().Add(s.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.From(ctx).Debug("session created",
		logger.Component("session"),
		logger.SessionID(sess.ID),
		logger.TenantID(tenantID),
		logger.SubjectID(subjectID),
	)
	return &Created{
		SessionID:       sess.ID,
		RawRefreshToken: raw,
		ExpiresAt:       sess.ExpiresAt,
	}, nil
}

// ValidateAndRotate valida el refresh token y rota el hash de la sesión en
// un único UPDATE condicional: tras el éxito el token presentado queda
// inválido y el nuevo es el único vigente, sin ventana intermedia.
//
// Un hash que no matchea ninguna fila se consulta primero contra los
// tombstones: un hit significa que el token ya fue rotado y su reuso es
// señal de robo, así que se revoca la sesión completa antes de responder.
// El caller ve ErrInvalidRefreshToken en ambos casos: el error no revela
// si el token existió alguna vez.
func (s *Store) ValidateAndRotate(ctx context.Context, rawRefreshToken string) (*Rotated, error) {
	log := logger.From(ctx).With(logger.Component("session"), logger.Op("ValidateAndRotate"))
	hash := tokens.SHA256Base64URL(rawRefreshToken)

	if _, err := s.lookupValid(ctx, hash, log); err != nil {
		return nil, err
	}

	newRaw, err := tokens.GenerateOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	newHash := tokens.SHA256Base64URL(newRaw)

	rotated, err := s.repo.RotateHash(ctx, hash, newHash)
	if err != nil {
		if repository.IsNotFound(err) {
			// La condición del UPDATE falló: la sesión pudo ser revocada o
			// expirar entre el lookup y el update, o otro refresh concurrente
			// se llevó el hash. Una segunda lectura reclasifica la carrera al
			// mismo error que reporta el camino sin carrera.
			if _, err2 := s.lookupValid(ctx, hash, log); err2 != nil {
				return nil, err2
			}
			metrics.IncRefresh("invalid")
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	s.entomb(hash, rotated.ID)
	metrics.IncRefresh("ok")
	log.Debug("session rotated", logger.SessionID(rotated.ID), logger.TenantID(rotated.TenantID))

	return &Rotated{
		SessionID:          rotated.ID,
		TenantID:           rotated.TenantID,
		SubjectID:          rotated.SubjectID,
		Type:               rotated.Type,
		NewRawRefreshToken: newRaw,
		ExpiresAt:          rotated.ExpiresAt,
	}, nil
}

// Validate valida el refresh token sin rotarlo: mismo contrato de errores
// que ValidateAndRotate (incluida la cascada anti-reuso sobre hashes ya
// rotados) pero sin efectos sobre la cadena. Sirve para chequear
// precondiciones antes de quemar el token.
func (s *Store) Validate(ctx context.Context, rawRefreshToken string) (*repository.Session, error) {
	log := logger.From(ctx).With(logger.Component("session"), logger.Op("Validate"))
	hash := tokens.SHA256Base64URL(rawRefreshToken)
	return s.lookupValid(ctx, hash, log)
}

// lookupValid busca la sesión por hash y verifica revocación y expiración.
// Un hash sin fila pasa por handleHashMiss (tombstones incluidos).
func (s *Store) lookupValid(ctx context.Context, hash string, log *zap.Logger) (*repository.Session, error) {
	sess, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, s.handleHashMiss(ctx, hash, log)
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess.Revoked {
		metrics.IncRefresh("revoked")
		log.Debug("refresh on revoked session", logger.SessionID(sess.ID))
		return nil, ErrSessionRevoked
	}
	if !time.Now().UTC().Before(sess.ExpiresAt) {
		metrics.IncRefresh("expired")
		log.Debug("refresh on expired session", logger.SessionID(sess.ID))
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// handleHashMiss decide si un hash desconocido es invalidez ordinaria o
// reuso de un token ya rotado. En el segundo caso revoca la sesión completa
// (cascada anti-robo). El caller recibe ErrInvalidRefreshToken en ambos
// casos: el tipo de fallo no se filtra al portador del token.
func (s *Store) handleHashMiss(ctx context.Context, hash string, log *zap.Logger) error {
	if sessionID, ok := s.tombGet(hash); ok {
		metrics.IncRefresh("reuse_detected")
		metrics.IncSessionsRevoked("reuse")
		log.Warn("rotated refresh token replayed, revoking session",
			logger.SessionID(sessionID),
			logger.Reason("refresh_reuse"),
		)
		if err := s.repo.Revoke(ctx, sessionID); err != nil {
			log.Error("reuse cascade revoke failed", logger.SessionID(sessionID), logger.Err(err))
		}
	} else {
		metrics.IncRefresh("invalid")
		log.Debug("refresh token hash not found")
	}
	return ErrInvalidRefreshToken
}

// RevokeSession revoca una sesión. Idempotente: revocar una sesión ya
// revocada (o inexistente) es un no-op exitoso.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.repo.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	metrics.IncSessionsRevoked("logout")
	return nil
}

// RevokeAllForSubject revoca todas las sesiones vigentes de un sujeto.
// Cualquier refresh posterior con tokens de esas sesiones falla con
// ErrSessionRevoked.
func (s *Store) RevokeAllForSubject(ctx context.Context, tenantID, subjectID string) (int, error) {
	n, err := s.repo.RevokeAllForSubject(ctx, tenantID, subjectID)
	if err != nil {
		return 0, fmt.Errorf("revoke all for subject: %w", err)
	}
	metrics.AddSessionsRevoked("admin", n)
	logger.From(ctx).Info("sessions revoked for subject",
		logger.Component("session"),
		logger.TenantID(tenantID),
		logger.SubjectID(subjectID),
		logger.Count(n),
	)
	return n, nil
}

// RevokeAllForTenant revoca todas las sesiones vigentes del tenant
// (ej: suspensión del tenant).
func (s *Store) RevokeAllForTenant(ctx context.Context, tenantID string) (int, error) {
	n, err := s.repo.RevokeAllForTenant(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("revoke all for tenant: %w", err)
	}
	metrics.AddSessionsRevoked("tenant", n)
	logger.From(ctx).Info("sessions revoked for tenant",
		logger.Component("session"),
		logger.TenantID(tenantID),
		logger.Count(n),
	)
	return n, nil
}

// PurgeExpired elimina sesiones expiradas o revocadas (cleanup periódico).
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	metrics.AddPurged("sessions", n)
	return n, nil
}

// entomb registra el hash retirado apuntando a su sesión, con TTL igual al
// TTL de refresh (un hash no puede ser más viejo que eso).
func (s *Store) entomb(hash, sessionID string) {
	if s.tombs != nil {
		s.tombs.Set(tombPrefix+hash, []byte(sessionID), s.refreshTTL)
	}
}

func (s *Store) tombGet(hash string) (string, bool) {
	if s.tombs == nil {
		return "", false
	}
	b, ok := s.tombs.Get(tombPrefix + hash)
	if !ok || len(b) == 0 {
		return "", false
	}
	return string(b), true
}
