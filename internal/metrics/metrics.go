// Package metrics registra las métricas Prometheus del core.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// TokensIssued cuenta access tokens emitidos, por tenant.
	TokensIssued *prometheus.CounterVec

	// Verifications cuenta verificaciones por resultado
	// (ok|expired|bad_signature|key_not_found|tenant_mismatch).
	Verifications *prometheus.CounterVec

	// KeyRotations cuenta generaciones/rotaciones de clave por resultado.
	KeyRotations *prometheus.CounterVec

	// Refreshes cuenta refresh attempts por resultado
	// (ok|invalid|revoked|expired|reuse_detected).
	Refreshes *prometheus.CounterVec

	// SessionsRevoked cuenta revocaciones por causa (logout|reuse|admin|tenant).
	SessionsRevoked *prometheus.CounterVec

	// PurgedRows cuenta filas purgadas por el cleanup (sessions|keys).
	PurgedRows *prometheus.CounterVec
)

// Register inicializa y registra las métricas. Idempotente.
func Register(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_tokens_issued_total",
			Help: "Access tokens emitidos",
		}, []string{"tenant"})

		Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_token_verifications_total",
			Help: "Verificaciones de access token por resultado",
		}, []string{"result"})

		KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_key_rotations_total",
			Help: "Generaciones y rotaciones de clave por resultado",
		}, []string{"result"})

		Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_refreshes_total",
			Help: "Intentos de refresh por resultado",
		}, []string{"result"})

		SessionsRevoked = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_sessions_revoked_total",
			Help: "Sesiones revocadas por causa",
		}, []string{"cause"})

		PurgedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyfort_purged_rows_total",
			Help: "Filas purgadas por el cleanup periódico",
		}, []string{"kind"})

		reg.MustRegister(
			TokensIssued, Verifications, KeyRotations,
			Refreshes, SessionsRevoked, PurgedRows,
		)
	})
}
