// Package http expone los contratos públicos del core: JWKS por tenant,
// healthcheck y métricas. El ruteo de los flujos de auth vive en otro
// servicio; acá solo lo que verificadores externos consumen.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/keyfort/internal/keyvault"
	"github.com/dropDatabas3/keyfort/internal/observability/logger"
)

// Deps agrupa las dependencias del router.
type Deps struct {
	Vault *keyvault.Vault
	Ready func(ctx context.Context) error // ping al store; nil = siempre ready
}

// NewRouter arma el router chi con los endpoints públicos.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/t/{tenant}/.well-known/jwks.json", jwksHandler(deps.Vault))

	return r
}

// jwksHandler sirve el JWKS del tenant. Nunca incluye material privado y
// contiene todas las claves que aún pueden validar un token no expirado.
func jwksHandler(vault *keyvault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		if tenant == "" {
			writeError(w, http.StatusNotFound, "unknown tenant")
			return
		}

		b, err := vault.JWKSJSON(r.Context(), tenant)
		if err != nil {
			// Causa exacta solo en logs; el caller externo recibe un 500 plano.
			logger.From(r.Context()).Error("jwks lookup failed",
				logger.Component("http"),
				logger.TenantID(tenant),
				logger.Err(err),
			)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=15")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start levanta el servidor HTTP y lo apaga limpio cuando ctx se cancela.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
