package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/keyfort/internal/cache"
	memcache "github.com/dropDatabas3/keyfort/internal/cache/memory"
	rediscache "github.com/dropDatabas3/keyfort/internal/cache/redis"
	"github.com/dropDatabas3/keyfort/internal/config"
	httpserver "github.com/dropDatabas3/keyfort/internal/http"
	jwtx "github.com/dropDatabas3/keyfort/internal/jwt"
	"github.com/dropDatabas3/keyfort/internal/keyvault"
	"github.com/dropDatabas3/keyfort/internal/metrics"
	"github.com/dropDatabas3/keyfort/internal/observability/logger"
	"github.com/dropDatabas3/keyfort/internal/security/secretbox"
	"github.com/dropDatabas3/keyfort/internal/session"
	pgstore "github.com/dropDatabas3/keyfort/internal/store/pg"
	migrations "github.com/dropDatabas3/keyfort/migrations/postgres"
)

var (
	flagConfig  string
	flagEnvFile string
	flagEnvOnly bool
)

func main() {
	root := &cobra.Command{
		Use:           "keyfort",
		Short:         "servicio de firma y verificación de tokens multi-tenant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "ruta a config.yaml (por defecto configs/config.yaml)")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "ruta a .env")
	root.PersistentFlags().BoolVar(&flagEnvOnly, "env", false, "usar SOLO variables de entorno")

	root.AddCommand(serveCmd(), rotateCmd(), purgeCmd(), genSecretboxCmd(), schemaCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if flagEnvFile != "" {
		_ = godotenv.Load(flagEnvFile)
	}
	if flagEnvOnly {
		return config.FromEnv()
	}
	path := flagConfig
	if path == "" {
		if fileExists("configs/config.yaml") {
			path = "configs/config.yaml"
		} else if fileExists("configs/config.example.yaml") {
			path = "configs/config.example.yaml"
		} else {
			return config.FromEnv()
		}
	}
	return config.Load(path)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// deps agrupa todo lo que los subcomandos necesitan ya cableado.
type deps struct {
	cfg      *config.Config
	store    *pgstore.Store
	cache    cache.Cache
	vault    *keyvault.Vault
	sessions *session.Store
	issuer   *jwtx.Issuer
	close    func()
}

func build(ctx context.Context) (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Config{Env: cfg.App.Env})

	box, err := secretbox.New(cfg.Keys.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}

	st, err := pgstore.New(ctx, cfg.Storage.DSN, pgstore.Config{
		MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
		MinConns:        cfg.Storage.Postgres.MinConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	var c cache.Cache
	closeCache := func() {}
	switch cfg.Cache.Kind {
	case "redis":
		rc := rediscache.New(cfg.Cache.Redis.Addr, cfg.Cache.Redis.DB)
		c = rc
		closeCache = func() { _ = rc.Close() }
	default:
		c = memcache.New(cfg.MemoryTTL())
	}

	vault := keyvault.New(st, box, c, cfg.JWKSCacheTTL())
	sessions := session.New(st, c, cfg.RefreshTTL())
	issuer := jwtx.NewIssuer(vault, sessions, cfg.Tokens.Issuer, cfg.Tokens.Audience)
	issuer.AccessTTL = cfg.AccessTTL()

	return &deps{
		cfg:      cfg,
		store:    st,
		cache:    c,
		vault:    vault,
		sessions: sessions,
		issuer:   issuer,
		close: func() {
			closeCache()
			st.Close()
		},
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "levanta el endpoint JWKS, health y métricas",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := build(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			defer logger.Sync()

			metrics.Register(nil)
			log := logger.Named("serve")

			router := httpserver.NewRouter(httpserver.Deps{
				Vault: d.vault,
				Ready: d.store.Ping,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("http listening", zap.String("addr", d.cfg.Server.Addr))
				return httpserver.Start(gctx, d.cfg.Server.Addr, router)
			})
			g.Go(func() error {
				return cleanupLoop(gctx, d)
			})
			return g.Wait()
		},
	}
}

// cleanupLoop corre las purgas periódicas: sesiones vencidas/revocadas y
// material privado de claves retiradas una vez que ningún access token
// firmado con ellas puede seguir vivo.
func cleanupLoop(ctx context.Context, d *deps) error {
	interval := d.cfg.CleanupInterval()
	if interval <= 0 {
		return nil
	}
	log := logger.Named("cleanup")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := d.sessions.PurgeExpired(ctx); err != nil {
				log.Warn("session purge failed", logger.Err(err))
			} else if n > 0 {
				log.Info("sessions purged", logger.Count(n))
			}
			cutoff := time.Now().Add(-d.cfg.AccessTTL())
			if n, err := d.vault.PurgeRetired(ctx, cutoff); err != nil {
				log.Warn("key purge failed", logger.Err(err))
			} else if n > 0 {
				log.Info("retired keys scrubbed", logger.Count(n))
			}
		}
	}
}

func rotateCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "rota la clave de firma activa de un tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant es obligatorio")
			}
			ctx := cmd.Context()
			d, err := build(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			k, err := d.vault.RotateKey(ctx, tenant)
			if err != nil {
				return err
			}
			fmt.Printf("rotated tenant=%s kid=%s alg=%s\n", k.TenantID, k.KID, k.Algorithm)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant a rotar")
	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "purga sesiones vencidas y material de claves retiradas (one-shot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			ns, err := d.sessions.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-d.cfg.AccessTTL())
			nk, err := d.vault.PurgeRetired(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("sessions=%d keys=%d\n", ns, nk)
			return nil
		},
	}
}

func genSecretboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-secretbox",
		Short: "genera una master key nueva para KEYFORT_MASTER_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := secretbox.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Println(k)
			return nil
		},
	}
}

// schemaCmd imprime el esquema SQL embebido. El aprovisionamiento lo corre
// tooling externo; esto expone el contrato de tablas que el servicio espera.
func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "imprime el esquema SQL que el servicio espera provisionado",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := migrations.FS.ReadDir(migrations.Dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				b, err := migrations.FS.ReadFile(migrations.Dir + "/" + e.Name())
				if err != nil {
					return err
				}
				fmt.Printf("-- %s\n%s\n", e.Name(), b)
			}
			return nil
		},
	}
}

// tokenCmd agrupa utilidades de debugging para operadores: emitir y
// verificar tokens contra la base real sin pasar por el servicio que
// integra esta librería.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "utilidades de emisión/verificación (debug)",
	}

	var (
		tenant  string
		subject string
		claims  string
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "emite un access token firmado con la clave activa del tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || subject == "" {
				return fmt.Errorf("--tenant y --subject son obligatorios")
			}
			var custom map[string]any
			if claims != "" {
				if err := json.Unmarshal([]byte(claims), &custom); err != nil {
					return fmt.Errorf("claims: %w", err)
				}
			}
			ctx := cmd.Context()
			d, err := build(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			tok, exp, err := d.issuer.IssueAccessToken(ctx, tenant, subject, custom)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			fmt.Fprintln(os.Stderr, "expires:", exp.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&tenant, "tenant", "", "tenant emisor")
	issue.Flags().StringVar(&subject, "subject", "", "sub del token")
	issue.Flags().StringVar(&claims, "claims", "", "claims extra en JSON")

	verify := &cobra.Command{
		Use:   "verify <jwt>",
		Short: "verifica un access token y muestra sus claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			cl, err := d.issuer.VerifyAccessToken(ctx, args[0])
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(cl, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(issue, verify)
	return cmd
}
