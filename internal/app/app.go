package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/gatekeeper/internal/domain/auth"
	"github.com/xenking/gatekeeper/internal/domain/identity"
	"github.com/xenking/gatekeeper/internal/domain/role"
	"github.com/xenking/gatekeeper/internal/handler"
	"github.com/xenking/gatekeeper/internal/secret"
	"github.com/xenking/gatekeeper/internal/storage/memory"
	"github.com/xenking/gatekeeper/internal/storage/postgres"
	"github.com/xenking/gatekeeper/internal/token"
	"github.com/xenking/gatekeeper/pkg/health"
	"github.com/xenking/gatekeeper/pkg/httpmiddleware"
)

// service is the wired application, ready to serve.
type service struct {
	handler http.Handler
	health  *health.Health
	pool    *pgxpool.Pool
}

func (s *service) close() {
	s.health.Stop()
	if s.pool != nil {
		s.pool.Close()
	}
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("catalog_source", cfg.Catalog.Source),
	)
	ctx = zctx.Base(ctx, lg)

	svc, err := build(ctx, lg, m.MeterProvider(), m.TracerProvider(), cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// build wires storage, the role catalog, the token codec and the HTTP stack.
// Background reloaders and health probes stop when ctx is cancelled.
func build(
	ctx context.Context,
	lg *zap.Logger,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
	cfg *Config,
) (_ *service, rerr error) {
	svc := &service{health: health.New()}
	defer func() {
		if rerr != nil && svc.pool != nil {
			svc.pool.Close()
		}
	}()

	// Account directory: PostgreSQL when configured, memory otherwise.
	var directory identity.Directory
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		svc.pool = pool

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
		directory = postgres.NewDirectory(pool)
		svc.health.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	} else {
		lg.Warn("No database URL, accounts are kept in memory and lost on restart")
		directory = memory.NewDirectory()
	}

	// Role catalog.
	catalog, err := loadCatalog(ctx, cfg.Catalog, svc.pool)
	if err != nil {
		return nil, err
	}
	svc.health.AddReadinessCheck("catalog", time.Second, health.ConditionCheck("role catalog not loaded", catalog.Loaded))

	// Token codec.
	keys, err := signingKeys(lg, cfg.Token.SigningKey)
	if err != nil {
		return nil, err
	}
	codecOpts := []token.Option{token.WithIssuer(cfg.Token.Issuer)}
	var denyList *token.DenyList
	if cfg.Revocation.Enabled {
		denyList = token.NewDenyList(cfg.Revocation.Capacity, time.Now)
		codecOpts = append(codecOpts, token.WithRevocations(denyList))
		go pruneDenyList(ctx, denyList, cfg.Revocation.PruneInterval)
	}
	codec := token.NewCodec(keys, codecOpts...)

	// Domain services.
	authSvc, err := auth.NewService(directory, catalog, secret.NewHasher(cfg.Hasher.Cost), codec, cfg.Token.TTL,
		auth.WithDirectoryTimeout(cfg.Directory.Timeout),
		auth.WithMeterProvider(mp),
		auth.WithTracerProvider(tp),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create auth service")
	}

	// HTTP handlers.
	h, err := handler.NewHandler(handler.Config{
		Auth:          authSvc,
		Codec:         codec,
		Keys:          keys,
		Catalog:       catalog,
		DenyList:      denyList,
		MeterProvider: mp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create handler")
	}

	svc.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	svc.health.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))
	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", svc.health.LiveEndpoint)
	mux.HandleFunc("GET /readyz", svc.health.ReadyEndpoint)
	h.Register(mux)

	svc.handler = httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.LogRequests("/livez", "/readyz"),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:        cfg.RateLimit.Max,
			Window:     cfg.RateLimit.Window,
			TrustProxy: cfg.RateLimit.TrustProxy,
			Match:      httpmiddleware.PathPrefix("/api/auth/"),
		}),
		httpmiddleware.Instrument("gatekeeper", mux, mp, tp),
	)
	return svc, nil
}

// loadCatalog performs the initial catalog load and starts the matching
// reloader. A catalog that fails to load is fatal at startup.
func loadCatalog(ctx context.Context, cfg CatalogConfig, pool *pgxpool.Pool) (*role.Table, error) {
	lg := zctx.From(ctx)

	var src role.Source
	switch cfg.Source {
	case CatalogSourcePostgres:
		src = postgres.NewRoleSource(pool)
	default:
		src = role.FileSource(cfg.File)
	}
	catalog := role.NewTable(src)
	if err := catalog.Reload(ctx); err != nil {
		return nil, errors.Wrap(err, "load role catalog")
	}
	lg.Info("Role catalog loaded",
		zap.String("default_role", catalog.Snapshot().DefaultRole),
		zap.Strings("roles", catalog.Snapshot().Names()),
	)

	switch {
	case cfg.Source == CatalogSourceFile && cfg.Watch:
		go func() {
			if err := role.Watch(ctx, catalog, cfg.File); err != nil {
				lg.Error("Catalog watcher stopped", zap.Error(err))
			}
		}()
	case cfg.Source == CatalogSourcePostgres && cfg.ReloadInterval > 0:
		go role.Poll(ctx, catalog, cfg.ReloadInterval)
	}
	return catalog, nil
}

// signingKeys builds the key holder from the configured secret. Without one
// an ephemeral key is generated, so tokens do not survive a restart.
func signingKeys(lg *zap.Logger, encoded string) (*token.KeyHolder, error) {
	if encoded == "" {
		lg.Warn("No signing key configured, generating an ephemeral one")
		s, err := token.GenerateSecret()
		if err != nil {
			return nil, errors.Wrap(err, "generate signing key")
		}
		return token.NewKeyHolder(s)
	}
	keys, err := token.NewKeyHolder(token.DecodeSecret(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "signing key")
	}
	return keys, nil
}

func pruneDenyList(ctx context.Context, d *token.DenyList, interval time.Duration) {
	if interval <= 0 {
		return
	}
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Prune(); n > 0 {
				lg.Debug("Pruned deny list", zap.Int("removed", n), zap.Int("remaining", d.Len()))
			}
		}
	}
}
