package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ohitslaurence/loom/internal/audit"
	"github.com/ohitslaurence/loom/internal/auth"
	"github.com/ohitslaurence/loom/internal/config"
	"github.com/ohitslaurence/loom/internal/httpserver"
	"github.com/ohitslaurence/loom/internal/platform"
	"github.com/ohitslaurence/loom/internal/policy"
	"github.com/ohitslaurence/loom/internal/telemetry"
	"github.com/ohitslaurence/loom/pkg/events"
	"github.com/ohitslaurence/loom/pkg/llm"
	"github.com/ohitslaurence/loom/pkg/org"
	"github.com/ohitslaurence/loom/pkg/scm"
	"github.com/ohitslaurence/loom/pkg/secrets"
	"github.com/ohitslaurence/loom/pkg/thread"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting loom", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	deps, err := wire(db, rdb, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring services: %w", err)
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, deps)
	case "worker":
		return runWorker(ctx, cfg, logger, deps)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// services bundles the domain services app.go wires once and reuses across
// both the api and worker run modes.
type services struct {
	org            *org.Service
	scm            *scm.Service
	mirrors        *scm.MirrorService
	secrets        *secrets.Service
	secretsStore   *secrets.Store
	weaverAuth     *secrets.WeaverAuthService
	thread         *thread.Service
	engine         *policy.Engine
	sessions       *auth.SessionStore
	apiKeys        *auth.APIKeyStore
	svids          *auth.SVIDIssuer
	impersonations *auth.ImpersonationStore
}

// roleLookup composes org.Service's org-membership resolution with
// scm.Service's team-grant resolution into the single policy.RoleLookup
// the ABAC engine is built against; no one domain service owns both halves
// of that contract.
type roleLookup struct {
	org *org.Service
	scm *scm.Service
}

func (r roleLookup) OrgRole(ctx context.Context, orgID, userID uuid.UUID) (auth.OrgRole, bool) {
	return r.org.OrgRole(ctx, orgID, userID)
}

func (r roleLookup) TeamGrantsForUser(ctx context.Context, repoID, userID uuid.UUID) ([]policy.TeamGrant, error) {
	return r.scm.TeamGrantsForUser(ctx, repoID, userID)
}

func wire(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config, logger *slog.Logger) (*services, error) {
	orgSvc := org.NewService(db, logger)
	scmSvc := scm.NewService(db, logger)
	mirrorSvc := scm.NewMirrorService(db, http.DefaultClient, logger, cfg.SCMDataRoot)
	protectionStore := scm.NewProtectionStore(db)
	protectionSvc := scm.NewProtectionService(protectionStore, scm.NewStore(db))
	threadSvc := thread.NewService(db, logger)

	roles := roleLookup{org: orgSvc, scm: scmSvc}

	secretsStore := secrets.NewStore(db)
	masterKey, err := loadOrCreateMasterKey(cfg.SecretsLocalKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading secrets master key: %w", err)
	}
	keyBackend, err := secrets.NewLocalKeyBackend(masterKey)
	if err != nil {
		return nil, fmt.Errorf("constructing secrets key backend: %w", err)
	}
	secretsSvc := secrets.NewService(secretsStore, keyBackend)
	secretsDelegate := secrets.NewAccessDelegate(secretsStore, roles)

	engine := policy.NewEngine(roles).WithProtection(protectionSvc).WithSecrets(secretsDelegate)

	svidIssuer, err := auth.NewSVIDIssuer(cfg.SVIDSigningKey, cfg.SVIDTrustDomain)
	if err != nil {
		return nil, fmt.Errorf("constructing svid issuer: %w", err)
	}
	weaverAuth := secrets.NewWeaverAuthService(secrets.NewWeaverBindingStore(db), svidIssuer, cfg.SVIDTokenTTL)

	return &services{
		org:            orgSvc,
		scm:            scmSvc,
		mirrors:        mirrorSvc,
		secrets:        secretsSvc,
		secretsStore:   secretsStore,
		weaverAuth:     weaverAuth,
		thread:         threadSvc,
		engine:         engine,
		sessions:       auth.NewSessionStore(db),
		apiKeys:        auth.NewAPIKeyStore(db),
		svids:          svidIssuer,
		impersonations: auth.NewImpersonationStore(db),
	}, nil
}

// loadOrCreateMasterKey reads the 32-byte AES-256 secrets master key from
// path, generating and persisting one on first run so a fresh deployment
// doesn't need an out-of-band provisioning step to boot. A production
// deployment is expected to mount this file from a KMS-managed secret
// instead of relying on the generated fallback.
func loadOrCreateMasterKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("master key at %s must be exactly 32 bytes, got %d", path, len(b))
		}
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("persisting master key: %w", err)
	}
	return key, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps *services) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg, deps.sessions, deps.apiKeys, deps.svids, deps.org, deps.impersonations)

	srv.Router.Get("/status", srv.HandleStatus)
	srv.APIRouter.Get("/status", srv.HandleStatus)

	orgHandler := org.NewHandler(logger, auditWriter, deps.org, deps.sessions, cfg.SessionMaxAge, deps.engine)
	srv.APIRouter.Mount("/", orgHandler.Routes())

	scmHandler := scm.NewHandler(logger, auditWriter, deps.scm, deps.mirrors, deps.engine)
	srv.APIRouter.Mount("/", scmHandler.Routes())

	secretsHandler := secrets.NewHandler(logger, auditWriter, deps.secrets, deps.weaverAuth, deps.engine, deps.scm)
	srv.APIRouter.Mount("/", secretsHandler.Routes())
	srv.Router.With(auth.Middleware(deps.sessions, deps.apiKeys, deps.svids, deps.org, deps.impersonations, logger)).Mount("/internal", secretsHandler.WeaverRoutes())

	threadHandler := thread.NewHandler(logger, auditWriter, deps.thread)
	srv.APIRouter.Mount("/threads", threadHandler.Routes())

	flagsBroadcaster := events.NewBroadcaster("flags")
	cronsBroadcaster := events.NewBroadcaster("crons")
	stopBroadcasters := make(chan struct{})
	defer close(stopBroadcasters)
	go flagsBroadcaster.Run(stopBroadcasters, 30*time.Second, 5*time.Minute)
	go cronsBroadcaster.Run(stopBroadcasters, 30*time.Second, 5*time.Minute)
	eventsHandler := events.NewHandler(flagsBroadcaster, cronsBroadcaster)
	srv.Router.With(auth.Middleware(deps.sessions, deps.apiKeys, deps.svids, deps.org, deps.impersonations, logger)).Mount("/stream", eventsHandler.Routes())

	llmAdapter, err := buildLLMAdapter(cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("constructing llm adapter: %w", err)
	}
	llmHandler := llm.NewHandler(llmAdapter, logger)
	srv.APIRouter.Mount("/llm", llmHandler.Routes())

	auditHandler := audit.NewHandler(db)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	wsHandler := auth.NewWSHandler(deps.sessions, deps.apiKeys, deps.svids, deps.org, logger)
	srv.Router.Handle("/v1/ws/sessions/{session_id}", wsHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE and proxy-stream routes hold the connection open indefinitely.
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildLLMAdapter selects the upstream LLM adapter named by
// cfg.LLMProvider. When a credential file is configured, the Anthropic
// adapter takes its key from an OAuth CredentialPool: one credential is
// acquired at startup and used for the adapter's lifetime. Credentials are
// not rotated per request, and a credential that hits a quota error is not
// parked.
func buildLLMAdapter(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (llm.Adapter, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		apiKey := cfg.LLMAnthropicAPIKey
		if cfg.LLMAnthropicOAuthCredentialFile != "" {
			creds, err := llm.LoadCredentialFile(cfg.LLMAnthropicOAuthCredentialFile)
			if err != nil {
				return nil, err
			}
			pool := llm.NewCredentialPool("anthropic", creds, cfg.LLMAnthropicPoolCooldown, rdb, logger)
			cred, ok := pool.Acquire(context.Background())
			if !ok {
				return nil, fmt.Errorf("no oauth credential available in pool on startup")
			}
			apiKey = cred.BearerToken
		}
		return llm.NewAnthropicAdapter(apiKey, logger), nil
	case "openai":
		return llm.NewOpenAIAdapter(cfg.LLMOpenAIAPIKey, logger), nil
	case "vertex":
		return llm.NewVertexAdapter(context.Background(), cfg.LLMVertexProject, cfg.LLMVertexLocation, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLMProvider)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *services) error {
	logger.Info("worker started")

	maintenanceTicker := time.NewTicker(cfg.SCMMaintenanceEvery)
	defer maintenanceTicker.Stop()
	cleanupTicker := time.NewTicker(cfg.SCMCleanupEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return nil
		case <-maintenanceTicker.C:
			entries, err := deps.scm.RepoPathEntries(ctx, cfg.SCMDataRoot)
			if err != nil {
				logger.Error("listing repo paths for maintenance sweep", "error", err)
				continue
			}
			results := scm.RunGlobalSweep(ctx, entries, scm.MaintenanceGC, 500*time.Millisecond, logger)
			logger.Info("maintenance sweep complete", "repos", len(results))
		case <-cleanupTicker.C:
			results, err := deps.mirrors.RunCleanupSweep(ctx, cfg.SCMStaleMirrorAfter, false)
			if err != nil {
				logger.Error("running mirror cleanup sweep", "error", err)
				continue
			}
			logger.Info("mirror cleanup sweep complete", "mirrors", len(results))
		}
	}
}
