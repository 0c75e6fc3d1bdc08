package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edunexus/edunexus/internal/api"
	"github.com/edunexus/edunexus/internal/assistant"
	"github.com/edunexus/edunexus/internal/audit"
	"github.com/edunexus/edunexus/internal/auth"
	"github.com/edunexus/edunexus/internal/catalog"
	"github.com/edunexus/edunexus/internal/config"
	"github.com/edunexus/edunexus/internal/conversation"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/llm"
	"github.com/edunexus/edunexus/internal/migrations"
	"github.com/edunexus/edunexus/internal/observability"
	"github.com/edunexus/edunexus/internal/prompt"
	"github.com/edunexus/edunexus/internal/sandbox"
	"github.com/edunexus/edunexus/internal/schema"
	s3store "github.com/edunexus/edunexus/internal/storage/s3"
	"github.com/edunexus/edunexus/internal/store"
	"github.com/edunexus/edunexus/internal/store/duckdb"
	"github.com/edunexus/edunexus/internal/store/postgres"
	"github.com/edunexus/edunexus/internal/store/sqlite"
)

func main() {
	cfg, err := config.LoadFromEnv("edunexus-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	writer, logCloser := observability.LogWriter(cfg, os.Stdout)
	defer func() { _ = logCloser.Close() }()
	logger := observability.NewLogger(cfg, writer)

	db, source, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open query store", slog.String("driver", cfg.Store.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	entities, err := catalog.Embedded()
	if err != nil {
		logger.Error("failed to load entity catalog", slog.Any("error", err))
		os.Exit(1)
	}

	schemaCache := schema.NewCache(schema.NewIntrospector(source, db, entities, schema.IntrospectorConfig{
		ExcludedPrefixes: cfg.Assistant.ExcludedPrefixes,
		SampleRows:       cfg.Assistant.SampleRowsFetched,
		TTL:              cfg.Assistant.SchemaTTL,
	}, logger))

	model, err := llm.NewClient(llm.Config{
		Provider:        cfg.AI.Provider,
		BaseURL:         cfg.AI.BaseURL,
		APIKey:          cfg.AI.APIKey,
		Models:          cfg.AI.Models,
		Temperature:     cfg.AI.Temperature,
		MaxOutputTokens: cfg.AI.MaxOutputTokens,
		Timeout:         cfg.AI.Timeout,
		Cooldown:        cfg.AI.Cooldown,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}
	if !model.Configured() {
		logger.Warn("ai api key not configured; chat turns will return setup instructions")
	}

	var historyStore conversation.Store = conversation.NewMemoryStore()
	var schemaReady api.ReadinessCheck
	if cfg.Assistant.HistoryBackend == config.HistoryBackendPostgres {
		historyStore = conversation.NewPostgresStore(db.SQL())
		runner := migrations.NewRunner()
		schemaReady = api.CheckConversationSchema(func(ctx context.Context) (int, error) {
			return runner.Pending(ctx, db.SQL())
		})
	}

	recorder, auditReader, err := newAuditTrail(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize audit trail", slog.Any("error", err))
		os.Exit(1)
	}

	service := assistant.New(assistant.Deps{
		Model: model,
		Runner: sandbox.NewExecutor(db, entities, sandbox.Config{
			Timeout:       cfg.Assistant.ExecTimeout,
			MaxResultRows: cfg.Assistant.MaxResultRows,
		}, logger),
		Prompts: prompt.NewBuilder(schemaCache, entities, prompt.Config{
			SampleRowsShown: cfg.Assistant.SampleRowsShown,
			HistoryTurns:    cfg.Assistant.PromptHistoryTurns,
		}, logger),
		Schema:    schemaCache,
		Profiles:  db,
		History:   conversation.NewManager(historyStore, cfg.Assistant.MaxHistory),
		Formatter: format.New(cfg.Assistant.MaxResultRows),
		Audit:     recorder,
	}, logger)

	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize auth", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:         logger,
		AuthMiddleware: authMiddleware,
		Assistant:      service,
		Models:         model,
		Audit:          auditReader,
		SecureCookies:  cfg.Profile == config.ProfileProd,
		Readiness: api.CombineReadinessChecks(
			api.CheckStore(db.HealthCheck),
			api.CheckModelConfigured(model.Configured),
			api.CheckObjectStoreConfig(cfg),
			schemaReady,
		),
		DependencyTimeout: 2 * time.Second,
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address), slog.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("audit flush failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.DB, schema.Source, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		sqlDB, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.New(sqlDB, postgres.Dialect{}), postgres.NewSource(sqlDB, cfg.Store.Schema), nil
	case config.StoreDriverDuckDB:
		sqlDB, err := duckdb.Open(ctx, duckdb.DBConfig{Path: cfg.Store.DSN, MaxOpenConns: cfg.Store.MaxOpenConns})
		if err != nil {
			return nil, nil, err
		}
		return store.New(sqlDB, duckdb.Dialect{}), duckdb.NewSource(sqlDB, cfg.Store.Schema), nil
	case config.StoreDriverSQLite:
		sqlDB, err := sqlite.Open(ctx, sqlite.DBConfig{Path: cfg.Store.DSN, MaxOpenConns: cfg.Store.MaxOpenConns})
		if err != nil {
			return nil, nil, err
		}
		return store.New(sqlDB, sqlite.Dialect{}), sqlite.NewSource(sqlDB), nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// newAuditTrail returns the turn recorder and, when the archive is enabled,
// a reader over it. The reader is nil otherwise.
func newAuditTrail(ctx context.Context, cfg config.Config, logger *slog.Logger) (audit.Recorder, api.AuditReader, error) {
	logRecorder := audit.NewLogRecorder(logger)
	if !cfg.Audit.Enabled {
		return logRecorder, nil, nil
	}
	objectStore, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize object store: %w", err)
	}
	archiver := audit.NewArchiver(objectStore, audit.ArchiverConfig{
		BatchSize: cfg.Audit.BatchSize,
		Prefix:    cfg.Audit.Prefix,
	}, logger)
	return audit.Multi(logRecorder, archiver), audit.NewReader(objectStore, cfg.Audit.Prefix), nil
}

func newAuthMiddleware(cfg config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		return nil, fmt.Errorf("parse static auth keys: %w", err)
	}
	var tokens auth.Validator
	if cfg.Auth.JWTSecret != "" {
		jwtValidator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			return nil, err
		}
		tokens = jwtValidator
	}
	return auth.Middleware(logger, auth.NewChain(keys, tokens), auth.Options{
		Required:     cfg.Auth.Required,
		TrustHeaders: cfg.Auth.TrustHeaders,
	}), nil
}
