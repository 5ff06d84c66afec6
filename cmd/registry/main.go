package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/agent-registry/internal/audit"
	"github.com/jmerrifield20/agent-registry/internal/auth"
	"github.com/jmerrifield20/agent-registry/internal/config"
	"github.com/jmerrifield20/agent-registry/internal/embeddings"
	"github.com/jmerrifield20/agent-registry/internal/health"
	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/issuer"
	"github.com/jmerrifield20/agent-registry/internal/registry/handler"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/registry/repository"
	"github.com/jmerrifield20/agent-registry/internal/registry/service"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// agentStore is satisfied by both the PostgreSQL and in-process stores.
type agentStore interface {
	CreateVerified(ctx context.Context, agent *model.Agent, embedding []float32) error
	StoreEmbedding(ctx context.Context, id string, embedding []float32) error
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByDID(ctx context.Context, did string) (*model.Agent, error)
	List(ctx context.Context, f model.ListFilter) ([]*model.Agent, int, error)
	AllByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error)
	SemanticSearch(ctx context.Context, q model.SemanticQuery) ([]*model.ScoredAgent, int, error)
	LexicalSearch(ctx context.Context, q model.LexicalQuery) ([]*model.ScoredAgent, int, error)
	Update(ctx context.Context, agent *model.Agent) error
	SetConnectionString(ctx context.Context, id, conn string) error
	SetMQTTURI(ctx context.Context, id string, uri *string) error
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[model.AgentStatus]int, error)
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to registry.yaml (default: configs/registry.yaml or ./registry.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("registry exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if cfg.ConfigFile == "" {
		logger.Warn("no config file found, using defaults and env vars")
	} else {
		logger.Info("config loaded", zap.String("file", cfg.ConfigFile))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var probes []health.Probe

	// ── Agent store ───────────────────────────────────────────────────────────
	var store agentStore
	var auditLog audit.Log
	switch cfg.Store.Driver {
	case config.DriverMemory:
		store = repository.NewMemoryAgentRepository()
		auditLog = audit.NewMemoryLog()
		logger.Warn("using the in-process agent store; data is lost on restart")
	default:
		db, err := newPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		store = repository.NewAgentRepository(db)
		auditLog = audit.NewPostgresLog(db, logger)
		logger.Info("connected to postgres")
	}
	probes = append(probes, health.Probe{Name: "database", Check: func(ctx context.Context) error {
		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		handler.SetAgentsGauge(counts)
		return nil
	}})

	// ── Embeddings ────────────────────────────────────────────────────────────
	var cache embeddings.Cache
	if cfg.Redis.URL != "" {
		rdb, err := embeddings.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache is optional; the registry keeps working without it.
			logger.Warn("redis ping failed (non-fatal)", zap.Error(err))
		}
		cache = embeddings.NewRedisCache(rdb, cfg.Embeddings.CacheTTL, logger)
		probes = append(probes, health.Probe{Name: "embedding_cache", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("embedding cache: redis")
	} else {
		cache = embeddings.NewMemoryCache(cfg.Embeddings.CacheTTL, cfg.Embeddings.CacheSize)
		logger.Info("embedding cache: in-process", zap.Int("max_entries", cfg.Embeddings.CacheSize))
	}

	embedClient := embeddings.NewClient(cfg.Embeddings.Client(), logger)
	embedder := embeddings.NewProvider(embedClient, embedClient.Model(), cache, logger)
	embedder.SetMetricsRecorder(handler.RecordEmbedding, handler.RecordEmbeddingCache)
	if cfg.Embeddings.APIKey == "" {
		logger.Warn("embeddings.api_key is empty; agent creation will fail until it is set")
	}

	// ── Services ──────────────────────────────────────────────────────────────
	recorder := handler.NewRecorder()

	prov := service.NewProvisioningService(store, identity.NewKeyProvider(), embedder, logger)
	prov.SetConfig(cfg.Provisioning.Service())
	prov.SetMetrics(recorder)
	prov.SetAudit(auditLog)

	agentSvc := service.NewAgentService(store, prov, logger)
	agentSvc.SetAudit(auditLog)

	searchSvc := service.NewSearchService(store, embedder, logger)
	searchSvc.SetConfig(cfg.Search.Service())
	searchSvc.SetMetrics(recorder)

	issuerCfg := cfg.Issuer.Client()
	if issuerCfg.Enabled() {
		iss := issuer.NewClient(issuerCfg, logger)
		prov.SetIssuer(iss)
		agentSvc.SetIssuer(iss)
		probes = append(probes, health.HTTPProbe("issuer", issuerCfg.BaseURL, &http.Client{Timeout: cfg.Health.ProbeTimeout}))
		logger.Info("issuer enrichment enabled", zap.String("issuer_url", issuerCfg.BaseURL))
	} else {
		logger.Info("issuer not configured; credential enrichment disabled")
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("owner tokens: %w", err)
	}

	// ── Health ────────────────────────────────────────────────────────────────
	checker := health.New(probes, cfg.Health.Checker(), logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	grpcHealth := grpchealth.NewServer()
	for _, p := range probes {
		grpcHealth.SetServingStatus(p.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	checker.SetStatusChange(func(name string, healthy bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !healthy {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		grpcHealth.SetServingStatus(name, status)
		if name == "database" {
			grpcHealth.SetServingStatus("", status)
		}
	})
	go checker.Start(ctx)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	maxBody, err := cfg.Registry.MaxBodyBytes()
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsOrigins := cfg.Registry.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	// Per-IP rate limiting
	rps := cfg.Registry.RateLimitRPS
	router.Use(handler.RateLimiter(ctx, float64(rps), rps*2))

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	// Health and metrics (public, no auth)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		status := http.StatusOK
		if !checker.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"dependencies": checker.Snapshot()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	// API v1
	v1 := router.Group("/api/v1")
	handler.NewAgentHandler(prov, agentSvc, searchSvc, tokens, logger).Register(v1)
	handler.NewSDKHandler(agentSvc, searchSvc, logger).Register(v1)
	handler.NewAuditHandler(auditLog, logger).Register(v1)

	// ── gRPC health ───────────────────────────────────────────────────────────
	var grpcSrv *grpc.Server
	if port := cfg.Registry.GRPCHealthPort; port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("gRPC health listen on :%d: %w", port, err)
		}
		grpcSrv = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcSrv, grpcHealth)
		go func() {
			logger.Info("gRPC health listening", zap.Int("port", port))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC health serve error", zap.Error(err))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Registry.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("registry HTTP listening", zap.Int("port", cfg.Registry.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down registry...")
	grpcHealth.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Registry.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	logger.Info("registry stopped")
	return nil
}

// newPool opens the PostgreSQL pool and registers the pgvector types on
// every connection.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// newLogger builds a zap logger from the log section.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log.level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
