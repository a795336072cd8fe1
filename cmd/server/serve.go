package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GabrielFerla/xp/internal/anomaly"
	"github.com/GabrielFerla/xp/internal/api/middleware"
	"github.com/GabrielFerla/xp/internal/api/rest"
	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
	"github.com/GabrielFerla/xp/internal/auth/mfa"
	"github.com/GabrielFerla/xp/internal/config"
	"github.com/GabrielFerla/xp/internal/encryption"
	"github.com/GabrielFerla/xp/internal/pkg/logger"
	"github.com/GabrielFerla/xp/internal/pkg/tracing"
	"github.com/GabrielFerla/xp/internal/ratelimit"
	"github.com/GabrielFerla/xp/internal/service"
	"github.com/GabrielFerla/xp/internal/version"
)

const serviceName = "xp-security"

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// components holds everything serve builds so shutdown can release it in order.
type components struct {
	auditor   *audit.Auditor
	sqlStore  *audit.SQLStore
	memory    *audit.MemorySink
	tokens    *auth.TokenService
	limiter   ratelimit.Limiter
	detector  *anomaly.Detector
	mfa       *mfa.Service
	crypto    *encryption.Service
	userAgent *middleware.UserAgentStage
}

func buildComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*components, error) {
	c := &components{memory: audit.NewMemorySink(cfg.Audit.MemoryEntries)}

	sinks := []audit.Sink{c.memory}
	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(audit.FileConfig{
			Path:       cfg.Audit.FilePath,
			MaxSize:    cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAge:     cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Audit.DBDriver != "" {
		store, err := audit.OpenSQLStore(ctx, cfg.Audit.DBDriver, cfg.Audit.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		c.sqlStore = store
		sinks = append(sinks, store)
	}
	c.auditor = audit.NewAuditor(audit.NewMultiSink(sinks...), log.Named("audit"))

	secret, err := cfg.SigningSecret()
	if err != nil {
		return nil, fmt.Errorf("invalid token secret: %w", err)
	}
	if c.tokens, err = auth.NewTokenService(secret, cfg.Token.TTL); err != nil {
		return nil, err
	}

	if c.limiter, err = ratelimit.New(cfg.RateLimit.Strategy, ratelimit.Config{
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		Lockout:     cfg.RateLimit.Lockout,
	}); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	c.detector = anomaly.NewDetector(anomaly.Config{
		MaxFailedLoginsPerHour: cfg.Anomaly.MaxFailedLoginsPerHour,
		MaxDataAccessPerMinute: cfg.Anomaly.MaxDataAccessPerMinute,
		MaxRequestsPerMinute:   cfg.Anomaly.MaxRequestsPerMinute,
		OffHoursStart:          cfg.Anomaly.OffHoursStart,
		OffHoursEnd:            cfg.Anomaly.OffHoursEnd,
		Location:               loc,
	}, c.auditor, log)

	c.mfa = mfa.NewService(cfg.MFA.Issuer, c.auditor, log.Named("mfa"))

	if c.crypto, err = encryption.New(cfg.Encryption.Key, log.Named("encryption")); err != nil {
		return nil, err
	}

	if c.userAgent, err = middleware.NewUserAgentStage(c.auditor, cfg.Anomaly.UserAgentCacheSize); err != nil {
		return nil, err
	}
	return c, nil
}

func newRouter(cfg *config.Config, c *components, log *zap.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Tracing,
		middleware.StructuredLog(log.Named("http")),
		middleware.Authenticate(c.tokens, c.auditor),
	)

	router.Handle("/health", rest.NewHealthHandler(c.detector, c.crypto)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	deps := rest.Deps{
		Config:     cfg,
		Tokens:     c.tokens,
		MFA:        c.mfa,
		Encryption: c.crypto,
		Limiter:    c.limiter,
		Detector:   c.detector,
		Auditor:    c.auditor,
		Recent:     c.memory,
		Logger:     log,
	}
	if c.sqlStore != nil {
		deps.Store = c.sqlStore
	}

	// The chain wraps the whole /api/v1 subtree on its own router so unmatched paths and
	// wrong methods are rate limited, scanned and audited like routed requests.
	apiRouter := mux.NewRouter()
	rest.SetupRoutes(apiRouter.PathPrefix("/api/v1").Subrouter(), rest.NewHandler(deps))
	chain := middleware.NewChain(log, middleware.Stages(c.limiter, c.detector, c.auditor, c.userAgent, cfg.Anomaly.MonitoredPathPrefix)...)
	router.PathPrefix("/api/v1").Handler(chain.Handler(apiRouter))

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.ResponseRequestIDHeader},
		ExposedHeaders:   []string{middleware.ResponseRequestIDHeader, middleware.TraceIDHeader, "Retry-After"},
		AllowCredentials: true,
	}).Handler(router)
}

func newScheduler(cfg *config.Config, c *components, log *zap.Logger) (*service.Scheduler, error) {
	deps := service.SecurityComponents{
		Config:     cfg,
		Detector:   c.detector,
		Limiter:    c.limiter,
		MFA:        c.mfa,
		Encryption: c.crypto,
	}
	if c.sqlStore != nil {
		deps.AuditStore = c.sqlStore
	}

	scheduler := service.NewScheduler(log)
	for _, job := range service.SecurityJobs(deps, log) {
		if err := scheduler.Register(job); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", serviceName))
	log.Info("Starting security gateway", zap.String("version", version.Version), zap.Int("port", cfg.Server.Port))

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		ServiceName:  serviceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return err
	}

	c, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.auditor.Close(); err != nil {
			log.Error("Failed to close audit sinks", zap.Error(err))
		}
	}()

	scheduler, err := newScheduler(cfg, c, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, c, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server exited gracefully")
	return nil
}
