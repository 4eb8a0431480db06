// Cloud Labs - lab session and command gateway server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/api"
	"github.com/ashureev/shsh-cloudlabs/internal/authz"
	"github.com/ashureev/shsh-cloudlabs/internal/cloud"
	"github.com/ashureev/shsh-cloudlabs/internal/config"
	"github.com/ashureev/shsh-cloudlabs/internal/credentials"
	"github.com/ashureev/shsh-cloudlabs/internal/crypto"
	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/ashureev/shsh-cloudlabs/internal/gateway"
	"github.com/ashureev/shsh-cloudlabs/internal/health"
	"github.com/ashureev/shsh-cloudlabs/internal/identity"
	"github.com/ashureev/shsh-cloudlabs/internal/janitor"
	"github.com/ashureev/shsh-cloudlabs/internal/middleware"
	"github.com/ashureev/shsh-cloudlabs/internal/registry"
	"github.com/ashureev/shsh-cloudlabs/internal/sandbox"
	"github.com/ashureev/shsh-cloudlabs/internal/store"
	"github.com/ashureev/shsh-cloudlabs/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"store", cfg.Store.Backend, "authz", cfg.Authz.Mode, "sandbox", cfg.Sandbox.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	audit, err := store.NewSQLite(ctx, cfg.DBPath,
		store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := audit.Close(); closeErr != nil {
			slog.Error("Failed to close audit store", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	sessionStore, closeStore, err := newSessionStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	authorizer, notifier := newEntitlementClients(cfg)

	provisioner, closeProvisioner, err := newProvisioner(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize sandbox provisioner", "error", err)
		os.Exit(1)
	}
	defer closeProvisioner()

	credMgr := credentials.NewManager(credentials.Config{
		RoleARN:         cfg.Cred.RoleARN,
		STSEndpoint:     cfg.Cred.STSEndpoint,
		SessionDuration: cfg.Cred.RefreshDuration,
		RefreshWindow:   cfg.Cred.RefreshWindow,
	}, logger)

	reg := registry.New(sessionStore, authorizer, provisioner, registry.Config{
		LabDuration:         cfg.Lab.Duration,
		SweepInterval:       cfg.Lab.SweepInterval,
		CollaboratorTimeout: cfg.Timeout.Collaborator,
		ReleaseTimeout:      cfg.Timeout.DestroyCleanup,
	}, logger, registry.WithNotifier(notifier), registry.WithAuditor(audit))
	defer reg.Close()

	// Initialize services.
	sm := terminal.NewSessionManager()
	reg.OnDestroy(sm.CloseSession)

	if destroyed, armed, err := reg.Reconcile(ctx); err != nil {
		slog.Error("Failed to reconcile stored sessions", "error", err)
	} else {
		slog.Info("Stored sessions reconciled", "destroyed", destroyed, "armed", armed)
	}

	newGateway := func(sess *domain.Session) (*gateway.Gateway, error) {
		sessionID := sess.ID
		return gateway.New(sessionID, sess.Credentials, gateway.Config{
			HistoryLimit:   cfg.Conn.HistoryLimit,
			CommandTimeout: cfg.Conn.CommandTimeout,
		}, cloud.NewMinioClient, credMgr, logger,
			gateway.WithRecorder(audit),
			gateway.WithRefreshHook(func(creds domain.CredentialSet) {
				uctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Collaborator)
				defer cancel()
				if err := reg.UpdateCredentials(uctx, sessionID, creds); err != nil {
					slog.Warn("Failed to persist refreshed credentials", "session_id", sessionID, "error", err)
				}
			}),
		)
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(reg, audit)
	sessionHandler := api.NewSessionHandler(baseHandler, api.SessionConfig{
		PublicBaseURL:       cfg.PublicBaseURL,
		MaxExtensionMinutes: cfg.Lab.MaxExtensionMinutes,
		DestroyTimeout:      cfg.Timeout.DestroyCleanup,
	})
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"registry": reg,
		"database": audit,
	}, cfg.Timeout.HealthCheck)
	wsHandler := terminal.NewWebSocketHandler(reg, sm, newGateway, terminal.Config{
		HeartbeatInterval: cfg.Conn.HeartbeatInterval,
		EstablishTimeout:  cfg.Conn.EstablishTimeout,
		ResolveBaseDelay:  cfg.Conn.ResolveBaseDelay,
		ResolveMaxDelay:   cfg.Conn.ResolveMaxDelay,
		ResolveRetries:    cfg.Conn.ResolveRetries,
		ReadLimitBytes:    cfg.Conn.ReadLimitBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
		IsDev:             cfg.IsDevelopment(),
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware)

	// Public routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disabled for long-lived WebSocket connections
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	jan, err := janitor.New(reg, audit, janitor.Config{
		ReconcileSchedule: cfg.Janitor.ReconcileSchedule,
		PruneSchedule:     cfg.Janitor.PruneSchedule,
		Retention:         cfg.AuditRetention,
		JobTimeout:        cfg.Timeout.DestroyCleanup,
	})
	if err != nil {
		slog.Error("Failed to initialize janitor", "error", err)
		os.Exit(1)
	}
	jan.Start()

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		healthSrv, err = startHealthServer(ctx, cfg, map[string]health.Pinger{
			"registry": reg,
			"database": audit,
		})
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jan.Stop(shutdownCtx)
	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newSessionStore builds the registry backend selected by STORE_BACKEND.
func newSessionStore(ctx context.Context, cfg *config.Config) (registry.Store, func(), error) {
	if cfg.Store.Backend != "redis" {
		slog.Info("Using in-process session store")
		return registry.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	var sealer registry.SecretSealer
	if cfg.Store.SealKey != "" {
		s, err := crypto.NewSealer(cfg.Store.SealKey)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("create sealer: %w", err)
		}
		sealer = s
	} else {
		slog.Warn("STORE_SEAL_KEY not set, credential secrets are stored unsealed")
	}

	slog.Info("Using redis session store", "addr", opts.Addr, "prefix", cfg.Store.Prefix)
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	return registry.NewRedisStore(client, cfg.Store.Prefix, sealer), closeFn, nil
}

// newEntitlementClients selects how tokens are validated and where lab
// usage is reported.
func newEntitlementClients(cfg *config.Config) (registry.Authorizer, registry.Notifier) {
	if cfg.Authz.Mode == "jwt" {
		return authz.NewJWTAuthorizer(cfg.Authz.JWTSecret, cfg.Authz.JWTIssuer), authz.LogNotifier{}
	}
	client := authz.NewHTTPClient(cfg.Authz.URL, cfg.Timeout.Collaborator)
	return client, client
}

// newProvisioner builds the credential provisioner selected by
// SANDBOX_PROVIDER.
func newProvisioner(ctx context.Context, cfg *config.Config) (registry.Provisioner, func(), error) {
	account := sandbox.Account{
		AccessKeyID:     cfg.Sandbox.AccessKeyID,
		SecretAccessKey: cfg.Sandbox.SecretAccessKey,
		SessionToken:    cfg.Sandbox.SessionToken,
		Region:          cfg.Sandbox.Region,
		Endpoint:        cfg.Sandbox.Endpoint,
		UseSSL:          cfg.Sandbox.UseSSL,
	}

	switch cfg.Sandbox.Provider {
	case "sts":
		return sandbox.NewSTSProvisioner(sandbox.STSConfig{
			Account:     account,
			STSEndpoint: cfg.Cred.STSEndpoint,
			RoleARN:     cfg.Sandbox.RoleARN,
			Duration:    cfg.Cred.RefreshDuration,
		}, nil), func() {}, nil
	case "docker":
		prov, err := sandbox.NewDockerProvisioner(sandbox.DockerConfig{
			Image:       cfg.Sandbox.Image,
			Runtime:     cfg.Sandbox.Runtime,
			Network:     cfg.Sandbox.Network,
			Region:      cfg.Sandbox.Region,
			InContainer: config.IsContainer(),
		})
		if err != nil {
			return nil, nil, err
		}
		// Ensure custom bridge network exists for sandbox containers.
		networkID, err := prov.EnsureNetwork(ctx)
		if err != nil {
			_ = prov.Close()
			return nil, nil, fmt.Errorf("ensure sandbox network: %w", err)
		}
		slog.Info("Sandbox network ready", "network_id", networkID)
		return prov, func() { _ = prov.Close() }, nil
	default:
		return sandbox.NewStaticProvisioner(account), func() {}, nil
	}
}

func startHealthServer(ctx context.Context, cfg *config.Config, checks map[string]health.Pinger) (*health.Server, error) {
	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCHealthAddr, err)
	}
	hs := health.NewServer(health.Config{
		Interval: cfg.Janitor.HealthInterval,
		Timeout:  cfg.Timeout.HealthCheck,
	}, checks)
	go hs.Run(ctx)
	go func() {
		if err := hs.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return hs, nil
}
