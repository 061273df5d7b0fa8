// Package main is the flowengined process wrapper: it exposes one HTTP
// port serving webhook ingress and an authenticated /ws execution event
// relay over a library core (internal/engine, internal/handler,
// internal/dag, internal/stream) that needs no process of its own to be
// tested.
package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n3flow/platform/infrastructure/logging"
	slmetrics "github.com/n3flow/platform/infrastructure/metrics"
	slmiddleware "github.com/n3flow/platform/infrastructure/middleware"
	"github.com/n3flow/platform/internal/credential/azurekeyvault"
	"github.com/n3flow/platform/internal/credential/memory"
	"github.com/n3flow/platform/internal/devicechannel"
	"github.com/n3flow/platform/internal/engine"
	"github.com/n3flow/platform/internal/handler"
	"github.com/n3flow/platform/internal/schedule"
	"github.com/n3flow/platform/internal/storage"
	storagememory "github.com/n3flow/platform/internal/storage/memory"
	storagepostgres "github.com/n3flow/platform/internal/storage/postgres"
	"github.com/n3flow/platform/internal/stream"
	"github.com/n3flow/platform/internal/webhook"
	"github.com/n3flow/platform/pkg/config"
	"github.com/n3flow/platform/pkg/errs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("flowengined", cfg.Logging.Level, cfg.Logging.Format)

	var metricsCollector *slmetrics.Metrics
	if slmetrics.Enabled() {
		metricsCollector = slmetrics.Init("flowengined")
	}

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("configure storage: %v", err)
	}

	registry := handler.NewRegistry()
	if err := handler.RegisterBuiltins(registry); err != nil {
		log.Fatalf("register builtin handlers: %v", err)
	}

	resolver, err := buildCredentialResolver(cfg)
	if err != nil {
		log.Fatalf("configure credential resolver: %v", err)
	}

	channel := devicechannel.New("flowengined", store, logger, metricsCollector)

	hub := stream.NewHub(0)

	eng := engine.New("flowengined", registry, engine.NewWorkerPool(cfg.Engine.PoolCapacity, cfg.Engine.AdmissionRatePerSecond),
		engine.WithStore(store),
		engine.WithPublisher(hub),
		engine.WithMetrics(metricsCollector),
		engine.WithLogger(logger),
		engine.WithCredentialResolver(resolver),
		engine.WithSigner(channel),
		engine.WithPerExecutionConcurrency(cfg.Engine.PerExecutionConcurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := schedule.New(store, eng, logger)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	webhookRouter := webhook.NewRouter()
	if err := webhookRouter.Sync(ctx, store); err != nil {
		log.Fatalf("sync webhook router: %v", err)
	}
	webhookSecrets := webhookSecretResolver{resolver: resolver}
	ingress := webhook.NewIngress(webhookRouter, store, eng, webhookSecrets)

	router := mux.NewRouter()
	router.Use(slmiddleware.LoggingMiddleware(logger))
	router.Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(slmiddleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(slmiddleware.NewCORSMiddleware(&slmiddleware.CORSConfig{AllowedOrigins: cfg.Server.CORSAllowedOrigins}).Handler)
	if metricsCollector != nil {
		router.Use(slmiddleware.MetricsMiddleware("flowengined", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	health := slmiddleware.NewHealthChecker("dev")
	router.Handle("/health", health.Handler()).Methods(http.MethodGet)

	rateLimiter := slmiddleware.NewRateLimiterWithWindow(cfg.Server.RateLimitPerMinute, time.Minute, cfg.Server.RateLimitBurst, logger)
	stopRateLimiterCleanup := rateLimiter.StartCleanup(5 * time.Minute)
	defer stopRateLimiterCleanup()

	webhooks := router.PathPrefix("/webhooks/").Subrouter()
	webhooks.Use(slmiddleware.NewBodyLimitMiddleware(cfg.Server.MaxRequestBodyBytes).Handler)
	webhooks.Use(slmiddleware.NewTimeoutMiddleware(cfg.Server.RequestTimeout).Handler)
	webhooks.Use(rateLimiter.Handler)
	webhooks.PathPrefix("/").HandlerFunc(webhookHandler(ingress))

	wsAuth := newWSAuthenticator(cfg.Auth.JWTSecret)
	router.HandleFunc("/ws", wsHandler(hub, store, wsAuth, logger))

	router.Handle("/devices/tokens", issueTokenHandler(channel)).Methods(http.MethodPost)
	router.Handle("/devices/register", registerDeviceHandler(channel)).Methods(http.MethodPost)

	addr := cfg.Server.Host + ":" + portString(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := slmiddleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		cancel()
		scheduler.Stop(context.Background())
	})
	shutdown.ListenForSignals()

	log.Printf("flowengined listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	shutdown.Wait()
}

func portString(port int) string {
	if port <= 0 {
		return "8080"
	}
	return strconv.Itoa(port)
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
		return storagememory.New(), nil
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return nil, errMissingStorageDSN
		}
		lifetime := time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second
		return storagepostgres.Open(ctx, cfg.Storage.DSN, cfg.Storage.MaxOpenConns, cfg.Storage.MaxIdleConns, lifetime)
	default:
		return nil, errUnknownStorageDriver
	}
}

func buildCredentialResolver(cfg *config.Config) (handler.CredentialResolver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Credential.Driver)) {
	case "", "memory":
		key, err := credentialMasterKey(cfg.Credential.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return memory.New(key), nil
	case "azurekeyvault":
		if strings.TrimSpace(cfg.Credential.AzureVaultURL) == "" {
			return nil, errMissingAzureVaultURL
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		return azurekeyvault.New(cfg.Credential.AzureVaultURL, cred)
	default:
		return nil, errUnknownCredentialDriver
	}
}

func credentialMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return make([]byte, 32), nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(key) != 32 {
		return nil, errInvalidCredentialKey
	}
	return key, nil
}

var (
	errUnknownCredentialDriver = errs.New(errs.Validation, "unknown CREDENTIAL_DRIVER (expected memory|azurekeyvault)")
	errInvalidCredentialKey    = errs.New(errs.Validation, "CREDENTIAL_ENCRYPTION_KEY must be a hex-encoded 32-byte key")
	errMissingAzureVaultURL    = errs.New(errs.Validation, "CREDENTIAL_AZURE_VAULT_URL is required when CREDENTIAL_DRIVER=azurekeyvault")
	errUnknownStorageDriver    = errs.New(errs.Validation, "unknown STORAGE_DRIVER (expected memory|postgres)")
	errMissingStorageDSN       = errs.New(errs.Validation, "STORAGE_DSN is required when STORAGE_DRIVER=postgres")
)
