package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dialtide/voicebridge/internal/api"
	"github.com/dialtide/voicebridge/internal/auth"
	"github.com/dialtide/voicebridge/internal/billing"
	"github.com/dialtide/voicebridge/internal/bridge"
	"github.com/dialtide/voicebridge/internal/campaign"
	"github.com/dialtide/voicebridge/internal/config"
	"github.com/dialtide/voicebridge/internal/lifecycle"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/monitor"
	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/speech"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/telephony"
	"github.com/dialtide/voicebridge/internal/webhook"
	"github.com/dialtide/voicebridge/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Str("public_base_url", cfg.PublicBaseURL).
		Int("pool_ceiling", cfg.PoolCeiling).
		Str("log_level", cfg.LogLevel).
		Msg("starting voicebridge server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	store, err := storage.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	// Credit ledger follows the store backend: Dynamo-backed when the call
	// store is, in-memory seeded from a JSON file otherwise
	var ledger billing.Ledger
	if ddb, ok := store.(*storage.DynamoDBStore); ok {
		ledger = billing.NewDynamoLedger(ddb.Client(), ddb.CreditsTable())
	} else {
		ledger = billing.NewMemoryLedger(loadBalances(os.Getenv("CREDIT_BALANCES_FILE")))
	}

	// The agent directory loads from a JSON file in this deployment; it
	// lives in an external system elsewhere
	directory := webhook.NewStaticDirectory(loadDirectory(os.Getenv("AGENT_DIRECTORY_FILE")))

	// Connection pool, telephony provider and speech-AI dialer
	poolManager := pool.NewManager(cfg.PoolCeiling, log.Logger)
	provider := telephony.NewClient(cfg.ProviderAccountSID, cfg.ProviderAuthToken, cfg.ProviderAPIBase, log.Logger)
	dialer := speech.NewDialer(cfg.SpeechAPIKey, cfg.SpeechAPIURL, cfg.SpeechModel, log.Logger)

	// Bridge registry holds live audio sessions
	registry := bridge.NewRegistry(poolManager, provider, dialer, cfg.PublicBaseURL, log.Logger)

	// Operations feed hub and the transition log it drains
	hub := monitor.NewHub(log.Logger)
	go hub.Run()
	transitions := monitor.NewTransitionLog()

	// Call lifecycle service with the reconciliation sweeper
	lifecycleService := lifecycle.NewService(lifecycle.Options{
		Store:          store,
		Ledger:         ledger,
		Pool:           poolManager,
		Provider:       provider,
		StreamURL:      cfg.StreamURL,
		StatusCallback: cfg.WebhookURL("/webhooks/voice/status"),
		StaleAfter:     cfg.StaleAfter,
		AbandonAfter:   cfg.AbandonAfter,
		OnTransition:   transitions.Record,
		Logger:         log.Logger,
	})
	go lifecycleService.RunSweeper(ctx, cfg.ReconcileEvery)

	// Pending session setups shared between webhooks and campaigns
	setups := webhook.NewSetups()

	webhookHandler := webhook.NewHandler(lifecycleService, registry, ledger, directory, setups, cfg, log.Logger)

	campaignManager := campaign.NewManager(store, lifecycleService, poolManager, setups, log.Logger)

	// Feed broadcasts pool, session and campaign state once a second
	feed := monitor.NewFeed(poolManager, registry, campaignManager, transitions, hub, time.Second, log.Logger)
	go feed.Start(ctx)

	monitorHandler := monitor.NewHandler(hub, cfg, log.Logger)
	apiHandler := api.NewHandler(store, poolManager, log.Logger)

	// Warm the JWKS cache so the first authenticated request does not pay
	// the fetch
	if cfg.JWTIssuerURL != "" {
		if err := auth.InitJWKS(cfg.JWTIssuerURL); err != nil {
			log.Warn().Err(err).Msg("JWKS preload failed, will retry on first request")
		}
	}

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Get("/metrics", metrics.Get().Handler())

	// Provider callbacks and the media stream authenticate by webhook
	// signature at the provider, not by JWT
	webhookHandler.Routes(r)

	// Campaign control, read API and the operations feed require
	// authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		campaignManager.Routes(r, campaign.Defaults{
			Concurrency:     cfg.CampaignConcurrency,
			InterCallDelay:  cfg.InterCallDelay,
			MaxCallDuration: time.Duration(cfg.MaxCallMinutes) * time.Minute,
		})
		apiHandler.Routes(r)
		r.Get("/ws", monitorHandler.ServeHTTP)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop the sweeper and drain campaigns before closing the listener
	cancel()
	campaignManager.Shutdown()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"voicebridge"}`)
}

// loadBalances reads owner-id to credit-balance pairs from a JSON file.
// Missing file means every owner starts at zero.
func loadBalances(path string) map[string]int {
	balances := make(map[string]int)
	if path == "" {
		return balances
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read credit balances file")
		return balances
	}
	if err := json.Unmarshal(data, &balances); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse credit balances file")
	}
	return balances
}

// loadDirectory reads number-to-agent bindings from a JSON file
func loadDirectory(path string) map[string]webhook.DirectoryEntry {
	entries := make(map[string]webhook.DirectoryEntry)
	if path == "" {
		return entries
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read agent directory file")
		return entries
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to parse agent directory file")
	}
	return entries
}
