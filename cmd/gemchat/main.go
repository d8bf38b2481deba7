package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gemchat/internal/app"
	"gemchat/internal/config"
	"gemchat/internal/crypto"
	"gemchat/internal/gateway"
	"gemchat/internal/httpapi"
	"gemchat/internal/kv"
	"gemchat/internal/ledger"
	"gemchat/internal/metrics"
	"gemchat/internal/observe"
	"gemchat/internal/providers/gemini"
	"gemchat/internal/ratelimit"
	"gemchat/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("store", cfg.Store.Driver).
		Int("ledger_capacity", cfg.Ledger.Capacity).
		Int64("rate_limit_per_hour", cfg.Rate.PerHour).
		Bool("sealed_credentials", cfg.Crypto.Enabled()).
		Msg("starting gemchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	store, closer, err := kv.Open(ctx, kv.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		AutoMigrate: cfg.Store.AutoMigrate,
		Redis:       rdb,
		RedisPrefix: cfg.Redis.Prefix,
		Keyring: kv.KeyringConfig{
			Service:  cfg.Keyring.Service,
			Dir:      cfg.Keyring.Dir,
			Password: cfg.Keyring.Password,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize settings store")
	}
	defer closer.Close()

	var sealer *crypto.Manager
	if cfg.Crypto.Enabled() {
		sealer, err = crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize crypto manager")
		}
	}

	prefs := settings.New()
	persister := settings.NewPersister(settings.PersisterConfig{
		Store:  store,
		Key:    cfg.Settings.Key,
		Sealer: sealer,
		Logger: log.Logger.With().Str("component", "settings").Logger(),
	})
	if prefs.Load(ctx, persister) {
		log.Info().Str("credential", settings.Fingerprint(prefs.Get().Credential)).Msg("settings loaded")
	}
	persister.Attach(prefs)
	if !prefs.IsConfigured() && cfg.Gemini.APIKey != "" {
		if _, err := prefs.UpdateCredential(cfg.Gemini.APIKey); err != nil {
			log.Fatal().Err(err).Msg("failed to seed credential")
		}
		log.Info().Str("credential", settings.Fingerprint(prefs.Get().Credential)).Msg("credential seeded from environment")
	}

	m := metrics.Global()
	hook := observe.Multi(
		observe.Log(log.Logger.With().Str("component", "observe").Logger()),
		observe.Metrics(m),
	)

	l := ledger.New(ledger.Config{
		Capacity: cfg.Ledger.Capacity,
		Disabled: !cfg.Ledger.Enabled,
		Hook:     hook,
	})

	var limiter ratelimit.Limiter
	switch {
	case cfg.Rate.PerHour <= 0:
	case rdb != nil:
		limiter = ratelimit.NewRedis(rdb, cfg.Redis.Prefix, cfg.Rate.PerHour)
	default:
		limiter = ratelimit.NewLocal(cfg.Rate.PerHour)
	}

	gw := gateway.New(gateway.Config{
		Factory: gemini.Factory(gemini.Config{
			BaseURL:     cfg.Gemini.BaseURL,
			HTTPClient:  &http.Client{Timeout: cfg.Gemini.ClientTimeout},
			MaxRetries:  cfg.Gemini.MaxRetries,
			BackoffBase: cfg.Gemini.BackoffBase,
		}),
		Ledger:  l,
		Limiter: limiter,
		Hook:    hook,
		Logger:  log.Logger.With().Str("component", "gateway").Logger(),
	})

	svc := app.New(app.Config{
		Settings: prefs,
		Gateway:  gw,
		Ledger:   l,
		Logger:   log.Logger.With().Str("component", "app").Logger(),
	})

	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: httpapi.New(httpapi.Config{
			Service:        svc,
			Logger:         log.Logger.With().Str("component", "http").Logger(),
			HealthPath:     cfg.HTTP.HealthPath,
			MetricsPath:    cfg.HTTP.MetricsPath,
			MetricsHandler: promhttp.Handler(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
