package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "debridui/resolver/internal/api/http"
	"debridui/resolver/internal/app"
	"debridui/resolver/internal/metrics"
	"debridui/resolver/internal/providers/addon"
	"debridui/resolver/internal/resolver"
	"debridui/resolver/internal/settings"
	"debridui/resolver/internal/sources"
	"debridui/resolver/internal/telemetry"
)

func main() {
	envErr := godotenv.Load()
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("failed to load .env", slog.String("error", envErr.Error()))
	}
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "resolver",
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "resolver"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Int("addons", len(cfg.AddonURLs)),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Duration("resolveTimeout", cfg.ResolveTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Duration("settledRetention", cfg.SettledRetention),
		slog.String("policy", string(cfg.ResolvePolicy)),
		slog.String("qualityMode", string(cfg.Quality.Mode)),
	)

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	sourceService := sources.NewService(buildProviders(cfg, logger), cfg.RequestTimeout, buildSourceOptions(cfg, redisClient, logger)...)

	settingsOpts := []settings.Option{settings.WithLogger(logger)}
	if redisClient != nil {
		settingsOpts = append(settingsOpts, settings.WithPersistence(settings.NewRedisPersistence(redisClient, "")))
	}
	settingsStore, err := settings.NewStore(cfg.Quality, settingsOpts...)
	if err != nil {
		logger.Error("invalid quality defaults", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tracker := resolver.NewTracker(
		resolver.WithPolicy(cfg.ResolvePolicy),
		resolver.WithSettledRetention(cfg.SettledRetention),
		resolver.WithTrackerLogger(logger),
	)
	playback := resolver.NewService(tracker, sourceService, settingsStore,
		resolver.WithResolveTimeout(cfg.ResolveTimeout),
		resolver.WithLogger(logger),
	)

	handler := apihttp.NewServer(playback,
		apihttp.WithLogger(logger),
		apihttp.WithSources(sourceService),
		apihttp.WithSettings(settingsStore),
		apihttp.WithRateLimit(cfg.HTTPRateRPS, cfg.HTTPRateBurst),
		apihttp.WithResolveTimeout(cfg.ResolveTimeout),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ?wait=true holds the connection for a whole resolution.
		WriteTimeout: cfg.ResolveTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("resolver service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if err := playback.Wait(shutdownCtx); err != nil {
		logger.Warn("resolutions still running at shutdown",
			slog.Int("resolving", len(tracker.Resolving())),
			slog.String("error", err.Error()),
		)
	}
	logger.Info("resolver service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	}))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildProviders(cfg app.Config, logger *slog.Logger) []sources.Provider {
	providers := make([]sources.Provider, 0, len(cfg.AddonURLs))
	names := make(map[string]int, len(cfg.AddonURLs))
	for _, raw := range cfg.AddonURLs {
		addonCfg := addon.Config{
			BaseURL:   raw,
			UserAgent: cfg.AddonUserAgent,
			Client: &http.Client{
				Timeout:   cfg.RequestTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		}
		provider, err := addon.NewProvider(addonCfg)
		if err != nil {
			logger.Warn("skipping addon", slog.String("url", raw), slog.String("error", err.Error()))
			continue
		}
		// Two configurations of the same addon host would otherwise share a name.
		names[provider.Name()]++
		if n := names[provider.Name()]; n > 1 {
			addonCfg.Name = fmt.Sprintf("%s-%d", provider.Name(), n)
			if provider, err = addon.NewProvider(addonCfg); err != nil {
				continue
			}
		}
		providers = append(providers, provider)
	}
	if len(providers) == 0 {
		logger.Warn("no addons configured; every resolution will fail until ADDON_URLS is set")
	}
	return providers
}

// connectRedis returns nil when Redis is unset or unreachable; callers fall back to memory.
func connectRedis(rawURL string, logger *slog.Logger) *redis.Client {
	redisURL := strings.TrimSpace(rawURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory state only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory state only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

func buildSourceOptions(cfg app.Config, redisClient *redis.Client, logger *slog.Logger) []sources.ServiceOption {
	opts := []sources.ServiceOption{
		sources.WithLogger(logger),
		sources.WithProviderRateLimit(cfg.ProviderRPS, cfg.ProviderBurst),
	}
	if cfg.CacheDisabled {
		return append(opts, sources.WithCacheDisabled(true))
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, sources.WithCacheTTL(cfg.CacheTTL))
	}
	if redisClient != nil {
		opts = append(opts, sources.WithRedisCache(sources.NewRedisCacheBackend(redisClient)))
	}
	return opts
}
