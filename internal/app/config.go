package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"debridui/resolver/internal/quality"
	"debridui/resolver/internal/resolver"
	"debridui/resolver/internal/settings"
)

type Config struct {
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	AddonURLs        []string
	AddonUserAgent   string
	RequestTimeout   time.Duration
	ResolveTimeout   time.Duration
	RedisURL         string
	CacheTTL         time.Duration
	CacheDisabled    bool
	SettledRetention time.Duration
	ResolvePolicy    resolver.Policy
	ProviderRPS      float64
	ProviderBurst    int
	HTTPRateRPS      float64
	HTTPRateBurst    int
	Quality          settings.Preferences
	OTLPEndpoint     string
}

func LoadConfig() Config {
	policy, ok := resolver.ParsePolicy(getEnv("RESOLVE_POLICY", string(resolver.PolicyIgnore)))
	if !ok {
		policy = resolver.PolicyIgnore
	}
	return Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8095"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AddonURLs:        splitList(getEnv("ADDON_URLS", "")),
		AddonUserAgent:   getEnv("ADDON_USER_AGENT", "debridui-resolver/1.0"),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT_SECONDS", 15*time.Second),
		ResolveTimeout:   getEnvDuration("RESOLVE_TIMEOUT_SECONDS", 30*time.Second),
		RedisURL:         getEnv("REDIS_URL", ""),
		CacheTTL:         getEnvDuration("CANDIDATE_CACHE_TTL_SECONDS", 5*time.Minute),
		CacheDisabled:    getEnvBool("CANDIDATE_CACHE_DISABLED", false),
		SettledRetention: getEnvDuration("SETTLED_RETENTION_SECONDS", 10*time.Minute),
		ResolvePolicy:    policy,
		ProviderRPS:      getEnvFloat("PROVIDER_RATE_LIMIT_RPS", 5),
		ProviderBurst:    getEnvInt("PROVIDER_RATE_LIMIT_BURST", 5),
		HTTPRateRPS:      getEnvFloat("HTTP_RATE_LIMIT_RPS", 50),
		HTTPRateBurst:    getEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		Quality:          loadQualityDefaults(),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// loadQualityDefaults reads the startup preferences. Labels are validated later by settings.NewStore.
func loadQualityDefaults() settings.Preferences {
	mode, ok := settings.ParseMode(getEnv("QUALITY_MODE", string(settings.ModeStrict)))
	if !ok {
		mode = settings.ModeStrict
	}
	return settings.Preferences{
		Mode: mode,
		Strict: quality.Range{
			Resolution: quality.AxisRange{
				Min: quality.Bound(getEnv("QUALITY_MIN_RESOLUTION", string(quality.Any))),
				Max: quality.Bound(getEnv("QUALITY_MAX_RESOLUTION", string(quality.Any))),
			},
			SourceQuality: quality.AxisRange{
				Min: quality.Bound(getEnv("QUALITY_MIN_SOURCE", string(quality.Any))),
				Max: quality.Bound(getEnv("QUALITY_MAX_SOURCE", string(quality.Any))),
			},
		},
		Relaxed: quality.Range{
			Resolution: quality.AxisRange{
				Min: quality.Bound(getEnv("QUALITY_RELAXED_MIN_RESOLUTION", string(quality.Any))),
				Max: quality.Bound(getEnv("QUALITY_RELAXED_MAX_RESOLUTION", string(quality.Any))),
			},
			SourceQuality: quality.AxisRange{
				Min: quality.Bound(getEnv("QUALITY_RELAXED_MIN_SOURCE", string(quality.Any))),
				Max: quality.Bound(getEnv("QUALITY_RELAXED_MAX_SOURCE", string(quality.Any))),
			},
		},
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	seconds := getEnvInt(key, 0)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// splitList splits on commas and whitespace, keeping order and dropping repeats.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if _, exists := seen[field]; exists {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}
