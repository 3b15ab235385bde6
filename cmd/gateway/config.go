package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/domain"
)

type config struct {
	listenAddr  string
	upstreamURL string
	metricsAddr string

	rateEnabled bool
	policy      domain.Policy
	keyHeader   string
	trustXFF    bool
	missingKey  ratelimit.MissingKeyPolicy
	skipPaths   []string
	exposeKey   bool

	redisURL         string
	redisTimeout     time.Duration
	redisMaxInFlight int
	redisPrefix      string
	fallbackCooldown time.Duration

	localSweepEvery time.Duration
	localIdleGrace  time.Duration

	concurrencyMax     int
	concurrencyTimeout time.Duration

	rateStatsRedis     bool
	rateStatsPrefix    string
	rateStatsTTL       time.Duration
	rateStatsTrackKeys bool

	logLevel  string
	logFormat string
}

// defaultSkipPaths: health check e documentação não consomem cota.
var defaultSkipPaths = []string{"/health", "/docs", "/redoc", "/openapi.json"}

// registerFlags declara as flags; cada uma também pode vir do ambiente
// (rate-limit -> RATE_LIMIT) ou de um arquivo via --config.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional config file (yaml/json/toml)")

	fs.String("listen-addr", ":8080", "address the gateway listens on")
	fs.String("upstream-url", "", "upstream URL to proxy to (required)")
	fs.String("metrics-addr", "", "address for the /metrics listener (empty disables)")

	fs.Bool("rate-enabled", true, "enable per-client rate limiting")
	fs.Int("rate-limit", 60, "requests allowed per window")
	fs.Duration("rate-window", domain.DefaultWindow, "fixed window size")
	fs.String("rate-key-header", "", "header used as rate limit key when present")
	fs.Bool("trust-xff", false, "use the first X-Forwarded-For hop as client IP")
	fs.String("rate-missing-key", "shared", "when no key is derivable: shared (anonymous bucket) or reject")
	fs.String("rate-skip-paths", strings.Join(defaultSkipPaths, ","), "comma-separated path prefixes that bypass the limiter")
	fs.Bool("rate-expose-key", false, "add X-RateLimit-Key to responses")

	fs.String("redis-url", "", "redis URL for the shared store (empty = local only)")
	fs.Duration("redis-timeout", 250*time.Millisecond, "timeout for each shared store call")
	fs.Int("redis-max-inflight", 64, "max concurrent shared store calls (0 = unbounded)")
	fs.String("redis-prefix", "ratelimit:", "key prefix for shared store counters")
	fs.Duration("rate-fallback-cooldown", 30*time.Second, "time in local mode before probing redis again")

	fs.Duration("rate-local-sweep-every", time.Minute, "local store sweep interval (0 disables)")
	fs.Duration("rate-local-idle-grace", 2*time.Minute, "how long expired local entries are kept")

	fs.Int("concurrency-max", 100, "max in-flight proxied requests (0 disables)")
	fs.Duration("concurrency-timeout", 0, "how long to wait for a concurrency slot (0 = until client gives up)")

	fs.Bool("rate-stats-redis", false, "also record decision counters in redis")
	fs.String("rate-stats-prefix", "ratelimit:stats", "key prefix for redis stats")
	fs.Duration("rate-stats-ttl", 24*time.Hour, "ttl for per-minute and per-key redis stats")
	fs.Bool("rate-stats-track-keys", false, "record redis stats per rate limit key")

	fs.String("log-level", "info", "debug, info, warn, error")
	fs.String("log-format", "json", "json or console")
}

func bindConfig(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

func loadConfig(v *viper.Viper) (config, error) {
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("%w: reading %s: %w", domain.ErrInvalidConfig, file, err)
		}
	}

	cfg := config{
		listenAddr:  v.GetString("listen-addr"),
		upstreamURL: strings.TrimSpace(v.GetString("upstream-url")),
		metricsAddr: v.GetString("metrics-addr"),

		rateEnabled: v.GetBool("rate-enabled"),
		policy: domain.Policy{
			Limit:  v.GetInt("rate-limit"),
			Window: v.GetDuration("rate-window"),
		},
		keyHeader: v.GetString("rate-key-header"),
		trustXFF:  v.GetBool("trust-xff"),
		skipPaths: stringList(v, "rate-skip-paths"),
		exposeKey: v.GetBool("rate-expose-key"),

		redisURL:         strings.TrimSpace(v.GetString("redis-url")),
		redisTimeout:     v.GetDuration("redis-timeout"),
		redisMaxInFlight: v.GetInt("redis-max-inflight"),
		redisPrefix:      v.GetString("redis-prefix"),
		fallbackCooldown: v.GetDuration("rate-fallback-cooldown"),

		localSweepEvery: v.GetDuration("rate-local-sweep-every"),
		localIdleGrace:  v.GetDuration("rate-local-idle-grace"),

		concurrencyMax:     v.GetInt("concurrency-max"),
		concurrencyTimeout: v.GetDuration("concurrency-timeout"),

		rateStatsRedis:     v.GetBool("rate-stats-redis"),
		rateStatsPrefix:    v.GetString("rate-stats-prefix"),
		rateStatsTTL:       v.GetDuration("rate-stats-ttl"),
		rateStatsTrackKeys: v.GetBool("rate-stats-track-keys"),

		logLevel:  v.GetString("log-level"),
		logFormat: v.GetString("log-format"),
	}

	switch strings.ToLower(strings.TrimSpace(v.GetString("rate-missing-key"))) {
	case "", "shared":
		cfg.missingKey = ratelimit.MissingKeyShared
	case "reject":
		cfg.missingKey = ratelimit.MissingKeyReject
	default:
		return config{}, fmt.Errorf("%w: RATE_MISSING_KEY must be shared or reject", domain.ErrInvalidConfig)
	}

	if cfg.upstreamURL == "" {
		return config{}, fmt.Errorf("%w: UPSTREAM_URL is required", domain.ErrInvalidConfig)
	}
	if err := cfg.policy.Validate(); err != nil {
		return config{}, err
	}
	if cfg.redisURL != "" && cfg.redisTimeout <= 0 {
		return config{}, fmt.Errorf("%w: REDIS_TIMEOUT must be > 0", domain.ErrInvalidConfig)
	}
	if cfg.fallbackCooldown < 0 {
		return config{}, fmt.Errorf("%w: RATE_FALLBACK_COOLDOWN must be >= 0", domain.ErrInvalidConfig)
	}
	if cfg.rateStatsRedis && cfg.redisURL == "" {
		return config{}, fmt.Errorf("%w: REDIS_URL is required when RATE_STATS_REDIS=true", domain.ErrInvalidConfig)
	}
	if cfg.concurrencyMax < 0 {
		return config{}, fmt.Errorf("%w: CONCURRENCY_MAX must be >= 0", domain.ErrInvalidConfig)
	}
	return cfg, nil
}

// stringList lê uma lista que pode vir como "a,b" (flag/env) ou como lista no
// arquivo de config. O viper devolve o env cru e o cast separaria por espaço.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
