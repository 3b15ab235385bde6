package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/logging"
	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Reverse proxy with per-client rate limiting (redis with in-process fallback)",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindConfig(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, cfg config) error {
	log, err := logging.New(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	defer func() { _ = log.Sync() }()

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("%w: invalid UPSTREAM_URL: %w", domain.ErrInvalidConfig, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("proxy error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	limiter, stats, cleanup, err := buildLimiter(ctx, cfg, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		cleanup()
	}()

	h := http.Handler(proxy)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cfg.concurrencyTimeout,
		Logger:         log,
	})(h)
	if cfg.rateEnabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Limiter:            limiter,
			Stats:              stats,
			KeyHeader:          cfg.keyHeader,
			TrustXForwardedFor: cfg.trustXFF,
			MissingKey:         cfg.missingKey,
			SkipPaths:          cfg.skipPaths,
			ExposeKey:          cfg.exposeKey,
			Logger:             log,
		})(h)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	log.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", target.String()))
	log.Info("rate limit",
		zap.Bool("enabled", cfg.rateEnabled),
		zap.Int("limit", cfg.policy.Limit),
		zap.Duration("window", cfg.policy.Window),
		zap.Bool("shared_store", cfg.redisURL != ""),
		zap.Duration("fallback_cooldown", cfg.fallbackCooldown),
		zap.String("key_header", cfg.keyHeader),
		zap.Bool("trust_xff", cfg.trustXFF))
	log.Info("concurrency",
		zap.Int("max", cfg.concurrencyMax),
		zap.Duration("acquire_timeout", cfg.concurrencyTimeout))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// buildLimiter monta LocalStore + RedisStore (se configurado) + orquestrador e
// os sinks de estatística. cleanup fecha o cliente Redis e espera o janitor.
func buildLimiter(ctx context.Context, cfg config, reg prometheus.Registerer, log *zap.Logger) (*application.Service, domain.StatsStore, func(), error) {
	clock := infra.SystemClock{}
	local := infra.NewLocalStore(
		infra.WithIdleTTL(cfg.localIdleGrace),
		infra.WithCleanupEvery(cfg.localSweepEvery),
		infra.WithLocalClock(clock),
		infra.WithLocalLogger(log),
	)
	metrics := infra.NewPrometheusStats(reg, infra.WithLocalKeysGauge(local))
	stats := infra.MultiStats{metrics}

	opts := []application.Option{
		application.WithCooldown(cfg.fallbackCooldown),
		application.WithLogger(log),
		application.WithClock(clock),
		application.WithModeObserver(metrics),
		application.WithSharedErrorObserver(metrics),
	}

	var (
		rdb    *redis.Client
		shared *infra.RedisStore
	)
	if cfg.redisURL != "" {
		ropts, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid REDIS_URL: %w", domain.ErrInvalidConfig, err)
		}
		ropts.DialTimeout = cfg.redisTimeout
		ropts.ReadTimeout = cfg.redisTimeout
		ropts.WriteTimeout = cfg.redisTimeout
		ropts.PoolTimeout = cfg.redisTimeout
		rdb = redis.NewClient(ropts)

		shared, err = infra.NewRedisStore(rdb,
			infra.WithRedisPrefix(cfg.redisPrefix),
			infra.WithRedisTimeout(cfg.redisTimeout),
			infra.WithRedisMaxInFlight(cfg.redisMaxInFlight),
		)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		opts = append(opts, application.WithSharedStore(shared))

		if cfg.rateStatsRedis {
			stats = append(stats, infra.NewRedisStatsStore(rdb,
				infra.WithStatsPrefix(cfg.rateStatsPrefix),
				infra.WithStatsTTL(cfg.rateStatsTTL),
				infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
			))
		}
	}

	svc, err := application.NewService(cfg.policy, local, opts...)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, nil, nil, err
	}

	if shared != nil {
		if err := shared.Ping(ctx); err != nil {
			log.Warn("redis not reachable at startup, starting on local fallback", zap.Error(err))
			svc.MarkSharedUnavailable(err)
		}
	}

	janitorDone := local.StartJanitor(ctx)
	cleanup := func() {
		<-janitorDone
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return svc, stats, cleanup, nil
}
