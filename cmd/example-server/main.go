package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/logging"
	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

// userHeader simula a camada de autenticação: em produção o id viria do token
// já validado, aqui vem de um header para facilitar testes manuais.
const userHeader = "X-User-ID"

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	log, err := logging.New(getenvDefault("LOG_LEVEL", "info"), getenvDefault("LOG_FORMAT", "console"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	local := infra.NewLocalStore(infra.WithLocalLogger(log))
	janitorDone := local.StartJanitor(ctx)

	opts := []application.Option{application.WithLogger(log)}
	if url := os.Getenv("REDIS_URL"); url != "" {
		ropts, err := redis.ParseURL(url)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()

		shared, err := infra.NewRedisStore(rdb)
		if err != nil {
			log.Fatal("redis store", zap.Error(err))
		}
		opts = append(opts, application.WithSharedStore(shared))
	}

	limiter, err := application.NewService(domain.Policy{Limit: 5, Window: 10 * time.Second}, local, opts...)
	if err != nil {
		log.Fatal("rate limiter config", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ratelimit.Middleware(ratelimit.Options{
		Limiter:     limiter,
		IdentityFn:  func(r *http.Request) string { return r.Header.Get(userHeader) },
		SkipPaths:   []string{"/health"},
		ExposeKey:   true,
		RequestIDFn: func(r *http.Request) string { return middleware.GetReqID(r.Context()) },
		Logger:      log,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok (" + limiter.Mode().String() + ")\n"))
	})

	addr := getenvDefault("LISTEN_ADDR", ":8081")

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", zap.Error(err))
	}
	cancel()
	<-janitorDone
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
