package ratelimit

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

// ConcurrencyOptions limita quantas requisições ficam em processamento ao mesmo
// tempo. É independente do rate limit: um protege contra rajada por cliente,
// o outro contra saturação do upstream.
type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	Logger         *zap.Logger
}

func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				opts.Logger.Warn("concurrency limit reached",
					zap.Int("max", opts.Max),
					zap.String("path", r.URL.Path))
				writeError(w, opts.RejectStatus, errorDetail{
					Code:    "CONCURRENCY_LIMIT",
					Message: http.StatusText(opts.RejectStatus),
					Details: map[string]any{"limiter": "concurrency", "max": opts.Max},
				})
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
