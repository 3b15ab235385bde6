package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderKey       = "X-RateLimit-Key"

	// AnonymousKey é o balde compartilhado usado quando nenhuma chave pode ser
	// derivada e a política é MissingKeyShared.
	AnonymousKey = "anonymous"
)

// KeyFunc deriva a chave de rate limit da requisição. "" significa que não foi
// possível derivar (ver MissingKeyPolicy).
type KeyFunc func(r *http.Request) string

// IdentityFunc devolve o id do usuário autenticado, ou "" se não houver.
// Quem fornece é a camada de autenticação.
type IdentityFunc func(r *http.Request) string

// MissingKeyPolicy decide o que fazer quando KeyFunc devolve "".
type MissingKeyPolicy int

const (
	// MissingKeyShared conta a requisição no balde AnonymousKey.
	MissingKeyShared MissingKeyPolicy = iota
	// MissingKeyReject responde 400 sem chamar o limiter.
	MissingKeyReject
)

// Checker é o que o middleware precisa do orquestrador (application.Service).
type Checker interface {
	Check(ctx context.Context, key domain.Key) domain.Decision
	Policy() domain.Policy
}

type Options struct {
	Limiter            Checker
	Stats              domain.StatsStore
	KeyFn              KeyFunc
	IdentityFn         IdentityFunc
	KeyHeader          string
	TrustXForwardedFor bool
	MissingKey         MissingKeyPolicy
	// SkipPaths são prefixos de path que não passam pelo limiter (ex: /health).
	SkipPaths    []string
	RejectStatus int
	// ExposeKey adiciona X-RateLimit-Key na resposta (útil para debug).
	ExposeKey   bool
	RequestIDFn func(r *http.Request) string
	Logger      *zap.Logger
	// Clock carimba os eventos de estatística; use o mesmo relógio do limiter.
	Clock domain.Clock
}

// DefaultKeyFunc monta a chave na ordem: usuário autenticado ("user:<id>"),
// header configurado ("key:<valor>"), IP do cliente ("ip:<ip>").
func DefaultKeyFunc(keyHeader string, trustXFF bool, identity IdentityFunc) KeyFunc {
	return func(r *http.Request) string {
		if identity != nil {
			if id := strings.TrimSpace(identity(r)); id != "" {
				return "user:" + id
			}
		}

		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return "key:" + v
			}
		}

		if ip := ClientIP(r, trustXFF); ip != "" {
			return "ip:" + ip
		}
		return ""
	}
}

// ClientIP devolve o IP do cliente: o primeiro do X-Forwarded-For (se confiável)
// ou o host do RemoteAddr.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	return addr
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor, opts.IdentityFn)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = infra.SystemClock{}
	}
	policy := opts.Limiter.Policy()
	log := opts.Logger

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPath(opts.SkipPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := opts.KeyFn(r)
			if key == "" {
				if opts.MissingKey == MissingKeyReject {
					log.Warn("rate limit key could not be derived, rejecting",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path))
					writeError(w, http.StatusBadRequest, errorDetail{
						Code:      "RATE_LIMIT_KEY_MISSING",
						Message:   domain.ErrNoKey.Error(),
						Details:   map[string]any{"limiter": "ratelimit"},
						RequestID: requestID(opts.RequestIDFn, r),
					})
					return
				}
				key = AnonymousKey
			}

			if opts.ExposeKey {
				w.Header().Set(HeaderKey, key)
			}

			dec := opts.Limiter.Check(r.Context(), domain.Key(key))
			w.Header().Set(HeaderLimit, formatInt(dec.Limit))
			w.Header().Set(HeaderRemaining, formatInt(dec.Remaining))
			w.Header().Set(HeaderReset, formatUnixCeil(dec.ResetAt))

			if opts.Stats != nil {
				err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:     domain.Key(key),
					Allowed: dec.Allowed,
					Source:  dec.Source,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      opts.Clock.Now(),
				})
				if err != nil {
					log.Debug("rate limit stats record failed", zap.Error(err))
				}
			}

			if !dec.Allowed {
				retryAfter := ceilSeconds(dec.RetryAfter)
				log.Warn("rate limit exceeded",
					zap.String("key", key),
					zap.Int("limit", dec.Limit),
					zap.String("source", string(dec.Source)))

				w.Header().Set("Retry-After", formatInt(retryAfter))
				writeError(w, opts.RejectStatus, errorDetail{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "Rate limit exceeded",
					Details: map[string]any{
						"limiter":        "ratelimit",
						"limit":          dec.Limit,
						"window_seconds": ceilSeconds(policy.Window),
						"retry_after":    retryAfter,
						"source":         string(dec.Source),
					},
					RequestID: requestID(opts.RequestIDFn, r),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func skipPath(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func requestID(fn func(*http.Request) string, r *http.Request) string {
	if fn != nil {
		return fn(r)
	}
	return r.Header.Get("X-Request-ID")
}
