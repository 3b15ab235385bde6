package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// incrWithExpiry incrementa o contador e só define a expiração quando a chave
// acaba de nascer (ou ficou sem TTL por algum motivo). Devolve {count, pttl}.
//
// Como a janela é o TTL da chave, o início da janela é resetAt - window,
// calculado do lado do cliente.
var incrWithExpiry = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore é o backend compartilhado: mesma semântica de janela fixa do
// LocalStore, mas com o incremento atômico feito no Redis.
//
// Toda chamada tem timeout próprio e qualquer falha volta como
// domain.ErrBackendUnavailable. O pool de conexões é o do próprio go-redis;
// o SlotPool opcional limita quantas chamadas ficam em voo ao mesmo tempo.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
	slots   domain.SlotPool
}

type RedisStoreOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		s.prefix = prefix
	}
}

func WithRedisTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.timeout = d }
}

// WithRedisMaxInFlight limita as chamadas simultâneas ao Redis. max <= 0 desliga.
func WithRedisMaxInFlight(max int) RedisStoreOption {
	return func(s *RedisStore) { s.slots = NewChanPool(max) }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: redis client is required", domain.ErrInvalidConfig)
	}
	s := &RedisStore{
		rdb:     rdb,
		prefix:  "ratelimit:",
		timeout: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		return nil, fmt.Errorf("%w: redis timeout must be > 0", domain.ErrInvalidConfig)
	}
	return s, nil
}

func (s *RedisStore) Timeout() time.Duration { return s.timeout }

// GetAndUpdate implementa domain.CounterStore.
//
// A chamada roda num contexto desligado do cancelamento de quem chamou: se o
// cliente HTTP desistir, o script termina (ou estoura o timeout) sem que isso
// vire falha do backend. O script é atômico, então não há incremento parcial.
func (s *RedisStore) GetAndUpdate(ctx context.Context, key domain.Key, now time.Time, p domain.Policy) (domain.Decision, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if s.slots != nil {
		release, ok := s.slots.Acquire(ctx)
		if !ok {
			return domain.Decision{}, fmt.Errorf("%w: no redis slot within %s", domain.ErrBackendUnavailable, s.timeout)
		}
		defer release()
	}

	windowMs := p.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := incrWithExpiry.Run(ctx, s.rdb, []string{s.prefix + string(key)}, windowMs).Result()
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}

	count, ttl, err := parseIncrResult(res)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}

	dec := domain.DecisionFromCount(int(count), now.Add(time.Duration(ttl)*time.Millisecond), now, p)
	dec.Source = domain.SourceShared
	return dec, nil
}

// Reset apaga o contador da chave.
func (s *RedisStore) Reset(ctx context.Context, key domain.Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.Del(ctx, s.prefix+string(key)).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Ping verifica se o backend responde dentro do timeout.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

var errMalformedReply = errors.New("malformed redis reply")

func parseIncrResult(res any) (count, ttl int64, err error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("%w: %T %v", errMalformedReply, res, res)
	}
	count, ok = vals[0].(int64)
	if !ok || count < 1 {
		return 0, 0, fmt.Errorf("%w: count=%v", errMalformedReply, vals[0])
	}
	ttl, ok = vals[1].(int64)
	if !ok || ttl <= 0 {
		return 0, 0, fmt.Errorf("%w: ttl=%v", errMalformedReply, vals[1])
	}
	return count, ttl, nil
}

var _ domain.CounterStore = (*RedisStore)(nil)
