package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

// DefaultCooldown é o tempo mínimo entre uma falha do backend compartilhado e a
// próxima tentativa de voltar para ele.
const DefaultCooldown = 30 * time.Second

// Service é o orquestrador do rate limit: uma máquina de dois estados
// (ModeShared / ModeLocal).
//
//   - ModeShared: consulta o backend compartilhado. Se ele falhar, muda para
//     ModeLocal, grava o instante da falha e responde a mesma requisição pelo
//     backend local (a requisição nunca é perdida por causa da transição).
//   - ModeLocal: responde pelo backend local. Passado o cooldown desde a última
//     falha, uma requisição por vez sonda o compartilhado; se der certo, volta
//     para ModeShared.
//
// Os dois backends nunca são reconciliados: ao trocar de modo a contagem
// recomeça no backend que passa a valer.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	shared    domain.CounterStore
	local     domain.CounterStore
	policy    domain.Policy
	clock     domain.Clock
	cooldown  time.Duration
	log       *zap.Logger
	observers []domain.ModeObserver
	errObs    []domain.SharedErrorObserver

	// limita o aviso "servindo do fallback" a um por intervalo
	degradedLog *rate.Limiter

	// mu protege mode, lastFailure e probing juntos: quem lê mode==ModeLocal
	// sempre enxerga o lastFailure gravado na mesma transição.
	mu          sync.Mutex
	mode        domain.Mode
	lastFailure time.Time
	probing     bool
}

type Option func(*Service)

// WithSharedStore liga o backend compartilhado. Sem ele o serviço fica só no local.
func WithSharedStore(s domain.CounterStore) Option {
	return func(svc *Service) { svc.shared = s }
}

func WithClock(c domain.Clock) Option {
	return func(svc *Service) { svc.clock = c }
}

func WithCooldown(d time.Duration) Option {
	return func(svc *Service) { svc.cooldown = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.log = l
		}
	}
}

func WithModeObserver(o domain.ModeObserver) Option {
	return func(svc *Service) {
		if o != nil {
			svc.observers = append(svc.observers, o)
		}
	}
}

// WithSharedErrorObserver recebe cada falha do backend compartilhado, não só as
// transições (ex: contador de erros).
func WithSharedErrorObserver(o domain.SharedErrorObserver) Option {
	return func(svc *Service) {
		if o != nil {
			svc.errObs = append(svc.errObs, o)
		}
	}
}

// NewService valida a política e monta o orquestrador. O backend local é obrigatório.
func NewService(policy domain.Policy, local domain.CounterStore, opts ...Option) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("%w: local store is required", domain.ErrInvalidConfig)
	}

	s := &Service{
		local:       local,
		policy:      policy,
		clock:       infra.SystemClock{},
		cooldown:    DefaultCooldown,
		log:         zap.NewNop(),
		degradedLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		return nil, fmt.Errorf("%w: clock is required", domain.ErrInvalidConfig)
	}
	if s.cooldown < 0 {
		return nil, fmt.Errorf("%w: cooldown must be >= 0, got %s", domain.ErrInvalidConfig, s.cooldown)
	}
	if s.shared == nil {
		s.mode = domain.ModeLocal
	}
	return s, nil
}

func (s *Service) Policy() domain.Policy { return s.policy }

// Mode devolve o modo atual.
func (s *Service) Mode() domain.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Check decide a admissão de uma requisição para key. Falhas do backend
// compartilhado nunca saem daqui: no pior caso a decisão vem do local.
func (s *Service) Check(ctx context.Context, key domain.Key) domain.Decision {
	now := s.clock.Now()

	useShared, probe := s.route(now)
	if useShared {
		dec, err := s.shared.GetAndUpdate(ctx, key, now, s.policy)
		if err == nil {
			if probe {
				s.recovered(now)
			}
			return dec
		}
		s.failed(now, probe, err)
	}

	return s.fromLocal(ctx, key, now)
}

// MarkSharedUnavailable força o modo degradado (ex: ping falhou na subida).
// A volta acontece pelo caminho normal de cooldown + sonda.
func (s *Service) MarkSharedUnavailable(cause error) {
	if s.shared == nil {
		return
	}
	s.failed(s.clock.Now(), false, cause)
}

func (s *Service) route(now time.Time) (useShared, probe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shared == nil {
		return false, false
	}
	if s.mode == domain.ModeShared {
		return true, false
	}
	if !s.probing && now.Sub(s.lastFailure) >= s.cooldown {
		s.probing = true
		return true, true
	}
	return false, false
}

func (s *Service) recovered(now time.Time) {
	s.mu.Lock()
	s.probing = false
	from := s.mode
	s.mode = domain.ModeShared
	s.mu.Unlock()

	if from == domain.ModeShared {
		return
	}
	s.log.Info("shared rate limit backend recovered",
		zap.Stringer("from", from),
		zap.Stringer("to", domain.ModeShared))
	s.notify(from, domain.ModeShared, now, nil)
}

func (s *Service) failed(now time.Time, probe bool, cause error) {
	s.mu.Lock()
	if probe {
		s.probing = false
	}
	if now.After(s.lastFailure) {
		s.lastFailure = now
	}
	from := s.mode
	s.mode = domain.ModeLocal
	s.mu.Unlock()

	for _, o := range s.errObs {
		o.SharedError(now, probe, cause)
	}

	if from == domain.ModeLocal {
		if probe {
			s.log.Debug("shared rate limit backend probe failed", zap.Error(cause))
		}
		return
	}
	s.log.Warn("shared rate limit backend unavailable, falling back to local store",
		zap.Error(cause),
		zap.Duration("cooldown", s.cooldown))
	s.notify(from, domain.ModeLocal, now, cause)
}

func (s *Service) notify(from, to domain.Mode, at time.Time, cause error) {
	for _, o := range s.observers {
		o.ModeChanged(from, to, at, cause)
	}
}

func (s *Service) fromLocal(ctx context.Context, key domain.Key, now time.Time) domain.Decision {
	if s.shared != nil && s.degradedLog.AllowN(now, 1) {
		s.log.Warn("rate limit served from local fallback; limits are per process",
			zap.String("key", string(key)))
	}

	dec, err := s.local.GetAndUpdate(ctx, key, now, s.policy)
	if err != nil {
		// O LocalStore não falha; outra implementação que falhe não pode virar 429.
		s.log.Error("local rate limit store failed", zap.Error(err), zap.String("key", string(key)))
		return domain.Decision{
			Allowed: true,
			Limit:   s.policy.Limit,
			ResetAt: now.Add(s.policy.Window),
			Source:  domain.SourceLocal,
		}
	}
	return dec
}
