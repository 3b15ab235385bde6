package infra

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// LocalStore guarda a janela fixa de cada chave na memória do processo.
//
// É o caminho de fallback garantido: GetAndUpdate nunca falha.
// O ler-avaliar-gravar é serializado por chave (mutex por entrada); o mapa em si
// fica sob um RWMutex que só é tomado em escrita para criar ou varrer entradas.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[domain.Key]*localEntry

	clock        domain.Clock
	idleTTL      time.Duration
	cleanupEvery time.Duration
	log          *zap.Logger
}

type localEntry struct {
	mu       sync.Mutex
	state    domain.WindowState
	lastSeen time.Time
	// removed é marcado pela limpeza sob o lock da entrada; quem ainda segura o
	// ponteiro antigo recomeça a busca no mapa em vez de contar numa entrada órfã.
	removed bool
}

type LocalStoreOption func(*LocalStore)

// WithIdleTTL define por quanto tempo uma entrada com janela já expirada ainda
// é mantida antes de ser removida pela limpeza.
func WithIdleTTL(d time.Duration) LocalStoreOption {
	return func(s *LocalStore) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) LocalStoreOption {
	return func(s *LocalStore) { s.cleanupEvery = d }
}

func WithLocalClock(c domain.Clock) LocalStoreOption {
	return func(s *LocalStore) { s.clock = c }
}

func WithLocalLogger(l *zap.Logger) LocalStoreOption {
	return func(s *LocalStore) { s.log = l }
}

func NewLocalStore(opts ...LocalStoreOption) *LocalStore {
	s := &LocalStore{
		entries:      make(map[domain.Key]*localEntry),
		clock:        SystemClock{},
		idleTTL:      2 * time.Minute,
		cleanupEvery: time.Minute,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) CleanupEvery() time.Duration { return s.cleanupEvery }

// GetAndUpdate implementa domain.CounterStore.
func (s *LocalStore) GetAndUpdate(_ context.Context, key domain.Key, now time.Time, p domain.Policy) (domain.Decision, error) {
	for {
		ent := s.entry(key, now)

		ent.mu.Lock()
		if ent.removed {
			ent.mu.Unlock()
			continue
		}

		var prev *domain.WindowState
		if !ent.state.Start.IsZero() {
			prev = &ent.state
		}
		dec, next := domain.Evaluate(prev, now, p)
		ent.state = next
		ent.lastSeen = now
		ent.mu.Unlock()

		dec.Source = domain.SourceLocal
		return dec, nil
	}
}

func (s *LocalStore) entry(key domain.Key, now time.Time) *localEntry {
	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return ent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[key]; ok {
		return ent
	}
	ent = &localEntry{lastSeen: now}
	s.entries[key] = ent
	return ent
}

// State devolve uma cópia do estado atual da chave (para testes e diagnóstico).
func (s *LocalStore) State(key domain.Key) (domain.WindowState, bool) {
	s.mu.RLock()
	ent, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return domain.WindowState{}, false
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.removed {
		return domain.WindowState{}, false
	}
	return ent.state, true
}

// Size retorna o número de chaves rastreadas.
func (s *LocalStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Cleanup remove entradas cuja janela já expirou e que não são tocadas há mais
// de idleTTL. Retorna quantas foram removidas.
func (s *LocalStore) Cleanup() int {
	now := s.clock.Now()
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		ent.mu.Lock()
		idle := !ent.lastSeen.After(cutoff)
		expired := ent.state.Start.IsZero() || ent.state.ExpiredAt(now)
		if idle && expired {
			ent.removed = true
			delete(s.entries, k)
			removed++
		}
		ent.mu.Unlock()
	}

	if removed > 0 {
		s.log.Debug("local rate limit cleanup",
			zap.Int("removed_keys", removed),
			zap.Int("remaining_keys", len(s.entries)))
	}
	return removed
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto; o channel retornado fecha quando a goroutine sai.
func (s *LocalStore) StartJanitor(ctx DoneContext) <-chan struct{} {
	done := make(chan struct{})
	if s.cleanupEvery <= 0 {
		close(done)
		return done
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
	return done
}

// DoneContext é o mínimo necessário para aceitar context.Context sem exigir o
// resto da interface (Deadline/Err/Value) de quem só quer parar o janitor.
type DoneContext interface {
	Done() <-chan struct{}
}

var _ domain.CounterStore = (*LocalStore)(nil)
