package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeShared simula o backend remoto com o mesmo algoritmo e permite forçar falhas.
type fakeShared struct {
	mu     sync.Mutex
	states map[domain.Key]domain.WindowState
	down   bool
	calls  int
	// block, se não nil, segura cada chamada até ser fechado
	block chan struct{}
}

func newFakeShared() *fakeShared {
	return &fakeShared{states: make(map[domain.Key]domain.WindowState)}
}

func (f *fakeShared) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeShared) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeShared) GetAndUpdate(_ context.Context, key domain.Key, now time.Time, p domain.Policy) (domain.Decision, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return domain.Decision{}, errors.New("i/o timeout: " + domain.ErrBackendUnavailable.Error())
	}

	var prev *domain.WindowState
	if st, ok := f.states[key]; ok {
		prev = &st
	}
	dec, next := domain.Evaluate(prev, now, p)
	f.states[key] = next
	dec.Source = domain.SourceShared
	return dec, nil
}

type transition struct {
	from, to domain.Mode
}

type recordingObserver struct {
	mu     sync.Mutex
	got    []transition
	probes []bool // um item por erro do compartilhado: true se veio da sonda
}

func (o *recordingObserver) SharedError(_ time.Time, probe bool, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes = append(o.probes, probe)
}

func (o *recordingObserver) sharedErrors() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.probes...)
}

func (o *recordingObserver) ModeChanged(from, to domain.Mode, _ time.Time, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, transition{from: from, to: to})
}

func (o *recordingObserver) transitions() []transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transition(nil), o.got...)
}

type fixture struct {
	svc    *Service
	clock  *fakeClock
	shared *fakeShared
	local  *infra.LocalStore
	obs    *recordingObserver
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, limit int) fixture {
	t.Helper()
	clk := newFakeClock()
	shared := newFakeShared()
	local := infra.NewLocalStore(infra.WithLocalClock(clk))
	obs := &recordingObserver{}
	core, logs := observer.New(zapcore.DebugLevel)

	svc, err := NewService(
		domain.Policy{Limit: limit, Window: 60 * time.Second},
		local,
		WithSharedStore(shared),
		WithClock(clk),
		WithCooldown(10*time.Second),
		WithLogger(zap.New(core)),
		WithModeObserver(obs),
		WithSharedErrorObserver(obs),
	)
	require.NoError(t, err)

	return fixture{svc: svc, clock: clk, shared: shared, local: local, obs: obs, logs: logs}
}

func TestService_FivePerMinuteScenario(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i, want := range []int{4, 3, 2, 1, 0} {
		dec := f.svc.Check(ctx, "ip:1")
		require.True(t, dec.Allowed, "call %d", i+1)
		assert.Equal(t, want, dec.Remaining)
		assert.Equal(t, domain.SourceShared, dec.Source)
		f.clock.Advance(time.Second)
	}

	dec := f.svc.Check(ctx, "ip:1")
	assert.False(t, dec.Allowed)
	assert.Equal(t, 0, dec.Remaining)

	f.clock.Advance(56 * time.Second) // t=61
	dec = f.svc.Check(ctx, "ip:1")
	assert.True(t, dec.Allowed)
	assert.Equal(t, 4, dec.Remaining)
}

func TestService_SharedFailureOnThirdCallFallsBackWithinSameCall(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec := f.svc.Check(ctx, "ip:1")
		require.Equal(t, domain.SourceShared, dec.Source)
	}

	f.shared.setDown(true)
	dec := f.svc.Check(ctx, "ip:1")

	assert.True(t, dec.Allowed)
	assert.Equal(t, domain.SourceLocal, dec.Source)
	// o local começa do zero: não há reconciliação com o compartilhado
	assert.Equal(t, 9, dec.Remaining)
	assert.Equal(t, domain.ModeLocal, f.svc.Mode())
	assert.Equal(t, []transition{{from: domain.ModeShared, to: domain.ModeLocal}}, f.obs.transitions())
	assert.Equal(t, 1, f.logs.FilterMessage("shared rate limit backend unavailable, falling back to local store").Len())
}

func TestService_LocalModeCountsIndependentlyUntilCooldown(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.shared.setDown(true)
	require.Equal(t, domain.SourceLocal, f.svc.Check(ctx, "k").Source)
	callsAfterFailure := f.shared.Calls()

	// dentro do cooldown o compartilhado não é tocado
	f.shared.setDown(false)
	f.clock.Advance(5 * time.Second)
	d2 := f.svc.Check(ctx, "k")
	d3 := f.svc.Check(ctx, "k")
	d4 := f.svc.Check(ctx, "k")
	assert.Equal(t, callsAfterFailure, f.shared.Calls())
	assert.True(t, d2.Allowed)
	assert.True(t, d3.Allowed)
	assert.False(t, d4.Allowed, "local count must enforce the limit on its own")
	assert.Equal(t, domain.SourceLocal, d4.Source)

	// passado o cooldown a próxima requisição sonda e volta para o compartilhado
	f.clock.Advance(5 * time.Second)
	d5 := f.svc.Check(ctx, "k")
	assert.Equal(t, domain.SourceShared, d5.Source)
	assert.Equal(t, domain.ModeShared, f.svc.Mode())
	assert.Equal(t, []transition{
		{from: domain.ModeShared, to: domain.ModeLocal},
		{from: domain.ModeLocal, to: domain.ModeShared},
	}, f.obs.transitions())
}

func TestService_FailedProbeRestartsCooldown(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	f.shared.setDown(true)
	f.svc.Check(ctx, "k")
	require.Equal(t, 1, f.shared.Calls())

	f.clock.Advance(10 * time.Second)
	dec := f.svc.Check(ctx, "k") // sonda falha
	assert.Equal(t, domain.SourceLocal, dec.Source)
	assert.Equal(t, 2, f.shared.Calls())

	f.clock.Advance(9 * time.Second)
	f.svc.Check(ctx, "k")
	assert.Equal(t, 2, f.shared.Calls(), "cooldown restarts from the failed probe")

	f.shared.setDown(false)
	f.clock.Advance(time.Second)
	assert.Equal(t, domain.SourceShared, f.svc.Check(ctx, "k").Source)
	// uma única transição para local, apesar da sonda que falhou
	assert.Len(t, f.obs.transitions(), 2)
	// mas os dois erros chegam ao observer: a falha original e a da sonda
	assert.Equal(t, []bool{false, true}, f.obs.sharedErrors())
}

func TestService_OnlyOneProbeInFlight(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	f.shared.setDown(true)
	f.svc.Check(ctx, "k")
	f.shared.setDown(false)
	f.clock.Advance(time.Minute)

	block := make(chan struct{})
	f.shared.mu.Lock()
	f.shared.block = block
	f.shared.mu.Unlock()

	probeDone := make(chan domain.Decision)
	go func() { probeDone <- f.svc.Check(ctx, "k") }()

	require.Eventually(t, func() bool {
		f.svc.mu.Lock()
		defer f.svc.mu.Unlock()
		return f.svc.probing
	}, time.Second, time.Millisecond)

	// enquanto a sonda está presa, as demais seguem pelo local
	for i := 0; i < 5; i++ {
		assert.Equal(t, domain.SourceLocal, f.svc.Check(ctx, "k").Source)
	}

	f.shared.mu.Lock()
	f.shared.block = nil
	f.shared.mu.Unlock()
	close(block)

	assert.Equal(t, domain.SourceShared, (<-probeDone).Source)
	assert.Equal(t, domain.ModeShared, f.svc.Mode())
}

func TestService_MarkSharedUnavailable(t *testing.T) {
	f := newFixture(t, 10)

	f.svc.MarkSharedUnavailable(domain.ErrBackendUnavailable)
	assert.Equal(t, domain.ModeLocal, f.svc.Mode())
	assert.Equal(t, []bool{false}, f.obs.sharedErrors())
	assert.Equal(t, domain.SourceLocal, f.svc.Check(context.Background(), "k").Source)
	assert.Equal(t, 0, f.shared.Calls())

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, domain.SourceShared, f.svc.Check(context.Background(), "k").Source)
}

func TestService_LocalOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	svc, err := NewService(domain.Policy{Limit: 2, Window: time.Minute}, infra.NewLocalStore(), WithLogger(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, domain.ModeLocal, svc.Mode())
	assert.True(t, svc.Check(context.Background(), "k").Allowed)
	assert.True(t, svc.Check(context.Background(), "k").Allowed)
	assert.False(t, svc.Check(context.Background(), "k").Allowed)
	assert.Equal(t, 0, logs.Len())
}

func TestService_ConcurrentChecksDoNotLoseCounts(t *testing.T) {
	const goroutines, perG = 16, 25
	local := infra.NewLocalStore()
	svc, err := NewService(domain.Policy{Limit: goroutines * perG, Window: time.Hour}, local)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				if !svc.Check(context.Background(), "hot").Allowed {
					t.Errorf("unexpected denial")
				}
			}
		}()
	}
	wg.Wait()

	st, ok := local.State("hot")
	require.True(t, ok)
	assert.Equal(t, goroutines*perG, st.Count)
	assert.False(t, svc.Check(context.Background(), "hot").Allowed)
}

func TestNewService_InvalidConfig(t *testing.T) {
	local := infra.NewLocalStore()

	_, err := NewService(domain.Policy{Limit: 0, Window: time.Minute}, local)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewService(domain.Policy{Limit: 1, Window: 0}, local)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewService(domain.Policy{Limit: 1, Window: time.Minute}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewService(domain.Policy{Limit: 1, Window: time.Minute}, local, WithCooldown(-time.Second))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewService(domain.Policy{Limit: 1, Window: time.Minute}, local, WithClock(nil))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
