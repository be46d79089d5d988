package resync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mmeshcher/ekasa-registrar/internal/authority"
	"github.com/mmeshcher/ekasa-registrar/internal/model"
	"github.com/mmeshcher/ekasa-registrar/internal/offline"
	"github.com/mmeshcher/ekasa-registrar/internal/registrar"
)

const register = "88812345678900001"

type sendFunc func(ctx context.Context, env *authority.Envelope) (*authority.Response, error)

// switchTransport позволяет менять поведение фискальной системы во время теста.
type switchTransport struct {
	mu   sync.Mutex
	send sendFunc
	seen []authority.Header
}

func (s *switchTransport) Set(f sendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = f
}

func (s *switchTransport) Headers() []authority.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]authority.Header(nil), s.seen...)
}

func (s *switchTransport) Send(ctx context.Context, payload []byte) (*authority.Response, error) {
	env, err := authority.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seen = append(s.seen, env.Header)
	send := s.send
	s.mu.Unlock()

	return send(ctx, env)
}

func unreachable(context.Context, *authority.Envelope) (*authority.Response, error) {
	return nil, &authority.ConnectivityError{Err: errors.New("connection refused")}
}

func accept(context.Context, *authority.Envelope) (*authority.Response, error) {
	return &authority.Response{ID: "O-OK"}, nil
}

func receipt(name string) *model.Receipt {
	return &model.Receipt{
		CashRegisterCode: register,
		Items: []model.ReceiptItem{{
			Type:      model.ItemPositive,
			Name:      name,
			UnitPrice: decimal.NewFromInt(1),
			Quantity:  model.Quantity{Amount: decimal.NewFromInt(1), Unit: "ks"},
			Price:     decimal.NewFromInt(1),
			VatRate:   model.VatStandard,
		}},
	}
}

func newEngine(store offline.Store, tr registrar.Transport) *registrar.Engine {
	codec := authority.NewCodec(model.VatTable{model.VatStandard: decimal.NewFromInt(20)})
	return registrar.NewEngine(store, tr, codec, nil)
}

// deferReceipts регистрирует чеки при недоступной фискальной системе и возвращает их OKP.
func deferReceipts(t *testing.T, engine *registrar.Engine, names ...string) []string {
	t.Helper()

	okps := make([]string, 0, len(names))
	for _, name := range names {
		res, err := engine.Submit(context.Background(), receipt(name), registrar.SubmitOptions{})
		require.NoError(t, err)
		require.True(t, res.Outcome.IsDeferred())
		okps = append(okps, res.Outcome.OKP)
	}
	return okps
}

func fastConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

type resolutions struct {
	mu  sync.Mutex
	got []model.Resolution
	ch  chan struct{}
}

func newResolutions() *resolutions {
	return &resolutions{ch: make(chan struct{}, 100)}
}

func (r *resolutions) Resolved(res model.Resolution) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *resolutions) waitFor(t *testing.T, n int) []model.Resolution {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d resolutions, got %d", n, i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Resolution(nil), r.got...)
}

func start(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	return func() {
		cancel()
		require.NoError(t, <-errCh)
		s.Wait()
	}
}

func TestScheduler_DrainsInFIFOOrder(t *testing.T) {
	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)

	okps := deferReceipts(t, engine, "a", "b", "c")
	tr.Set(accept)

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	got := observed.waitFor(t, 3)
	stop()

	require.Len(t, got, 3)
	for i, res := range got {
		assert.Equal(t, okps[i], res.OKP)
		assert.True(t, res.Outcome.IsAccepted())
		assert.Equal(t, okps[i], res.Outcome.OKP)
	}

	// Первая попытка была онлайн, затем три офлайн-отправки в порядке очереди.
	headers := tr.Headers()
	require.Len(t, headers, 4)
	for i, h := range headers[1:] {
		assert.True(t, h.Offline)
		assert.Equal(t, okps[i], h.OKP)
	}

	pending, err := store.Pending(context.Background(), register)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// recordingBackOff запоминает выданные задержки.
type recordingBackOff struct {
	backoff.BackOff
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingBackOff) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return d
}

func (r *recordingBackOff) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestScheduler_RetriesWithIncreasingDelays(t *testing.T) {
	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)
	okps := deferReceipts(t, engine, "a")

	var (
		mu    sync.Mutex
		calls int
	)
	tr.Set(func(ctx context.Context, env *authority.Envelope) (*authority.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return unreachable(ctx, env)
		}
		return accept(ctx, env)
	})

	cfg := fastConfig()
	cfg.InitialInterval = 20 * time.Millisecond
	rec := &recordingBackOff{BackOff: cfg.newBackOff()}

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), cfg,
		WithBackOff(func() backoff.BackOff { return rec }))
	s.Subscribe(observed)
	stop := start(t, s)

	got := observed.waitFor(t, 1)
	stop()

	require.Len(t, got, 1)
	assert.Equal(t, okps[0], got[0].OKP)
	assert.Equal(t, 3, got[0].Attempts)

	delays := rec.Delays()
	require.Len(t, delays, 2)
	assert.Greater(t, delays[1], delays[0])

	// Счётчик отправок в заголовке растёт с каждой попыткой.
	headers := tr.Headers()[1:]
	require.Len(t, headers, 3)
	for i, h := range headers {
		assert.Equal(t, i+1, h.SendingCount)
	}

	res, err := store.Resolution(context.Background(), okps[0])
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

func TestBackOff_StrictlyIncreasingUntilCap(t *testing.T) {
	cfg := Config{InitialInterval: 10 * time.Millisecond, MaxInterval: time.Hour}.withDefaults()

	for run := 0; run < 20; run++ {
		b := cfg.newBackOff()
		prev := time.Duration(0)
		for i := 0; i < 12; i++ {
			d := b.NextBackOff()
			require.Greater(t, d, prev, "run %d step %d", run, i)
			prev = d
		}
	}
}

func TestScheduler_RejectedIsResolvedOnce(t *testing.T) {
	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)
	okps := deferReceipts(t, engine, "a", "b")

	tr.Set(func(_ context.Context, env *authority.Envelope) (*authority.Response, error) {
		if env.Header.OKP == okps[0] {
			return &authority.Response{Error: &authority.ErrorBody{Code: -3, Message: "duplicate"}}, nil
		}
		return &authority.Response{ID: "O-2"}, nil
	})

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	got := observed.waitFor(t, 2)
	stop()

	require.Len(t, got, 2)
	assert.True(t, got[0].Outcome.IsRejected())
	assert.True(t, got[1].Outcome.IsAccepted())
	// Одна онлайн-попытка и по одной офлайн-отправке на документ.
	assert.Len(t, tr.Headers(), 3)
}

func TestScheduler_RecoversBacklogAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline.db")

	store, err := offline.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	okps := deferReceipts(t, newEngine(store, &switchTransport{send: unreachable}), "a", "b", "c", "d")
	require.NoError(t, store.Close())

	reopened, err := offline.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	engine := newEngine(reopened, &switchTransport{send: accept})
	observed := newResolutions()
	s := New(reopened, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	got := observed.waitFor(t, len(okps))
	stop()

	for i, res := range got {
		assert.Equal(t, okps[i], res.OKP)
	}

	registers, err := reopened.Registers(ctx)
	require.NoError(t, err)
	assert.Empty(t, registers)
}

func TestScheduler_ShutdownKeepsEntryQueued(t *testing.T) {
	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)
	okps := deferReceipts(t, engine, "a")

	inFlight := make(chan struct{})
	var once sync.Once
	tr.Set(func(ctx context.Context, _ *authority.Envelope) (*authority.Response, error) {
		once.Do(func() { close(inFlight) })
		<-ctx.Done()
		return nil, &authority.ConnectivityError{Err: ctx.Err()}
	})

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconcile was not started")
	}
	stop()

	pending, err := store.Pending(context.Background(), register)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, okps[0], pending[0].OKP)

	_, err = store.Resolution(context.Background(), okps[0])
	assert.ErrorIs(t, err, offline.ErrNotFound)
	assert.Empty(t, observed.got)
}

func TestScheduler_RunTwice(t *testing.T) {
	s := New(offline.NewMemoryStore(), nil, registrar.NewLocks(), nil, fastConfig())
	stop := start(t, s)
	stop()

	assert.Error(t, s.Run(context.Background()))
}

func TestScheduler_RegistersDrainIndependently(t *testing.T) {
	const other = "88812345678900002"

	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)
	blockedOKP := deferReceipts(t, engine, "a")[0]

	r := receipt("b")
	r.CashRegisterCode = other
	res, err := engine.Submit(context.Background(), r, registrar.SubmitOptions{})
	require.NoError(t, err)
	require.True(t, res.Outcome.IsDeferred())

	release := make(chan struct{})
	tr.Set(func(ctx context.Context, env *authority.Envelope) (*authority.Response, error) {
		if env.Header.CashRegisterCode == register {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return accept(ctx, env)
	})

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	// Касса other разбирается, пока отправка первой кассы висит.
	got := observed.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, other, got[0].CashRegisterCode)
	assert.Equal(t, res.Outcome.OKP, got[0].OKP)

	close(release)
	got = observed.waitFor(t, 1)
	stop()

	require.Len(t, got, 2)
	assert.Equal(t, blockedOKP, got[1].OKP)
}

func TestScheduler_ConcurrentSubmitKeepsOrder(t *testing.T) {
	store := offline.NewMemoryStore()
	tr := &switchTransport{send: unreachable}
	engine := newEngine(store, tr)
	okps := deferReceipts(t, engine, "a", "b", "c")

	// Онлайн-отправки недоступны, офлайн-отправки планировщика проходят.
	tr.Set(func(ctx context.Context, env *authority.Envelope) (*authority.Response, error) {
		if !env.Header.Offline {
			return unreachable(ctx, env)
		}
		return accept(ctx, env)
	})

	observed := newResolutions()
	s := New(store, engine, engine.Locks(), zaptest.NewLogger(t), fastConfig())
	s.Subscribe(observed)
	stop := start(t, s)

	submitted := make(chan []string, 1)
	go func() {
		var more []string
		for i := 0; i < 20; i++ {
			res, err := engine.Submit(context.Background(), receipt("x"), registrar.SubmitOptions{})
			if err != nil || !res.Outcome.IsDeferred() {
				break
			}
			more = append(more, res.Outcome.OKP)
		}
		submitted <- more
	}()

	more := <-submitted
	require.Len(t, more, 20)
	okps = append(okps, more...)

	got := observed.waitFor(t, len(okps))
	stop()

	require.Len(t, got, len(okps))
	for i, res := range got {
		assert.Equal(t, okps[i], res.OKP, "resolution %d", i)
		assert.True(t, res.Outcome.IsAccepted())
	}

	pending, err := store.Pending(context.Background(), register)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduler_RetryAfterIsCapped(t *testing.T) {
	cfg := fastConfig()
	s := New(offline.NewMemoryStore(), nil, registrar.NewLocks(), nil, cfg)

	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{name: "backoff wins", retryAfter: 10 * time.Millisecond, want: 100 * time.Millisecond},
		{name: "retry after wins", retryAfter: 500 * time.Millisecond, want: 500 * time.Millisecond},
		{name: "retry after capped", retryAfter: 999999 * time.Second, want: cfg.MaxInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &authority.ConnectivityError{StatusCode: 429, RetryAfter: tt.retryAfter}
			got := s.nextDelay(backoff.NewConstantBackOff(100*time.Millisecond), err)
			assert.Equal(t, tt.want, got)
		})
	}
}
