// Package resync доотправляет документы из офлайн-очереди, когда фискальная система снова доступна.
package resync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/ekasa-registrar/internal/authority"
	"github.com/mmeshcher/ekasa-registrar/internal/metrics"
	"github.com/mmeshcher/ekasa-registrar/internal/model"
	"github.com/mmeshcher/ekasa-registrar/internal/offline"
	"github.com/mmeshcher/ekasa-registrar/internal/registrar"
)

// Reconciler повторно отправляет один отложенный документ.
type Reconciler interface {
	Reconcile(ctx context.Context, entry *model.PendingSubmission) (model.Outcome, error)
}

// Observer получает окончательные результаты сверки.
type Observer interface {
	Resolved(res model.Resolution)
}

// ObserverFunc позволяет использовать функцию как Observer.
type ObserverFunc func(res model.Resolution)

func (f ObserverFunc) Resolved(res model.Resolution) { f(res) }

// Config задаёт интервалы опроса очереди и повторных попыток.
type Config struct {
	PollInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Rate ограничивает число повторных отправок в секунду для всех касс вместе.
	Rate float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = max(5*time.Minute, c.InitialInterval)
	}
	return c
}

// newBackOff возвращает экспоненциальную задержку без ограничения общего времени.
// При множителе 2 и разбросе 0.25 каждая следующая задержка больше предыдущей, пока не достигнут MaxInterval.
func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Scheduler запускает по одному обработчику на каждую кассу с непустой очередью.
type Scheduler struct {
	store   offline.Store
	engine  Reconciler
	locks   *registrar.Locks
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	workers   map[string]struct{}
	observers []Observer
	running   bool
	stopped   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBackOff подменяет стратегию задержек между попытками.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(s *Scheduler) { s.newBackOff = f }
}

// New создаёт планировщик. locks должны совпадать с блокировками Engine.
func New(store offline.Store, engine Reconciler, locks *registrar.Locks, logger *zap.Logger, cfg Config, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	burst := 1
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = max(1, int(cfg.Rate))
	}

	s := &Scheduler{
		store:      store,
		engine:     engine,
		locks:      locks,
		limiter:    rate.NewLimiter(limit, burst),
		cfg:        cfg,
		logger:     logger,
		newBackOff: cfg.newBackOff,
		workers:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe добавляет наблюдателя за результатами сверки.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Run опрашивает очередь, пока ctx не завершён. Документы, не отправленные к моменту
// остановки, остаются в очереди.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	}()

	s.logger.Info("resync scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Float64("rate", s.cfg.Rate),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.poll(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("resync scheduler stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Wait дожидается завершения всех обработчиков после остановки Run.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running {
		<-s.done
	}
	s.wg.Wait()
}

func (s *Scheduler) poll(ctx context.Context) {
	registers, err := s.store.Registers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list registers with pending documents", zap.Error(err))
		}
		return
	}

	for _, register := range registers {
		s.startWorker(ctx, register)
	}
}

func (s *Scheduler) startWorker(ctx context.Context, register string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || ctx.Err() != nil {
		return
	}
	if _, ok := s.workers[register]; ok {
		return
	}

	s.workers[register] = struct{}{}
	s.wg.Add(1)
	s.metrics.WorkerStarted()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.workers, register)
			s.mu.Unlock()
			s.metrics.WorkerStopped()
			s.wg.Done()
		}()
		s.drain(ctx, register)
	}()
}

// drain отправляет документы кассы по одному в порядке очереди, пока она не опустеет.
func (s *Scheduler) drain(ctx context.Context, register string) {
	log := s.logger.With(zap.String("register", register))
	b := s.newBackOff()
	b.Reset()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		entry, err := s.peek(ctx, register)
		if errors.Is(err, offline.ErrEmpty) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to read offline queue", zap.Error(err))
			if !s.sleep(ctx, s.nextDelay(b, err)) {
				return
			}
			continue
		}

		entryLog := log.With(zap.String("okp", entry.OKP), zap.String("kind", string(entry.Kind)))

		outcome, err := s.engine.Reconcile(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.metrics.IncrementResyncFailures()
			if err := s.store.RecordAttempt(ctx, entry.OKP); err != nil {
				entryLog.Error("failed to record attempt", zap.Error(err))
			}

			delay := s.nextDelay(b, err)
			entryLog.Warn("resync attempt failed",
				zap.Int("attempt", entry.Attempts+1),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		res := model.Resolution{
			OKP:              entry.OKP,
			CashRegisterCode: entry.CashRegisterCode,
			Kind:             entry.Kind,
			Outcome:          outcome,
			Attempts:         entry.Attempts + 1,
			ResolvedAt:       time.Now().UTC(),
		}

		// Ответ уже получен, поэтому результат сохраняется и при остановке.
		if err := s.dequeue(context.WithoutCancel(ctx), res); err != nil {
			entryLog.Error("failed to dequeue reconciled document", zap.Error(err))
			if !s.sleep(ctx, s.nextDelay(b, err)) {
				return
			}
			continue
		}

		entryLog.Info("deferred document reconciled",
			zap.String("status", string(outcome.Status)),
			zap.Int("attempt", res.Attempts),
		)
		s.metrics.ObserveReconciled(string(outcome.Status))
		b.Reset()
		s.notify(res)
	}
}

func (s *Scheduler) peek(ctx context.Context, register string) (*model.PendingSubmission, error) {
	lock := s.locks.For(register)
	lock.Lock()
	defer lock.Unlock()

	return s.store.PeekOldest(ctx, register)
}

func (s *Scheduler) dequeue(ctx context.Context, res model.Resolution) error {
	lock := s.locks.For(res.CashRegisterCode)
	lock.Lock()
	defer lock.Unlock()

	return s.store.Dequeue(ctx, res.OKP, res)
}

func (s *Scheduler) nextDelay(b backoff.BackOff, err error) time.Duration {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.MaxInterval
	}
	if retryAfter := authority.RetryAfter(err); retryAfter > delay {
		delay = retryAfter
	}
	// Retry-After фискальной системы не превышает предел ожидания.
	if delay > s.cfg.MaxInterval {
		delay = s.cfg.MaxInterval
	}
	return delay
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) notify(res model.Resolution) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.Resolved(res)
	}
}
