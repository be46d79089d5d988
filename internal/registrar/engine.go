// Package registrar регистрирует фискальные документы. Документ отправляется онлайн,
// а при недоступности фискальной системы ставится в офлайн-очередь с кодом OKP.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ekasa-registrar/internal/authority"
	"github.com/mmeshcher/ekasa-registrar/internal/metrics"
	"github.com/mmeshcher/ekasa-registrar/internal/model"
	"github.com/mmeshcher/ekasa-registrar/internal/offline"
	"github.com/mmeshcher/ekasa-registrar/internal/validation"
)

// DefaultTimeout ограничивает онлайн-отправку, если SubmitOptions.Timeout не задан.
const DefaultTimeout = 5 * time.Second

// ErrDurability возвращается, если отложенный документ не удалось сохранить в офлайн-очередь.
var ErrDurability = errors.New("offline store failure")

// Transport отправляет подготовленное сообщение в фискальную систему.
type Transport interface {
	Send(ctx context.Context, payload []byte) (*authority.Response, error)
}

// Delivery передаёт зарегистрированный документ на печать или отправку клиенту.
type Delivery interface {
	Deliver(ctx context.Context, doc model.Document, outcome model.Outcome, intent *model.PrintIntent) error
}

// SubmitOptions задаёт параметры одного вызова Submit.
type SubmitOptions struct {
	Timeout time.Duration
	Print   *model.PrintIntent
}

// Result содержит результат Submit. Ошибка Delivery не влияет на Outcome.
type Result struct {
	Outcome  model.Outcome
	Delivery error
}

// Engine регистрирует документы в рамках одного процесса.
type Engine struct {
	store     offline.Store
	transport Transport
	codec     *authority.Codec
	locks     *Locks
	delivery  Delivery
	metrics   *metrics.Metrics
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

// Option настраивает Engine.
type Option func(*Engine)

// WithDelivery подключает доставку чеков.
func WithDelivery(d Delivery) Option {
	return func(e *Engine) { e.delivery = d }
}

// WithTimeout задаёт время ожидания онлайн-отправки по умолчанию.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLocks(l *Locks) Option {
	return func(e *Engine) { e.locks = l }
}

// NewEngine создаёт регистратор поверх хранилища и транспорта.
func NewEngine(store offline.Store, transport Transport, codec *authority.Codec, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:     store,
		transport: transport,
		codec:     codec,
		locks:     NewLocks(),
		logger:    logger,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Locks возвращает блокировки касс, общие для Engine и планировщика сверки.
func (e *Engine) Locks() *Locks {
	return e.locks
}

// Submit регистрирует документ. Недоступность фискальной системы не является ошибкой:
// документ сохраняется в офлайн-очередь и возвращается Deferred с кодом OKP.
func (e *Engine) Submit(ctx context.Context, doc model.Document, opts SubmitOptions) (*Result, error) {
	if doc == nil {
		return nil, validation.Result{Failures: []validation.Failure{{Field: "document", Message: "is required"}}}.Err()
	}

	res := validation.ValidateDocument(doc)
	res.Failures = append(res.Failures, validation.ValidatePrintIntent(opts.Print).Failures...)
	if err := res.Err(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := e.now()
	kind := doc.Kind()
	register := doc.CashRegister()
	log := e.logger.With(zap.String("register", register), zap.String("kind", string(kind)))

	body, err := e.codec.EncodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	outcome, err := e.submit(ctx, log, kind, register, body, opts)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveSubmit(string(kind), string(outcome.Status), e.now().Sub(started))

	result := &Result{Outcome: outcome}
	if e.delivery != nil && !outcome.IsRejected() {
		if err := e.delivery.Deliver(ctx, doc, outcome, opts.Print); err != nil {
			log.Warn("delivery failed", zap.Error(err))
			e.metrics.IncrementDeliveryFailures()
			result.Delivery = err
		}
	}

	return result, nil
}

func (e *Engine) submit(ctx context.Context, log *zap.Logger, kind model.DocumentKind, register string, body []byte, opts SubmitOptions) (model.Outcome, error) {
	backlog, err := e.hasBacklog(ctx, register)
	if err != nil {
		return model.Outcome{}, err
	}
	// Отмена во время проверки очереди: документ ещё не отправлен, сохранять нечего.
	if err := ctx.Err(); err != nil {
		return model.Outcome{}, err
	}
	if backlog {
		// Онлайн-отправка в обход очереди нарушила бы порядок документов кассы.
		log.Info("register has offline backlog, deferring")
		return e.deferSubmission(context.WithoutCancel(ctx), log, kind, register, body)
	}

	payload, err := e.codec.Envelope(kind, register, body, nil)
	if err != nil {
		return model.Outcome{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.transport.Send(sendCtx, payload)
	cancel()

	outcome, err := classify(resp, err)
	switch {
	case err == nil:
		log.Info("document registered online", zap.String("status", string(outcome.Status)))
		return outcome, nil
	case errors.Is(err, authority.ErrMalformedResponse):
		log.Error("malformed authority response", zap.Error(err))
		return model.Outcome{}, err
	default:
		log.Warn("authority unreachable, deferring", zap.Error(err))
		// Вызывающий мог отменить ctx во время отправки, но сохранение должно завершиться.
		return e.deferSubmission(context.WithoutCancel(ctx), log, kind, register, body)
	}
}

func (e *Engine) hasBacklog(ctx context.Context, register string) (bool, error) {
	lock := e.locks.For(register)
	lock.Lock()
	defer lock.Unlock()

	_, err := e.store.PeekOldest(ctx, register)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, offline.ErrEmpty):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %w", ErrDurability, err)
	}
}

func (e *Engine) deferSubmission(ctx context.Context, log *zap.Logger, kind model.DocumentKind, register string, body []byte) (model.Outcome, error) {
	lock := e.locks.For(register)
	lock.Lock()
	defer lock.Unlock()

	seq, err := e.store.NextSequence(ctx, register)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("%w: %w", ErrDurability, err)
	}

	issuedAt := e.now().UTC().Truncate(time.Millisecond)
	sub := &model.PendingSubmission{
		CashRegisterCode: register,
		Kind:             kind,
		Payload:          body,
		OKP:              OKP(register, seq, issuedAt, body),
		Sequence:         seq,
		IssuedAt:         issuedAt,
	}
	if err := e.store.Enqueue(ctx, sub); err != nil {
		log.Error("failed to persist deferred document", zap.Error(err))
		return model.Outcome{}, fmt.Errorf("%w: %w", ErrDurability, err)
	}

	log.Info("document deferred", zap.String("okp", sub.OKP), zap.Int64("sequence", seq))
	return model.Deferred(sub.OKP), nil
}

// classify переводит ответ транспорта в Outcome. Ошибка связи возвращается как есть.
func classify(resp *authority.Response, err error) (model.Outcome, error) {
	if err != nil {
		return model.Outcome{}, err
	}
	switch {
	case resp == nil:
		return model.Outcome{}, fmt.Errorf("%w: empty response", authority.ErrMalformedResponse)
	case resp.Accepted():
		return model.Accepted(resp.ID), nil
	case resp.Error != nil:
		return model.Rejected(resp.Error.Code, resp.Error.Message), nil
	default:
		return model.Outcome{}, fmt.Errorf("%w: neither id nor error", authority.ErrMalformedResponse)
	}
}

// Reconcile повторно отправляет отложенный документ с его офлайн-атрибутами.
// Сбой связи возвращается как authority.ErrConnectivity, чтобы документ остался в очереди.
func (e *Engine) Reconcile(ctx context.Context, entry *model.PendingSubmission) (model.Outcome, error) {
	payload, err := e.codec.Envelope(entry.Kind, entry.CashRegisterCode, entry.Payload, &authority.Offline{
		OKP:          entry.OKP,
		IssuedAt:     entry.IssuedAt,
		SendingCount: entry.Attempts + 1,
	})
	if err != nil {
		return model.Outcome{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome, err := classify(e.transport.Send(sendCtx, payload))
	if err != nil {
		if errors.Is(err, authority.ErrMalformedResponse) || errors.Is(err, authority.ErrConnectivity) {
			return model.Outcome{}, err
		}
		return model.Outcome{}, &authority.ConnectivityError{Err: err}
	}

	outcome.OKP = entry.OKP
	return outcome, nil
}

// Import ставит в очередь документ, сохранённый вне регистратора.
// Пустые Sequence и OKP заполняются так же, как при отложенной отправке.
func (e *Engine) Import(ctx context.Context, entry *model.PendingSubmission) error {
	if err := validation.ValidatePending(entry).Err(); err != nil {
		return err
	}

	lock := e.locks.For(entry.CashRegisterCode)
	lock.Lock()
	defer lock.Unlock()

	if entry.Sequence == 0 {
		seq, err := e.store.NextSequence(ctx, entry.CashRegisterCode)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDurability, err)
		}
		entry.Sequence = seq
	}
	entry.IssuedAt = entry.IssuedAt.UTC().Truncate(time.Millisecond)
	if entry.OKP == "" {
		entry.OKP = OKP(entry.CashRegisterCode, entry.Sequence, entry.IssuedAt, entry.Payload)
	}

	if err := e.store.Enqueue(ctx, entry); err != nil {
		if errors.Is(err, offline.ErrDuplicateSubmission) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}

	e.logger.Info("submission imported",
		zap.String("register", entry.CashRegisterCode),
		zap.String("okp", entry.OKP),
	)
	return nil
}

// Pending возвращает отложенные документы кассы.
func (e *Engine) Pending(ctx context.Context, register string) ([]model.PendingSubmission, error) {
	return e.store.Pending(ctx, register)
}

// Status возвращает результат сверки документа кассы. Если документ ещё в очереди,
// pending == true и результат равен nil. Неизвестный OKP даёт offline.ErrNotFound.
func (e *Engine) Status(ctx context.Context, register, okp string) (res *model.Resolution, pending bool, err error) {
	res, err = e.store.Resolution(ctx, okp)
	switch {
	case err == nil:
		if res.CashRegisterCode != register {
			return nil, false, offline.ErrNotFound
		}
		return res, false, nil
	case !errors.Is(err, offline.ErrNotFound):
		return nil, false, err
	}

	queue, err := e.store.Pending(ctx, register)
	if err != nil {
		return nil, false, err
	}
	for _, sub := range queue {
		if sub.OKP == okp {
			return nil, true, nil
		}
	}
	return nil, false, offline.ErrNotFound
}
