// Package handler содержит HTTP-обработчики API фискального регистратора.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/ekasa-registrar/internal/authority"
	"github.com/mmeshcher/ekasa-registrar/internal/middleware"
	"github.com/mmeshcher/ekasa-registrar/internal/model"
	"github.com/mmeshcher/ekasa-registrar/internal/offline"
	"github.com/mmeshcher/ekasa-registrar/internal/registrar"
	"github.com/mmeshcher/ekasa-registrar/internal/validation"
)

const (
	maxRequestBody = 1 << 20

	// DefaultMaxSubmitTimeout ограничивает timeout_ms из запроса, если предел не задан.
	DefaultMaxSubmitTimeout = 30 * time.Second
)

// Registrar определяет контракт регистратора, используемый HTTP-обработчиками.
type Registrar interface {
	Submit(ctx context.Context, doc model.Document, opts registrar.SubmitOptions) (*registrar.Result, error)
	Import(ctx context.Context, entry *model.PendingSubmission) error
	Pending(ctx context.Context, register string) ([]model.PendingSubmission, error)
	Status(ctx context.Context, register, okp string) (*model.Resolution, bool, error)
}

// Handler реализует HTTP-обработчики API регистратора.
type Handler struct {
	registrar      Registrar
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
	maxTimeout     time.Duration
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMaxSubmitTimeout задаёт верхнюю границу timeout_ms.
func WithMaxSubmitTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.maxTimeout = d
		}
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metricsHandler может быть nil, тогда /metrics не публикуется.
func NewHandler(r Registrar, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler, opts ...Option) *Handler {
	h := &Handler{
		registrar:      r,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metricsHandler,
		maxTimeout:     DefaultMaxSubmitTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// submitTimeout переводит timeout_ms в длительность. Ноль означает таймаут регистратора.
// Значения больше предела заменяются пределом до умножения, поэтому переполнения нет.
func (h *Handler) submitTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms >= h.maxTimeout.Milliseconds() {
		return h.maxTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

type submitReceiptRequest struct {
	Receipt   *model.Receipt     `json:"receipt"`
	Print     *model.PrintIntent `json:"print,omitempty"`
	TimeoutMs int64              `json:"timeout_ms,omitempty"`
}

type submitLocationRequest struct {
	Location  *model.CashRegisterLocation `json:"location"`
	TimeoutMs int64                       `json:"timeout_ms,omitempty"`
}

type submitResponse struct {
	model.Outcome
	DeliveryError string `json:"deliveryError,omitempty"`
}

type validationResponse struct {
	Errors []validation.Failure `json:"errors"`
}

type pendingResponse struct {
	OKP    string              `json:"okp"`
	Status model.OutcomeStatus `json:"status"`
}

// SubmitReceipt регистрирует чек.
func (h *Handler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	var req submitReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Receipt == nil {
		h.writeJSON(w, http.StatusBadRequest, validationResponse{
			Errors: []validation.Failure{{Field: "receipt", Message: "is required"}},
		})
		return
	}

	h.submit(w, r, req.Receipt, registrar.SubmitOptions{
		Timeout: h.submitTimeout(req.TimeoutMs),
		Print:   req.Print,
	})
}

// SubmitLocation регистрирует изменение места установки кассы.
func (h *Handler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var req submitLocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Location == nil {
		h.writeJSON(w, http.StatusBadRequest, validationResponse{
			Errors: []validation.Failure{{Field: "location", Message: "is required"}},
		})
		return
	}

	h.submit(w, r, req.Location, registrar.SubmitOptions{
		Timeout: h.submitTimeout(req.TimeoutMs),
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, doc model.Document, opts registrar.SubmitOptions) {
	if !h.authorize(w, r, doc.CashRegister()) {
		return
	}

	res, err := h.registrar.Submit(r.Context(), doc, opts)
	if err != nil {
		h.writeError(w, err, zap.String("register", doc.CashRegister()), zap.String("kind", string(doc.Kind())))
		return
	}

	resp := submitResponse{Outcome: res.Outcome}
	if res.Delivery != nil {
		resp.DeliveryError = res.Delivery.Error()
	}

	status := http.StatusOK
	switch {
	case res.Outcome.IsDeferred():
		status = http.StatusAccepted
	case res.Outcome.IsRejected():
		status = http.StatusUnprocessableEntity
	}

	h.writeJSON(w, status, resp)
}

// GetPending возвращает отложенные документы кассы.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !h.authorize(w, r, code) {
		return
	}

	pending, err := h.registrar.Pending(r.Context(), code)
	if err != nil {
		h.writeError(w, err, zap.String("register", code))
		return
	}

	if len(pending) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, pending)
}

// GetSubmission возвращает результат сверки документа по OKP.
func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	register, ok := middleware.RegisterFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	okp := chi.URLParam(r, "okp")
	res, pending, err := h.registrar.Status(r.Context(), register, okp)
	if err != nil {
		h.writeError(w, err, zap.String("register", register), zap.String("okp", okp))
		return
	}

	if pending {
		h.writeJSON(w, http.StatusAccepted, pendingResponse{OKP: okp, Status: model.OutcomeDeferred})
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// ImportSubmission ставит в очередь документ из резервной копии журнала кассы.
func (h *Handler) ImportSubmission(w http.ResponseWriter, r *http.Request) {
	var entry model.PendingSubmission
	if !h.decode(w, r, &entry) {
		return
	}
	if !h.authorize(w, r, entry.CashRegisterCode) {
		return
	}

	if err := h.registrar.Import(r.Context(), &entry); err != nil {
		h.writeError(w, err, zap.String("register", entry.CashRegisterCode), zap.String("okp", entry.OKP))
		return
	}

	h.writeJSON(w, http.StatusCreated, entry)
}

// authorize сверяет кассу документа с кассой из токена.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, register string) bool {
	tokenRegister, ok := middleware.RegisterFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return false
	}
	if tokenRegister != register {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields ...zap.Field) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, validationResponse{Errors: verr.Failures})
	case errors.Is(err, offline.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, offline.ErrDuplicateSubmission):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
	case errors.Is(err, authority.ErrMalformedResponse):
		h.logger.Error("malformed authority response", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("request failed", append(fields, zap.Error(err), zap.Bool("durability", errors.Is(err, registrar.ErrDurability)))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
