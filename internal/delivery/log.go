// Package delivery содержит доставку зарегистрированных документов клиенту.
package delivery

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// LogDelivery записывает в журнал документы, готовые к печати или отправке.
// Сама печать выполняется устройством кассы.
type LogDelivery struct {
	logger *zap.Logger
}

// NewLogDelivery создаёт доставку в журнал.
func NewLogDelivery(logger *zap.Logger) *LogDelivery {
	return &LogDelivery{logger: logger}
}

// Deliver записывает результат регистрации и канал доставки.
func (d *LogDelivery) Deliver(_ context.Context, doc model.Document, outcome model.Outcome, intent *model.PrintIntent) error {
	fields := []zap.Field{
		zap.String("register", doc.CashRegister()),
		zap.String("kind", string(doc.Kind())),
		zap.String("status", string(outcome.Status)),
	}
	if outcome.AuthorityID != "" {
		fields = append(fields, zap.String("id", outcome.AuthorityID))
	}
	if outcome.OKP != "" {
		fields = append(fields, zap.String("okp", outcome.OKP))
	}

	if intent == nil {
		d.logger.Info("document registered without print intent", fields...)
		return nil
	}

	fields = append(fields, zap.String("channel", string(intent.Channel)))
	if intent.Email != nil {
		fields = append(fields, zap.String("to", intent.Email.To))
	}
	if intent.Paper != nil && intent.Paper.OpenDrawer != nil {
		fields = append(fields, zap.Bool("open_drawer", *intent.Paper.OpenDrawer))
	}

	d.logger.Info("document ready for delivery", fields...)
	return nil
}

// Resolved записывает результат офлайн-сверки документа.
func (d *LogDelivery) Resolved(res model.Resolution) {
	fields := []zap.Field{
		zap.String("register", res.CashRegisterCode),
		zap.String("okp", res.OKP),
		zap.String("status", string(res.Outcome.Status)),
		zap.Int("attempt", res.Attempts),
	}
	if res.Outcome.Rejection != nil {
		d.logger.Warn("deferred document rejected", append(fields,
			zap.Int("code", res.Outcome.Rejection.Code),
			zap.String("message", res.Outcome.Rejection.Message),
		)...)
		return
	}
	d.logger.Info("deferred document accepted", append(fields, zap.String("id", res.Outcome.AuthorityID))...)
}
