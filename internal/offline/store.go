// Package offline содержит долговременную очередь отложенных фискальных документов.
package offline

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

var (
	// ErrEmpty возвращается, если у кассы нет отложенных документов.
	ErrEmpty = errors.New("offline queue is empty")
	// ErrNotFound возвращается, если документ с таким OKP неизвестен хранилищу.
	ErrNotFound = errors.New("submission not found")
	// ErrDuplicateSubmission возвращается при повторной постановке в очередь уже известного OKP.
	ErrDuplicateSubmission = errors.New("submission already known")
)

// Store описывает долговременную FIFO-очередь отложенных документов, упорядоченная отдельно по каждой кассе.
type Store interface {
	// Enqueue сохраняет документ и заполняет ID и EnqueuedAt.
	Enqueue(ctx context.Context, s *model.PendingSubmission) error
	// PeekOldest возвращает самый старый документ кассы или ErrEmpty.
	PeekOldest(ctx context.Context, register string) (*model.PendingSubmission, error)
	// Dequeue атомарно удаляет документ из очереди и сохраняет результат сверки.
	Dequeue(ctx context.Context, okp string, res model.Resolution) error
	// RecordAttempt увеличивает счётчик попыток отправки.
	RecordAttempt(ctx context.Context, okp string) error
	// NextSequence выдаёт следующий порядковый номер документа кассы.
	NextSequence(ctx context.Context, register string) (int64, error)
	// Registers возвращает кассы, у которых есть отложенные документы.
	Registers(ctx context.Context) ([]string, error)
	// Pending возвращает очередь кассы в порядке отправки.
	Pending(ctx context.Context, register string) ([]model.PendingSubmission, error)
	// Resolution возвращает результат сверки документа или ErrNotFound.
	Resolution(ctx context.Context, okp string) (*model.Resolution, error)
	Close() error
}

// outcomeRow хранит плоское представление model.Outcome для хранения в таблице resolved_submissions.
type outcomeRow struct {
	status           string
	authorityID      *string
	rejectionCode    *int
	rejectionMessage *string
}

func flattenOutcome(o model.Outcome) outcomeRow {
	row := outcomeRow{status: string(o.Status)}
	if o.AuthorityID != "" {
		id := o.AuthorityID
		row.authorityID = &id
	}
	if o.Rejection != nil {
		code, msg := o.Rejection.Code, o.Rejection.Message
		row.rejectionCode = &code
		row.rejectionMessage = &msg
	}
	return row
}

func (r outcomeRow) outcome(okp string) model.Outcome {
	o := model.Outcome{Status: model.OutcomeStatus(r.status), OKP: okp}
	if r.authorityID != nil {
		o.AuthorityID = *r.authorityID
	}
	if r.rejectionCode != nil {
		o.Rejection = &model.Rejection{Code: *r.rejectionCode}
		if r.rejectionMessage != nil {
			o.Rejection.Message = *r.rejectionMessage
		}
	}
	return o
}

func resolvedAt(res model.Resolution) time.Time {
	if res.ResolvedAt.IsZero() {
		return time.Now().UTC()
	}
	return res.ResolvedAt.UTC()
}
