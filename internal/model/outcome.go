package model

import (
	"encoding/json"
	"time"
)

// OutcomeStatus описывает результат регистрации документа.
type OutcomeStatus string

const (
	OutcomeAccepted OutcomeStatus = "ACCEPTED"
	OutcomeDeferred OutcomeStatus = "DEFERRED"
	OutcomeRejected OutcomeStatus = "REJECTED"
)

// Rejection содержит код и текст отказа фискальной системы.
type Rejection struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Outcome описывает результат регистрации: принят (с идентификатором), отложен (с OKP) или отклонён.
type Outcome struct {
	Status      OutcomeStatus `json:"status"`
	AuthorityID string        `json:"id,omitempty"`
	OKP         string        `json:"okp,omitempty"`
	Rejection   *Rejection    `json:"error,omitempty"`
}

// Accepted создаёт результат успешной онлайн-регистрации.
func Accepted(authorityID string) Outcome {
	return Outcome{Status: OutcomeAccepted, AuthorityID: authorityID}
}

// Deferred создаёт результат офлайн-регистрации с кодом OKP.
func Deferred(okp string) Outcome {
	return Outcome{Status: OutcomeDeferred, OKP: okp}
}

// Rejected создаёт результат отказа фискальной системы.
func Rejected(code int, message string) Outcome {
	return Outcome{Status: OutcomeRejected, Rejection: &Rejection{Code: code, Message: message}}
}

func (o Outcome) IsAccepted() bool { return o.Status == OutcomeAccepted }
func (o Outcome) IsDeferred() bool { return o.Status == OutcomeDeferred }
func (o Outcome) IsRejected() bool { return o.Status == OutcomeRejected }

// IsFinal сообщает, что результат не требует дальнейшей сверки.
func (o Outcome) IsFinal() bool { return o.IsAccepted() || o.IsRejected() }

// PendingSubmission хранит запись офлайн-очереди, ожидающая отправки в фискальную систему.
type PendingSubmission struct {
	ID               int64           `json:"id"`
	CashRegisterCode string          `json:"cashRegisterCode"`
	Kind             DocumentKind    `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	OKP              string          `json:"okp"`
	Sequence         int64           `json:"sequence"`
	IssuedAt         time.Time       `json:"issuedAt"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	Attempts         int             `json:"attempts"`
}

// Resolution фиксирует окончательный результат сверки отложенного документа.
type Resolution struct {
	OKP              string       `json:"okp"`
	CashRegisterCode string       `json:"cashRegisterCode"`
	Kind             DocumentKind `json:"kind"`
	Outcome          Outcome      `json:"outcome"`
	Attempts         int          `json:"attempts"`
	ResolvedAt       time.Time    `json:"resolvedAt"`
}
