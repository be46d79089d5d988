// Package authority содержит клиент фискальной системы eKasa и формат сообщений для неё.
package authority

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// Header содержит служебную часть сообщения, передаваемая с каждым документом.
type Header struct {
	MessageID        uuid.UUID          `json:"uuid"`
	Kind             model.DocumentKind `json:"kind"`
	CashRegisterCode string             `json:"cashRegisterCode"`
	SentAt           time.Time          `json:"sentAt"`
	SendingCount     int                `json:"sendingCount"`
	Offline          bool               `json:"offline"`
	OKP              string             `json:"okp,omitempty"`
	IssuedAt         *time.Time         `json:"issuedAt,omitempty"`
}

// Envelope описывает сообщение, отправляемое в фискальную систему.
type Envelope struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// Response содержит ответ фискальной системы: идентификатор документа или структурированный отказ.
type Response struct {
	ID    string     `json:"id,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody описывает отказ фискальной системы.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Accepted сообщает, что документ зарегистрирован.
func (r *Response) Accepted() bool {
	return r != nil && r.Error == nil && r.ID != ""
}

// Offline описывает параметры повторной отправки документа, зарегистрированного офлайн.
type Offline struct {
	OKP          string
	IssuedAt     time.Time
	SendingCount int
}

type wireItem struct {
	model.ReceiptItem
	VatPercent decimal.Decimal `json:"vatPercent"`
}

type wireReceipt struct {
	CashRegisterCode string                 `json:"cashRegisterCode"`
	HeaderText       string                 `json:"headerText,omitempty"`
	FooterText       string                 `json:"footerText,omitempty"`
	Items            []wireItem             `json:"items"`
	Payments         []model.ReceiptPayment `json:"payments,omitempty"`
	Amount           decimal.Decimal        `json:"amount"`
}

// Codec сериализует документы в формат фискальной системы.
type Codec struct {
	vat model.VatTable
	now func() time.Time
}

// NewCodec создаёт кодек с таблицей ставок НДС.
func NewCodec(vat model.VatTable) *Codec {
	return &Codec{vat: vat, now: time.Now}
}

// EncodeDocument сериализует тело документа. Результат хранится в офлайн-очереди без изменений.
func (c *Codec) EncodeDocument(doc model.Document) ([]byte, error) {
	switch d := doc.(type) {
	case *model.Receipt:
		return c.encodeReceipt(d)
	case *model.CashRegisterLocation:
		return json.Marshal(d)
	default:
		return nil, fmt.Errorf("unsupported document type %T", doc)
	}
}

func (c *Codec) encodeReceipt(r *model.Receipt) ([]byte, error) {
	items := make([]wireItem, 0, len(r.Items))
	for _, it := range r.Items {
		percent, ok := c.vat.Percent(it.VatRate)
		if !ok {
			return nil, fmt.Errorf("no vat percent configured for %s", it.VatRate)
		}
		items = append(items, wireItem{ReceiptItem: it, VatPercent: percent})
	}

	return json.Marshal(wireReceipt{
		CashRegisterCode: r.CashRegisterCode,
		HeaderText:       r.HeaderText,
		FooterText:       r.FooterText,
		Items:            items,
		Payments:         r.Payments,
		Amount:           r.Total(),
	})
}

// Envelope оборачивает тело документа служебным заголовком.
// offline == nil означает первую онлайн-отправку.
func (c *Codec) Envelope(kind model.DocumentKind, register string, body []byte, offline *Offline) ([]byte, error) {
	h := Header{
		MessageID:        uuid.New(),
		Kind:             kind,
		CashRegisterCode: register,
		SentAt:           c.now().UTC(),
		SendingCount:     1,
	}
	if offline != nil {
		issued := offline.IssuedAt.UTC()
		h.Offline = true
		h.OKP = offline.OKP
		h.IssuedAt = &issued
		h.SendingCount = offline.SendingCount
	}

	data, err := json.Marshal(Envelope{Header: h, Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope разбирает сообщение, подготовленное Codec.Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
