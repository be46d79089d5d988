// Package model содержит доменные сущности фискального регистратора.
package model

import "github.com/shopspring/decimal"

// DocumentKind описывает тип документа, отправляемого в систему eKasa.
type DocumentKind string

const (
	KindReceipt  DocumentKind = "receipt"
	KindLocation DocumentKind = "location"
)

// Document реализуется всеми документами, которые регистрируются в фискальной системе.
type Document interface {
	Kind() DocumentKind
	CashRegister() string
}

// VatRate описывает категорию ставки НДС. Процент задаётся внешней таблицей VatTable.
type VatRate string

const (
	VatFree     VatRate = "FREE"
	VatZero     VatRate = "ZERO"
	VatReduced  VatRate = "REDUCED"
	VatStandard VatRate = "STANDARD"
)

// Valid сообщает, является ли ставка одной из известных категорий.
func (r VatRate) Valid() bool {
	switch r {
	case VatFree, VatZero, VatReduced, VatStandard:
		return true
	}
	return false
}

// VatTable сопоставляет категории НДС с процентными ставками.
type VatTable map[VatRate]decimal.Decimal

// Percent возвращает процент для категории; для неизвестной категории ok == false.
func (t VatTable) Percent(r VatRate) (decimal.Decimal, bool) {
	if r == VatFree || r == VatZero {
		return decimal.Zero, true
	}
	p, ok := t[r]
	return p, ok
}

// ReceiptItemType описывает тип позиции чека.
type ReceiptItemType string

const (
	ItemPositive          ReceiptItemType = "POSITIVE"
	ItemAdvance           ReceiptItemType = "ADVANCE"
	ItemDiscount          ReceiptItemType = "DISCOUNT"
	ItemVoucher           ReceiptItemType = "VOUCHER"
	ItemReturned          ReceiptItemType = "RETURNED"
	ItemReturnedContainer ReceiptItemType = "RETURNED_CONTAINER"
)

// Valid сообщает, является ли тип позиции известным.
func (t ReceiptItemType) Valid() bool {
	switch t {
	case ItemPositive, ItemAdvance, ItemDiscount, ItemVoucher, ItemReturned, ItemReturnedContainer:
		return true
	}
	return false
}

// IsPositive сообщает, что сумма позиции не может быть отрицательной.
func (t ReceiptItemType) IsPositive() bool {
	return t == ItemPositive || t == ItemAdvance
}

// IsReturn сообщает, что позиция относится к возвратам (товар или тара).
func (t ReceiptItemType) IsReturn() bool {
	return t == ItemReturned || t == ItemReturnedContainer
}

// Quantity содержит количество и единицу измерения.
type Quantity struct {
	Amount decimal.Decimal `json:"amount"`
	Unit   string          `json:"unit"`
}

// ReceiptItem описывает одну позицию чека.
type ReceiptItem struct {
	Type      ReceiptItemType `json:"type"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  Quantity        `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	VatRate   VatRate         `json:"vatRate"`
}

// ReceiptPayment описывает платёж. Отрицательная сумма означает выданную сдачу.
type ReceiptPayment struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Receipt описывает кассовый чек, регистрируемый в системе eKasa.
type Receipt struct {
	CashRegisterCode string           `json:"cashRegisterCode"`
	HeaderText       string           `json:"headerText,omitempty"`
	FooterText       string           `json:"footerText,omitempty"`
	Items            []ReceiptItem    `json:"items"`
	Payments         []ReceiptPayment `json:"payments,omitempty"`
}

// Kind возвращает тип документа.
func (r *Receipt) Kind() DocumentKind { return KindReceipt }

// CashRegister возвращает код кассы (ORP), которой принадлежит чек.
func (r *Receipt) CashRegister() string { return r.CashRegisterCode }

// Total возвращает сумму чека как сумму всех позиций.
func (r *Receipt) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range r.Items {
		total = total.Add(it.Price)
	}
	return total
}

// PaymentsTotal возвращает сумму всех платежей с учётом сдачи.
func (r *Receipt) PaymentsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.Payments {
		sum = sum.Add(p.Amount)
	}
	return sum
}
