package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

const (
	unitPricePlaces = 6
	quantityPlaces  = 3
	pricePlaces     = 2

	maxRegisterCodeLength = 32
	maxFreeTextLength     = 2048
	maxItemNameLength     = 255
	maxUnitLength         = 8
	maxPaymentNameLength  = 50
)

// ValidateReceipt проверяет чек и возвращает все найденные нарушения.
// Порядок проверок: наличие позиций, арифметика позиций, ставки НДС, платежи, тексты.
func ValidateReceipt(r *model.Receipt) Result {
	var res Result
	if r == nil {
		res.add("receipt", "is required")
		return res
	}

	checkRegisterCode(&res, r.CashRegisterCode)

	if len(r.Items) == 0 {
		res.add("items", "receipt must contain at least one item")
	}

	for i, it := range r.Items {
		checkItemArithmetic(&res, itemField(i), it)
	}

	for i, it := range r.Items {
		checkItemVat(&res, itemField(i), it)
	}

	checkPayments(&res, r)

	checkText(&res, "headerText", r.HeaderText, maxFreeTextLength, false)
	checkText(&res, "footerText", r.FooterText, maxFreeTextLength, false)
	for i, it := range r.Items {
		checkText(&res, itemField(i)+".name", it.Name, maxItemNameLength, true)
		checkText(&res, itemField(i)+".quantity.unit", it.Quantity.Unit, maxUnitLength, true)
	}
	for i, p := range r.Payments {
		checkText(&res, fmt.Sprintf("payments[%d].name", i), p.Name, maxPaymentNameLength, true)
	}

	return res
}

func itemField(i int) string {
	return fmt.Sprintf("items[%d]", i)
}

func hasAtMostPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

func checkItemArithmetic(res *Result, field string, it model.ReceiptItem) {
	if !hasAtMostPlaces(it.UnitPrice, unitPricePlaces) {
		res.add(field+".unitPrice", "must have at most %d decimal places", unitPricePlaces)
	}
	if !hasAtMostPlaces(it.Quantity.Amount, quantityPlaces) {
		res.add(field+".quantity.amount", "must have at most %d decimal places", quantityPlaces)
	}
	if it.Quantity.Amount.IsZero() {
		res.add(field+".quantity.amount", "must not be zero")
	}
	if !hasAtMostPlaces(it.Price, pricePlaces) {
		res.add(field+".price", "must have at most %d decimal places", pricePlaces)
	}

	expected := it.UnitPrice.Mul(it.Quantity.Amount).Round(pricePlaces)
	if !expected.Equal(it.Price) {
		res.add(field+".price", "must equal unit price × quantity rounded to %d places (expected %s, got %s)",
			pricePlaces, expected.StringFixed(pricePlaces), it.Price.String())
	}
}

func checkItemVat(res *Result, field string, it model.ReceiptItem) {
	if !it.Type.Valid() {
		res.add(field+".type", "unknown item type %q", it.Type)
		return
	}

	switch {
	case it.VatRate == "":
		res.add(field+".vatRate", "is required")
	case !it.VatRate.Valid():
		res.add(field+".vatRate", "unknown vat rate %q", it.VatRate)
	case (it.Type == model.ItemReturnedContainer || it.Type == model.ItemVoucher) && it.VatRate != model.VatFree:
		res.add(field+".vatRate", "item type %s requires vat rate %s", it.Type, model.VatFree)
	}

	if it.Type.IsPositive() && it.Price.IsNegative() {
		res.add(field+".price", "must not be negative for item type %s", it.Type)
	}
	if !it.Type.IsPositive() && it.Price.IsPositive() {
		res.add(field+".price", "must not be positive for item type %s", it.Type)
	}
}

func checkPayments(res *Result, r *model.Receipt) {
	if len(r.Payments) == 0 {
		return
	}

	for i, p := range r.Payments {
		if !hasAtMostPlaces(p.Amount, pricePlaces) {
			res.add(fmt.Sprintf("payments[%d].amount", i), "must have at most %d decimal places", pricePlaces)
		}
	}

	// Сдача учитывается отрицательным платежом, поэтому сравнивается нетто-сумма.
	total := r.Total()
	net := r.PaymentsTotal()
	if net.LessThan(total) {
		res.add("payments", "payments total %s is less than receipt total %s",
			net.StringFixed(pricePlaces), total.StringFixed(pricePlaces))
	}
}
