package validation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func bananaReceipt() *model.Receipt {
	return &model.Receipt{
		CashRegisterCode: "88812345678900001",
		HeaderText:       "Web: ekasa.ninedigit.sk",
		FooterText:       "Ďakujeme za nákup.",
		Items: []model.ReceiptItem{
			{
				Type:      model.ItemPositive,
				Name:      "Banány voľné",
				UnitPrice: dec("1.123456"),
				Quantity:  model.Quantity{Amount: dec("0.123"), Unit: "kg"},
				Price:     dec("0.14"),
				VatRate:   model.VatZero,
			},
		},
		Payments: []model.ReceiptPayment{
			{Name: "Hotovosť", Amount: dec("1.00")},
			{Name: "Hotovosť", Amount: dec("-0.86")},
		},
	}
}

func fields(res Result) []string {
	out := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		out = append(out, f.Field)
	}
	return out
}

func TestValidateReceipt_Example(t *testing.T) {
	r := bananaReceipt()

	res := ValidateReceipt(r)
	require.True(t, res.Valid(), "unexpected failures: %+v", res.Failures)
	assert.NoError(t, res.Err())
	assert.True(t, r.Total().Equal(dec("0.14")), "total = %s", r.Total())
	assert.True(t, r.PaymentsTotal().Equal(dec("0.14")), "payments = %s", r.PaymentsTotal())
}

func TestValidateReceipt_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *model.Receipt)
		want   []string
	}{
		{
			name:   "no items",
			mutate: func(r *model.Receipt) { r.Items = nil; r.Payments = nil },
			want:   []string{"items"},
		},
		{
			name:   "line total mismatch",
			mutate: func(r *model.Receipt) { r.Items[0].Price = dec("0.13") },
			want:   []string{"items[0].price"},
		},
		{
			name: "too many decimal places",
			mutate: func(r *model.Receipt) {
				r.Items[0].UnitPrice = dec("1.1234567")
				r.Items[0].Quantity.Amount = dec("1.0001")
				r.Items[0].Price = dec("1.12")
				r.Payments = nil
			},
			want: []string{"items[0].unitPrice", "items[0].quantity.amount"},
		},
		{
			name:   "missing vat rate",
			mutate: func(r *model.Receipt) { r.Items[0].VatRate = "" },
			want:   []string{"items[0].vatRate"},
		},
		{
			name: "returned container must be vat free",
			mutate: func(r *model.Receipt) {
				r.Items[0].Type = model.ItemReturnedContainer
				r.Items[0].UnitPrice = dec("-0.15")
				r.Items[0].Quantity.Amount = dec("2")
				r.Items[0].Price = dec("-0.30")
				r.Payments = nil
			},
			want: []string{"items[0].vatRate"},
		},
		{
			name: "discount must not be positive",
			mutate: func(r *model.Receipt) {
				r.Items[0].Type = model.ItemDiscount
			},
			want: []string{"items[0].price"},
		},
		{
			name: "payments below total",
			mutate: func(r *model.Receipt) {
				r.Payments[1].Amount = dec("-0.87")
			},
			want: []string{"payments"},
		},
		{
			name:   "forbidden character in footer",
			mutate: func(r *model.Receipt) { r.FooterText = "Thanks ☃" },
			want:   []string{"footerText"},
		},
		{
			name:   "missing register code",
			mutate: func(r *model.Receipt) { r.CashRegisterCode = "" },
			want:   []string{"cashRegisterCode"},
		},
		{
			name: "all failures are collected in order",
			mutate: func(r *model.Receipt) {
				r.Items[0].Price = dec("0.20")
				r.Items[0].VatRate = "HUGE"
				r.HeaderText = "tab\there"
			},
			want: []string{"items[0].price", "items[0].vatRate", "payments", "headerText"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bananaReceipt()
			tt.mutate(r)

			res := ValidateReceipt(r)
			require.False(t, res.Valid())
			assert.Equal(t, tt.want, fields(res))

			err := res.Err()
			var vErr *Error
			require.True(t, errors.As(err, &vErr))
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Len(t, vErr.Failures, len(tt.want))
		})
	}
}

func TestValidateReceipt_RoundHalfAwayFromZero(t *testing.T) {
	r := bananaReceipt()
	r.Payments = nil
	r.Items[0].UnitPrice = dec("0.125")
	r.Items[0].Quantity.Amount = dec("1")
	r.Items[0].Price = dec("0.13")

	res := ValidateReceipt(r)
	assert.True(t, res.Valid(), "unexpected failures: %+v", res.Failures)

	r.Items[0].Type = model.ItemReturned
	r.Items[0].Quantity.Amount = dec("-1")
	r.Items[0].Price = dec("-0.13")

	res = ValidateReceipt(r)
	assert.True(t, res.Valid(), "unexpected failures: %+v", res.Failures)
}

func TestValidateReceipt_Nil(t *testing.T) {
	res := ValidateReceipt(nil)
	assert.Equal(t, []string{"receipt"}, fields(res))
}
