package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

func TestValidatePending(t *testing.T) {
	valid := func() *model.PendingSubmission {
		return &model.PendingSubmission{
			CashRegisterCode: "88812345678900001",
			Kind:             model.KindReceipt,
			Payload:          []byte(`{"items":[]}`),
			Sequence:         3,
			IssuedAt:         time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
		}
	}

	require.True(t, ValidatePending(valid()).Valid())

	s := valid()
	s.Kind = "invoice"
	s.Payload = []byte("{broken")
	s.IssuedAt = time.Time{}
	assert.Equal(t, []string{"kind", "payload", "issuedAt"}, fields(ValidatePending(s)))

	assert.Equal(t, []string{"submission"}, fields(ValidatePending(nil)))
}
