package validation

import (
	"encoding/json"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

// ValidatePending проверяет запись офлайн-очереди, полученную извне (например, из резервной копии журнала кассы).
func ValidatePending(s *model.PendingSubmission) Result {
	var res Result
	if s == nil {
		res.add("submission", "is required")
		return res
	}

	checkRegisterCode(&res, s.CashRegisterCode)

	if s.Kind != model.KindReceipt && s.Kind != model.KindLocation {
		res.add("kind", "must be one of %s, %s", model.KindReceipt, model.KindLocation)
	}
	if len(s.Payload) == 0 || !json.Valid(s.Payload) {
		res.add("payload", "must be a JSON document")
	}
	if s.Sequence < 0 {
		res.add("sequence", "must not be negative")
	}
	if s.Attempts < 0 {
		res.add("attempts", "must not be negative")
	}
	if s.IssuedAt.IsZero() {
		res.add("issuedAt", "is required")
	}

	return res
}
