package validation

import (
	"net/mail"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

const maxDisplayNameLength = 100

// ValidatePrintIntent проверяет способ выдачи чека. Пустое намерение означает выдачу по умолчанию.
func ValidatePrintIntent(p *model.PrintIntent) Result {
	var res Result
	if p == nil {
		return res
	}

	switch p.Channel {
	case model.PrintPaper, model.PrintPDF, model.PrintEmail:
	case "":
		res.add("print.channel", "is required")
	default:
		res.add("print.channel", "unknown channel %q", p.Channel)
	}

	if p.Paper != nil {
		if p.Channel != model.PrintPaper {
			res.add("print.paper", "options are allowed only for channel %s", model.PrintPaper)
		}
		if p.Paper.LogoMemoryAddress != nil && *p.Paper.LogoMemoryAddress <= 0 {
			res.add("print.paper.logoMemoryAddress", "must be positive")
		}
	}

	if p.Channel == model.PrintEmail && p.Email == nil {
		res.add("print.email", "is required for channel %s", model.PrintEmail)
	}
	if p.Email != nil {
		if p.Channel != model.PrintEmail {
			res.add("print.email", "options are allowed only for channel %s", model.PrintEmail)
		}
		if p.Email.To == "" {
			res.add("print.email.to", "is required")
		} else if _, err := mail.ParseAddress(p.Email.To); err != nil {
			res.add("print.email.to", "is not a valid e-mail address")
		}
		if len([]rune(p.Email.RecipientDisplayName)) > maxDisplayNameLength {
			res.add("print.email.recipientDisplayName", "must be at most %d characters", maxDisplayNameLength)
		}
	}

	return res
}

// ValidateDocument выбирает проверку по типу документа.
func ValidateDocument(doc model.Document) Result {
	var res Result
	switch d := doc.(type) {
	case *model.Receipt:
		res.merge(ValidateReceipt(d))
	case *model.CashRegisterLocation:
		res.merge(ValidateLocation(d))
	default:
		res.add("document", "unsupported document type %T", doc)
	}
	return res
}
