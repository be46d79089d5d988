package model

// PrintChannel описывает способ выдачи чека покупателю.
type PrintChannel string

const (
	PrintPaper PrintChannel = "PAPER"
	PrintPDF   PrintChannel = "PDF"
	PrintEmail PrintChannel = "EMAIL"
)

// PaperOptions переопределяют настройки POS-принтера для одного чека.
type PaperOptions struct {
	OpenDrawer        *bool `json:"openDrawer,omitempty"`
	PrintLogo         *bool `json:"printLogo,omitempty"`
	LogoMemoryAddress *int  `json:"logoMemoryAddress,omitempty"`
}

// EmailOptions описывают отправку чека по электронной почте.
type EmailOptions struct {
	To                   string `json:"to"`
	RecipientDisplayName string `json:"recipientDisplayName,omitempty"`
	Subject              string `json:"subject,omitempty"`
	Body                 string `json:"body,omitempty"`
}

// PrintIntent описывает, как окружающая система должна выдать чек после регистрации.
type PrintIntent struct {
	Channel PrintChannel  `json:"channel"`
	Paper   *PaperOptions `json:"paper,omitempty"`
	Email   *EmailOptions `json:"email,omitempty"`
}
