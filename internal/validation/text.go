package validation

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Символы вне кодовой страницы 852, которые принтер всё равно печатает.
var extraPrintable = map[rune]bool{
	'€': true,
}

// IsPrintable проверяет, что текст состоит только из символов, допустимых для печати на чеке.
// Разрешены символы кодовой страницы 852 и перевод строки.
func IsPrintable(s string) bool {
	_, ok := firstForbidden(s)
	return !ok
}

func firstForbidden(s string) (rune, bool) {
	for _, r := range s {
		if r == '\n' {
			continue
		}
		if r == utf8.RuneError || unicode.IsControl(r) {
			return r, true
		}
		if extraPrintable[r] {
			continue
		}
		if _, ok := charmap.CodePage852.EncodeRune(r); !ok {
			return r, true
		}
	}
	return 0, false
}

func checkText(res *Result, field, value string, maxLen int, required bool) {
	if value == "" {
		if required {
			res.add(field, "is required")
		}
		return
	}
	if n := utf8.RuneCountInString(value); n > maxLen {
		res.add(field, "must be at most %d characters, got %d", maxLen, n)
	}
	if r, bad := firstForbidden(value); bad {
		res.add(field, "contains forbidden character %q", r)
	}
}

func checkRegisterCode(res *Result, code string) {
	if code == "" {
		res.add("cashRegisterCode", "is required")
		return
	}
	if len(code) > maxRegisterCodeLength {
		res.add("cashRegisterCode", "must be at most %d characters", maxRegisterCodeLength)
	}
	for _, r := range code {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			res.add("cashRegisterCode", "contains forbidden character %q", r)
			return
		}
	}
}
