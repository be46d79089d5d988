package registrar

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

const (
	okpBytes      = 20
	okpGroupWidth = 8
)

// OKP вычисляет офлайн-код документа из его сохраняемых атрибутов:
// sha256(касса | номер | время выдачи в мс | sha256(тело)), усечённый до 20 байт,
// в виде пяти групп по 8 шестнадцатеричных цифр через дефис.
func OKP(register string, sequence int64, issuedAt time.Time, payload []byte) string {
	bodySum := sha256.Sum256(payload)

	h := sha256.New()
	h.Write([]byte(register))
	h.Write([]byte{'|'})
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(sequence)))
	h.Write([]byte{'|'})
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(issuedAt.UnixMilli())))
	h.Write([]byte{'|'})
	h.Write(bodySum[:])

	digits := strings.ToUpper(hex.EncodeToString(h.Sum(nil)[:okpBytes]))

	groups := make([]string, 0, len(digits)/okpGroupWidth)
	for i := 0; i < len(digits); i += okpGroupWidth {
		groups = append(groups, digits[i:i+okpGroupWidth])
	}
	return strings.Join(groups, "-")
}
