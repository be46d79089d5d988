// Package middleware содержит HTTP middleware фискального регистратора.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type contextKey string

const registerKey contextKey = "register"

const authScheme = "Register "

// AuthMiddleware проверяет токен кассы в заголовке Authorization: Register <код>.<hmac>.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным ключом, и выданные ранее токены перестают действовать.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет токен и добавляет код кассы в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, authScheme) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		register, ok := a.parseToken(strings.TrimPrefix(header, authScheme))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), registerKey, register)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token выдаёт токен для кассы register.
func (a *AuthMiddleware) Token(register string) string {
	return register + "." + hex.EncodeToString(a.sign(register))
}

func (a *AuthMiddleware) sign(register string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(register))
	return mac.Sum(nil)
}

func (a *AuthMiddleware) parseToken(token string) (string, bool) {
	// Код кассы может содержать точку, а подпись не может.
	i := strings.LastIndex(token, ".")
	if i <= 0 || i == len(token)-1 {
		return "", false
	}

	register := token[:i]
	signature, err := hex.DecodeString(token[i+1:])
	if err != nil {
		return "", false
	}

	if !hmac.Equal(signature, a.sign(register)) {
		return "", false
	}

	return register, true
}

// RegisterFromContext извлекает код кассы, подтверждённый токеном.
func RegisterFromContext(ctx context.Context) (string, bool) {
	register, ok := ctx.Value(registerKey).(string)
	return register, ok
}
