package authority

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectivity означает, что фискальная система недоступна или не ответила вовремя.
	ErrConnectivity = errors.New("authority unreachable")
	// ErrMalformedResponse означает, что ответ получен, но его нельзя разобрать.
	ErrMalformedResponse = errors.New("malformed authority response")
)

// ConnectivityError описывает сбой связи с фискальной системой.
type ConnectivityError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d", ErrConnectivity, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", ErrConnectivity, e.Err)
}

func (e *ConnectivityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectivity}
	}
	return []error{ErrConnectivity, e.Err}
}

// RetryAfter возвращает задержку, запрошенную фискальной системой, если она известна.
func RetryAfter(err error) time.Duration {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
