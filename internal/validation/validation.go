// Package validation содержит проверки документов перед регистрацией в фискальной системе.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid возвращается (в обёртке *Error), если документ не прошёл проверку.
var ErrInvalid = errors.New("validation failed")

// Failure описывает нарушение, найденное в одном поле документа.
type Failure struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result содержит упорядоченный список всех найденных нарушений.
type Result struct {
	Failures []Failure
}

// Valid сообщает, что нарушений нет.
func (r Result) Valid() bool {
	return len(r.Failures) == 0
}

// Err возвращает *Error для невалидного результата и nil для валидного.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &Error{Failures: r.Failures}
}

func (r *Result) add(field, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) merge(other Result) {
	r.Failures = append(r.Failures, other.Failures...)
}

// Error описывает ошибку валидации со списком всех нарушений.
type Error struct {
	Failures []Failure
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrInvalid.Error() + ": " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}
