package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		register, ok := RegisterFromContext(r.Context())
		if !ok {
			t.Fatalf("register not in context")
		}
		if register != "888.123.001" {
			t.Fatalf("register from context = %q, want 888.123.001", register)
		}
	})

	r := httptest.NewRequest(http.MethodPost, "/api/receipts", nil)
	r.Header.Set("Authorization", "Register "+m.Token("888.123.001"))

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Bearer " + m.Token("R1")},
		{name: "no signature", header: "Register R1"},
		{name: "empty signature", header: "Register R1."},
		{name: "not hex", header: "Register R1.zz"},
		{name: "foreign key", header: "Register " + other.Token("R1")},
		{name: "tampered register", header: "Register R2" + m.Token("R1")[2:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/registers/R1/pending", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			res := w.Result()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestNewAuthMiddleware_EmptySecretIsRandom(t *testing.T) {
	a := NewAuthMiddleware("")
	b := NewAuthMiddleware("")

	if a.Token("R1") == b.Token("R1") {
		t.Fatalf("empty secret must produce distinct random keys")
	}
}
