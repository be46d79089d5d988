package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

const receiptJSON = `{"receipt":{"cashRegisterCode":"88812345678900001","items":[{"name":"Banán","price":"0.14"}]}}`

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// echoHandler отвечает заданным статусом и телом запроса, обёрнутым в поле request.
func echoHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"request": body})
	}
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		compressBody   bool
		acceptGzip     bool
		wantEncoding   string
		wantEmptyBody  bool
		wantRequestRaw string
	}{
		{
			name:           "accepted receipt compressed for gzip client",
			status:         http.StatusOK,
			acceptGzip:     true,
			wantEncoding:   "gzip",
			wantRequestRaw: receiptJSON,
		},
		{
			name:           "deferred receipt in plain for other clients",
			status:         http.StatusAccepted,
			wantRequestRaw: receiptJSON,
		},
		{
			name:           "compressed import request is unpacked",
			status:         http.StatusCreated,
			compressBody:   true,
			acceptGzip:     true,
			wantEncoding:   "gzip",
			wantRequestRaw: receiptJSON,
		},
		{
			name:           "compressed request with plain response",
			status:         http.StatusUnprocessableEntity,
			compressBody:   true,
			wantRequestRaw: receiptJSON,
		},
		{
			name:          "empty pending list has no encoding",
			status:        http.StatusNoContent,
			acceptGzip:    true,
			wantEmptyBody: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(receiptJSON)
			if tt.compressBody {
				body = gzipBytes(t, receiptJSON)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/receipts", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(echoHandler(tt.status)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.status {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.status)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}

			reader := io.Reader(res.Body)
			if tt.wantEncoding == "gzip" {
				zr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer zr.Close()
				reader = zr
			}
			raw, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}

			if tt.wantEmptyBody {
				if len(raw) != 0 {
					t.Fatalf("body must be empty, got %q", raw)
				}
				return
			}

			var got struct {
				Request json.RawMessage `json:"request"`
			}
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("decode response %q: %v", raw, err)
			}
			if string(got.Request) != tt.wantRequestRaw {
				t.Fatalf("request seen by handler: got %s want %s", got.Request, tt.wantRequestRaw)
			}
		})
	}
}

func TestGzipMiddleware_RejectsBrokenGzipBody(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/api/submissions/import", bytes.NewReader([]byte(receiptJSON)))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(next).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatalf("handler must not be called for a broken gzip body")
	}
}

func TestGzipMiddleware_DropsContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/submissions/OKP", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "15")
		_, _ = w.Write([]byte(`{"okp":"A-B-C"}`))
	})).ServeHTTP(w, req)

	if cl := w.Header().Get("Content-Length"); cl != "" {
		t.Fatalf("content-length of the plain body must be removed, got %q", cl)
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding: got %q want gzip", ce)
	}
}
