package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/ekasa-registrar/internal/model"
)

const maxResponseSize = 1 << 20

// Client инкапсулирует HTTP-взаимодействие с фискальной системой.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент фискальной системы по указанному адресу.
// Время ожидания задаётся контекстом каждого запроса.
func NewClient(baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:    base,
		httpClient: cleanhttp.DefaultPooledClient(),
	}
}

func endpoint(kind model.DocumentKind) (string, error) {
	switch kind {
	case model.KindReceipt:
		return "/api/v1/receipts", nil
	case model.KindLocation:
		return "/api/v1/locations", nil
	default:
		return "", fmt.Errorf("unsupported document kind %q", kind)
	}
}

// Send отправляет сообщение, подготовленное Codec.Envelope.
// Сетевые сбои, таймауты, 408, 429 и 5xx возвращаются как *ConnectivityError.
func (c *Client) Send(ctx context.Context, payload []byte) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("authority client not configured")
	}

	var probe struct {
		Header struct {
			Kind model.DocumentKind `json:"kind"`
		} `json:"header"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decode payload header: %w", err)
	}
	path, err := endpoint(probe.Header.Kind)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		result, err := decodeResponse(resp.Body)
		if err != nil {
			return nil, err
		}
		if result.Error == nil && result.ID == "" {
			return nil, malformed("accepted response without id")
		}
		return result, nil

	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		result, err := decodeResponse(resp.Body)
		if err != nil {
			return nil, err
		}
		if result.Error == nil {
			return nil, malformed("status %d without error body", resp.StatusCode)
		}
		return result, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &ConnectivityError{StatusCode: resp.StatusCode, RetryAfter: retryAfter}

	default:
		// Остальные статусы (408, 5xx, ошибки шлюза и авторизации) не означают отказа по документу.
		return nil, &ConnectivityError{StatusCode: resp.StatusCode}
	}
}

func decodeResponse(body io.Reader) (*Response, error) {
	var result Response
	if err := json.NewDecoder(io.LimitReader(body, maxResponseSize)).Decode(&result); err != nil {
		return nil, malformed("decode response: %v", err)
	}
	return &result, nil
}
