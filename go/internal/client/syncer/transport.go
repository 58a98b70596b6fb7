package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/models"
)

// ErrUnreachable marks a dispatch that failed to reach the server at all.
// Only errors matching it (or carrying a network timeout) move the client
// offline; every other failure surfaces as-is.
var ErrUnreachable = errors.New("server unreachable")

// Transport carries actions to the server.
type Transport interface {
	Send(ctx context.Context, sessionID uuid.UUID, action models.Action) (controller.Response, error)
	SendBatch(ctx context.Context, sessionID uuid.UUID, batch []models.Action) ([]controller.Response, error)
}

// IsConnectivityError reports whether err is a connectivity failure rather
// than a server-side rejection.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// HTTPTransport dispatches actions against the server's sync endpoints.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given server base URL.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, sessionID uuid.UUID, action models.Action) (controller.Response, error) {
	var resp controller.Response
	err := t.post(ctx, fmt.Sprintf("%s/sessions/%s/actions", t.baseURL, sessionID), action, &resp)
	return resp, err
}

func (t *HTTPTransport) SendBatch(ctx context.Context, sessionID uuid.UUID, batch []models.Action) ([]controller.Response, error) {
	var resp struct {
		Responses []controller.Response `json:"responses"`
	}
	err := t.post(ctx, fmt.Sprintf("%s/sessions/%s/sync", t.baseURL, sessionID), batch, &resp)
	return resp.Responses, err
}

func (t *HTTPTransport) post(ctx context.Context, endpoint string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("server error: %s", httpResp.Status)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
