package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

const httpHealthTimeout = 5 * time.Second

// HTTPTransport posts one JSON-RPC envelope per call to
// {base}/tools/{method}. Calls are naturally concurrent; the client handle
// is long-lived.
type HTTPTransport struct {
	mu sync.Mutex

	name       string
	baseURL    string
	healthPath string
	authEnv    string
	client     *http.Client

	connected bool
	nextID    int
}

// NewHTTPTransport builds a transport for baseURL. authEnv, when non-empty,
// names an environment variable holding a bearer token. healthPath defaults
// to /health.
func NewHTTPTransport(name, baseURL, healthPath, authEnv string) *HTTPTransport {
	if healthPath == "" {
		healthPath = "/health"
	}
	return &HTTPTransport{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		healthPath: healthPath,
		authEnv:    authEnv,
		client:     &http.Client{},
		nextID:     1,
	}
}

// Connect verifies the server answers its health endpoint.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if err := t.HealthCheck(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logging.Transport("server %s: http endpoint %s is up", t.name, t.baseURL)
	return nil
}

// Call posts the envelope and decodes the response body.
func (t *HTTPTransport) Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrTransport, "server %s is not connected", t.name)
	}
	id := t.nextID
	t.nextID++
	t.mu.Unlock()

	body, err := json.Marshal(newRequest(id, method, args))
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to marshal request", err)
	}

	url := t.baseURL + "/tools/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.ErrTransport, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authEnv != "" {
		if token := os.Getenv(t.authEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrTimeout, fmt.Sprintf("call %s on server %s", method, t.name), ctx.Err())
		}
		return nil, types.WrapError(types.ErrTransport, fmt.Sprintf("post to server %s failed", t.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.Errorf(types.ErrTransport, "server %s returned status %d: %s", t.name, resp.StatusCode, string(snippet))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.WrapError(types.ErrTransport, fmt.Sprintf("undecodable response from server %s", t.name), err)
	}
	if out.Error != nil {
		return nil, types.Errorf(types.ErrTool, "server %s: %s (code %d)", t.name, out.Error.Message, out.Error.Code)
	}
	return out.Result, nil
}

// HealthCheck GETs the health endpoint and expects a 2xx within 5 seconds.
func (t *HTTPTransport) HealthCheck(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, httpHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, t.baseURL+t.healthPath, nil)
	if err != nil {
		return types.WrapError(types.ErrTransport, "failed to build health request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if hctx.Err() != nil {
			return types.WrapError(types.ErrTimeout, fmt.Sprintf("health check for server %s", t.name), hctx.Err())
		}
		return types.WrapError(types.ErrTransport, fmt.Sprintf("health check for server %s failed", t.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Errorf(types.ErrTransport, "server %s health endpoint returned %d", t.name, resp.StatusCode)
	}
	return nil
}

// Close drops the handle. Idle connections in the pool are closed.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	logging.Transport("server %s: http transport closed", t.name)
	return nil
}

func (t *HTTPTransport) Kind() Kind { return KindHTTP }

var _ Transport = (*HTTPTransport)(nil)
