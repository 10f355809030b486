package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"metamcp/internal/types"
)

func TestHTTPCallPostsEnvelopeAndDecodesResult(t *testing.T) {
	var got struct {
		path        string
		contentType string
		auth        string
		req         rpcRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		got.path = r.URL.Path
		got.contentType = r.Header.Get("Content-Type")
		got.auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.req))
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			ID:      got.req.ID,
			Result:  json.RawMessage(`{"tasks":[]}`),
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("tasks", srv.URL, "", "")
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	result, err := tr.Call(context.Background(), "list_tasks", map[string]any{"limit": 5})
	require.NoError(t, err)
	require.JSONEq(t, `{"tasks":[]}`, string(result))

	require.Equal(t, "/tools/list_tasks", got.path)
	require.Equal(t, "application/json", got.contentType)
	require.Empty(t, got.auth, "no token configured, no Authorization header")
	require.Equal(t, "2.0", got.req.JSONRPC)
	require.Equal(t, "list_tasks", got.req.Method)
}

func TestHTTPBearerTokenFromEnv(t *testing.T) {
	t.Setenv("TASKS_API_TOKEN", "s3cr3t")

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		auth = r.Header.Get("Authorization")
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("tasks", srv.URL, "", "TASKS_API_TOKEN")
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := tr.Call(context.Background(), "list_tasks", nil)
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cr3t", auth)
}

func TestHTTPToolErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32602, Message: "limit must be a number"},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("tasks", srv.URL, "", "")
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := tr.Call(context.Background(), "list_tasks", map[string]any{"limit": "three"})
	require.Equal(t, types.ErrTool, types.KindOf(err))
	require.Contains(t, err.Error(), "limit must be a number")
}

func TestHTTPStatusErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "the database fell over", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport("tasks", srv.URL, "", "")
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	_, err := tr.Call(context.Background(), "list_tasks", nil)
	require.Equal(t, types.ErrTransport, types.KindOf(err))
	require.Contains(t, err.Error(), "status 500")
}

func TestHTTPConnectRequiresHealthyEndpoint(t *testing.T) {
	// Nothing listens here.
	tr := NewHTTPTransport("tasks", "http://"+unusedAddr(t), "", "")
	err := tr.Connect(context.Background())
	require.Equal(t, types.ErrTransport, types.KindOf(err))

	// Listening but unhealthy is also a failed connect.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr = NewHTTPTransport("tasks", srv.URL, "", "")
	err = tr.Connect(context.Background())
	require.Equal(t, types.ErrTransport, types.KindOf(err))

	_, err = tr.Call(context.Background(), "list_tasks", nil)
	require.Equal(t, types.ErrTransport, types.KindOf(err))
}

func TestHTTPCustomHealthPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport("tasks", srv.URL, "/livez", "")
	require.NoError(t, tr.HealthCheck(context.Background()))
	require.Equal(t, "/livez", path)
}
