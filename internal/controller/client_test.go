package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an httptest stand-in for the in-container controller.
type fakeRuntime struct {
	mu             sync.Mutex
	controllerDown bool
	running        bool
	agentID        string
	lastStart      map[string]any
	stops          int
}

// withMethod emulates Go 1.22 "METHOD /path" ServeMux patterns on older
// toolchains by guarding the handler with an explicit method check.
func withMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (f *fakeRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/controller/ping", withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		down := f.controllerDown
		f.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/controller/character/status", withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		status := map[string]any{"running": f.running}
		if f.agentID != "" {
			status["agent_id"] = f.agentID
		}
		_ = json.NewEncoder(w).Encode(status)
	}))
	mux.HandleFunc("/controller/character/start", withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.lastStart)
		f.running = true
		w.WriteHeader(http.StatusAccepted)
	}))
	mux.HandleFunc("/controller/character/stop", withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stops++
		f.running = false
		w.WriteHeader(http.StatusOK)
	}))
	return mux
}

func newFakeRuntime(t *testing.T) (*fakeRuntime, string) {
	t.Helper()
	f := &fakeRuntime{}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestPingDistinguishesFailureKinds(t *testing.T) {
	f, url := newFakeRuntime(t)
	c := New()
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx, url))
	require.NoError(t, c.ControllerPing(ctx, url))

	f.mu.Lock()
	f.controllerDown = true
	f.mu.Unlock()

	// The proxy still answers; only the controller probe degrades.
	require.NoError(t, c.Ping(ctx, url))
	err := c.ControllerPing(ctx, url)
	assert.ErrorIs(t, err, ErrControllerDown)
}

func TestPingUnreachableHost(t *testing.T) {
	c := New()
	err := c.Ping(context.Background(), "http://127.0.0.1:1")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCharacterStatusRoundTrip(t *testing.T) {
	f, url := newFakeRuntime(t)
	c := New()
	ctx := context.Background()

	status, err := c.CharacterStatus(ctx, url)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Nil(t, status.AgentID)

	f.mu.Lock()
	f.running = true
	f.agentID = "ext-42"
	f.mu.Unlock()

	status, err = c.CharacterStatus(ctx, url)
	require.NoError(t, err)
	assert.True(t, status.Running)
	require.NotNil(t, status.AgentID)
	assert.Equal(t, "ext-42", *status.AgentID)
}

func TestStartCharacterSendsPayload(t *testing.T) {
	f, url := newFakeRuntime(t)
	c := New()

	err := c.StartCharacter(context.Background(), url,
		json.RawMessage(`{"name":"eliza"}`), "API_KEY=abc")
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.JSONEq(t, `{"name":"eliza"}`, mustJSON(t, f.lastStart["character_json"]))
	assert.Equal(t, "API_KEY=abc", f.lastStart["envs"])
}

func TestStopCharacterIsIdempotent(t *testing.T) {
	f, url := newFakeRuntime(t)
	c := New()
	ctx := context.Background()

	require.NoError(t, c.StopCharacter(ctx, url))
	require.NoError(t, c.StopCharacter(ctx, url))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.stops)
	assert.False(t, f.running)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
