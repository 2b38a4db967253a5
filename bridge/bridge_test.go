package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/internal/childtest"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/schema"
	"github.com/viant/mcpbridge/supervisor"
)

func TestMain(m *testing.M) {
	if childtest.Enabled() {
		childtest.Main()
		return
	}
	os.Exit(m.Run())
}

func testConfig(maxRestarts int, env ...string) *Config {
	return &Config{
		Listen:          "127.0.0.1:0",
		ShutdownTimeout: 500 * time.Millisecond,
		Upstream: &supervisor.Config{
			Command:        os.Args[0],
			Env:            childtest.Env(env...),
			StartupTimeout: 2 * time.Second,
			StopGrace:      time.Second,
			MaxRestarts:    supervisor.Restarts(maxRestarts),
			BackoffInitial: 10 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
			ProbeInterval:  time.Hour,
		},
		Router: &router.Config{RequestTimeout: 5 * time.Second, SweepInterval: 20 * time.Millisecond},
		Auth:   &auth.Config{Tokens: map[string]string{"token-a": "alice"}},
	}
}

type testBridge struct {
	service *Service
	server  *httptest.Server
}

func startBridge(t *testing.T, config *Config) *testBridge {
	service, err := New(config, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	server := httptest.NewServer(service.Handler())
	t.Cleanup(func() {
		_ = service.Shutdown(context.Background())
		server.Close()
	})
	return &testBridge{service: service, server: server}
}

func (b *testBridge) post(t *testing.T, sessionID, body string) (*http.Response, *envelope.Envelope) {
	request, err := http.NewRequest(http.MethodPost, b.server.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer token-a")
	if sessionID != "" {
		request.Header.Set(schema.SessionHeader, sessionID)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	if len(data) == 0 {
		return response, nil
	}
	msg, err := envelope.Parse(data)
	require.NoError(t, err, string(data))
	return response, msg
}

func (b *testBridge) ready(t *testing.T) bool {
	response, err := http.Get(b.server.URL + "/readyz")
	require.NoError(t, err)
	response.Body.Close()
	return response.StatusCode == http.StatusOK
}

func TestService_EndToEnd(t *testing.T) {
	b := startBridge(t, testConfig(2))
	assert.True(t, b.ready(t))

	response, msg := b.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	sessionID := response.Header.Get(schema.SessionHeader)
	require.NotEmpty(t, sessionID)
	assert.Contains(t, string(msg.Result), "childtest")

	response, _ = b.post(t, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, response.StatusCode)

	_, msg = b.post(t, sessionID, `{"jsonrpc":"2.0","id":"abc","method":"echo","params":{"value":42}}`)
	assert.Equal(t, `"abc"`, string(msg.Id))
	assert.JSONEq(t, `{"value":42}`, string(msg.Result))

	_, msg = b.post(t, sessionID, `{"jsonrpc":"2.0","id":2,"method":"unknown/method"}`)
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, -32601, msg.Error.Code)
	}

	unauthorized, err := http.Post(b.server.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	unauthorized.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unauthorized.StatusCode)

	metricsResponse, err := http.Get(b.server.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(metricsResponse.Body)
	metricsResponse.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResponse.StatusCode)
	assert.Contains(t, string(data), "mcp_bridge_upstream_ready")

	require.NoError(t, b.service.Shutdown(context.Background()))
	assert.False(t, b.service.health.Live())
	assert.False(t, b.service.router.Admitting())
	assert.Equal(t, supervisor.Stopped, b.service.supervisor.State())
}

// Three sessions with in-flight requests see one crash: each gets an
// UpstreamCrashed error, the child restarts exactly once and serves again.
func TestService_CrashFailsEverySessionAndRestartsOnce(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	b := startBridge(t, testConfig(2, childtest.EnvCrashAfterHangs+"=3", childtest.EnvCrashMarker+"="+marker))

	var wg sync.WaitGroup
	results := make([]*envelope.Envelope, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = b.post(t, "", fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"hang"}`, i+1))
		}(i)
	}
	wg.Wait()
	for i, msg := range results {
		require.NotNil(t, msg, i)
		assert.Equal(t, fmt.Sprint(i+1), string(msg.Id))
		if assert.NotNil(t, msg.Error, i) {
			assert.Equal(t, schema.UpstreamCrashed, msg.Error.Code, i)
		}
	}

	assert.Eventually(t, func() bool { return b.ready(t) }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, b.service.supervisor.Restarts())
	_, msg := b.post(t, "", `{"jsonrpc":"2.0","id":9,"method":"echo","params":{"after":"restart"}}`)
	assert.JSONEq(t, `{"after":"restart"}`, string(msg.Result))
	assert.Equal(t, 1, b.service.supervisor.Restarts())
}

func TestService_RejectsAfterRestartExhausted(t *testing.T) {
	b := startBridge(t, testConfig(1, childtest.EnvCrashAfterHangs+"=1"))

	_, msg := b.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"hang"}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, schema.UpstreamCrashed, msg.Error.Code)
	require.Eventually(t, func() bool { return b.ready(t) }, 3*time.Second, 20*time.Millisecond)

	_, msg = b.post(t, "", `{"jsonrpc":"2.0","id":2,"method":"hang"}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, schema.UpstreamCrashed, msg.Error.Code)
	require.Eventually(t, func() bool { return b.service.supervisor.Exhausted() }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, b.ready(t))

	started := time.Now()
	response, msg := b.post(t, "", `{"jsonrpc":"2.0","id":3,"method":"echo"}`)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, schema.UpstreamUnavailable, msg.Error.Code)
	}
	assert.Zero(t, b.service.supervisor.Status().Queued)
	assert.Zero(t, b.service.router.Stats().Pending)

	readiness, err := http.Get(b.server.URL + "/readyz")
	require.NoError(t, err)
	defer readiness.Body.Close()
	report := map[string]any{}
	require.NoError(t, json.NewDecoder(readiness.Body).Decode(&report))
	assert.Equal(t, http.StatusServiceUnavailable, readiness.StatusCode)
	upstream, _ := report["upstream"].(map[string]any)
	assert.Equal(t, true, upstream["exhausted"])
}

func TestService_ServeFailsWhenUpstreamCannotStart(t *testing.T) {
	service, err := New(testConfig(1, childtest.EnvExitOnStart+"=1"), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	err = service.ListenAndServe(context.Background())
	assert.ErrorIs(t, err, schema.ErrRestartExhausted)
	assert.False(t, service.health.Live())
}

func TestService_ServeStopsOnContext(t *testing.T) {
	service, err := New(testConfig(1), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.ListenAndServe(ctx) }()
	require.Eventually(t, func() bool { return service.supervisor.Ready() }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Equal(t, supervisor.Stopped, service.supervisor.State())
}
