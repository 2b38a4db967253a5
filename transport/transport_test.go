package transport

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
	"github.com/viant/mcpbridge/auth"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/schema"
)

// echoUpstream answers requests through the router the way the upstream
// process would: "hang" is never answered, "notify" broadcasts first.
type echoUpstream struct {
	router *router.Router
}

func (u *echoUpstream) Send(msg *envelope.Envelope) error {
	if msg.Kind() != envelope.KindRequest {
		return nil
	}
	switch msg.Method {
	case "hang":
		return nil
	case "notify":
		u.router.Dispatch(&envelope.Envelope{Jsonrpc: envelope.Version, Method: "notifications/message", Params: json.RawMessage(`{"data":"hello"}`)})
	}
	result := msg.Params
	if msg.Method == "ping" {
		result = json.RawMessage(`"pong"`)
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	response := &envelope.Envelope{Jsonrpc: envelope.Version, Id: msg.Id, Result: result}
	go u.router.Dispatch(response)
	return nil
}

type fixture struct {
	server *httptest.Server
	router *router.Router
}

func newFixture(t *testing.T, routerConfig *router.Config) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upstream := &echoUpstream{}
	r := router.New(upstream, routerConfig, router.WithLogger(logger))
	upstream.router = r
	handler := New(&Config{KeepAlive: 50 * time.Millisecond, Cors: DefaultCors(), AllowedOrigins: []string{"https://app.example.com"}}, r, logger)
	mux := http.NewServeMux()
	verifier := auth.NewStaticVerifier(map[string]string{"token-a": "alice", "token-b": "bob"})
	handler.RegisterHandlers(mux, auth.Middleware(verifier, auth.WithLogger(logger)))
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return &fixture{server: server, router: r}
}

func (f *fixture) do(t *testing.T, ctx context.Context, method, path, token, sessionID, body string) *http.Response {
	request, err := http.NewRequestWithContext(ctx, method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		request.Header.Set(schema.SessionHeader, sessionID)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	return response
}

func decode(t *testing.T, response *http.Response) *envelope.Envelope {
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	msg := &envelope.Envelope{}
	require.NoError(t, json.Unmarshal(data, msg), string(data))
	return msg
}

func TestHandler_RequestResponse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	response := f.do(t, ctx, http.MethodPost, "/mcp", "token-a", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	sessionID := response.Header.Get(schema.SessionHeader)
	require.NotEmpty(t, sessionID)
	msg := decode(t, response)
	assert.Equal(t, "1", string(msg.Id))
	assert.Equal(t, `"pong"`, string(msg.Result))

	response = f.do(t, ctx, http.MethodPost, "/mcp", "token-a", sessionID, `{"jsonrpc":"2.0","id":"x","method":"echo","params":{"a":1}}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, sessionID, response.Header.Get(schema.SessionHeader))
	msg = decode(t, response)
	assert.Equal(t, `"x"`, string(msg.Id))
	assert.JSONEq(t, `{"a":1}`, string(msg.Result))

	response = f.do(t, ctx, http.MethodPost, "/mcp", "token-a", sessionID, `{"jsonrpc":"2.0","method":"notifications/progress"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusAccepted, response.StatusCode)

	// another identity cannot use the session
	response = f.do(t, ctx, http.MethodPost, "/mcp", "token-b", sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response = f.do(t, ctx, http.MethodDelete, "/mcp", "token-a", sessionID, "")
	response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)

	response = f.do(t, ctx, http.MethodPost, "/mcp", "token-a", sessionID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestHandler_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	testCases := []struct {
		description string
		token       string
		body        string
		status      int
		code        int
	}{
		{description: "missing credential", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, status: http.StatusUnauthorized},
		{description: "malformed json", token: "token-a", body: `{"jsonrpc":`, status: http.StatusBadRequest, code: -32700},
		{description: "batch", token: "token-a", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, status: http.StatusBadRequest, code: -32700},
		{description: "wrong version", token: "token-a", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, status: http.StatusBadRequest, code: -32700},
	}
	for _, testCase := range testCases {
		response := f.do(t, ctx, http.MethodPost, "/mcp", testCase.token, "", testCase.body)
		assert.Equal(t, testCase.status, response.StatusCode, testCase.description)
		if testCase.code != 0 {
			msg := decode(t, response)
			if assert.NotNil(t, msg.Error, testCase.description) {
				assert.Equal(t, testCase.code, msg.Error.Code, testCase.description)
			}
			continue
		}
		response.Body.Close()
	}
	assert.Equal(t, 0, f.router.Stats().Sessions())
}

func TestHandler_Timeout(t *testing.T) {
	f := newFixture(t, &router.Config{RequestTimeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	response := f.do(t, context.Background(), http.MethodPost, "/mcp", "token-a", "", `{"jsonrpc":"2.0","id":9,"method":"hang"}`)
	assert.Equal(t, http.StatusGatewayTimeout, response.StatusCode)
	msg := decode(t, response)
	assert.Equal(t, "9", string(msg.Id))
	if assert.NotNil(t, msg.Error) {
		assert.Equal(t, schema.RequestTimeout, msg.Error.Code)
	}
}

func TestHandler_ClientDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	response := f.do(t, context.Background(), http.MethodPost, "/mcp", "token-a", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	sessionID := response.Header.Get(schema.SessionHeader)
	response.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		require.Eventually(t, func() bool { return f.router.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)
		cancel()
	}()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, f.server.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"hang"}`))
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer token-a")
	request.Header.Set(schema.SessionHeader, sessionID)
	_, err = http.DefaultClient.Do(request)
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		_, err := f.router.Lookup(sessionID, "alice")
		return err != nil && f.router.Stats().Pending == 0
	}, time.Second, 5*time.Millisecond)
}

type stream struct {
	next func() (sse.Event, error, bool)
	stop func()
}

func openStream(t *testing.T, f *fixture, token string) (*http.Response, *stream) {
	response := f.do(t, context.Background(), http.MethodGet, "/mcp/sse", token, "", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	next, stop := iter.Pull2(sse.Read(response.Body, nil))
	t.Cleanup(func() {
		stop()
		response.Body.Close()
	})
	return response, &stream{next: next, stop: stop}
}

func (s *stream) event(t *testing.T) sse.Event {
	event, err, ok := s.next()
	require.True(t, ok)
	require.NoError(t, err)
	return event
}

func TestHandler_Stream(t *testing.T) {
	f := newFixture(t, nil)
	_, alice := openStream(t, f, "token-a")
	_, bob := openStream(t, f, "token-b")

	endpoint := alice.event(t)
	assert.Equal(t, "endpoint", endpoint.Type)
	assert.True(t, strings.HasPrefix(endpoint.Data, "/mcp/message?sessionId="))
	bobEndpoint := bob.event(t)

	response := f.do(t, context.Background(), http.MethodPost, endpoint.Data, "token-a", "", `{"jsonrpc":"2.0","id":1,"method":"notify"}`)
	response.Body.Close()
	require.Equal(t, http.StatusAccepted, response.StatusCode)

	notification := alice.event(t)
	assert.Equal(t, "message", notification.Type)
	assert.Contains(t, notification.Data, "notifications/message")
	reply := alice.event(t)
	msg, err := envelope.Parse([]byte(reply.Data))
	require.NoError(t, err)
	assert.Equal(t, "1", string(msg.Id))

	// bob sees the broadcast but not alice's response
	assert.Contains(t, bob.event(t).Data, "notifications/message")

	// bob cannot post into alice's session
	response = f.do(t, context.Background(), http.MethodPost, endpoint.Data, "token-b", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response = f.do(t, context.Background(), http.MethodPost, bobEndpoint.Data, "token-b", "", `{"jsonrpc":"2.0","id":5,"method":"ping"}`)
	response.Body.Close()
	require.Equal(t, http.StatusAccepted, response.StatusCode)
	for {
		event := bob.event(t)
		if event.Type != "message" {
			continue
		}
		msg, err := envelope.Parse([]byte(event.Data))
		require.NoError(t, err)
		assert.Equal(t, "5", string(msg.Id))
		break
	}
}

func TestHandler_StreamDisconnectClosesSession(t *testing.T) {
	f := newFixture(t, nil)
	response, alice := openStream(t, f, "token-a")
	alice.event(t)
	sessionID := response.Header.Get(schema.SessionHeader)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, f.router.Stats().Active)

	alice.stop()
	response.Body.Close()
	assert.Eventually(t, func() bool { return f.router.Stats().Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_Middlewares(t *testing.T) {
	f := newFixture(t, nil)

	request, err := http.NewRequest(http.MethodOptions, f.server.URL+"/mcp", nil)
	require.NoError(t, err)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set(AllControlRequestHeader, http.MethodPost)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
	assert.Equal(t, "https://app.example.com", response.Header.Get(AllowOriginHeader))
	assert.Contains(t, response.Header.Get(AllowHeadersHeader), schema.SessionHeader)

	request, err = http.NewRequest(http.MethodPost, f.server.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	request.Header.Set("Origin", "https://evil.example.com")
	request.Header.Set("Authorization", "Bearer token-a")
	response, err = http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusForbidden, response.StatusCode)

	response = f.do(t, context.Background(), http.MethodPost, "/mcp", "token-a", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, schema.ProtocolVersion, response.Header.Get(ProtocolVersionHeader))
}

func TestProtocolVersionMiddleware(t *testing.T) {
	handler := ProtocolVersionMiddleware([]string{"2025-06-18"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	testCases := []struct {
		description string
		version     string
		status      int
		echoed      string
	}{
		{description: "absent", status: http.StatusOK, echoed: schema.ProtocolVersion},
		{description: "supported", version: "2025-06-18", status: http.StatusOK, echoed: "2025-06-18"},
		{description: "unsupported", version: "1999-01-01", status: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if testCase.version != "" {
			request.Header.Set(ProtocolVersionHeader, testCase.version)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		assert.Equal(t, testCase.status, recorder.Code, testCase.description)
		if testCase.echoed != "" {
			assert.Equal(t, testCase.echoed, recorder.Header().Get(ProtocolVersionHeader), testCase.description)
		}
	}
}

func TestHandler_Aliases(t *testing.T) {
	f := newFixture(t, nil)

	response := f.do(t, context.Background(), http.MethodPost, "/api/mcp", "token-a", "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, `"pong"`, string(decode(t, response).Result))

	response = f.do(t, context.Background(), http.MethodGet, "/api/mcp/sse", "token-a", "", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	next, stop := iter.Pull2(sse.Read(response.Body, nil))
	defer func() {
		stop()
		response.Body.Close()
	}()
	endpoint, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(endpoint.Data, "/api/mcp/message?sessionId="))

	response = f.do(t, context.Background(), http.MethodPost, "/api/mcp/", "token-a", "", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	require.Equal(t, http.StatusOK, response.StatusCode)
	msg := decode(t, response)
	assert.Equal(t, "2", string(msg.Id))
	assert.Equal(t, `"pong"`, string(msg.Result))

	streamed := f.do(t, context.Background(), http.MethodGet, "/api/mcp/", "token-a", "", "")
	require.Equal(t, http.StatusOK, streamed.StatusCode)
	nextStreamed, stopStreamed := iter.Pull2(sse.Read(streamed.Body, nil))
	defer func() {
		stopStreamed()
		streamed.Body.Close()
	}()
	endpoint, err, ok = nextStreamed()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "endpoint", endpoint.Type)
	assert.True(t, strings.HasPrefix(endpoint.Data, "/api/mcp/message?sessionId="))

	response = f.do(t, context.Background(), http.MethodPost, "/api/mcp/unknown", "token-a", "", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
	response = f.do(t, context.Background(), http.MethodPost, "/mcp/", "token-a", "", `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	response.Body.Close()
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestConfig_Init(t *testing.T) {
	testCases := []struct {
		description string
		config      *Config
		prefixes    []string
		hasError    bool
	}{
		{description: "defaults", config: &Config{}, prefixes: []string{"/mcp", "/api/mcp"}},
		{description: "normalized", config: &Config{Prefix: "bridge/", Aliases: []string{"/v1/mcp/"}}, prefixes: []string{"/bridge", "/v1/mcp"}},
		{description: "no aliases", config: &Config{Aliases: []string{}}, prefixes: []string{"/mcp"}},
		{description: "duplicate", config: &Config{Aliases: []string{"/mcp"}}, hasError: true},
		{description: "root alias", config: &Config{Aliases: []string{"/"}}, hasError: true},
	}
	for _, testCase := range testCases {
		testCase.config.Init()
		err := testCase.config.Validate()
		if testCase.hasError {
			assert.Error(t, err, testCase.description)
			continue
		}
		require.NoError(t, err, testCase.description)
		assert.Equal(t, testCase.prefixes, testCase.config.Prefixes(), testCase.description)
		assert.NotNil(t, testCase.config.Cors, testCase.description)
	}
}
