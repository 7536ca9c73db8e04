package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/testutil"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/server"
	"github.com/giantswarm/mcp-gateway/session"
	"github.com/giantswarm/mcp-gateway/storage/memory"
)

const (
	testBaseURL = "https://mcp.example.com"
	testOrigin  = "https://app.example.com"
)

type testEnv struct {
	handler  *Handler
	router   http.Handler
	store    *memory.Store
	tokens   *server.Server
	sessions *session.Registry
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	tokens, err := server.New(store, store, &server.Config{Issuer: testBaseURL}, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	sessions := session.NewRegistry(session.Config{}, testutil.DiscardLogger())

	if config == nil {
		config = &Config{}
	}
	if config.BaseURL == "" {
		config.BaseURL = testBaseURL
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{testOrigin}
	}

	directory := &StaticDirectory{Users: []User{
		{ID: "u1", OrganizationID: "org-1", Name: "Ada Lovelace", Email: "ada@example.com"},
	}}
	h, err := NewHandler(config, tokens, sessions, DefaultTools(directory), testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	return &testEnv{handler: h, router: h.Routes(), store: store, tokens: tokens, sessions: sessions}
}

// issueToken creates a grant for user u1 of org-1 and returns its access token
func (e *testEnv) issueToken(t *testing.T) *server.TokenPair {
	t.Helper()
	pair, err := e.tokens.CreateAuthorizationWithTokens(context.Background(), "u1", "org-1", "test client")
	if err != nil {
		t.Fatalf("CreateAuthorizationWithTokens() error = %v", err)
	}
	return pair
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func rpcRequest(method, token, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(method, mcpPath, strings.NewReader(body))
	req.Header.Set("Content-Type", contentTypeJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

// streamable returns headers of a Streamable HTTP client, optionally bound to a session
func streamable(sessionID string) map[string]string {
	h := map[string]string{HeaderProtocolVersion: LatestProtocolVersion}
	if sessionID != "" {
		h[HeaderSessionID] = sessionID
	}
	return h
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return Response{JSONRPC: resp.JSONRPC, ID: resp.ID, Result: resp.Result, Error: resp.Error}
}

func (e *testEnv) initialize(t *testing.T, token string) string {
	t.Helper()
	w := e.do(rpcRequest(http.MethodPost, token, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, streamable("")))
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body = %s", w.Code, w.Body.String())
	}
	sessionID := w.Header().Get(HeaderSessionID)
	if sessionID == "" {
		t.Fatal("initialize response has no session id")
	}
	return sessionID
}

// denyLimiter rejects every key of the given type
type denyLimiter struct {
	keyType security.KeyType
}

func (d denyLimiter) Check(key security.Key) security.Decision {
	if key.Type == d.keyType {
		return security.Decision{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}
	}
	return security.Decision{Allowed: true, Remaining: 1}
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) record(e string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAuditor) LogEvent(event security.Event) { a.record(event.Type) }
func (a *recordingAuditor) LogToolInvoked(_, _, toolName, _ string) {
	a.record("tool_invoked:" + toolName)
}
func (a *recordingAuditor) LogRateLimitExceeded(_, _, limit, _ string) {
	a.record("rate_limit_exceeded:" + limit)
}
func (a *recordingAuditor) LogOriginRejected(origin, _ string) { a.record("origin_rejected:" + origin) }

func (a *recordingAuditor) has(e string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.events {
		if got == e {
			return true
		}
	}
	return false
}

func TestNewHandler(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	tokens, err := server.New(store, store, nil, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	sessions := session.NewRegistry(session.Config{}, nil)

	if _, err := NewHandler(nil, nil, sessions, nil, nil); err == nil {
		t.Error("NewHandler() without token server should fail")
	}
	if _, err := NewHandler(nil, tokens, nil, nil, nil); err == nil {
		t.Error("NewHandler() without session registry should fail")
	}

	h, err := NewHandler(nil, tokens, sessions, nil, nil)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	if h.logger == nil {
		t.Error("logger should not be nil")
	}
	if h.Config().HeartbeatInterval != DefaultHeartbeatInterval {
		t.Error("defaults were not applied")
	}
	if tools := h.tools.List(); len(tools) != 1 || tools[0].Name != "whoami" {
		t.Errorf("default tools = %v, want [whoami]", tools)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		trustProxy bool
		forwarded  string
		want       string
	}{
		{"configured", "https://mcp.example.com", false, "", "https://mcp.example.com"},
		{"derived from host", "", false, "", "http://gateway.internal"},
		{"forwarded proto ignored", "", false, "https", "http://gateway.internal"},
		{"forwarded proto trusted", "", true, "https", "https://gateway.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handler{config: &Config{BaseURL: tt.configured, TrustProxy: tt.trustProxy}}
			req := httptest.NewRequest(http.MethodGet, "http://gateway.internal/mcp", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			if got := h.baseURL(req); got != tt.want {
				t.Errorf("baseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckIPRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	auditor := &recordingAuditor{}
	env.handler.SetAuditor(auditor)
	env.handler.SetRateLimiter(denyLimiter{keyType: security.KeyTypeIP})

	req := httptest.NewRequest(http.MethodGet, mcpPath, nil)
	req.Header.Set("Accept", contentTypeEventStream)
	w := env.do(req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	var body ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", body.Error, ErrorCodeRateLimitExceeded)
	}
	if !auditor.has("rate_limit_exceeded:sse_connection") {
		t.Errorf("audit events = %v, want sse_connection limit", auditor.events)
	}
}

func TestRoutes_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, protectedResourceMetadataPath, nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header missing for an https base URL")
	}
	if w.Header().Get(security.RequestIDHeader) == "" {
		t.Error("request id header missing")
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(httptest.NewRequest(http.MethodPut, mcpPath, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestRoutes_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	w := env.do(req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
