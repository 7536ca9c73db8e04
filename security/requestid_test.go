package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	parsed, err := uuid.Parse(id1)
	if err != nil {
		t.Fatalf("request ID %q is not a UUID: %v", id1, err)
	}
	if parsed.Version() != 4 {
		t.Errorf("UUID version = %d, want 4", parsed.Version())
	}
	if !isValidRequestID(id1) {
		t.Error("generated IDs must pass validation")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want req-123", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		valid     bool
	}{
		{name: "alphanumeric", requestID: "abc123", valid: true},
		{name: "uuid", requestID: "550e8400-e29b-41d4-a716-446655440000", valid: true},
		{name: "underscores", requestID: "trace_abc_1", valid: true},
		{name: "max length", requestID: strings.Repeat("a", 128), valid: true},
		{name: "too long", requestID: strings.Repeat("a", 129), valid: false},
		{name: "empty", requestID: "", valid: false},
		{name: "header injection", requestID: "abc\r\nSet-Cookie: x=y", valid: false},
		{name: "spaces", requestID: "abc def", valid: false},
		{name: "log injection", requestID: "abc\" level=ERROR", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.requestID); got != tt.valid {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.requestID, got, tt.valid)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		incomingID   string
		wantPreserve bool
	}{
		{name: "no incoming ID", incomingID: "", wantPreserve: false},
		{name: "valid incoming ID", incomingID: "upstream-req-42", wantPreserve: true},
		{name: "malformed incoming ID", incomingID: "bad id;drop", wantPreserve: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tt.incomingID != "" {
				req.Header.Set(RequestIDHeader, tt.incomingID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("handler saw no request ID")
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header %q != context ID %q", got, seen)
			}
			if tt.wantPreserve && seen != tt.incomingID {
				t.Errorf("request ID = %q, want preserved %q", seen, tt.incomingID)
			}
			if !tt.wantPreserve && seen == tt.incomingID {
				t.Errorf("request ID %q should have been replaced", seen)
			}
		})
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerWithRequestID(context.Background(), base).Info("without")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id attribute: %s", buf.String())
	}

	buf.Reset()
	ctx := WithRequestID(context.Background(), "req-77")
	LoggerWithRequestID(ctx, base).Info("with")
	if !strings.Contains(buf.String(), "request_id=req-77") {
		t.Errorf("missing request_id attribute: %s", buf.String())
	}
}
