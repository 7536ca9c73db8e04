package instrumentation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, inst *Instrumentation) string {
	t.Helper()
	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics_Record(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()

	m.RecordHTTPRequest(ctx, http.MethodPost, "/mcp", http.StatusOK, 12.5)
	m.RecordToolInvocation(ctx, "whoami", true)
	m.RecordToolInvocation(ctx, "find_user", false)
	m.RecordSSEStream(ctx, "session", 0, false)
	m.RecordTokensIssued(ctx, "authorization_code")
	m.RecordTokenValidation(ctx, false)
	m.RecordClientRegistration(ctx, "public")
	m.RecordCodesSwept(ctx, 2)
	m.RecordSessionsSwept(ctx, 3)
	m.RecordOriginRejected(ctx)
	m.RecordStorageOperation(ctx, "memory", "get_access_token", "success", 0.2)

	body := scrape(t, inst)
	for _, name := range []string{
		"mcp_http_requests",
		"mcp_tool_invocations",
		"mcp_sse_streams_opened",
		"oauth_tokens_issued",
		"oauth_client_registered",
		"oauth_code_swept",
		"mcp_sessions_swept",
		"security_origin_rejected",
		"storage_operations",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape output does not contain %s", name)
		}
	}
}

func TestMetrics_SweepsIgnoreZero(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: ExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordSessionsSwept(context.Background(), 0)
	inst.Metrics().RecordCodesSwept(context.Background(), 0)

	body := scrape(t, inst)
	if strings.Contains(body, "mcp_sessions_swept") || strings.Contains(body, "oauth_code_swept") {
		t.Errorf("empty sweeps were recorded:\n%s", body)
	}
}
