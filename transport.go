package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MCP transport headers
const (
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderSessionID       = "MCP-Session-Id"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"

	corsAllowHeaders       = "Authorization, Content-Type, MCP-Protocol-Version, MCP-Session-Id, Accept"
	corsAllowMethods       = "GET, POST, DELETE, OPTIONS"
	corsMaxAge             = "86400"
	legacyCORSAllowMethods = "GET, POST, OPTIONS"
	legacyCORSAllowHeaders = "Content-Type, Authorization"
)

// Transport modes, used as the "mode" metric attribute of SSE streams
const (
	streamModeLegacy  = "legacy"
	streamModeSession = "session"
)

// responseMode is the encoding chosen for a JSON-RPC response
type responseMode int

const (
	modeJSON responseMode = iota
	modeSSE
)

func (m responseMode) String() string {
	if m == modeSSE {
		return "sse"
	}
	return "json"
}

// negotiate picks SSE when the client accepts text/event-stream and speaks the
// Streamable HTTP protocol. Legacy clients always get JSON.
func negotiate(r *http.Request, legacy bool) responseMode {
	if !legacy && acceptsEventStream(r) {
		return modeSSE
	}
	return modeJSON
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeEventStream)
}

// ============================================================
// Headers
// ============================================================

// setMCPHeaders sets the headers of every Streamable HTTP response. CORS headers
// are only added for a validated, non-empty origin.
func setMCPHeaders(h http.Header, sessionID, origin, contentType string) {
	h.Set("Content-Type", contentType)
	h.Set(HeaderProtocolVersion, LatestProtocolVersion)
	if sessionID != "" {
		h.Set(HeaderSessionID, sessionID)
	}
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Expose-Headers", HeaderSessionID)
	}
}

// setLegacyHeaders sets the headers legacy HTTP+SSE clients expect on JSON responses
func setLegacyHeaders(h http.Header, origin string) {
	h.Set("Content-Type", contentTypeJSON)
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}
}

// setPreflightHeaders sets the CORS preflight response headers
func setPreflightHeaders(h http.Header, origin string) {
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Expose-Headers", HeaderSessionID)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}

// setStreamHeaders marks a response as a live event stream
func setStreamHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// ============================================================
// SSE framing
// ============================================================

// writeSSEEvent writes one event. Multi-line data is split into several
// data fields so that the frame stays well formed.
func writeSSEEvent(w io.Writer, id, event string, data []byte) error {
	var sb strings.Builder
	if id != "" {
		sb.WriteString("id: " + id + "\n")
	}
	if event != "" {
		sb.WriteString("event: " + event + "\n")
	}
	for _, line := range strings.Split(string(data), "\n") {
		sb.WriteString("data: " + line + "\n")
	}
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

// writeSSEComment writes a comment line, ignored by clients but keeping proxies from timing out
func writeSSEComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}

// writeSSERetry announces the reconnection delay
func writeSSERetry(w io.Writer, retry time.Duration) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds())
	return err
}

// heartbeat writes a ping comment every interval until ctx is done or a write
// fails. ctx is the request context, so a client disconnect or a server
// shutdown ends the loop. It returns nil when ctx ends.
func heartbeat(ctx context.Context, w io.Writer, flusher http.Flusher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeSSEComment(w, "ping"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// ============================================================
// Responses
// ============================================================

// writeSSEResponse sends a JSON-RPC response as a single SSE frame and ends the stream
func (h *Handler) writeSSEResponse(w http.ResponseWriter, resp *Response, sessionID, origin string) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to encode JSON-RPC response", "error", err)
		h.writeRPCError(w, resp.ID, ToolExecutionError("failed to encode response"))
		return
	}

	setMCPHeaders(w.Header(), sessionID, origin, contentTypeEventStream)
	setStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(w, uuid.NewString(), "", data); err != nil {
		h.logger.Debug("Failed to write SSE response", "error", err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// writeJSONResponse sends a JSON-RPC response as application/json
func (h *Handler) writeJSONResponse(w http.ResponseWriter, resp *Response, legacy bool, sessionID, origin string) {
	if legacy {
		setLegacyHeaders(w.Header(), origin)
	} else {
		setMCPHeaders(w.Header(), sessionID, origin, contentTypeJSON)
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("Failed to write JSON-RPC response", "error", err)
	}
}

// writeRPCError sends a JSON-RPC error with the status carried by rpcErr
func (h *Handler) writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	if rpcErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rpcErr.RetryAfter))
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(rpcErr.Status)
	_ = json.NewEncoder(w).Encode(newErrorResponse(id, rpcErr))
}

// ============================================================
// Streams
// ============================================================

// serveLegacyStream serves the HTTP+SSE transport of 2024-11-05 clients: an
// endpoint event naming the POST URL, then heartbeats until the client leaves.
func (h *Handler) serveLegacyStream(w http.ResponseWriter, r *http.Request, origin string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, ErrorCodeServerError, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentTypeEventStream)
	setStreamHeaders(hdr)
	if origin != "" {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Set("Vary", "Origin")
	} else {
		hdr.Set("Access-Control-Allow-Origin", "*")
	}
	hdr.Set("Access-Control-Allow-Methods", legacyCORSAllowMethods)
	hdr.Set("Access-Control-Allow-Headers", legacyCORSAllowHeaders)
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, "", "endpoint", []byte(h.baseURL(r)+mcpPath)); err != nil {
		return
	}
	flusher.Flush()

	h.runStream(r.Context(), w, flusher, streamModeLegacy)
}

// serveSessionStream serves the Streamable HTTP GET stream of an initialized session
func (h *Handler) serveSessionStream(w http.ResponseWriter, r *http.Request, sessionID, origin string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, ErrorCodeServerError, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	setMCPHeaders(w.Header(), sessionID, origin, contentTypeEventStream)
	setStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	// An event id primes the client for reconnection
	if err := writeSSEEvent(w, uuid.NewString(), "", nil); err != nil {
		return
	}
	if err := writeSSERetry(w, h.config.SSERetry); err != nil {
		return
	}
	flusher.Flush()

	h.runStream(r.Context(), w, flusher, streamModeSession)
}

func (h *Handler) runStream(ctx context.Context, w io.Writer, flusher http.Flusher, mode string) {
	opened := time.Now()
	if m := h.metrics(); m != nil {
		m.RecordSSEStream(ctx, mode, 0, false)
	}

	err := heartbeat(ctx, w, flusher, h.config.HeartbeatInterval)

	if m := h.metrics(); m != nil {
		m.RecordSSEStream(context.Background(), mode, time.Since(opened).Seconds(), true)
	}
	if err != nil {
		h.logger.Debug("SSE stream ended by write error", "mode", mode, "error", err)
		return
	}
	h.logger.Debug("SSE stream closed", "mode", mode, "duration", time.Since(opened))
}
