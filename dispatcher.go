package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/security"
)

// Method is a JSON-RPC method served by the dispatcher
type Method int

const (
	MethodUnknown Method = iota
	MethodInitialize
	MethodToolsList
	MethodToolsCall
	MethodPing
)

var methodNames = map[string]Method{
	"initialize": MethodInitialize,
	"tools/list": MethodToolsList,
	"tools/call": MethodToolsCall,
	"ping":       MethodPing,
}

// parseMethod maps a method name to its Method, MethodUnknown for anything else
func parseMethod(name string) Method {
	if m, ok := methodNames[name]; ok {
		return m
	}
	return MethodUnknown
}

func (m Method) String() string {
	for name, method := range methodNames {
		if method == m {
			return name
		}
	}
	return "unknown"
}

// rpcCall is one JSON-RPC request on its way through the dispatcher
type rpcCall struct {
	req       *Request
	method    Method
	caller    *caller
	legacy    bool
	sessionID string
	origin    string
}

// toolInvocationLimit names the tools/call budget in audit records
const toolInvocationLimit = "tool_invocation"

// dispatch runs the method of call and returns its result. Panics in method
// handlers are recovered and reported as internal errors.
func (h *Handler) dispatch(ctx context.Context, call *rpcCall) (result any, rpcErr *RPCError) {
	ctx, span := h.startSpan(ctx, "dispatch", attribute.String(instrumentation.AttrRPCMethod, call.req.Method))
	defer span.End()
	instrumentation.AddRPCAttributes(span, call.req.Method, call.legacy, call.sessionID != "")

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("Panic in JSON-RPC handler", "method", call.req.Method, "panic", p)
			result, rpcErr = nil, ToolExecutionError(fmt.Sprintf("%v", p))
		}

		code := 0
		if rpcErr != nil {
			code = rpcErr.Code
			instrumentation.SetSpanError(span, rpcErr.Message)
			span.SetAttributes(attribute.Int(instrumentation.AttrRPCErrorCode, rpcErr.Code))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if m := h.metrics(); m != nil {
			m.RecordRPCCall(ctx, call.method.String(), code, float64(time.Since(start).Milliseconds()))
		}
	}()

	switch call.method {
	case MethodInitialize:
		return h.initializeResult(), nil
	case MethodToolsList:
		return ToolsListResult{Tools: h.tools.List()}, nil
	case MethodToolsCall:
		return h.callTool(ctx, call)
	case MethodPing:
		return EmptyResult{}, nil
	default:
		return nil, MethodNotFoundError(call.req.Method)
	}
}

func (h *Handler) initializeResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: LatestProtocolVersion,
		ServerInfo: mcp.Implementation{
			Name:    h.config.ServerName,
			Version: h.config.ServerVersion,
		},
	}
}

// callTool enforces the per-token budget, runs the tool and audits the call
func (h *Handler) callTool(ctx context.Context, call *rpcCall) (any, *RPCError) {
	identity := call.caller.identity
	clientIP := security.ClientIPFromContext(ctx)

	if h.limiter != nil {
		decision := h.limiter.Check(security.Key{Type: security.KeyTypeToken, Value: call.caller.token})
		if !decision.Allowed {
			h.logger.Warn("Tool invocation rate limit exceeded",
				"authorization_id", identity.AuthorizationID,
				"ip", clientIP)
			if h.auditor != nil {
				h.auditor.LogRateLimitExceeded(identity.UserID, identity.OrganizationID, toolInvocationLimit, clientIP)
			}
			if m := h.metrics(); m != nil {
				m.RecordRateLimitExceeded(ctx, string(security.KeyTypeToken))
			}
			return nil, RateLimitError("Rate limit exceeded for tool invocations", decision.RetryAfter(time.Now()))
		}
	}

	var params mcp.CallToolParams
	if len(call.req.Params) > 0 {
		if err := json.Unmarshal(call.req.Params, &params); err != nil {
			return nil, InvalidParamsError("expected {name, arguments}")
		}
	}

	result, err := h.tools.Call(ctx, identity, params)
	if err == nil && result == nil {
		result = &mcp.CallToolResult{Content: []mcp.Content{}}
	}
	if m := h.metrics(); m != nil {
		m.RecordToolInvocation(ctx, params.Name, err == nil && !result.IsError)
	}
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			h.logger.Warn("unknown tool treated as internal error", "tool", params.Name)
		} else {
			h.logger.Error("Tool execution failed", "tool", params.Name, "error", err)
		}
		return nil, ToolExecutionError(err.Error())
	}

	if h.auditor != nil {
		h.auditor.LogToolInvoked(identity.UserID, identity.OrganizationID, params.Name, clientIP)
	}
	return result, nil
}

// ============================================================
// POST /mcp
// ============================================================

// ServeMCPPost handles a JSON-RPC request. Checks run in a fixed order:
// origin, protocol version, bearer token, body, then session.
func (h *Handler) ServeMCPPost(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.checkOrigin(w, r)
	if !ok {
		return
	}
	legacy, ok := h.checkProtocolVersion(w, r)
	if !ok {
		return
	}
	c, ok := h.authenticate(w, r, authErrorRPC)
	if !ok {
		return
	}

	req, rpcErr := decodeRequest(r.Body, h.config.MaxRequestBodySize)
	if rpcErr != nil {
		h.writeRPCError(w, nil, rpcErr)
		return
	}

	// Notifications and responses are accepted without a reply
	if req.IsNotification() {
		setMCPHeaders(w.Header(), "", origin, contentTypeJSON)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	call := &rpcCall{
		req:       req,
		method:    parseMethod(req.Method),
		caller:    c,
		legacy:    legacy,
		sessionID: r.Header.Get(HeaderSessionID),
		origin:    origin,
	}

	if call.method == MethodInitialize {
		call.sessionID = h.sessions.Create(c.identity).ID
		h.logger.Debug("Created MCP session", "authorization_id", c.identity.AuthorizationID)
	} else if !legacy {
		if rpcErr := h.requireSession(call); rpcErr != nil {
			h.writeRPCError(w, req.ID, rpcErr)
			return
		}
	}

	result, rpcErr := h.dispatch(r.Context(), call)
	if rpcErr != nil {
		h.writeRPCError(w, req.ID, rpcErr)
		return
	}

	resp := newResult(req.ID, result)
	if negotiate(r, legacy) == modeSSE {
		h.writeSSEResponse(w, resp, call.sessionID, origin)
		return
	}
	// The initialize response always carries the new session id
	h.writeJSONResponse(w, resp, legacy && call.method != MethodInitialize, call.sessionID, origin)
}

// requireSession checks that a Streamable HTTP request names a live session
// owned by its caller
func (h *Handler) requireSession(call *rpcCall) *RPCError {
	if call.sessionID == "" {
		return SessionError(http.StatusBadRequest, "Missing MCP-Session-Id header. Please initialize first.")
	}
	if h.sessions.Get(call.sessionID, call.caller.identity) == nil {
		return SessionError(http.StatusNotFound, "Session not found or expired")
	}
	return nil
}
