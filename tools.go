package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-gateway/storage"
)

// ErrUnknownTool is returned by ToolRegistry.Call for names that were never registered
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes a tool call on behalf of the authenticated identity
type ToolHandler func(ctx context.Context, identity storage.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

type registeredTool struct {
	definition mcp.Tool
	handler    ToolHandler
}

// ToolRegistry is the catalog served by tools/list and executed by tools/call.
// Tools are listed in registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewToolRegistry creates an empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. Names must be unique.
func (r *ToolRegistry) Register(definition mcp.Tool, handler ToolHandler) error {
	if definition.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[definition.Name]; exists {
		return fmt.Errorf("tool %s is already registered", definition.Name)
	}
	r.tools[definition.Name] = registeredTool{definition: definition, handler: handler}
	r.order = append(r.order, definition.Name)
	return nil
}

// List returns the tool definitions in registration order
func (r *ToolRegistry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].definition)
	}
	return tools
}

// Call runs the named tool. Unknown names return ErrUnknownTool.
func (r *ToolRegistry) Call(ctx context.Context, identity storage.Identity, params mcp.CallToolParams) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[params.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, params.Name)
	}

	req := mcp.CallToolRequest{Params: params}
	req.Method = string(mcp.MethodToolsCall)
	return tool.handler(ctx, identity, req)
}

// ============================================================
// Built-in tools
// ============================================================

// User is an entry of a UserDirectory
type User struct {
	ID             string `json:"id" yaml:"id"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	Name           string `json:"name" yaml:"name"`
	Email          string `json:"email" yaml:"email"`
}

// UserDirectory looks up users of an organization
type UserDirectory interface {
	FindUsers(ctx context.Context, organizationID, query string) ([]User, error)
}

// StaticDirectory is a UserDirectory over a fixed list, typically loaded from the config file
type StaticDirectory struct {
	Users []User
}

// maxFindUserResults caps the result list of find_user
const maxFindUserResults = 20

// FindUsers returns the users of organizationID whose name or email contains
// query, case-insensitively
func (d *StaticDirectory) FindUsers(_ context.Context, organizationID, query string) ([]User, error) {
	query = strings.ToLower(strings.TrimSpace(query))

	var out []User
	for _, u := range d.Users {
		if u.OrganizationID != organizationID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), query) || strings.Contains(strings.ToLower(u.Email), query) {
			out = append(out, u)
			if len(out) == maxFindUserResults {
				break
			}
		}
	}
	return out, nil
}

// DefaultTools returns a registry holding whoami and, when directory is
// non-nil, find_user
func DefaultTools(directory UserDirectory) *ToolRegistry {
	r := NewToolRegistry()

	// Names are unique, so registration cannot fail here
	_ = r.Register(mcp.NewTool("whoami",
		mcp.WithDescription("Show the user and organization the access token was issued to"),
	), whoamiTool)

	if directory != nil {
		_ = r.Register(mcp.NewTool("find_user",
			mcp.WithDescription("Search users of your organization by name or email"),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Part of the user's name or email address"),
			),
		), findUserTool(directory))
	}
	return r
}

func whoamiTool(_ context.Context, identity storage.Identity, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]string{
		"user_id":         identity.UserID,
		"organization_id": identity.OrganizationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func findUserTool(directory UserDirectory) ToolHandler {
	return func(ctx context.Context, identity storage.Identity, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := struct {
			Query string `json:"query"`
		}{}
		if err := req.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
		}
		if strings.TrimSpace(args.Query) == "" {
			return mcp.NewToolResultError("query is required"), nil
		}

		users, err := directory.FindUsers(ctx, identity.OrganizationID, args.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to search users: %w", err)
		}
		if len(users) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No users found matching %q", args.Query)), nil
		}

		data, err := json.Marshal(users)
		if err != nil {
			return nil, fmt.Errorf("failed to encode users: %w", err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}
