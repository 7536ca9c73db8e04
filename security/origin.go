package security

import (
	"net/url"
	"os"
	"strings"
)

// AllowedOriginsEnv names the environment variable holding a comma separated origin allowlist
const AllowedOriginsEnv = "MCP_ALLOWED_ORIGINS"

// DefaultAllowedOrigins are accepted when no allowlist is configured
var DefaultAllowedOrigins = []string{
	"http://localhost:3001",
	"http://localhost:3000",
	"http://127.0.0.1:3001",
	"http://127.0.0.1:3000",
}

// OriginValidator protects against DNS rebinding by checking the Origin header
// against an allowlist of exact origins and "*.domain" wildcards.
type OriginValidator struct {
	exact     map[string]struct{}
	wildcards []string // domains without the "*." prefix
}

// NewOriginValidator creates a validator for the given allowlist. An empty
// list falls back to AllowedOriginsFromEnv.
func NewOriginValidator(allowed []string) *OriginValidator {
	if len(allowed) == 0 {
		allowed = AllowedOriginsFromEnv()
	}

	v := &OriginValidator{exact: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case strings.HasPrefix(o, "*."):
			v.wildcards = append(v.wildcards, strings.ToLower(o[2:]))
		default:
			v.exact[o] = struct{}{}
		}
	}
	return v
}

// AllowedOriginsFromEnv reads MCP_ALLOWED_ORIGINS, falling back to DefaultAllowedOrigins
func AllowedOriginsFromEnv() []string {
	env := os.Getenv(AllowedOriginsEnv)
	if env == "" {
		return append([]string(nil), DefaultAllowedOrigins...)
	}

	var out []string
	for _, o := range strings.Split(env, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate reports whether origin may talk to the server. An empty origin
// (non-browser client) is always allowed.
func (v *OriginValidator) Validate(origin string) bool {
	if origin == "" {
		return true
	}
	if _, ok := v.exact[origin]; ok {
		return true
	}
	if len(v.wildcards) == 0 {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range v.wildcards {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
