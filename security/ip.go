package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// UnknownIP is returned when no client address can be determined
const UnknownIP = "unknown"

// ClientIPExtractor returns a function that extracts the client IP from requests
// using the given proxy trust settings. The gateway takes the result as its
// client-IP collaborator.
func ClientIPExtractor(trustProxy bool, trustedProxyCount int) func(*http.Request) string {
	return func(r *http.Request) string {
		return GetClientIP(r, trustProxy, trustedProxyCount)
	}
}

type clientIPContextKey struct{}

// WithClientIP stores the caller's address in ctx so that code below the HTTP
// layer can attribute audit events
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the address stored by WithClientIP, or ""
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

// GetClientIP extracts the real client IP address from the request
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy
//
// SECURITY CONSIDERATIONS:
// - Only enable trustProxy when behind a trusted reverse proxy (nginx, haproxy, etc.)
// - X-Forwarded-For format: "client, proxy1, proxy2, ..."
// - trustedProxyCount specifies how many proxies to trust from the right
// - Without trustProxy, forwarding headers are ignored entirely so clients
// cannot pick their own rate-limit bucket
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if ip := extractIPFromRemoteAddr(r.RemoteAddr); ip != "" {
		return ip
	}
	return UnknownIP
}

// extractIPFromXFF parses the X-Forwarded-For header and extracts the client IP.
// The rightmost trustedProxyCount entries were appended by proxies we control.
//
// Example with trustedProxyCount=2:
//
//	Client (1.2.3.4) -> UntrustedProxy -> TrustedProxy2 -> TrustedProxy1 (us)
//	X-Forwarded-For: "1.2.3.4, untrusted-ip, proxy2-ip"
//	We extract: ips[len(ips) - trustedProxyCount - 1] = ips[0] = "1.2.3.4"
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])

	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// clientIPIndex determines the index of the client IP in the X-Forwarded-For list.
// A trustedProxyCount of 0 means one trusted proxy. Too few entries yield 0.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	clientIndex := numIPs - proxyCount - 1
	if clientIndex < 0 {
		return 0
	}
	return clientIndex
}

// extractIPFromXRealIP parses the X-Real-IP header (set by some proxies).
func extractIPFromXRealIP(xri string) string {
	xri = strings.TrimSpace(xri)
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// extractIPFromRemoteAddr extracts the IP from RemoteAddr for direct connections.
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
