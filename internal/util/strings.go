package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking.
// Use it when logging a prefix of a hash or code. A negative maxLen yields "".
//
// Example:
//
//	SafeTruncate("9f86d081884c7d65", 8) // Returns: "9f86d081"
//	SafeTruncate("short", 10)           // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that joined paths never contain "//".
//
// Example:
//
//	NormalizeURL("https://mcp.example.com/") // Returns: "https://mcp.example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
