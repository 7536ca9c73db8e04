package util

import "testing"

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		expected bool
	}{
		{"localhost", "localhost", true},
		{"IPv4 loopback", "127.0.0.1", true},
		{"IPv4 loopback range", "127.10.0.3", true},
		{"IPv6 loopback", "::1", true},
		{"IPv6 loopback bracketed", "[::1]", true},
		{"unspecified", "0.0.0.0", false},
		{"private", "192.168.1.10", false},
		{"localhost lookalike", "localhost.evil.com", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLoopbackHostname(tt.hostname); got != tt.expected {
				t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.expected)
			}
		})
	}
}
