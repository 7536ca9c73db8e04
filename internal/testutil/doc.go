// Package testutil provides test fixtures shared by the gateway packages:
// a controllable clock, PKCE pairs, discard loggers and grant fixtures.
package testutil
