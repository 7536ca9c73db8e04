// Package util provides small helpers shared across the gateway packages.
//
// Key utilities:
//   - SafeTruncate: truncates token hashes and codes for log lines
//   - NormalizeURL: strips trailing slashes from configured base URLs
//   - IsLoopbackHostname: loopback detection for redirect URI validation
package util
