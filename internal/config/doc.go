// Package config loads the mcp-gateway configuration file.
//
// The file is YAML. ${VAR} and ${VAR:-default} references are expanded from
// the environment before parsing, and durations use time.ParseDuration syntax:
//
//	server:
//	  addr: ":8080"
//	  base_url: "${MCP_BASE_URL:-https://mcp.example.com}"
//	mcp:
//	  allowed_origins: ["https://app.example.com"]
//	  heartbeat_interval: "30s"
//	oauth:
//	  access_token_ttl: "1h"
//	  authenticator:
//	    enabled: true
//	storage:
//	  backend: "sqlite"   # memory, sqlite, valkey
//	  sqlite:
//	    path: "/var/lib/mcp-gateway/gateway.db"
//	log:
//	  level: "info"       # debug, info, warn, error
//	  format: "json"      # json, text
//
// Unset fields keep the defaults of the gateway, server and session packages.
package config
