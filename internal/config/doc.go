// Package config handles configuration loading for t2b-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Unset values take defaults, then the result is validated.
//
// # Configuration File
//
// Resolve picks the file, in order:
//
//  1. Path given on the command line
//  2. Path from the T2B_CONFIG environment variable
//  3. ./t2b.yaml or ./t2b.toml
//  4. ~/.config/t2b/gateway.yaml or gateway.toml
//
// # Environment Variables
//
// Values can reference the environment:
//
//	auth:
//	  secret: "${T2B_SECRET}"
//
// T2B_SECRET and T2B_DB_PATH also override auth.secret and database.path
// after the file is parsed.
//
// # Sections
//
//	server:
//	  addr: "127.0.0.1:8080"
//	  ws_path: "/ws"          # client devices
//	  bot_path: "/bot"        # bot endpoints
//	  allowed_origins: []
//
//	auth:
//	  secret: "${T2B_SECRET}" # at least 32 bytes
//	  key_prefix: "t2b"
//	  admin_token_hash: ""    # bcrypt hash; see `t2b-gateway issue --admin`
//
//	sessions:
//	  timeout: "30m"
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//
//	limits:
//	  messages_per_minute: 60
//	  tasks_per_minute: 20
//	  queue_size: 64
//	  dedupe_ttl: "5m"
//
//	database:
//	  path: ""                # empty keeps tasks in memory
//
//	tunnel:
//	  provider: "tailscale"   # reverse, tailscale, localtunnel
//	  auto_start: true
//	  grace_period: "5s"
//	  retry_backoff: "2s"
//	  max_attempts: 3
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
package config
