// Package config handles configuration loading for coven-whatsapp.
//
// # Configuration File
//
// Location (in order):
//
//  1. The --config flag
//  2. Path from COVEN_WA_CONFIG environment variable
//  3. ~/.config/coven/whatsapp.yaml
//
// A missing default file is not an error; built-in defaults apply. Files
// ending in .toml are decoded as TOML, everything else as YAML.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${COVEN_WA_JWT_SECRET}"
//
// After the file is decoded, PORT replaces the port of server.http_addr,
// BACKEND_URL replaces relay.webhook_url and COVEN_WA_DB_PATH replaces
// credentials.sqlite_path.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:3000"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health, optional
//
//	sessions:
//	  idle_timeout: "10m"
//	  idle_sweep_interval: "1m"
//	  reconnect_delay: "2s"
//	  ready_poll_interval: "1s"
//	  ready_poll_attempts: 10
//	  echo_ttl: "60s"
//	  auto_connect: true
//
//	transport:
//	  kind: "whatsapp"               # whatsapp, matrix
//	  whatsapp:
//	    device_path: "/var/lib/coven/whatsapp-devices.db"
//	    download_audio: true
//
//	credentials:
//	  backend: "sqlite"              # sqlite, redis (matrix only), memory
//	  sqlite_path: "/var/lib/coven/whatsapp.db"
//	  encryption_key: "${COVEN_WA_ENCRYPTION_KEY}"
//
//	relay:
//	  webhook_url: "http://127.0.0.1:8000/webhook"
//	  timeout: "10s"
//	  dedupe_window: "5m"
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
package config
