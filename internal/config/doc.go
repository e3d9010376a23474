// Package config handles configuration loading for koine-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// layered over Default, with environment variable expansion and a small set
// of environment overrides.
//
// # Configuration File
//
// Location:
//
//  1. Path from KOINE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/koine/config.yaml (~/.config/koine/config.yaml)
//
// # Environment Variables
//
// Values can reference the environment with ${VAR_NAME}; unset variables
// expand to the empty string. After parsing, KOINE_API_KEY replaces
// auth.api_key and KOINE_DB_PATH replaces database.path.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:3100"   # HTTP API
//	  grpc_addr: "127.0.0.1:3101"   # gRPC health service (optional)
//
//	auth:
//	  api_key: "${KOINE_API_KEY}"    # static bearer key
//	  jwt_secret: "${KOINE_JWT}"     # optional, >= 32 bytes
//
//	claude:
//	  binary: "claude"
//	  timeout: "5m"                  # Go duration, or bare milliseconds
//	  model: "sonnet"                # default when a request names none
//	  work_dir: "/srv/agent"
//	  allowed_tools: ["Read", "Grep"] # omit for unrestricted, [] for none
//	  disallowed_tools: ["Bash"]
//	  extra_env:
//	    ANTHROPIC_API_KEY: "${ANTHROPIC_API_KEY}"
//
//	concurrency:
//	  max_streaming: 3
//	  max_non_streaming: 5
//
//	database:
//	  path: "/var/lib/koine/usage.db" # empty disables the usage ledger
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	telemetry:
//	  enabled: false
//	  endpoint: "localhost:4318"
//	  sample_ratio: 1.0
//
//	tailscale:
//	  enabled: false
//	  hostname: "koine"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true                    # serve :443 with tailnet certificates
//
// # Validation
//
// Load rejects configs without a listener, without any bearer credential,
// with a short JWT secret, a non-positive timeout, negative pool sizes, or
// an unknown log format.
package config
