// Package config handles configuration loading for brokergate.
//
// # Overview
//
// Configuration comes from an optional file plus environment variables.
// Environment variables always win, so a container can be configured with
// nothing but the variables below.
//
// # Environment Variables
//
//	IB_USERNAME        brokerage username (required)
//	IB_PASSWORD        brokerage password (required)
//	API_KEY            facade API key, at least 16 characters (required)
//	USER_ID            user identifier reported by /health (required)
//	ENVIRONMENT        deployment tag, e.g. "production" (required)
//	PORT               overrides the port of server.http_addr
//	IB_TOTP_SECRET     base32 TOTP secret; implies second_factor.mode=totp
//	IB_SECOND_FACTOR   "none" or "totp"
//	IB_GATEWAY_URL     base URL of the local gateway API
//	BROKERGATE_JWT_SECRET  enables bearer tokens from POST /auth/token
//	BROKERGATE_JOURNAL     event journal path (default ":memory:")
//	LOG_LEVEL          debug, info, warn, error
//
// # Configuration File
//
// The file is located via BROKERGATE_CONFIG. Files ending in .toml are
// decoded as TOML, everything else as YAML. ${VAR_NAME} references are
// expanded before decoding:
//
//	brokerage:
//	  username: "${IB_USERNAME}"
//	  password: "${IB_PASSWORD}"
//	  second_factor:
//	    mode: totp
//	    secret: "${IB_TOTP_SECRET}"
//
//	upstream:
//	  base_url: "https://localhost:5000"
//	  insecure_skip_verify: true
//	  request_timeout: "15s"
//
//	process:
//	  command: "bin/run.sh"
//	  args: ["root/conf.yaml"]
//	  dir: "/srv/clientportal.gw"
//	  startup_timeout: "60s"
//	  unstable_exits: 3
//	  unstable_window: "5m"
//
//	session:
//	  keepalive_interval: "60s"
//	  failure_threshold: 3
//	  auth_max_attempts: 5
//	  auth_backoff_base: "2s"
//	  auth_backoff_max: "60s"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("500ms", "60s", "5m").
//
// # Validation
//
// Load applies defaults and then validates. Every failure is a
// *ConfigError naming the offending field; callers treat it as fatal and
// exit before any network call is attempted.
package config
