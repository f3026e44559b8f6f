// Package config handles configuration loading for copilot-bridge.
//
// # Overview
//
// Configuration is loaded from an optional YAML file with environment
// variable expansion, then completed from the environment variables the
// function host provides, then defaulted and validated.
//
// # Configuration File
//
// The file path comes from the COPILOT_BRIDGE_CONFIG environment variable.
// Without it the bridge runs purely from the environment.
//
// # Environment Variables
//
//	AI_AGENT_TENANT_ID            agent.tenant_id
//	AI_AGENT_CLIENT_ID            agent.client_id
//	AI_AGENT_CLIENT_SECRET_VALUE  agent.client_secret
//	PROJECT_ENDPOINT              agent.project_endpoint
//	COPILOT_AGENT_ID              agent.agent_id
//	FUNCTIONS_CUSTOMHANDLER_PORT  server.http_addr (":<port>")
//	COPILOT_BRIDGE_FUNCTION_KEY   auth.function_keys (single key)
//
// Values present in the file take precedence. File values may also reference
// variables explicitly:
//
//	agent:
//	  client_secret: "${AI_AGENT_CLIENT_SECRET_VALUE}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agent:
//	  poll_interval: "200ms"
//	  poll_timeout: "2m"
//	  token_timeout: "30s"    # bounds one identity provider round trip
//	  request_timeout: "30s"  # bounds one agent service call
//	idempotency:
//	  ttl: "10m"
//
// # Full Example
//
//	server:
//	  http_addr: "0.0.0.0:7071"
//	  route_prefix: "/api"
//
//	auth:
//	  function_keys: ["${COPILOT_BRIDGE_FUNCTION_KEY}"]
//
//	agent:
//	  project_endpoint: "https://example.services.ai.azure.com/api/projects/demo"
//	  agent_id: "asst_123"
//	  api_version: "v1"
//	  max_retries: 2
//
//	database:
//	  path: "/var/lib/copilot-bridge/ledger.db"
//
//	rate_limit:
//	  requests_per_second: 5
//	  burst: 10
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
