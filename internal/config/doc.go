// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) with
// environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from TOOLGATE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/toolgate/config.yaml
//  4. ~/.config/toolgate/config.yaml
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	supervisor:
//	  handshake_timeout: "5s"
//	  heartbeat_interval: "15s"
//	  restart_backoff_base: "1s"
//	  restart_backoff_max: "60s"
//	  restart_window: "10m"
//
// # Providers
//
//	providers:
//	  - id: "echo"
//	    command: "toolgate-echo-provider"
//	    args: []
//	    working_dir: ""
//	    env:
//	      API_KEY: "${NEWS_API_KEY}"
//	    tools:
//	      - name: "echo"
//	        description: "Echo the msg argument"
//	        input_schema: {type: object}
//
// Declared tools are published alongside whatever the provider lists, and are
// the only tools of a provider that does not implement tools/list.
//
// # Database
//
// database.path defaults to ~/.local/share/toolgate/toolgate.db. An explicit
// empty path disables the event ledger.
//
// # Router Policy
//
//	router:
//	  call_timeout: "30s"
//	  startup_policy: "queue"   # queue, fail_fast
//	  startup_wait: "2s"
//	  serialize_per_provider: false
package config
