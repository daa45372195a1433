// Package config handles configuration loading for warren-control.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults: a
// file containing nothing but a store path is a complete configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WARREN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/warren/control.yaml
//  3. ~/.config/warren/control.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	replica:
//	  id: "${WARREN_REPLICA_ID}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	registry:
//	  heartbeat_ttl: "30s"
//	  sweep_interval: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Replica identity:
//
//	replica:
//	  id: "control-1"    # generated if omitted
//
// Coordination store:
//
//	store:
//	  driver: "sqlite"   # sqlite or memory
//	  path: "/var/lib/warren/coordination.db"
//
// Agent liveness:
//
//	registry:
//	  heartbeat_ttl: "30s"     # staleness deadline past the last heartbeat
//	  sweep_interval: "5s"     # monitor sweep cadence
//
// Task queue:
//
//	queue:
//	  claim_lease: "60s"       # default execution lease on claims
//	  max_attempts: 3          # default per-task attempt limit
//	  expire_interval: "5s"    # leader's expired-claim sweep cadence
//	  retention: "24h"         # how long finished tasks stay readable
//
// Leader election:
//
//	election:
//	  lease_ttl: "15s"
//	  renew_interval: "5s"     # must be shorter than lease_ttl
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Store driver and path consistency
//   - Duration format validity and positivity
//   - Renew interval shorter than the election lease TTL
//   - Log level and format values
package config
