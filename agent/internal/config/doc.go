// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: server_address, server_port, machine_id, queue_capacity,
//     retry_interval, send_timeout, compression, log_level, server_auth,
//     collector
//   - AuthConfig: mode (none|apikey|jwt|mtls for the service,
//     none|apikey|bearer|basic|mtls for scraped sources); secrets are named
//     by *_env fields and resolved from the environment on use
//   - CollectorConfig / Source: batching window and the list of change
//     sources (fswatch|process|prometheus)
//
// Load(path) reads the YAML file, applies defaults (port 50051, queue 32,
// retry 5s, flush 1s, batch 100, poll 10s), then validates required fields
// and enums. Validate is exported so command-line overrides can be checked
// after they are applied.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory and calls
// onChange with the newly parsed Config after each debounced change.
package config
