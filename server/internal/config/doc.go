// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort: port for the EventService (default 50051)
//   - HTTPPort: port for the REST API and WebSocket hub (default 8080)
//   - Auth.Mode: "none", "apikey" or "jwt"
//   - Auth.KeyEnv: environment variable holding the expected API key
//   - Auth.Header: gRPC metadata key for the API key (default "x-api-key")
//   - Auth.SecretEnv: environment variable holding the JWT secret
//   - Machine.TTL: how long an idle machine stays in the store (default 10m)
//   - Machine.RecentBatches: batch summaries kept per machine (default 50)
//   - History.Path: SQLite file; empty disables history
//   - History.Retention: event retention (default 7 days, 0 = forever)
//   - Forward.URLEnv: environment variable holding the amqp:// URL
//   - Forward.Exchange: topic exchange (default "changeagent.events")
//   - SummaryInterval: WebSocket summary period (default 5s)
//   - Alerts.Rules: per-machine threshold rules ("rejected > 0")
//   - Alerts.Webhooks: teams, slack or http targets, URL from url_env
//   - Alerts.Interval: periodic re-evaluation (default 30s)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
