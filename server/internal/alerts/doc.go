// Package alerts implements the rule evaluation engine and webhook delivery
// for changeagent-server. Rules are threshold expressions over a machine's
// counters ("rejected > 0", "idle_seconds > 600"), evaluated after every
// handshake and batch and on a periodic sweep. Webhooks are delivered to
// Teams, Slack or generic HTTP targets.
package alerts
