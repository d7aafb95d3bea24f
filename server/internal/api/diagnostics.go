package api

import (
	"fmt"
	"time"

	"github.com/obsidianstack/changeagent/server/internal/store"
)

// quietAfter is how long a machine may go without a batch before it is
// flagged as quiet.
const quietAfter = 2 * time.Minute

// reconnectThreshold is the session count from which reconnects are
// reported.
const reconnectThreshold = 3

// DiagnosticHint is one human-readable insight about a machine.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label (≤ 5 words).
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional numeric value associated with this hint.
	Value *float64 `json:"value,omitempty"`
}

// computeDiagnostics derives hints from a machine's state. Warnings come
// before info hints.
func computeDiagnostics(m store.Machine, now time.Time) []DiagnosticHint {
	var hints []DiagnosticHint

	if m.Rejected > 0 {
		v := float64(m.Rejected)
		hints = append(hints, DiagnosticHint{
			Key:   "stale_batches",
			Level: "warning",
			Title: "Stale batches rejected",
			Detail: fmt.Sprintf(
				"%d batch(es) started at or below the machine's cursor (%d) and were rejected. "+
					"The agent drops its session on a rejection and resumes from the cursor "+
					"it receives on the next handshake.",
				m.Rejected, m.Cursor),
			Value: &v,
		})
	}

	if m.Sessions >= reconnectThreshold {
		v := float64(m.Sessions)
		hints = append(hints, DiagnosticHint{
			Key:   "reconnects",
			Level: "warning",
			Title: "Frequent reconnects",
			Detail: fmt.Sprintf(
				"The agent has opened %d sessions. Each new session discards whatever the "+
					"previous one still had queued, so frequent reconnects mean lost events. "+
					"Check the agent log for connect, fetch_initial_state or send_events failures.",
				m.Sessions),
			Value: &v,
		})
	}

	if m.Batches == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "waiting",
			Level:  "info",
			Title:  "Waiting for events",
			Detail: "The agent completed its handshake but has not sent a batch yet.",
		})
	} else if idle := now.Sub(m.UpdatedAt); idle > quietAfter {
		v := idle.Seconds()
		hints = append(hints, DiagnosticHint{
			Key:   "quiet",
			Level: "info",
			Title: "No recent batches",
			Detail: fmt.Sprintf(
				"Nothing has arrived for %s. Either nothing changed on the machine or its "+
					"sources have stopped producing.",
				idle.Truncate(time.Second)),
			Value: &v,
		})
	}

	if len(hints) == 0 {
		v := float64(m.Cursor)
		hints = append(hints, DiagnosticHint{
			Key:    "streaming",
			Level:  "ok",
			Title:  "Streaming",
			Detail: fmt.Sprintf("Batches are arriving in order; cursor is at %d.", m.Cursor),
			Value:  &v,
		})
	}

	return hints
}
