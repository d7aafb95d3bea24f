package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/obsidianstack/changeagent/server/internal/config"
	"github.com/obsidianstack/changeagent/server/internal/store"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	MachineID  uint64     `json:"machine_id"`
	SessionID  string     `json:"session_id"`
	Cursor     uint64     `json:"cursor"`
	Sessions   uint64     `json:"sessions"`
	Rejected   uint64     `json:"rejected"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// Engine evaluates alert rules against machine state and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:machineID"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	wg       sync.WaitGroup // in-flight deliveries
}

// New creates an Engine from the server alert configuration.
// An Engine with empty rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		interval: cfg.Interval,
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate tests all configured rules against m.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(m store.Machine) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, rule := range e.rules {
		key := rule.Name + ":" + strconv.FormatUint(m.MachineID, 10)
		fires, value := evalCondition(rule.Condition, m, now)

		var notify *Alert
		e.mu.Lock()
		switch a, firing := e.active[key]; {
		case fires && !firing:
			cooldown := rule.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
				break
			}
			sev := rule.Severity
			if sev == "" {
				sev = "warning"
			}
			a = &Alert{
				ID:        fmt.Sprintf("%s:%d:%d", rule.Name, m.MachineID, now.UnixNano()),
				RuleName:  rule.Name,
				MachineID: m.MachineID,
				SessionID: m.SessionID,
				Cursor:    m.Cursor,
				Sessions:  m.Sessions,
				Rejected:  m.Rejected,
				Severity:  sev,
				Value:     value,
				Message: fmt.Sprintf("[%s] %s fired on machine %d: %s = %.2f",
					sev, rule.Name, m.MachineID, rule.Condition, value),
				FiredAt: now,
				State:   "firing",
			}
			e.active[key] = a
			e.lastFire[key] = now
			cp := *a
			notify = &cp

			slog.Warn("alerts: alert fired",
				"rule", rule.Name,
				"machine_id", m.MachineID,
				"value", value,
				"severity", sev,
			)

		case !fires && firing:
			resolved := now
			a.State = "resolved"
			a.ResolvedAt = &resolved
			a.SessionID, a.Cursor = m.SessionID, m.Cursor
			a.Sessions, a.Rejected = m.Sessions, m.Rejected
			delete(e.active, key)

			e.history = append(e.history, a)
			if len(e.history) > maxHistoryLen {
				e.history = e.history[len(e.history)-maxHistoryLen:]
			}
			cp := *a
			notify = &cp

			slog.Info("alerts: alert resolved",
				"rule", rule.Name,
				"machine_id", m.MachineID,
			)
		}
		e.mu.Unlock()

		if notify != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.deliver(notify)
			}()
		}
	}
}

// Run re-evaluates every live machine in st each interval until ctx is
// cancelled, then waits for in-flight webhook deliveries.
func (e *Engine) Run(ctx context.Context, st *store.Store) {
	defer e.wg.Wait()
	if len(e.rules) == 0 {
		return
	}

	t := time.NewTicker(e.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, m := range st.List() {
				e.Evaluate(m)
			}
		}
	}
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
