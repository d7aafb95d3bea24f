package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/changeagent/pkg/types"
	"github.com/obsidianstack/changeagent/server/internal/alerts"
	"github.com/obsidianstack/changeagent/server/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventSource pages through stored events. *history.History implements it.
type EventSource interface {
	Events(ctx context.Context, machineID, after uint64, limit int) ([]types.Event, error)
}

// AlertSource lists firing and recently resolved alerts. *alerts.Engine
// implements it.
type AlertSource interface {
	Active() []*alerts.Alert
}

// ClientCounter reports how many dashboard streams are connected. *ws.Hub
// implements it.
type ClientCounter interface {
	Count() int
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithClients reports c's connected stream count in the health response.
func WithClients(c ClientCounter) Option {
	return func(h *Handler) { h.clients = c }
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads machine state from the store and returns JSON responses.
type Handler struct {
	store   *store.Store
	events  EventSource
	alerts  AlertSource
	clients ClientCounter
	mux     *http.ServeMux
	now     func() time.Time
}

// New creates a Handler wired to the given store and registers all routes.
// events may be nil when history is disabled; al may be nil when no alert
// rules are configured.
func New(st *store.Store, events EventSource, al AlertSource, opts ...Option) http.Handler {
	h := &Handler{store: st, events: events, alerts: al, mux: http.NewServeMux(), now: time.Now}
	for _, o := range opts {
		o(h)
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/machines", h.listMachines)
	h.mux.HandleFunc("/api/v1/machines/", h.machineSubtree) // {id} and {id}/events
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	machines := h.store.List()
	resp := HealthResponse{
		Status:         "ok",
		MachineCount:   len(machines),
		StoredMachines: h.store.Count(),
		HistoryEnabled: h.events != nil,
		GeneratedAt:    h.now().UTC().Format(time.RFC3339),
	}
	if h.clients != nil {
		resp.StreamClients = h.clients.Count()
	}
	for _, m := range machines {
		resp.Batches += m.Batches
		resp.Events += m.Events
		resp.Rejected += m.Rejected
	}
	jsonResp(w, http.StatusOK, resp)
}

// listMachines returns GET /api/v1/machines.
func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSummary(h.store, h.now()).Machines)
}

// machineSubtree dispatches /api/v1/machines/{id}[/events].
func (h *Handler) machineSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/machines/"), "/")
	if rest == "" {
		h.listMachines(w, r)
		return
	}

	idPart, sub, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "machine id must be an unsigned integer")
		return
	}

	switch sub {
	case "":
		h.getMachine(w, id)
	case "events":
		h.machineEvents(w, r, id)
	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

// getMachine returns GET /api/v1/machines/{id}.
func (h *Handler) getMachine(w http.ResponseWriter, id uint64) {
	m, ok := h.store.Get(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "machine not found")
		return
	}
	// Stale entries are treated as not found.
	now := h.now()
	if now.Sub(m.UpdatedAt) > h.store.TTL() {
		jsonErr(w, http.StatusNotFound, "machine not found")
		return
	}
	jsonResp(w, http.StatusOK, toMachineResponse(m, now))
}

// machineEvents returns GET /api/v1/machines/{id}/events.
func (h *Handler) machineEvents(w http.ResponseWriter, r *http.Request, id uint64) {
	if h.events == nil {
		jsonErr(w, http.StatusNotImplemented, "event history is disabled")
		return
	}

	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "after must be an unsigned integer")
			return
		}
		after = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.events.Events(r.Context(), id, after, limit)
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := EventsResponse{MachineID: id, Events: events, Next: after}
	if resp.Events == nil {
		resp.Events = []types.Event{}
	}
	if n := len(events); n > 0 {
		resp.Next = events[n-1].Sequence
	}
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts returns GET /api/v1/alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := []*alerts.Alert{}
	if h.alerts != nil {
		list = h.alerts.Active()
	}
	jsonResp(w, http.StatusOK, list)
}

// BuildSummary lists every live machine in st as seen at now.
func BuildSummary(st *store.Store, now time.Time) SummaryResponse {
	machines := st.List()
	out := make([]MachineResponse, 0, len(machines))
	for _, m := range machines {
		out = append(out, toMachineResponse(m, now))
	}
	return SummaryResponse{
		Machines:    out,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// toMachineResponse maps a store.Machine to its JSON representation.
func toMachineResponse(m store.Machine, now time.Time) MachineResponse {
	recent := m.Recent
	if recent == nil {
		recent = []store.BatchSummary{}
	}
	return MachineResponse{
		MachineID:   m.MachineID,
		SessionID:   m.SessionID,
		Cursor:      m.Cursor,
		Sessions:    m.Sessions,
		Batches:     m.Batches,
		Events:      m.Events,
		Rejected:    m.Rejected,
		FirstSeen:   m.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:    m.UpdatedAt.UTC().Format(time.RFC3339),
		Recent:      recent,
		Diagnostics: computeDiagnostics(m, now),
	}
}
