package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/changeagent/pkg/types"
)

// ErrStale is returned by Apply when a batch starts at or below the
// machine's cursor.
var ErrStale = errors.New("stale sequence")

// BatchSummary describes one accepted batch.
type BatchSummary struct {
	BatchID       string    `json:"batch_id"`
	SessionID     string    `json:"session_id"`
	Events        int       `json:"events"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Machine is a point-in-time copy of one machine's state.
type Machine struct {
	MachineID uint64         `json:"machine_id"`
	SessionID string         `json:"session_id"`
	Cursor    uint64         `json:"cursor"`
	Sessions  uint64         `json:"sessions"`
	Batches   uint64         `json:"batches"`
	Events    uint64         `json:"events"`
	Rejected  uint64         `json:"rejected"`
	FirstSeen time.Time      `json:"first_seen"`
	UpdatedAt time.Time      `json:"updated_at"`
	Recent    []BatchSummary `json:"recent,omitempty"`
}

type entry struct {
	m      Machine
	recent []BatchSummary // ring, len <= cap
	next   int
}

func (e *entry) snapshot() Machine {
	m := e.m
	m.Recent = make([]BatchSummary, 0, len(e.recent))
	if len(e.recent) == cap(e.recent) {
		m.Recent = append(m.Recent, e.recent[e.next:]...)
		m.Recent = append(m.Recent, e.recent[:e.next]...)
	} else {
		m.Recent = append(m.Recent, e.recent...)
	}
	return m
}

func (e *entry) push(s BatchSummary) {
	if len(e.recent) < cap(e.recent) {
		e.recent = append(e.recent, s)
		return
	}
	e.recent[e.next] = s
	e.next = (e.next + 1) % cap(e.recent)
}

// Store is a thread-safe in-memory machine store keyed by machine ID.
// A background goroutine (Run) periodically evicts machines that have not
// been updated within the configured TTL.
type Store struct {
	mu     sync.RWMutex
	data   map[uint64]*entry
	ttl    time.Duration
	recent int
	now    func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL that keeps the last recent batch
// summaries per machine.
func New(ttl time.Duration, recent int) *Store {
	if recent <= 0 {
		recent = 1
	}
	return &Store{
		data:   make(map[uint64]*entry),
		ttl:    ttl,
		recent: recent,
		now:    time.Now,
	}
}

// StartSession registers a new session for machineID. cursor seeds the
// machine's cursor if the store has never seen it (recovered from history);
// a known machine keeps its in-memory cursor. It returns the updated state.
func (s *Store) StartSession(machineID uint64, sessionID string, cursor uint64) Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[machineID]
	if !ok {
		e = &entry{
			m:      Machine{MachineID: machineID, Cursor: cursor, FirstSeen: now},
			recent: make([]BatchSummary, 0, s.recent),
		}
		s.data[machineID] = e
	}
	e.m.SessionID = sessionID
	e.m.Sessions++
	e.m.UpdatedAt = now
	return e.snapshot()
}

// Apply records an accepted batch and advances the cursor to its last
// sequence. A batch whose first event is not past the cursor is counted
// as rejected and ErrStale is returned. Empty batches are accepted without
// moving the cursor.
func (s *Store) Apply(batch types.EventBatch) (Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.data[batch.MachineID]
	if !ok {
		e = &entry{
			m:      Machine{MachineID: batch.MachineID, FirstSeen: now},
			recent: make([]BatchSummary, 0, s.recent),
		}
		s.data[batch.MachineID] = e
	}
	e.m.UpdatedAt = now

	var first uint64
	if len(batch.Events) > 0 {
		first = batch.Events[0].Sequence
		if first <= e.m.Cursor {
			e.m.Rejected++
			return e.snapshot(), fmt.Errorf("%w: batch starts at %d, cursor is %d", ErrStale, first, e.m.Cursor)
		}
		e.m.Cursor = batch.LastSequence()
	}

	e.m.Batches++
	e.m.Events += uint64(len(batch.Events))
	e.push(BatchSummary{
		BatchID:       batch.BatchID,
		SessionID:     e.m.SessionID,
		Events:        len(batch.Events),
		FirstSequence: first,
		LastSequence:  batch.LastSequence(),
		ReceivedAt:    now,
	})
	return e.snapshot(), nil
}

// Get returns the state of machineID and whether it is known. The entry may
// be stale if TTL has elapsed.
func (s *Store) Get(machineID uint64) (Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[machineID]
	if !ok {
		return Machine{}, false
	}
	return e.snapshot(), true
}

// List returns all machines updated within the TTL, ordered by ID.
// Stale entries that have not yet been evicted are excluded.
func (s *Store) List() []Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Machine, 0, len(s.data))
	for _, e := range s.data {
		if e.m.UpdatedAt.After(cutoff) {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// TTL returns the idle period after which a machine is considered stale.
func (s *Store) TTL() time.Duration { return s.ttl }

// Count returns the total number of machines currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes machines whose UpdatedAt is older than now minus TTL.
// It returns the number of machines removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.m.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL interval
// (minimum 1 second). Run blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted idle machines", "count", n)
			}
		}
	}
}
