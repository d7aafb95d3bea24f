package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/pkg/types"
)

// Collector produces an unbounded sequence of batches onto out, starting
// from state. Collect blocks until ctx is cancelled and then returns nil;
// a non-nil error means the collector gave up on its own.
type Collector interface {
	Collect(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error
}

// Func adapts an ordinary function to the Collector interface.
type Func func(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error

// Collect calls f.
func (f Func) Collect(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error {
	return f(ctx, out, state, machineID)
}

// Emit pushes batch onto out, blocking while out is full. It reports false,
// without sending, once ctx has been cancelled.
func Emit(ctx context.Context, out chan<- types.EventBatch, batch types.EventBatch) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Change is one detection reported by a Source, before it is numbered and
// batched.
type Change struct {
	Kind       string
	Subject    string
	Attributes map[string]string
	ObservedAt time.Time
}

// EmitFunc hands a change to the pipeline. It blocks while the pipeline is
// applying backpressure and returns false once the source should stop.
type EmitFunc func(Change) bool

// Source watches one kind of local state and reports changes.
type Source interface {
	// ID is stamped on every event the source produces.
	ID() string

	// Run reports changes through emit until ctx is cancelled or emit
	// returns false. A returned error stops only this source.
	Run(ctx context.Context, emit EmitFunc) error
}

// New builds the Pipeline described by cfg.
func New(cfg config.CollectorConfig) (*Pipeline, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		s, err := newSource(src)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return NewPipeline(sources, cfg.FlushInterval, cfg.MaxBatchSize), nil
}

func newSource(src config.Source) (Source, error) {
	switch src.Type {
	case "fswatch":
		return &fsSource{id: src.ID, paths: src.Paths}, nil
	case "process":
		return &processSource{id: src.ID, interval: src.Interval, list: listProcesses}, nil
	case "prometheus":
		client, err := buildHTTPClient(src)
		if err != nil {
			return nil, fmt.Errorf("collector %q: build http client: %w", src.ID, err)
		}
		return &promSource{id: src.ID, endpoint: src.Endpoint, interval: src.Interval, client: client}, nil
	default:
		return nil, fmt.Errorf("collector: unsupported source type %q", src.Type)
	}
}

// Pipeline runs a set of Sources as one Collector.
type Pipeline struct {
	sources       []Source
	flushInterval time.Duration
	maxBatch      int
}

// NewPipeline returns a Pipeline over sources. Batches are cut at maxBatch
// events or every flushInterval, whichever comes first.
func NewPipeline(sources []Source, flushInterval time.Duration, maxBatch int) *Pipeline {
	if flushInterval <= 0 {
		flushInterval = config.DefaultFlushInterval
	}
	if maxBatch <= 0 {
		maxBatch = config.DefaultMaxBatchSize
	}
	return &Pipeline{sources: sources, flushInterval: flushInterval, maxBatch: maxBatch}
}

// Collect implements Collector. Event sequences continue from state.Cursor.
// Changes still pending when ctx is cancelled are dropped.
func (p *Pipeline) Collect(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	changes := make(chan types.Event)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for _, s := range p.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("collector: source panic", "source", s.ID(), "panic", r)
				}
			}()
			emit := func(c Change) bool {
				select {
				case changes <- toEvent(s.ID(), c):
					return true
				case <-ctx.Done():
					return false
				}
			}
			if err := s.Run(ctx, emit); err != nil && ctx.Err() == nil {
				slog.Error("collector: source stopped", "source", s.ID(), "err", err)
			}
		}(s)
	}

	slog.Debug("collector: started",
		"sources", len(p.sources), "cursor", state.Cursor, "session", state.SessionID)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	seq := state.Cursor
	pending := make([]types.Event, 0, p.maxBatch)
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		batch := types.NewBatch(machineID, pending)
		pending = make([]types.Event, 0, p.maxBatch)
		return Emit(ctx, out, batch)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-changes:
			seq++
			ev.Sequence = seq
			pending = append(pending, ev)
			if len(pending) >= p.maxBatch && !flush() {
				return nil
			}
		case <-ticker.C:
			if !flush() {
				return nil
			}
		}
	}
}

func toEvent(source string, c Change) types.Event {
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return types.Event{
		ID:         uuid.NewString(),
		Source:     source,
		Kind:       c.Kind,
		Subject:    c.Subject,
		Attributes: c.Attributes,
		ObservedAt: observed,
	}
}

// poll calls fn immediately and then every interval until ctx is cancelled
// or fn returns false.
func poll(ctx context.Context, interval time.Duration, fn func() bool) {
	if !fn() {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !fn() {
				return
			}
		}
	}
}
