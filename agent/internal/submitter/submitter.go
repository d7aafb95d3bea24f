package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/status"

	"github.com/obsidianstack/changeagent/agent/internal/collector"
	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/pkg/types"
)

// State is the supervisor's position in its lifecycle.
type State int32

const (
	StateBootstrapping State = iota
	StateStreaming
	StateBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// waitFunc pauses for d or until ctx is done.
type waitFunc func(ctx context.Context, d time.Duration) error

// Option configures a Submitter.
type Option func(*Submitter)

// WithDecorator adds a RequestDecorator after the one selected by
// server_auth.mode.
func WithDecorator(d RequestDecorator) Option {
	return func(s *Submitter) { s.decorators = append(s.decorators, d) }
}

// Submitter runs sessions against the collection service until its context
// is cancelled. See the package documentation for the session lifecycle.
type Submitter struct {
	cfg        config.AgentConfig
	collector  collector.Collector
	decorators []RequestDecorator

	connect connectFunc // injectable for tests
	wait    waitFunc    // injectable for tests

	state   atomic.Int32
	onState func(State) // test hook
}

// New creates a Submitter that feeds batches from c to the service in cfg.
func New(cfg config.AgentConfig, c collector.Collector, opts ...Option) *Submitter {
	s := &Submitter{
		cfg:       cfg,
		collector: c,
		wait:      sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connect = func(ctx context.Context) (Client, error) {
		return Dial(ctx, s.cfg, s.decorators...)
	}
	return s
}

// State returns the current supervisor state.
func (s *Submitter) State() State {
	return State(s.state.Load())
}

// setState is only called from the Run goroutine.
func (s *Submitter) setState(st State) {
	s.state.Store(int32(st))
	if s.onState != nil {
		s.onState(st)
	}
}

// Run supervises sessions until ctx is cancelled. Every failed session is
// followed by a pause of exactly RetryInterval and a fresh session; there is
// no retry limit.
func (s *Submitter) Run(ctx context.Context) {
	defer s.setState(StateTerminated)

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		s.setState(StateBackoff)
		slog.Error("submitter: session failed, will retry",
			"op", operation(err),
			"target", s.cfg.Target(),
			"machine_id", s.cfg.MachineID,
			"err", err,
			"code", status.Code(err).String(),
			"permanent", isPermanentError(err),
			"retry_in", s.cfg.RetryInterval)

		if err := s.wait(ctx, s.cfg.RetryInterval); err != nil {
			return
		}
	}
}

// runSession performs one connect → handshake → stream cycle. It returns
// when a step fails or ctx is cancelled; the collector and the connection
// are released on every path.
func (s *Submitter) runSession(ctx context.Context) error {
	s.setState(StateBootstrapping)

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.FetchInitialState(ctx, s.cfg.MachineID)
	if err != nil {
		return &HandshakeError{Op: OpFetchInitialState, MachineID: s.cfg.MachineID, Err: err}
	}
	slog.Info("submitter: session started",
		"target", s.cfg.Target(),
		"session", state.SessionID,
		"cursor", state.Cursor)

	queue := make(chan types.EventBatch, s.cfg.QueueCapacity)
	task := collector.Spawn(ctx, s.collector, queue, state, s.cfg.MachineID)
	defer task.Cancel()

	s.setState(StateStreaming)
	return s.submit(ctx, client, queue, task)
}

// submit sends queued batches one at a time in arrival order. It returns a
// *TransmissionError on the first failed send, or ctx.Err() on cancellation.
// A stopped collector does not end the session: remaining batches are sent
// and then submit waits for cancellation.
func (s *Submitter) submit(ctx context.Context, client Client, queue <-chan types.EventBatch, task *collector.Task) error {
	stopped := task.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stopped:
			stopped = nil
			if err := task.Err(); err != nil {
				slog.Error("submitter: collector stopped", "err", err)
			} else {
				slog.Warn("submitter: collector stopped")
			}

		case batch := <-queue:
			if err := s.send(ctx, client, batch); err != nil {
				return err
			}
		}
	}
}

func (s *Submitter) send(ctx context.Context, client Client, batch types.EventBatch) error {
	sendCtx := ctx
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	ack, err := client.SendEvents(sendCtx, batch)
	if err != nil {
		return &TransmissionError{Op: OpSendEvents, BatchID: batch.BatchID, Err: err}
	}
	if !ack.Accepted {
		return &TransmissionError{Op: OpSendEvents, BatchID: batch.BatchID, Err: fmt.Errorf("%w: %s", ErrRejected, ack.Message)}
	}

	slog.Debug("submitter: batch delivered",
		"batch", batch.BatchID,
		"events", len(batch.Events),
		"cursor", ack.Cursor)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
