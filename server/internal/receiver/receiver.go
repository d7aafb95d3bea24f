package receiver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/changeagent/pkg/rpc"
	"github.com/obsidianstack/changeagent/pkg/types"
	"github.com/obsidianstack/changeagent/server/internal/auth"
	"github.com/obsidianstack/changeagent/server/internal/forward"
	"github.com/obsidianstack/changeagent/server/internal/store"
)

// History persists accepted batches and recovers cursors after a restart.
// *history.History implements it.
type History interface {
	Append(ctx context.Context, batch types.EventBatch) error
	Cursor(ctx context.Context, machineID uint64) (uint64, bool, error)
}

// BatchPublisher is notified of every accepted batch. *ws.Hub implements it.
type BatchPublisher interface {
	PublishBatch(m store.Machine, batch types.EventBatch)
}

// Forwarder hands accepted batches to a downstream broker.
// *forward.Forwarder implements it.
type Forwarder interface {
	Forward(msg forward.Message)
}

// Evaluator checks machine state against alert rules after every change.
// *alerts.Engine implements it.
type Evaluator interface {
	Evaluate(m store.Machine)
}

// Option configures optional sinks on a Receiver.
type Option func(*Receiver)

// WithHistory persists accepted batches to h and seeds cursors from it.
func WithHistory(h History) Option { return func(r *Receiver) { r.history = h } }

// WithPublisher relays accepted batches to p.
func WithPublisher(p BatchPublisher) Option { return func(r *Receiver) { r.publisher = p } }

// WithForwarder forwards accepted batches to f.
func WithForwarder(f Forwarder) Option { return func(r *Receiver) { r.forwarder = f } }

// WithAlerts evaluates e after every handshake and batch.
func WithAlerts(e Evaluator) Option { return func(r *Receiver) { r.alerts = e } }

// Receiver implements rpc.EventServiceServer.
type Receiver struct {
	rpc.UnimplementedEventServiceServer
	store     *store.Store
	history   History
	publisher BatchPublisher
	forwarder Forwarder
	alerts    Evaluator
	now       func() time.Time
}

// New creates a Receiver that records machine state in st.
func New(st *store.Store, opts ...Option) *Receiver {
	r := &Receiver{store: st, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FetchInitialState opens a session for the requesting machine and returns
// the cursor its collectors should resume after.
func (r *Receiver) FetchInitialState(ctx context.Context, req *rpc.InitialStateRequest) (*types.State, error) {
	if req.MachineID == 0 {
		return nil, status.Error(codes.InvalidArgument, "machine_id is required")
	}
	if err := checkSubject(ctx, req.MachineID); err != nil {
		return nil, err
	}

	cursor, err := r.recoverCursor(ctx, req.MachineID)
	if err != nil {
		slog.Error("receiver: cursor lookup failed", "machine_id", req.MachineID, "err", err)
		return nil, status.Error(codes.Unavailable, "cursor lookup failed")
	}

	sessionID := uuid.NewString()
	m := r.store.StartSession(req.MachineID, sessionID, cursor)
	r.evaluate(m)

	slog.Info("receiver: session started",
		"machine_id", req.MachineID,
		"session_id", sessionID,
		"cursor", m.Cursor,
		"sessions", m.Sessions,
	)

	return &types.State{
		MachineID: req.MachineID,
		Cursor:    m.Cursor,
		Baseline:  r.now().UTC(),
		SessionID: sessionID,
	}, nil
}

// SendEvents records one batch. A batch that does not start past the
// machine's cursor is answered with a rejecting Ack rather than an error.
func (r *Receiver) SendEvents(ctx context.Context, batch *types.EventBatch) (*types.Ack, error) {
	if batch.MachineID == 0 {
		return nil, status.Error(codes.InvalidArgument, "machine_id is required")
	}
	if batch.BatchID == "" {
		return nil, status.Error(codes.InvalidArgument, "batch_id is required")
	}
	if err := checkSubject(ctx, batch.MachineID); err != nil {
		return nil, err
	}

	m, err := r.store.Apply(*batch)
	r.evaluate(m)
	if errors.Is(err, store.ErrStale) {
		slog.Warn("receiver: stale batch rejected",
			"machine_id", batch.MachineID,
			"batch_id", batch.BatchID,
			"err", err,
		)
		return &types.Ack{BatchID: batch.BatchID, Cursor: m.Cursor, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "record batch: %v", err)
	}

	// The in-memory cursor is authoritative; a history failure is logged and
	// the batch is still acknowledged.
	if r.history != nil {
		if err := r.history.Append(ctx, *batch); err != nil {
			slog.Error("receiver: history append failed",
				"machine_id", batch.MachineID, "batch_id", batch.BatchID, "err", err)
		}
	}
	if r.publisher != nil {
		r.publisher.PublishBatch(m, *batch)
	}
	if r.forwarder != nil {
		r.forwarder.Forward(forward.Message{
			MachineID:  batch.MachineID,
			SessionID:  m.SessionID,
			BatchID:    batch.BatchID,
			Cursor:     m.Cursor,
			ReceivedAt: m.UpdatedAt,
			Events:     batch.Events,
		})
	}

	slog.Debug("receiver: batch accepted",
		"machine_id", batch.MachineID,
		"batch_id", batch.BatchID,
		"events", len(batch.Events),
		"cursor", m.Cursor,
	)

	return &types.Ack{BatchID: batch.BatchID, Accepted: true, Cursor: m.Cursor}, nil
}

func (r *Receiver) evaluate(m store.Machine) {
	if r.alerts != nil {
		r.alerts.Evaluate(m)
	}
}

// recoverCursor returns the cursor to seed an unknown machine with.
func (r *Receiver) recoverCursor(ctx context.Context, machineID uint64) (uint64, error) {
	if m, ok := r.store.Get(machineID); ok {
		return m.Cursor, nil
	}
	if r.history == nil {
		return 0, nil
	}
	cursor, _, err := r.history.Cursor(ctx, machineID)
	return cursor, err
}

// checkSubject rejects a JWT-authenticated call made for another machine.
// Calls without a token subject (API key or no auth) pass.
func checkSubject(ctx context.Context, machineID uint64) error {
	sub, ok := auth.SubjectFromContext(ctx)
	if !ok {
		return nil
	}
	if want := rpc.MachineSubject(machineID); sub != want {
		return status.Errorf(codes.PermissionDenied, "token subject %q may not act as %s", sub, want)
	}
	return nil
}
