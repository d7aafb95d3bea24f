package submitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/changeagent/agent/internal/collector"
	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/pkg/types"
)

// fakeRemote is an in-memory collection service. Failure counters are
// consumed in order; beforeSend runs outside the lock before every send.
type fakeRemote struct {
	mu             sync.Mutex
	failConnects   int
	failHandshakes int
	failSends      int
	rejectSends    int
	beforeSend     func(ctx context.Context, b types.EventBatch) error

	sessions int
	connects int
	closes   int
	calls    []string
	sent     []types.EventBatch
}

func (f *fakeRemote) connect(context.Context) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.calls = append(f.calls, "connect")
	if f.failConnects > 0 {
		f.failConnects--
		return nil, &ConnectionError{Op: OpConnect, Target: "fake:50051", Err: errors.New("connection refused")}
	}
	return &fakeClient{remote: f}, nil
}

func (f *fakeRemote) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.sent))
	for i, b := range f.sent {
		ids[i] = b.BatchID
	}
	return ids
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClient struct {
	remote *fakeRemote
}

func (c *fakeClient) FetchInitialState(_ context.Context, machineID uint64) (types.State, error) {
	f := c.remote
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch")
	if f.failHandshakes > 0 {
		f.failHandshakes--
		return types.State{}, status.Error(codes.Unavailable, "service starting")
	}
	f.sessions++
	return types.State{
		MachineID: machineID,
		Cursor:    uint64(len(f.sent)),
		SessionID: fmt.Sprintf("s%d", f.sessions),
	}, nil
}

func (c *fakeClient) SendEvents(ctx context.Context, b types.EventBatch) (types.Ack, error) {
	f := c.remote
	f.mu.Lock()
	hook := f.beforeSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, b); err != nil {
			return types.Ack{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send:"+b.BatchID)
	if f.failSends > 0 {
		f.failSends--
		return types.Ack{}, status.Error(codes.Unavailable, "connection reset")
	}
	if f.rejectSends > 0 {
		f.rejectSends--
		return types.Ack{BatchID: b.BatchID, Message: "cursor mismatch"}, nil
	}
	f.sent = append(f.sent, b)
	return types.Ack{BatchID: b.BatchID, Accepted: true, Cursor: b.LastSequence()}, nil
}

func (c *fakeClient) Close() error {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	c.remote.closes++
	return nil
}

// waitRecorder replaces the retry pause; it records the requested duration
// and returns immediately.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) snapshot() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

// stateRecorder captures supervisor transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		ServerAddress: "fake",
		ServerPort:    config.DefaultServerPort,
		MachineID:     42,
		QueueCapacity: config.DefaultQueueCapacity,
		RetryInterval: config.DefaultRetryInterval,
	}
}

type harness struct {
	s      *Submitter
	remote *fakeRemote
	waits  *waitRecorder
	states *stateRecorder
}

func newHarness(cfg config.AgentConfig, c collector.Collector, remote *fakeRemote) *harness {
	h := &harness{
		s:      New(cfg, c),
		remote: remote,
		waits:  &waitRecorder{},
		states: &stateRecorder{},
	}
	h.s.connect = remote.connect
	h.s.wait = h.waits.wait
	h.s.onState = h.states.record
	return h
}

// start runs the supervisor and returns a stop func that cancels it and
// waits for Run to return. stop is also registered as cleanup.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.s.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// batchCollector emits n single-event batches named "<session>-<i>" and then
// idles until cancelled. spawned counts invocations.
func batchCollector(n int, spawned *atomic.Int32) collector.Func {
	return func(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error {
		if spawned != nil {
			spawned.Add(1)
		}
		for i := 0; i < n; i++ {
			b := types.NewBatch(machineID, []types.Event{{
				Sequence: state.Cursor + uint64(i) + 1,
				Source:   "test",
				Kind:     "tick",
			}})
			b.BatchID = fmt.Sprintf("%s-%d", state.SessionID, i)
			if !collector.Emit(ctx, out, b) {
				return nil
			}
		}
		<-ctx.Done()
		return nil
	}
}

func TestSubmitter_MachineScenario(t *testing.T) {
	remote := &fakeRemote{}
	h := newHarness(testConfig(), batchCollector(5, nil), remote)
	h.start(t)

	waitFor(t, "5 acknowledged batches", func() bool { return len(remote.sentIDs()) == 5 })

	want := []string{"s1-0", "s1-1", "s1-2", "s1-3", "s1-4"}
	if got := remote.sentIDs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("sent = %v, want %v", got, want)
	}
	remote.mu.Lock()
	for _, b := range remote.sent {
		if b.MachineID != 42 {
			t.Errorf("batch %s machine_id = %d, want 42", b.BatchID, b.MachineID)
		}
	}
	remote.mu.Unlock()

	if got := h.s.State(); got != StateStreaming {
		t.Errorf("State() = %v, want streaming", got)
	}
	if w := h.waits.snapshot(); len(w) != 0 {
		t.Errorf("backoff pauses = %v, want none", w)
	}
	states := h.states.snapshot()
	if len(states) != 2 || states[0] != StateBootstrapping || states[1] != StateStreaming {
		t.Errorf("transitions = %v, want [bootstrapping streaming]", states)
	}
}

func TestSubmitter_PreservesOrder(t *testing.T) {
	const n = 200
	cfg := testConfig()
	cfg.QueueCapacity = 4

	remote := &fakeRemote{}
	h := newHarness(cfg, batchCollector(n, nil), remote)
	h.start(t)

	waitFor(t, "all batches", func() bool { return len(remote.sentIDs()) == n })

	for i, id := range remote.sentIDs() {
		if want := fmt.Sprintf("s1-%d", i); id != want {
			t.Fatalf("sent[%d] = %s, want %s", i, id, want)
		}
	}
}

func TestSubmitter_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 4

	release := make(chan struct{})
	remote := &fakeRemote{
		beforeSend: func(ctx context.Context, _ types.EventBatch) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	var pushed atomic.Int64
	endless := collector.Func(func(ctx context.Context, out chan<- types.EventBatch, _ types.State, machineID uint64) error {
		for {
			if !collector.Emit(ctx, out, types.NewBatch(machineID, nil)) {
				return nil
			}
			pushed.Add(1)
		}
	})

	h := newHarness(cfg, endless, remote)
	h.start(t)

	// One batch is held by the stalled send, the queue holds the rest.
	want := int64(cfg.QueueCapacity + 1)
	waitFor(t, "queue to fill", func() bool { return pushed.Load() == want })
	time.Sleep(50 * time.Millisecond)
	if got := pushed.Load(); got != want {
		t.Fatalf("pushed = %d while loop stalled, want %d", got, want)
	}

	close(release)
	waitFor(t, "production to resume", func() bool { return pushed.Load() > want+10 })
}

func TestSubmitter_HandshakeGatesCollector(t *testing.T) {
	var spawned atomic.Int32
	remote := &fakeRemote{failHandshakes: 3}
	h := newHarness(testConfig(), batchCollector(2, &spawned), remote)
	h.start(t)

	waitFor(t, "delivery after handshake", func() bool { return len(remote.sentIDs()) == 2 })

	if got := spawned.Load(); got != 1 {
		t.Errorf("collector spawned %d times, want 1", got)
	}

	// Every send follows the one successful fetch.
	fetches := 0
	for _, call := range remote.callLog() {
		switch {
		case call == "fetch":
			fetches++
		case strings.HasPrefix(call, "send:") && fetches < 4:
			t.Fatalf("send before a successful handshake: %v", remote.callLog())
		}
	}
	if got := len(h.waits.snapshot()); got != 3 {
		t.Errorf("backoff pauses = %d, want 3", got)
	}
}

func TestSubmitter_RetriesWithFixedInterval(t *testing.T) {
	remote := &fakeRemote{failConnects: 2, failHandshakes: 1, failSends: 1}
	h := newHarness(testConfig(), batchCollector(3, nil), remote)
	h.start(t)

	waitFor(t, "second session to deliver", func() bool { return len(remote.sentIDs()) == 3 })

	waits := h.waits.snapshot()
	if len(waits) != 4 {
		t.Fatalf("backoff pauses = %d (%v), want 4", len(waits), waits)
	}
	for i, d := range waits {
		if d != config.DefaultRetryInterval {
			t.Errorf("pause %d = %v, want %v", i, d, config.DefaultRetryInterval)
		}
	}
	if got := h.s.State(); got != StateStreaming {
		t.Errorf("State() = %v, want streaming", got)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	// Two refused, one failed handshake, one failed send, one live.
	if remote.connects != 5 {
		t.Errorf("connects = %d, want 5", remote.connects)
	}
	if remote.closes != 2 {
		t.Errorf("closes = %d, want 2", remote.closes)
	}
}

func TestSubmitter_DiscardsQueueOnReconnect(t *testing.T) {
	filled := make(chan struct{})
	remote := &fakeRemote{failSends: 1}
	remote.beforeSend = func(ctx context.Context, b types.EventBatch) error {
		if b.BatchID == "s1-0" {
			select {
			case <-filled:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	c := collector.Func(func(ctx context.Context, out chan<- types.EventBatch, state types.State, machineID uint64) error {
		for i := 0; i < 3; i++ {
			b := types.NewBatch(machineID, nil)
			b.BatchID = fmt.Sprintf("%s-%d", state.SessionID, i)
			if !collector.Emit(ctx, out, b) {
				return nil
			}
		}
		if state.SessionID == "s1" {
			close(filled)
		}
		<-ctx.Done()
		return nil
	})

	h := newHarness(testConfig(), c, remote)
	h.start(t)

	waitFor(t, "second session", func() bool { return len(remote.sentIDs()) == 3 })

	want := []string{"s2-0", "s2-1", "s2-2"}
	if got := remote.sentIDs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("sent = %v, want %v", got, want)
	}
	for _, call := range remote.callLog() {
		if call == "send:s1-1" || call == "send:s1-2" {
			t.Errorf("batch from failed session was sent: %s", call)
		}
	}
}

func TestSubmitter_CancelReleasesSession(t *testing.T) {
	var stopped atomic.Bool
	c := collector.Func(func(ctx context.Context, _ chan<- types.EventBatch, _ types.State, _ uint64) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})

	remote := &fakeRemote{}
	h := newHarness(testConfig(), c, remote)
	stop := h.start(t)

	waitFor(t, "streaming", func() bool { return h.s.State() == StateStreaming })
	stop()

	if !stopped.Load() {
		t.Error("collector still running after Run returned")
	}
	if got := h.s.State(); got != StateTerminated {
		t.Errorf("State() = %v, want terminated", got)
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.closes != 1 {
		t.Errorf("closes = %d, want 1", remote.closes)
	}
}

func TestSubmitter_CollectorExitParksLoop(t *testing.T) {
	c := collector.Func(func(ctx context.Context, out chan<- types.EventBatch, _ types.State, machineID uint64) error {
		for i := 0; i < 2; i++ {
			collector.Emit(ctx, out, types.NewBatch(machineID, nil))
		}
		return errors.New("source closed")
	})

	remote := &fakeRemote{}
	h := newHarness(testConfig(), c, remote)
	h.start(t)

	waitFor(t, "queued batches", func() bool { return len(remote.sentIDs()) == 2 })
	time.Sleep(50 * time.Millisecond)

	if got := h.s.State(); got != StateStreaming {
		t.Errorf("State() = %v, want streaming", got)
	}
	if w := h.waits.snapshot(); len(w) != 0 {
		t.Errorf("backoff pauses = %v, want none", w)
	}
}

func TestRunSession_Errors(t *testing.T) {
	tests := []struct {
		name    string
		remote  *fakeRemote
		timeout time.Duration
		check   func(t *testing.T, err error)
		spawns  int32
	}{
		{
			name:   "connect",
			remote: &fakeRemote{failConnects: 1},
			check: func(t *testing.T, err error) {
				var ce *ConnectionError
				if !errors.As(err, &ce) || ce.Op != OpConnect {
					t.Errorf("err = %v, want *ConnectionError", err)
				}
			},
		},
		{
			name:   "handshake",
			remote: &fakeRemote{failHandshakes: 1},
			check: func(t *testing.T, err error) {
				var he *HandshakeError
				if !errors.As(err, &he) || he.MachineID != 42 {
					t.Errorf("err = %v, want *HandshakeError for machine 42", err)
				}
				if status.Code(err) != codes.Unavailable {
					t.Errorf("code = %v, want Unavailable", status.Code(err))
				}
			},
		},
		{
			name:   "send",
			remote: &fakeRemote{failSends: 1},
			spawns: 1,
			check: func(t *testing.T, err error) {
				var te *TransmissionError
				if !errors.As(err, &te) || te.BatchID != "s1-0" {
					t.Errorf("err = %v, want *TransmissionError for s1-0", err)
				}
			},
		},
		{
			name:   "rejected ack",
			remote: &fakeRemote{rejectSends: 1},
			spawns: 1,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrRejected) {
					t.Errorf("err = %v, want ErrRejected", err)
				}
				if !strings.Contains(err.Error(), "cursor mismatch") {
					t.Errorf("err = %v, want server message", err)
				}
			},
		},
		{
			name: "send timeout",
			remote: &fakeRemote{beforeSend: func(ctx context.Context, _ types.EventBatch) error {
				<-ctx.Done()
				return ctx.Err()
			}},
			timeout: 20 * time.Millisecond,
			spawns:  1,
			check: func(t *testing.T, err error) {
				var te *TransmissionError
				if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("err = %v, want deadline TransmissionError", err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.SendTimeout = tc.timeout

			var spawned atomic.Int32
			h := newHarness(cfg, batchCollector(1, &spawned), tc.remote)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := h.s.runSession(ctx)
			if err == nil {
				t.Fatal("runSession returned nil")
			}
			tc.check(t, err)
			if got := spawned.Load(); got != tc.spawns {
				t.Errorf("collector spawned %d times, want %d", got, tc.spawns)
			}
		})
	}
}

func TestOperation(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ConnectionError{Op: OpConnect, Err: errors.New("x")}, OpConnect},
		{fmt.Errorf("wrapped: %w", &HandshakeError{Op: OpFetchInitialState, Err: errors.New("x")}), OpFetchInitialState},
		{&TransmissionError{Op: OpSendEvents, Err: errors.New("x")}, OpSendEvents},
		{errors.New("plain"), "unknown"},
	}
	for _, tc := range tests {
		if got := operation(tc.err); got != tc.want {
			t.Errorf("operation(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.Unavailable, false},
		{codes.DeadlineExceeded, false},
		{codes.Unauthenticated, true},
		{codes.PermissionDenied, true},
		{codes.InvalidArgument, true},
	}
	for _, tc := range tests {
		err := &TransmissionError{Op: OpSendEvents, Err: status.Error(tc.code, "x")}
		if got := isPermanentError(err); got != tc.want {
			t.Errorf("isPermanentError(%v) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateBootstrapping: "bootstrapping",
		StateStreaming:     "streaming",
		StateBackoff:       "backoff",
		StateTerminated:    "terminated",
		State(9):           "state(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
