package collector

import (
	"context"
	"fmt"
	"sync"

	"github.com/obsidianstack/changeagent/pkg/types"
)

// Task is a running Collector. The zero value is not usable; see Spawn.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Spawn starts c in a new goroutine writing to out. The collector stops when
// ctx is cancelled or Cancel is called, whichever happens first.
func Spawn(ctx context.Context, c Collector, out chan<- types.EventBatch, state types.State, machineID uint64) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.setErr(fmt.Errorf("collector panic: %v", r))
			}
		}()
		t.setErr(c.Collect(ctx, out, state, machineID))
	}()

	return t
}

// Cancel stops the collector and waits for its goroutine to return.
// Calling Cancel more than once, or after the collector has already
// stopped, is a no-op.
func (t *Task) Cancel() {
	t.cancel()
	<-t.done
}

// Done is closed once the collector goroutine has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the collector's result once it has stopped, nil before.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}
