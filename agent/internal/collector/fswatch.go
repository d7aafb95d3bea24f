package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsSource reports file-system changes under a set of paths. Directories
// are watched non-recursively, matching fsnotify.
type fsSource struct {
	id    string
	paths []string
}

func (s *fsSource) ID() string { return s.id }

func (s *fsSource) Run(ctx context.Context, emit EmitFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fswatch %q: new watcher: %w", s.id, err)
	}
	defer watcher.Close()

	for _, p := range s.paths {
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("fswatch %q: watch %q: %w", s.id, p, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			kind := opKind(event.Op)
			if kind == "" {
				continue
			}
			c := Change{
				Kind:       kind,
				Subject:    event.Name,
				Attributes: map[string]string{"op": event.Op.String()},
				ObservedAt: time.Now().UTC(),
			}
			if !emit(c) {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Overflow and similar errors lose events but the watch stays valid.
			slog.Warn("collector: fswatch error", "source", s.id, "err", err)
		}
	}
}

// opKind names the most significant operation in op.
func opKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return ""
}
