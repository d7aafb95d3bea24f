package collector

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/obsidianstack/changeagent/agent/internal/config"
)

// recorder is an EmitFunc sink safe for use from a source goroutine.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) emit(c Change) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return true
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Change, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []Change {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("recorded %d changes, want %d", len(r.snapshot()), n)
	return nil
}

func runSource(t *testing.T, s Source, rec *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx, rec.emit); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestFSSource_ReportsCreate(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	runSource(t, &fsSource{id: "tmp", paths: []string{dir}}, rec)

	target := filepath.Join(dir, "new.txt")
	// The watch is registered asynchronously; retry until it is seen.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(rec.snapshot()) == 0 {
		_ = os.Remove(target)
		if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	var sawCreate bool
	for _, c := range rec.waitFor(t, 1) {
		if c.Kind == "create" && c.Subject == target {
			sawCreate = true
		}
	}
	if !sawCreate {
		t.Errorf("no create event for %s in %+v", target, rec.snapshot())
	}
}

func TestFSSource_MissingPath(t *testing.T) {
	s := &fsSource{id: "bad", paths: []string{filepath.Join(t.TempDir(), "does-not-exist")}}
	if err := s.Run(context.Background(), (&recorder{}).emit); err == nil {
		t.Fatal("expected error for a missing path")
	}
}

func TestOpKind(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want string
	}{
		{fsnotify.Create, "create"},
		{fsnotify.Write, "write"},
		{fsnotify.Remove, "remove"},
		{fsnotify.Rename, "rename"},
		{fsnotify.Chmod, "chmod"},
		{fsnotify.Create | fsnotify.Write, "create"},
		{fsnotify.Write | fsnotify.Chmod, "write"},
		{0, ""},
	}
	for _, tc := range tests {
		if got := opKind(tc.op); got != tc.want {
			t.Errorf("opKind(%v) = %q, want %q", tc.op, got, tc.want)
		}
	}
}

func TestProcessSource_DiffsPolls(t *testing.T) {
	polls := []map[int32]string{
		{1: "init", 100: "sshd"},
		{1: "init", 100: "sshd", 200: "nginx"},
		{1: "init", 200: "nginx"},
	}
	var n atomic.Int32
	list := func(context.Context) (map[int32]string, error) {
		i := int(n.Add(1)) - 1
		if i >= len(polls) {
			i = len(polls) - 1
		}
		return polls[i], nil
	}

	rec := &recorder{}
	runSource(t, &processSource{id: "procs", interval: 10 * time.Millisecond, list: list}, rec)

	got := rec.waitFor(t, 2)
	if got[0].Kind != "process_start" || got[0].Subject != "nginx" || got[0].Attributes["pid"] != "200" {
		t.Errorf("change[0] = %+v, want process_start nginx pid 200", got[0])
	}
	if got[1].Kind != "process_exit" || got[1].Subject != "sshd" || got[1].Attributes["pid"] != "100" {
		t.Errorf("change[1] = %+v, want process_exit sshd pid 100", got[1])
	}
	time.Sleep(30 * time.Millisecond)
	if extra := len(rec.snapshot()); extra != 2 {
		t.Errorf("recorded %d changes for a stable process table, want 2", extra)
	}
}

func TestPromSource_ReportsChanges(t *testing.T) {
	bodies := []string{
		"requests_total 10\nqueue_depth 3\n",
		"requests_total 15\nqueue_depth 3\nerrors_total 1\n",
	}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		_, _ = w.Write([]byte(bodies[i]))
	}))
	defer srv.Close()

	rec := &recorder{}
	runSource(t, &promSource{id: "node", endpoint: srv.URL, interval: 10 * time.Millisecond, client: srv.Client()}, rec)

	got := rec.waitFor(t, 2)
	if got[0].Kind != "metric_added" || got[0].Subject != "errors_total" {
		t.Errorf("change[0] = %+v, want metric_added errors_total", got[0])
	}
	if got[1].Kind != "metric_change" || got[1].Subject != "requests_total" {
		t.Fatalf("change[1] = %+v, want metric_change requests_total", got[1])
	}
	if got[1].Attributes["delta"] != "5" || got[1].Attributes["previous"] != "10" {
		t.Errorf("attributes = %v", got[1].Attributes)
	}
}

func TestDiffFamilies_Removed(t *testing.T) {
	got := diffFamilies(map[string]float64{"a": 1, "b": 2}, map[string]float64{"a": 1}, time.Now())
	if len(got) != 1 {
		t.Fatalf("changes = %d, want 1", len(got))
	}
	if got[0].Kind != "metric_removed" || got[0].Subject != "b" {
		t.Errorf("change = %+v", got[0])
	}
}

func TestDiffFamilies_NaNUnchanged(t *testing.T) {
	nan := math.NaN()
	now := time.Now()

	if got := diffFamilies(map[string]float64{"temp": nan}, map[string]float64{"temp": nan}, now); len(got) != 0 {
		t.Errorf("NaN -> NaN: got %+v, want no changes", got)
	}

	tests := []struct {
		name      string
		prev, cur float64
		value     string
	}{
		{"number to NaN", 21.5, nan, "NaN"},
		{"NaN to number", nan, 21.5, "21.5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := diffFamilies(map[string]float64{"temp": tc.prev}, map[string]float64{"temp": tc.cur}, now)
			if len(got) != 1 || got[0].Kind != "metric_change" || got[0].Attributes["value"] != tc.value {
				t.Errorf("got %+v, want one metric_change to %s", got, tc.value)
			}
		})
	}
}

func TestBuildHTTPClient_Auth(t *testing.T) {
	t.Setenv("SRC_KEY", "k1")
	t.Setenv("SRC_TOKEN", "tok")
	t.Setenv("SRC_PASS", "pw")

	tests := []struct {
		name   string
		auth   config.AuthConfig
		header string
		want   string
	}{
		{"apikey", config.AuthConfig{Mode: "apikey", Header: "X-Key", KeyEnv: "SRC_KEY"}, "X-Key", "k1"},
		{"bearer", config.AuthConfig{Mode: "bearer", TokenEnv: "SRC_TOKEN"}, "Authorization", "Bearer tok"},
		{"basic", config.AuthConfig{Mode: "basic", Username: "u", PasswordEnv: "SRC_PASS"}, "Authorization", "Basic dTpwdw=="},
		{"none", config.AuthConfig{Mode: "none"}, "Authorization", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tc.header)
				_, _ = w.Write([]byte("up 1\n"))
			}))
			defer srv.Close()

			client, err := buildHTTPClient(config.Source{ID: tc.name, Auth: tc.auth})
			if err != nil {
				t.Fatalf("buildHTTPClient: %v", err)
			}
			mfs, err := fetchMetrics(context.Background(), client, srv.URL)
			if err != nil {
				t.Fatalf("fetchMetrics: %v", err)
			}
			if sumFamily(mfs["up"]) != 1 {
				t.Errorf("up = %v, want 1", sumFamily(mfs["up"]))
			}
			if got != tc.want {
				t.Errorf("%s header = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestNew_BuildsSources(t *testing.T) {
	p, err := New(config.CollectorConfig{
		FlushInterval: time.Second,
		MaxBatchSize:  5,
		Sources: []config.Source{
			{ID: "fs", Type: "fswatch", Paths: []string{"/tmp"}},
			{ID: "procs", Type: "process", Interval: time.Second},
			{ID: "node", Type: "prometheus", Endpoint: "http://127.0.0.1:1/metrics", Interval: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(p.sources) != 3 {
		t.Fatalf("sources = %d, want 3", len(p.sources))
	}
	for i, id := range []string{"fs", "procs", "node"} {
		if p.sources[i].ID() != id {
			t.Errorf("sources[%d].ID() = %q, want %q", i, p.sources[i].ID(), id)
		}
	}

	if _, err := New(config.CollectorConfig{Sources: []config.Source{{ID: "x", Type: "kprobe"}}}); err == nil {
		t.Error("expected error for unsupported source type")
	}
}
