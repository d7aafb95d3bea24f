package collector

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// processSource reports processes that started or exited between polls.
// The first poll only records the baseline.
type processSource struct {
	id       string
	interval time.Duration
	list     func(ctx context.Context) (map[int32]string, error)
}

func (s *processSource) ID() string { return s.id }

func (s *processSource) Run(ctx context.Context, emit EmitFunc) error {
	var prev map[int32]string

	poll(ctx, s.interval, func() bool {
		cur, err := s.list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Warn("collector: process list failed", "source", s.id, "err", err)
			return true
		}
		if prev != nil {
			now := time.Now().UTC()
			for _, pid := range sortedPIDs(cur) {
				if _, ok := prev[pid]; !ok && !emit(processChange("process_start", pid, cur[pid], now)) {
					return false
				}
			}
			for _, pid := range sortedPIDs(prev) {
				if _, ok := cur[pid]; !ok && !emit(processChange("process_exit", pid, prev[pid], now)) {
					return false
				}
			}
		}
		prev = cur
		return true
	})
	return nil
}

func processChange(kind string, pid int32, name string, at time.Time) Change {
	return Change{
		Kind:       kind,
		Subject:    name,
		Attributes: map[string]string{"pid": strconv.Itoa(int(pid))},
		ObservedAt: at,
	}
}

func sortedPIDs(m map[int32]string) []int32 {
	pids := make([]int32, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// listProcesses returns pid → executable name for every visible process.
// Processes that exit mid-listing are skipped.
func listProcesses(ctx context.Context) (map[int32]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int32]string, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out[p.Pid] = name
	}
	return out, nil
}
