package collector

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"
)

// promSource scrapes a Prometheus text endpoint and reports metric families
// whose summed value moved since the previous scrape. The first successful
// scrape only records the baseline.
type promSource struct {
	id       string
	endpoint string
	interval time.Duration
	client   *http.Client
}

func (s *promSource) ID() string { return s.id }

func (s *promSource) Run(ctx context.Context, emit EmitFunc) error {
	var prev map[string]float64

	poll(ctx, s.interval, func() bool {
		mfs, err := fetchMetrics(ctx, s.client, s.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Warn("collector: prometheus fetch failed", "source", s.id, "err", err)
			return true
		}

		cur := make(map[string]float64, len(mfs))
		for name, mf := range mfs {
			cur[name] = sumFamily(mf)
		}

		if prev != nil {
			for _, c := range diffFamilies(prev, cur, time.Now().UTC()) {
				if !emit(c) {
					return false
				}
			}
		}
		prev = cur
		return true
	})
	return nil
}

// diffFamilies compares two scrapes, ordered by family name.
func diffFamilies(prev, cur map[string]float64, at time.Time) []Change {
	var out []Change
	for _, name := range sortedKeys(cur) {
		was, ok := prev[name]
		switch {
		case !ok:
			out = append(out, Change{
				Kind:       "metric_added",
				Subject:    name,
				Attributes: map[string]string{"value": formatValue(cur[name])},
				ObservedAt: at,
			})
		case !sameValue(was, cur[name]):
			out = append(out, Change{
				Kind:    "metric_change",
				Subject: name,
				Attributes: map[string]string{
					"previous": formatValue(was),
					"value":    formatValue(cur[name]),
					"delta":    formatValue(cur[name] - was),
				},
				ObservedAt: at,
			})
		}
	}
	for _, name := range sortedKeys(prev) {
		if _, ok := cur[name]; !ok {
			out = append(out, Change{
				Kind:       "metric_removed",
				Subject:    name,
				Attributes: map[string]string{"previous": formatValue(prev[name])},
				ObservedAt: at,
			})
		}
	}
	return out
}

// sameValue reports whether two scraped values are equal, treating NaN as
// equal to NaN.
func sameValue(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
