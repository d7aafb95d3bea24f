package alerts

import (
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/changeagent/server/internal/store"
)

// evalCondition evaluates a rule condition string against a machine.
//
// Supported expressions (field operator value):
//
//	rejected > 0
//	sessions >= 5
//	idle_seconds > 300
//	batches == 0
//	events > 100000
//	cursor < 10
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, m store.Machine, now time.Time) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	v, ok := numericField(field, m, now)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value for m.
func numericField(field string, m store.Machine, now time.Time) (float64, bool) {
	switch field {
	case "rejected":
		return float64(m.Rejected), true
	case "sessions":
		return float64(m.Sessions), true
	case "batches":
		return float64(m.Batches), true
	case "events":
		return float64(m.Events), true
	case "cursor":
		return float64(m.Cursor), true
	case "idle_seconds":
		return now.Sub(m.UpdatedAt).Seconds(), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}
