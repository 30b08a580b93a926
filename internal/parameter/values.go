package parameter

import (
	"fmt"
	"math"
	"strconv"
)

// maxValues caps generated value lists so a bad step cannot exhaust memory
const maxValues = 10000

// RangeValues returns start, start+step, ... up to and including end.
// Integer ranges yield ints, others yield float64.
func RangeValues(start, end, step float64, integer bool) ([]any, error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: step must be positive", ErrInvalidConfig)
	}
	if end < start {
		return []any{}, nil
	}
	n := int(math.Floor((end-start)/step+1e-9)) + 1
	if n > maxValues {
		return nil, fmt.Errorf("%w: range yields %d values", ErrInvalidConfig, n)
	}

	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v := start + float64(i)*step
		if integer {
			out = append(out, int(math.Round(v)))
			continue
		}
		// trim float drift such as 0.30000000000000004
		out = append(out, math.Round(v*1e9)/1e9)
	}
	return out, nil
}

// ClockValues returns HH:MM values from start to end in steps of interval minutes
func ClockValues(startMinutes, endMinutes, interval int) ([]any, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	out := []any{}
	for m := startMinutes; m <= endMinutes; m += interval {
		out = append(out, fmt.Sprintf("%02d:%02d", m/60, m%60))
	}
	return out, nil
}

// FormatValue renders a value the way it is typed into an input
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	if n, ok := toFloat(v); ok {
		return FormatValue(n)
	}
	return "", fmt.Errorf("%w: %T", ErrInvalidValue, v)
}

func intConfig(config map[string]any, key string) int {
	n, _ := toFloat(config[key])
	return int(n)
}

func floatConfig(config map[string]any, key string) float64 {
	n, _ := toFloat(config[key])
	return n
}
