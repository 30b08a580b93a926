package site

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseMetric reads a displayed figure such as "$13,376", "-$155", "68.2%"
// or "$21 / lot". Only the part before a slash is considered.
func ParseMetric(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "/"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", ErrUnparsable)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer(",", "", "$", "", "%", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// ParseField parses raw for a result field, truncating integer fields
func ParseField(field ResultField, raw string) (float64, error) {
	v, err := ParseMetric(raw)
	if err != nil {
		return 0, err
	}
	if field.Integer {
		v = math.Trunc(v)
	}
	return v, nil
}
