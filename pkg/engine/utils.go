package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatVector converts a float32 slice to a space-separated string.
func FormatVector(slice []float32) string {
	var b strings.Builder
	for i, v := range slice {
		if i > 0 {
			b.WriteString(" ")
		}
		// 'f' for format, -1 for the minimum necessary precision, 32 for float32.
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	return b.String()
}

// ParseVector parses a vector written as numbers separated by spaces or
// commas, optionally wrapped in brackets.
func ParseVector(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(parts) == 0 {
		return nil, fmt.Errorf("vector string is empty")
	}
	vector := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}
