package format

import (
	"fmt"
	"strconv"
)

// FmtDelta formats a mean metric delta with an explicit sign, so
// improvements (negative deltas for cost-like metrics) read at a glance.
func FmtDelta(d float64) string {
	return fmt.Sprintf("%+.4f", d)
}

// FmtZ formats a z-score, rendering the zero-variance infinite case as
// "inf" rather than Go's "+Inf".
func FmtZ(z float64) string {
	if z > 1e308 {
		return "inf"
	}
	return strconv.FormatFloat(z, 'f', 2, 64)
}

// FmtRate formats a rate in [0,1] as a percentage.
func FmtRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

// Truncate shortens s to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// BoolMark returns "✓" for true and "✗" for false.
func BoolMark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}
