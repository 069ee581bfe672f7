// Package stats holds the decimal arithmetic shared by the detectors.
package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DivisionPrecision is the scale used for ratio results.
const DivisionPrecision = 18

var two = decimal.NewFromInt(2)

// Median returns the middle value, or the mean of the two middle values for an even count.
// The bool is false for an empty input.
func Median(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Zero, false
	}
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return sorted[mid-1].Add(sorted[mid]).DivRound(two, DivisionPrecision), true
}

// Mean returns the arithmetic mean. The bool is false for an empty input.
func Mean(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Sum(values[0], values[1:]...)
	return sum.DivRound(decimal.NewFromInt(int64(len(values))), DivisionPrecision), true
}

// PctDiff returns |value - base| / base as a fraction. The bool is false when base is not positive.
func PctDiff(value, base decimal.Decimal) (decimal.Decimal, bool) {
	if !base.IsPositive() {
		return decimal.Zero, false
	}
	return value.Sub(base).Abs().DivRound(base, DivisionPrecision), true
}

// FlatRange returns (max - min) / midpoint, with midpoint = (max + min) / 2.
// The bool is false for an empty input or a non-positive midpoint.
func FlatRange(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Zero, false
	}
	lo, hi := decimal.Min(values[0], values[1:]...), decimal.Max(values[0], values[1:]...)
	mid := lo.Add(hi).DivRound(two, DivisionPrecision)
	if !mid.IsPositive() {
		return decimal.Zero, false
	}
	return hi.Sub(lo).DivRound(mid, DivisionPrecision), true
}

// FormatPct renders a fraction as a percentage with two decimals.
func FormatPct(fraction decimal.Decimal) string {
	return fraction.Shift(2).StringFixed(2) + "%"
}

// FormatSpan renders a duration as minutes below one hour, else as hours with one decimal.
func FormatSpan(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int64(d.Round(time.Minute)/time.Minute))
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
