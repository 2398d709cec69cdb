package ratings

import (
	"math"
	"strings"
)

// Rating labels. The wire strings match what the dashboard renders.
const (
	RatingStrongBuy  = "Strong Buy"
	RatingBuy        = "Buy"
	RatingNeutral    = "Neutral"
	RatingSell       = "Sell"
	RatingStrongSell = "Strong Sell"
	RatingUnknown    = "Unknown"
)

// LiveRating maps a scanner recommendation value (roughly -1..+1) to a
// label using the live thresholds. Nil and non-finite values are Unknown.
func LiveRating(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return RatingUnknown
	}
	val := *v
	switch {
	case val >= 0.5:
		return RatingStrongBuy
	case val >= 0.1:
		return RatingBuy
	case val >= -0.1:
		return RatingNeutral
	case val > -0.5:
		return RatingSell
	default:
		return RatingStrongSell
	}
}

// SnapshotRating maps a recommendation value using the snapshot thresholds.
// There is no Neutral band; zero counts as Buy.
func SnapshotRating(v *float64) string {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return RatingUnknown
	}
	val := *v
	switch {
	case val >= 0.5:
		return RatingStrongBuy
	case val >= 0:
		return RatingBuy
	case val > -0.5:
		return RatingSell
	default:
		return RatingStrongSell
	}
}

// isBuySide and isSellSide classify labels for accuracy scoring.
// Comparison is case-insensitive because stored labels predate the
// current casing.
func isBuySide(rating string) bool {
	switch strings.ToLower(rating) {
	case "buy", "strong buy":
		return true
	}
	return false
}

func isSellSide(rating string) bool {
	switch strings.ToLower(rating) {
	case "sell", "strong sell":
		return true
	}
	return false
}
