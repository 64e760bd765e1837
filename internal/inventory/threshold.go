package inventory

// CrossedLowStock is true only when on-hand moved from above the threshold to at
// or below it. Repeated changes that stay below the threshold do not fire again.
func CrossedLowStock(prev, next, threshold int64) bool {
	return next <= threshold && threshold < prev
}

// Restocked is true only when on-hand moved from depleted to available.
func Restocked(prev, next int64) bool {
	return prev <= 0 && next > 0
}
