package metrics

const (
	LabelStatus = "status"
)

// Buckets for the per-block drain wait, in seconds. The wait is bounded by the configured
// reconcile wait budget, which is expected to stay well below one second.
var drainDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
