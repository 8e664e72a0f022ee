package executor

import (
	"math/rand"
	"time"
)

// MaxRetries is the number of additional attempts the executor makes
// after a transient backend failure before giving up (spec.md 4.H.1).
const MaxRetries = 2

// baseBackoffs are the un-jittered delays before retry attempts 1, 2
// and 3; attempt 0 (the first try) has no delay, and attempts past the
// end of the list reuse its last entry.
var baseBackoffs = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

// BackoffDelay returns the delay before retry attempt n (1-indexed,
// n=1 is the first retry after the original attempt), with up to 25%
// jitter applied so retried jobs do not thunder against the backend
// simultaneously.
func BackoffDelay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(baseBackoffs) {
		idx = len(baseBackoffs) - 1
	}
	base := baseBackoffs[idx]
	if rng == nil {
		return base
	}
	jitter := time.Duration(rng.Int63n(int64(base) / 4))
	return base + jitter
}
