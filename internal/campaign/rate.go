package campaign

import "time"

// DispatchDelay returns the enqueue delay for batch seq (0-based) of a
// campaign with the given rate budget. Batches are spread so the realized
// send rate across all batches stays within rateLimit messages/second:
//
//	delay(i) = floor(1000/R) ms * B * i
//
// Worst-case in-flight growth is bounded by the worker pool size, not
// here; the allocator is a pure function with no side effects. Invalid
// rate limits are rejected at campaign validation, so rateLimit is
// assumed positive.
func DispatchDelay(rateLimit, batchSize, seq int) time.Duration {
	if rateLimit <= 0 || batchSize <= 0 || seq <= 0 {
		return 0
	}
	perMessage := time.Duration(1000/rateLimit) * time.Millisecond
	return perMessage * time.Duration(batchSize) * time.Duration(seq)
}

// ETA estimates how long a campaign of totalLeads will take. The
// effective send rate is the rate budget capped by what the worker pool
// can actually push (batchSize * workers messages in flight per second).
// User-facing estimate only, not a scheduling guarantee.
func ETA(totalLeads, rateLimit, batchSize, workers int) time.Duration {
	if totalLeads <= 0 || rateLimit <= 0 {
		return 0
	}
	effective := rateLimit
	if workers > 0 && batchSize > 0 && batchSize*workers < effective {
		effective = batchSize * workers
	}
	seconds := (totalLeads + effective - 1) / effective
	return time.Duration(seconds) * time.Second
}
