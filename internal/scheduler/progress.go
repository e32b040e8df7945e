package scheduler

import "time"

// BatchProgress is one batch-level progress emission. Fraction counts a
// finished job as 1 and an in-flight job as its latest reported
// fraction, so it is monotone non-decreasing across the batch even when
// jobs fail.
type BatchProgress struct {
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	InFlight  int       `json:"in_flight"`
	Fraction  float64   `json:"fraction"`
	At        time.Time `json:"at"`
}

// emitAggregate recomputes the batch fraction and pushes it to the sink.
// Non-final emissions are rate-limited; the final one always fires.
func (b *batch) emitAggregate(final bool) {
	if b.opts.AggregateSink == nil {
		return
	}
	if !final && !b.limiter.Allow() {
		return
	}

	fraction := 1.0
	if b.total > 0 {
		sum := float64(b.completed)
		for _, f := range b.fractions {
			sum += f
		}
		fraction = sum / float64(b.total)
	}
	// Guard against float jitter; failed jobs already advance the sum
	// through the completed count.
	if fraction < b.lastAggregate {
		fraction = b.lastAggregate
	}
	if fraction > 1 {
		fraction = 1
	}
	b.lastAggregate = fraction

	b.opts.AggregateSink(BatchProgress{
		Total:     b.total,
		Completed: b.completed,
		InFlight:  b.inFlight,
		Fraction:  fraction,
		At:        time.Now().UTC(),
	})
}
