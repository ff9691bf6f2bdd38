package motion

import (
	"fmt"
	"slices"
	"time"
)

const (
	// DefaultMaxBatchSize is the number of samples that triggers a flush
	DefaultMaxBatchSize = 40

	// DefaultMaxBatchAge is the time since the last flush that triggers a flush
	// of a non-empty buffer
	DefaultMaxBatchAge = 4 * time.Second
)

// WithMaxBuffered caps the number of buffered samples. When the cap is reached
// the oldest sample is evicted to make room. Zero means unlimited.
func WithMaxBuffered(limit int) func(*Accumulator) {
	return func(a *Accumulator) {
		a.maxBuffered = limit
	}
}

// Accumulator buffers samples in arrival order and decides when a batch is due.
// It is owned by a single control loop and is not safe for concurrent use.
type Accumulator struct {
	maxBatchSize int
	maxBatchAge  time.Duration
	maxBuffered  int

	buffer    []Sample
	lastFlush time.Time
	evicted   uint64
}

// NewAccumulator creates an empty accumulator whose age timer starts at now.
//
// Parameters:
//   - maxBatchSize: number of buffered samples that makes a batch ready
//   - maxBatchAge: time since the last flush that makes a non-empty batch ready
//   - now: start of the first age window
//
// Returns an error if parameters are invalid.
func NewAccumulator(maxBatchSize int, maxBatchAge time.Duration, now time.Time, options ...func(*Accumulator)) (*Accumulator, error) {
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("invalid max batch size: %d", maxBatchSize)
	}
	if maxBatchAge <= 0 {
		return nil, fmt.Errorf("invalid max batch age: %s", maxBatchAge)
	}

	a := Accumulator{
		maxBatchSize: maxBatchSize,
		maxBatchAge:  maxBatchAge,
		buffer:       make([]Sample, 0, maxBatchSize),
		lastFlush:    now,
	}

	for _, option := range options {
		option(&a)
	}

	if a.maxBuffered < 0 {
		return nil, fmt.Errorf("invalid max buffered samples: %d", a.maxBuffered)
	}
	if a.maxBuffered > 0 && a.maxBuffered < maxBatchSize {
		return nil, fmt.Errorf("max buffered samples %d is less than max batch size %d", a.maxBuffered, maxBatchSize)
	}

	return &a, nil
}

// Append adds the sample to the tail of the buffer
func (a *Accumulator) Append(s Sample) {
	if a.maxBuffered > 0 && len(a.buffer) >= a.maxBuffered {
		a.buffer = a.buffer[1:]
		a.evicted++
	}

	a.buffer = append(a.buffer, s)
}

// ReadyToFlush returns true if the buffer holds a full batch, or holds at least
// one sample and the max batch age has elapsed since the last flush.
func (a *Accumulator) ReadyToFlush(now time.Time) bool {
	n := len(a.buffer)
	return n >= a.maxBatchSize || (n > 0 && now.Sub(a.lastFlush) >= a.maxBatchAge)
}

// TakeBatch detaches up to max batch size of the oldest samples and restarts
// the age timer at now. Samples left behind stay buffered for the next batch.
func (a *Accumulator) TakeBatch(now time.Time) Batch {
	a.lastFlush = now

	n := min(len(a.buffer), a.maxBatchSize)
	if n == 0 {
		return nil
	}

	batch := Batch(slices.Clone(a.buffer[:n]))
	if n == len(a.buffer) {
		a.buffer = a.buffer[:0]
	} else {
		a.buffer = a.buffer[n:]
	}

	return batch
}

// FlushRemaining detaches everything still buffered. It is meant for the
// shutdown sequence and may return more than max batch size samples, or none.
func (a *Accumulator) FlushRemaining() Batch {
	if len(a.buffer) == 0 {
		return nil
	}

	batch := Batch(slices.Clone(a.buffer))
	a.buffer = a.buffer[:0]
	return batch
}

// Len returns the current number of buffered samples
func (a *Accumulator) Len() int {
	return len(a.buffer)
}

// MaxBatchSize returns the flush threshold by count
func (a *Accumulator) MaxBatchSize() int {
	return a.maxBatchSize
}

// Evicted returns the number of samples dropped because of the buffer cap
func (a *Accumulator) Evicted() uint64 {
	return a.evicted
}
