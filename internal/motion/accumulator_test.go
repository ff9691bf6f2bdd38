package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{X: float64(i) / 1000, Change: int64(i)}
	}
	return out
}

func TestAccumulator_CountTrigger(t *testing.T) {
	const maxBatchSize = 4

	for _, n := range []int{1, 3, 4, 5, 8, 9, 17} {
		start := time.Now()
		acc, err := NewAccumulator(maxBatchSize, time.Hour, start)
		require.NoError(t, err)

		var flushed []Batch
		input := samples(n)
		for _, s := range input {
			acc.Append(s)
			if acc.ReadyToFlush(start) {
				flushed = append(flushed, acc.TakeBatch(start))
			}
		}
		// drain the tail the way the shutdown sequence does
		if rest := acc.FlushRemaining(); len(rest) > 0 {
			flushed = append(flushed, rest)
		}

		assert.Len(t, flushed, (n+maxBatchSize-1)/maxBatchSize, "n=%d", n)

		var all []Sample
		for _, b := range flushed {
			assert.NotEmpty(t, b)
			assert.LessOrEqual(t, len(b), maxBatchSize)
			all = append(all, b...)
		}
		assert.Equal(t, input, all, "n=%d", n)
	}
}

func TestAccumulator_AgeTrigger(t *testing.T) {
	start := time.Now()
	acc, err := NewAccumulator(40, 4*time.Second, start)
	require.NoError(t, err)

	assert.False(t, acc.ReadyToFlush(start.Add(10*time.Second)), "empty buffer must never be ready")

	input := samples(3)
	for _, s := range input {
		acc.Append(s)
	}

	assert.False(t, acc.ReadyToFlush(start.Add(3999*time.Millisecond)))

	flushAt := start.Add(4 * time.Second)
	require.True(t, acc.ReadyToFlush(flushAt))
	assert.Equal(t, Batch(input), acc.TakeBatch(flushAt))
	assert.Equal(t, 0, acc.Len())

	// timer restarted at flushAt
	acc.Append(Sample{Change: 99})
	assert.False(t, acc.ReadyToFlush(flushAt.Add(3*time.Second)))
	assert.True(t, acc.ReadyToFlush(flushAt.Add(4*time.Second)))
}

func TestAccumulator_TakeBatchLeavesOverflow(t *testing.T) {
	start := time.Now()
	acc, err := NewAccumulator(3, time.Hour, start)
	require.NoError(t, err)

	input := samples(7)
	for _, s := range input {
		acc.Append(s)
	}

	assert.Equal(t, Batch(input[:3]), acc.TakeBatch(start))
	assert.True(t, acc.ReadyToFlush(start))
	assert.Equal(t, Batch(input[3:6]), acc.TakeBatch(start))
	assert.False(t, acc.ReadyToFlush(start))
	assert.Equal(t, 1, acc.Len())
	assert.Equal(t, Batch(input[6:]), acc.FlushRemaining())
}

func TestAccumulator_BatchIsDetached(t *testing.T) {
	start := time.Now()
	acc, err := NewAccumulator(2, time.Hour, start)
	require.NoError(t, err)

	acc.Append(Sample{Change: 1})
	acc.Append(Sample{Change: 2})
	batch := acc.TakeBatch(start)

	acc.Append(Sample{Change: 3})
	acc.Append(Sample{Change: 4})

	assert.Equal(t, Batch{{Change: 1}, {Change: 2}}, batch)
}

func TestAccumulator_MaxBuffered(t *testing.T) {
	start := time.Now()
	acc, err := NewAccumulator(2, time.Hour, start, WithMaxBuffered(4))
	require.NoError(t, err)

	input := samples(6)
	for _, s := range input {
		acc.Append(s)
	}

	assert.Equal(t, 4, acc.Len())
	assert.Equal(t, uint64(2), acc.Evicted())
	assert.Equal(t, Batch(input[2:]), acc.FlushRemaining())
}

func TestAccumulator_EdgeCases(t *testing.T) {
	start := time.Now()
	acc, err := NewAccumulator(2, time.Second, start)
	require.NoError(t, err)

	assert.Nil(t, acc.TakeBatch(start))
	assert.Nil(t, acc.FlushRemaining())
	assert.Equal(t, 2, acc.MaxBatchSize())

	testCases := []struct {
		name        string
		size        int
		age         time.Duration
		maxBuffered int
	}{
		{"invalid size", 0, time.Second, 0},
		{"invalid age", 10, 0, 0},
		{"negative cap", 10, time.Second, -1},
		{"cap below batch size", 10, time.Second, 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAccumulator(tc.size, tc.age, start, WithMaxBuffered(tc.maxBuffered))
			assert.Error(t, err)
		})
	}
}
