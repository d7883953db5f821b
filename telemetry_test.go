package splatgo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicSink(t *testing.T) {
	t.Run("RecordsSeries", func(t *testing.T) {
		sink := NewBasicSink()
		sink.EmitScalar("loss/ema", 1, 0.5)
		sink.EmitScalar("loss/ema", 2, 0.4)
		sink.EmitScalar("population/size", 2, 100)

		samples := sink.Samples("loss/ema")
		require.Len(t, samples, 2)
		assert.Equal(t, Sample{Iteration: 1, Value: 0.5}, samples[0])

		last, ok := sink.Last("loss/ema")
		require.True(t, ok)
		assert.Equal(t, Sample{Iteration: 2, Value: 0.4}, last)

		_, ok = sink.Last("unknown")
		assert.False(t, ok)

		require.NoError(t, sink.Flush())
	})

	t.Run("ConcurrentEmit", func(t *testing.T) {
		sink := NewBasicSink()

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					sink.EmitScalar("loss/total", i, float64(i))
				}
			}()
		}
		wg.Wait()

		assert.Len(t, sink.Samples("loss/total"), 800)
	})
}

func TestNoopAndLogSink(t *testing.T) {
	var sink TelemetrySink = NoopSink{}
	sink.EmitScalar("x", 1, 1)
	assert.NoError(t, sink.Flush())

	sink = NewLogSink(nil)
	sink.EmitScalar("x", 1, 1)
	assert.NoError(t, sink.Flush())
}
