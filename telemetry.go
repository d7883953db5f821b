package splatgo

import (
	"context"
	"sync"
)

// TelemetrySink receives scalar training metrics (losses, population
// counts, timings). Implement this interface to feed an external
// dashboard or metrics system.
//
// EmitScalar is called from the training loop and must be cheap;
// implementations that do I/O should buffer and defer it to Flush.
type TelemetrySink interface {
	// EmitScalar records one named scalar at the given iteration.
	EmitScalar(name string, iteration int, value float64)

	// Flush drains any buffered metrics.
	Flush() error
}

// NoopSink is a no-op implementation of TelemetrySink.
// Use this when telemetry is not needed.
type NoopSink struct{}

func (NoopSink) EmitScalar(string, int, float64) {}
func (NoopSink) Flush() error                    { return nil }

// Sample is one recorded scalar value.
type Sample struct {
	Iteration int
	Value     float64
}

// BasicSink provides simple in-memory telemetry collection.
// Useful for debugging and tests without external dependencies.
type BasicSink struct {
	mu     sync.Mutex
	series map[string][]Sample
}

// NewBasicSink creates an empty in-memory sink.
func NewBasicSink() *BasicSink {
	return &BasicSink{series: make(map[string][]Sample)}
}

// EmitScalar implements TelemetrySink.
func (b *BasicSink) EmitScalar(name string, iteration int, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.series[name] = append(b.series[name], Sample{Iteration: iteration, Value: value})
}

// Flush implements TelemetrySink.
func (b *BasicSink) Flush() error { return nil }

// Samples returns a copy of the recorded series for one metric.
func (b *BasicSink) Samples(name string) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sample, len(b.series[name]))
	copy(out, b.series[name])
	return out
}

// Last returns the most recent sample of one metric.
func (b *BasicSink) Last(name string) (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.series[name]
	if len(s) == 0 {
		return Sample{}, false
	}
	return s[len(s)-1], true
}

// LogSink forwards every scalar to a Logger at debug level.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a sink that logs scalars through the given logger.
func NewLogSink(logger *Logger) *LogSink {
	if logger == nil {
		logger = NoopLogger()
	}
	return &LogSink{logger: logger}
}

// EmitScalar implements TelemetrySink.
func (s *LogSink) EmitScalar(name string, iteration int, value float64) {
	s.logger.DebugContext(context.Background(), "telemetry",
		"metric", name,
		"iteration", iteration,
		"value", value,
	)
}

// Flush implements TelemetrySink.
func (s *LogSink) Flush() error { return nil }
