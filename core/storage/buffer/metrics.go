package buffer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// instrumentation holds the counters and gauge the buffer pool reports
// through OpenTelemetry: one Int64Counter per event and an
// UpDownCounter used as a live gauge, all built from a single
// meter.Meter at construction time so a caller with no telemetry
// configured gets a set of no-op instruments instead of nil-pointer
// checks scattered through the pool.
type instrumentation struct {
	hits        metric.Int64Counter
	misses      metric.Int64Counter
	evictions   metric.Int64Counter
	flushes     metric.Int64Counter
	framesInUse metric.Int64UpDownCounter
}

func newInstrumentation(meter metric.Meter) (*instrumentation, error) {
	hits, err := meter.Int64Counter("kestrel.buffer_pool.hits",
		metric.WithDescription("pages served from the buffer pool without a disk read"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("kestrel.buffer_pool.misses",
		metric.WithDescription("pages that required a disk read"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("kestrel.buffer_pool.evictions",
		metric.WithDescription("frames reclaimed by the replacer"))
	if err != nil {
		return nil, err
	}
	flushes, err := meter.Int64Counter("kestrel.buffer_pool.flushes",
		metric.WithDescription("pages written back to disk, by eviction or flush"))
	if err != nil {
		return nil, err
	}
	framesInUse, err := meter.Int64UpDownCounter("kestrel.buffer_pool.frames_in_use",
		metric.WithDescription("frames currently holding a page"))
	if err != nil {
		return nil, err
	}
	return &instrumentation{
		hits:        hits,
		misses:      misses,
		evictions:   evictions,
		flushes:     flushes,
		framesInUse: framesInUse,
	}, nil
}

func (i *instrumentation) recordHit()      { i.hits.Add(context.Background(), 1) }
func (i *instrumentation) recordMiss()     { i.misses.Add(context.Background(), 1) }
func (i *instrumentation) recordEviction() { i.evictions.Add(context.Background(), 1) }
func (i *instrumentation) recordFlush()    { i.flushes.Add(context.Background(), 1) }
func (i *instrumentation) frameAcquired()  { i.framesInUse.Add(context.Background(), 1) }
func (i *instrumentation) frameReleased()  { i.framesInUse.Add(context.Background(), -1) }
