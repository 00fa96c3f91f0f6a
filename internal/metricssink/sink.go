// Package metricssink defines the opaque metrics interface the session
// core forwards StreamEvents to. The metrics analytics pipeline itself is
// out of scope here: this package supplies only the seam (interface + a
// no-op implementation) a caller can bind a real backend to, in the
// spirit of metrics.RunProvider/WorkerProvider's provider-interface
// pattern (internal/metrics/prometheus.go) generalized from a pull-based
// Collector to a push-based sink.
package metricssink

import "context"

// Event is the minimal shape forwarded per decoded StreamEvent: enough
// for a backend to attribute and classify, without this package knowing
// anything about jsonl.StreamEvent's internal schema table.
type Event struct {
	SessionID string
	Seq       uint64
	Kind      string
	Fields    map[string]any
}

// Sink receives session telemetry. Implementations must not block the
// caller for long; Record is called from the session pump goroutine.
type Sink interface {
	Record(ctx context.Context, ev Event)
	Close() error
}

// Noop discards every event. It is the default sink and the only
// implementation this repo provides.
type Noop struct{}

func (Noop) Record(context.Context, Event) {}
func (Noop) Close() error                  { return nil }
