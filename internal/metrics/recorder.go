// Package metrics provides a lightweight stats recorder for the telemetry
// client. Stats are written as structured single-line JSON documents, where a
// log pipeline (or a human with jq) can pick them out of the stream — no
// metrics endpoint, no background flusher.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Standard metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

// metricDef holds the name and unit for a single metric.
type metricDef struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Recorder accumulates dimensions, metrics, and properties for a single stats
// flush. It is NOT safe for concurrent use from multiple goroutines; create
// one per flush interval or operation.
type Recorder struct {
	namespace  string
	out        io.Writer
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]interface{}
	properties map[string]interface{}
}

// New creates a Recorder with the given namespace, writing to stdout.
func New(namespace string) *Recorder {
	return NewWithWriter(namespace, os.Stdout)
}

// NewWithWriter creates a Recorder writing its flushed document to w.
func NewWithWriter(namespace string, w io.Writer) *Recorder {
	return &Recorder{
		namespace:  namespace,
		out:        w,
		dimensions: make(map[string]string),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
}

// Dimension adds a dimension key-value pair. Dimensions identify the source
// of the stats document (endpoint, entity, session).
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named metric value with a unit.
// Use the Unit* constants (UnitMilliseconds, UnitCount, UnitBytes, UnitNone).
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count is a convenience for recording a count metric (value = 1).
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Add accumulates onto a count metric, creating it at zero if absent.
func (r *Recorder) Add(name string, delta float64) *Recorder {
	cur, _ := r.values[name].(float64)
	return r.Metric(name, cur+delta, UnitCount)
}

// Property adds a non-metric field to the document. Properties are searchable
// in the output stream but carry no unit.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush serializes the stats document as a single JSON line.
// After flushing, the Recorder should not be reused.
func (r *Recorder) Flush() {
	if len(r.metrics) == 0 {
		return // Nothing to emit
	}

	doc := make(map[string]interface{})

	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		metricDefs = append(metricDefs, m)
	}

	doc["_stats"] = map[string]interface{}{
		"namespace": r.namespace,
		"timestamp": time.Now().UnixMilli(),
		"metrics":   metricDefs,
	}

	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}
	for k, v := range r.properties {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		// Best-effort: log to stderr if marshaling fails
		fmt.Fprintf(os.Stderr, "metrics: failed to marshal stats: %v\n", err)
		return
	}

	fmt.Fprintln(r.out, string(data))
}
