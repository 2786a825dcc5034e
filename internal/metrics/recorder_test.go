package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRecorder_FlushOutput(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWithWriter("PipelineTelemetry", &buf)
	rec.Dimension("endpoint", "ws://localhost:9000/ws")
	rec.Metric("DispatchLatencyMs", 12.5, UnitMilliseconds)
	rec.Metric("MessagesReceived", 42, UnitCount)
	rec.Property("sessionId", "abc-123")
	rec.Flush()

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse stats output as JSON: %v\nOutput: %s", err, buf.String())
	}

	stats, ok := doc["_stats"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _stats directive in output")
	}
	if stats["namespace"] != "PipelineTelemetry" {
		t.Errorf("expected namespace PipelineTelemetry, got %v", stats["namespace"])
	}
	if _, ok := stats["timestamp"]; !ok {
		t.Error("missing timestamp in _stats directive")
	}

	if doc["endpoint"] != "ws://localhost:9000/ws" {
		t.Errorf("expected endpoint dimension, got %v", doc["endpoint"])
	}
	if doc["DispatchLatencyMs"] != 12.5 {
		t.Errorf("expected DispatchLatencyMs=12.5, got %v", doc["DispatchLatencyMs"])
	}
	if doc["MessagesReceived"] != float64(42) {
		t.Errorf("expected MessagesReceived=42, got %v", doc["MessagesReceived"])
	}
	if doc["sessionId"] != "abc-123" {
		t.Errorf("expected sessionId=abc-123, got %v", doc["sessionId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWithWriter("Test", &buf)
	rec.Flush() // No metrics — should produce no output

	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestRecorder_Add(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWithWriter("Test", &buf)
	rec.Add("Reconnects", 1)
	rec.Add("Reconnects", 2)

	if v, ok := rec.values["Reconnects"]; !ok || v != float64(3) {
		t.Errorf("expected Reconnects=3, got %v", v)
	}
	if m, ok := rec.metrics["Reconnects"]; !ok || m.Unit != UnitCount {
		t.Errorf("expected unit Count, got %v", m.Unit)
	}
}

func TestRecorder_Chaining(t *testing.T) {
	var buf bytes.Buffer
	rec := NewWithWriter("Test", &buf).
		Dimension("entity", "file-1").
		Metric("FoldMs", 3, UnitMilliseconds).
		Count("Folds").
		Property("id", "xyz")

	if rec.dimensions["entity"] != "file-1" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["FoldMs"] != float64(3) {
		t.Error("chaining Metric failed")
	}
	if rec.values["Folds"] != float64(1) {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}
