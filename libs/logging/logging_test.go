package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "withdrawal", "test")
	logger.Info("dropped")
	logger.Warn("saga compensating", "saga_id", "abc")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "withdrawal" || rec["env"] != "test" || rec["saga_id"] != "abc" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["level"] != "WARN" {
		t.Fatalf("expected WARN, got %v", rec["level"])
	}
}
