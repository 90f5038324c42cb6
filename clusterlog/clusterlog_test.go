package clusterlog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_TextFormatDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("", "", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("output = %q, want it to contain the message", buf.String())
	}
}

func TestNew_JSONFormatProducesParseableLines(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("probe", slog.Int("n", 7))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "probe" {
		t.Fatalf("msg = %v, want \"probe\"", rec["msg"])
	}
}

func TestNew_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected info-level record to be filtered out, got %q", buf.String())
	}
	log.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatalf("expected warn-level record to pass the filter")
	}
}

func TestNew_RejectsUnrecognizedLevelAndFormat(t *testing.T) {
	if _, err := New("verbose", "text", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected an error for an unrecognized log level")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected an error for an unrecognized log format")
	}
}

func TestNode_AttachesNodeIDField(t *testing.T) {
	var buf bytes.Buffer
	base, err := New("info", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := uuid.New()
	Node(base, id).Info("ping")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if rec["node_id"] != id.String() {
		t.Fatalf("node_id = %v, want %s", rec["node_id"], id)
	}
}

func TestNode_NilLoggerFallsBackToDefault(t *testing.T) {
	// must not panic.
	_ = Node(nil, uuid.New())
}

func TestPhase_AttachesPhaseField(t *testing.T) {
	var buf bytes.Buffer
	base, err := New("info", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Phase(base, 42).Info("decided")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if rec["phase"] != float64(42) {
		t.Fatalf("phase = %v, want 42", rec["phase"])
	}
}
