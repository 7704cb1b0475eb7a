package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strp(s string) *string { return &s }

func TestRoundTrip_PreservesFieldsAndRenamesType(t *testing.T) {
	lines := 42
	h := Heartbeat{
		ID:         "abc-123",
		Entity:     "/tmp/a.rs",
		EntityType: EntityFile,
		Time:       1700000000.123,
		Project:    strp("chronova"),
		Branch:     strp("main"),
		Language:   strp("Rust"),
		IsWrite:    true,
		Lines:      &lines,
		Editor:     &Editor{Name: "vscode", Version: strp("1.0")},
		OS:         &OS{Name: "linux"},
		Dependencies: []string{"serde", "tokio"},
	}

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal to map: %v", err)
	}
	if _, ok := raw["type"]; !ok {
		t.Fatal("expected wire field \"type\", entity_type must rename")
	}
	if _, ok := raw["entity_type"]; ok {
		t.Fatal("did not expect wire field \"entity_type\"")
	}

	var round Heartbeat
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if diff := cmp.Diff(h, round); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInferEntityType_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := InferEntityType(path); got != EntityFile {
		t.Errorf("InferEntityType(%q) = %q, want file", path, got)
	}
}

func TestInferEntityType_URL(t *testing.T) {
	if got := InferEntityType("https://example.com/doc"); got != EntityURL {
		t.Errorf("InferEntityType(url) = %q, want url", got)
	}
}

func TestInferEntityType_Domain(t *testing.T) {
	if got := InferEntityType("example.com"); got != EntityDomain {
		t.Errorf("InferEntityType(domain) = %q, want domain", got)
	}
}

func TestInferEntityType_App(t *testing.T) {
	if got := InferEntityType("slack"); got != EntityApp {
		t.Errorf("InferEntityType(app) = %q, want app", got)
	}
}

func TestValidate_FillsMissingID(t *testing.T) {
	h := &Heartbeat{Entity: "x", EntityType: EntityApp, Time: 1}
	if err := Validate(h); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if h.ID == "" {
		t.Error("expected Validate to fill in a missing ID")
	}
}

func TestValidate_RejectsEmptyEntity(t *testing.T) {
	h := &Heartbeat{EntityType: EntityApp, Time: 1}
	if err := Validate(h); err == nil {
		t.Error("expected error for empty entity")
	}
}

func TestDecodeExtra_DropsInvalidEntries(t *testing.T) {
	payload := `[
		{"id":"1","entity":"a.rs","type":"file","time":1},
		{"id":"2","entity":"","type":"file","time":2},
		"not an object",
		{"id":"3","entity":"b.rs","type":"file","time":3}
	]`

	valid, warnings, err := DecodeExtra([]byte(payload))
	if err != nil {
		t.Fatalf("DecodeExtra: %v", err)
	}
	if len(valid) != 2 {
		t.Fatalf("expected 2 valid heartbeats, got %d", len(valid))
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestDecodeExtra_NotAnArray(t *testing.T) {
	_, _, err := DecodeExtra([]byte(`{"id":"1"}`))
	if err == nil {
		t.Error("expected error when top-level value is not an array")
	}
}
