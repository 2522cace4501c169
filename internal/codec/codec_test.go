package codec

import (
	"bytes"
	"testing"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := NewRegistry().Lookup("application/json")
	var buf bytes.Buffer
	in := map[string]any{"key": "value", "n": float64(42)}
	if err := c.Encode(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := c.Decode(&buf, 1<<20, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["key"] != "value" {
		t.Errorf("expected key=value, got %v", out["key"])
	}
}

func TestJSONCodecRejectsOversizedBody(t *testing.T) {
	c := NewRegistry().Lookup("application/json")
	big := bytes.Repeat([]byte("a"), 100)
	body := []byte(`{"x":"` + string(big) + `"}`)
	var out map[string]any
	if err := c.Decode(bytes.NewReader(body), 10, &out); err == nil {
		t.Errorf("expected oversized body to fail the byte cap")
	}
}

func TestPackedCodecRoundTrip(t *testing.T) {
	c := NewRegistry().Lookup("application/x-msgpack")
	var buf bytes.Buffer
	in := map[string]any{"name": "fizbit", "count": float64(5), "active": true, "tag": nil}
	if err := c.Encode(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	if err := c.Decode(&buf, 1<<20, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["name"] != "fizbit" {
		t.Errorf("expected name=fizbit, got %v", out["name"])
	}
	if out["active"] != true {
		t.Errorf("expected active=true, got %v", out["active"])
	}
}

func TestPackedCodecRejectsTruncatedFrame(t *testing.T) {
	c := NewRegistry().Lookup("application/x-msgpack")
	var out map[string]any
	if err := c.Decode(bytes.NewReader([]byte{0, 0, 0, 0, 5}), 1<<20, &out); err == nil {
		t.Errorf("expected truncated frame (field count says 5, no fields follow) to fail")
	}
}

func TestRegistryFallsBackToJSON(t *testing.T) {
	r := NewRegistry()
	if r.Lookup("").ContentType() != "application/json" {
		t.Errorf("expected empty content-type to fall back to JSON")
	}
	if r.Lookup("text/plain").ContentType() != "application/json" {
		t.Errorf("expected unknown content-type to fall back to JSON")
	}
}
