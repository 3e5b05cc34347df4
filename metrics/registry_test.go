package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestDirectlyAlwaysReplaces(t *testing.T) {
	r := New()
	r.Set("x", 1, Directly)
	r.Set("x", 0.5, Directly)
	v, _, ok := r.Get("x")
	if !ok || v != 0.5 {
		t.Fatalf("expected 0.5, got %v ok=%v", v, ok)
	}
}

func TestMaxOverWindowKeepsLargest(t *testing.T) {
	r := New()
	r.Set("x", 5, MaxOver10s)
	r.Set("x", 3, MaxOver10s)
	v, _, _ := r.Get("x")
	if v != 5 {
		t.Fatalf("expected max 5 retained, got %v", v)
	}
	r.Set("x", 9, MaxOver10s)
	v, _, _ = r.Get("x")
	if v != 9 {
		t.Fatalf("expected 9 to replace as new max, got %v", v)
	}
}

func TestMinOverWindowReplacesWhenStale(t *testing.T) {
	r := New()
	r.mu.Lock()
	r.samples["x"] = &sample{value: 1, at: time.Now().Add(-20 * time.Second), policy: MinOver10s}
	r.mu.Unlock()
	r.Set("x", 5, MinOver10s)
	v, _, _ := r.Get("x")
	if v != 5 {
		t.Fatalf("expected stale sample replaced even though 5 > 1, got %v", v)
	}
}

func TestExportTextContainsSample(t *testing.T) {
	r := New()
	r.Set("dcmstore.storage.used_bytes", 42, Directly)
	text, err := r.ExportText()
	if err != nil {
		t.Fatalf("ExportText: %v", err)
	}
	if !strings.Contains(text, "dcmstore_storage_used_bytes") {
		t.Fatalf("expected sanitized metric name in export, got:\n%s", text)
	}
	if !strings.Contains(text, "42") {
		t.Fatalf("expected value in export, got:\n%s", text)
	}
}
