package health

import (
	"fmt"
	"testing"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	// Initial state: Healthy (no checks)
	if !hm.IsHealthy() {
		t.Error("Empty health manager should be healthy")
	}

	// Add healthy check
	hm.Register("comp1", func() error { return nil })
	if !hm.IsHealthy() {
		t.Error("Healthy component should not fail manager")
	}

	// Add unhealthy check
	hm.Register("comp2", func() error { return fmt.Errorf("failed") })
	if hm.IsHealthy() {
		t.Error("Unhealthy component should fail manager")
	}

	status := hm.GetStatus()
	if status["comp1"] != "Healthy" {
		t.Errorf("Expected Healthy, got %s", status["comp1"])
	}
	if status["comp2"] != "Unhealthy: failed" {
		t.Errorf("Expected Unhealthy, got %s", status["comp2"])
	}
}

func TestHealthManager_Probe(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("comp1", func() error { return nil })
	hm.Register("comp2", func() error { return fmt.Errorf("failed") })

	if err := hm.Probe("comp1"); err != nil {
		t.Errorf("Expected comp1 healthy, got %v", err)
	}
	if err := hm.Probe("comp2"); err == nil {
		t.Error("Expected comp2 probe to fail")
	}
	if err := hm.Probe("unknown"); err != nil {
		t.Errorf("Unregistered component must probe healthy, got %v", err)
	}
}
