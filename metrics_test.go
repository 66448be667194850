package rvvisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMetrics(t *testing.T) {
	// Reset metrics for clean test
	ResetMetrics()

	// Verify initial state
	if diff := cmp.Diff(Metrics{}, GetMetrics()); diff != "" {
		t.Errorf("metrics not zero after reset (-want +got):\n%s", diff)
	}

	recordGuestCreate()
	recordGuestEntry()
	recordImageLoad(300 * time.Nanosecond)
	recordImageLoad(100 * time.Nanosecond)
	for range 3 {
		recordSectorRead()
	}
	recordSectionLoad(4096)
	recordSectionLoad(100)
	recordTrap()
	recordTrap()
	recordClaim()
	recordVirtioInterrupt()
	recordConsoleInterrupt()
	recordHalt()
	recordUnhandledTrap()

	want := Metrics{
		GuestsCreated:      1,
		GuestEntries:       1,
		ImagesLoaded:       2,
		SectorsRead:        3,
		SectionsLoaded:     2,
		BytesCopied:        4196,
		TrapsHandled:       2,
		InterruptsClaimed:  1,
		VirtioInterrupts:   1,
		ConsoleInterrupts:  1,
		AvgImageLoadTimeNs: 200,
		GuestHalts:         1,
		UnhandledTraps:     1,
	}
	if diff := cmp.Diff(want, GetMetrics()); diff != "" {
		t.Errorf("GetMetrics() mismatch (-want +got):\n%s", diff)
	}

	t.Logf("Final metrics: %+v", GetMetrics())
	ResetMetrics()
}

func TestMetricsJSON(t *testing.T) {
	ResetMetrics()
	recordSectorRead()
	b, err := json.Marshal(GetMetrics())
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	var got map[string]uint64
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	if got["sectors_read"] != 1 {
		t.Errorf("sectors_read = %d, want 1", got["sectors_read"])
	}
	if _, ok := got["avg_image_load_time_ns"]; !ok {
		t.Error("avg_image_load_time_ns missing")
	}
	ResetMetrics()
}
