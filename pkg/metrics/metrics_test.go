package metrics

import (
	"testing"
	"time"
)

func TestCountersWithoutStorage(t *testing.T) {
	Incr("test_counter_nostore", "status", "connected")
	Incr("test_counter_nostore", "status", "connected")
	if v := Value("test_counter_nostore", "status", "connected"); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	SetGauge("test_gauge_nostore", 42)
	if v := Value("test_gauge_nostore"); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if _, ok := Snapshot()["test_gauge_nostore"]; !ok {
		t.Fatal("snapshot missing gauge")
	}
}

func TestQueryStoredPoints(t *testing.T) {
	if err := InitMetrics(t.TempDir()); err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	defer Close()

	start := time.Now().Add(-time.Minute)
	SetGauge("test_gauge_stored", 7, "kind", "unit")
	points, err := Query("test_gauge_stored", start, "kind", "unit")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("expected at least one point")
	}
	if points[len(points)-1].Value != 7 {
		t.Fatalf("unexpected value %v", points[len(points)-1].Value)
	}
}
