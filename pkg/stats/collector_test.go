package stats

import (
	"sync"
	"testing"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpQuery)
	collector.TrackOperation(OpQuery)
	collector.TrackOperation(OpOpen)

	stats := collector.GetStats()

	if stats["query_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 query operations, got %v", stats["query_ops"])
	}
	if stats["open_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 open operation, got %v", stats["open_ops"])
	}
	if _, exists := stats["last_query_time"]; !exists {
		t.Errorf("Expected last_query_time to exist in stats")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpQuery, 100)
	collector.TrackOperationWithLatency(OpQuery, 200)
	collector.TrackOperationWithLatency(OpQuery, 300)

	stats := collector.GetStats()

	latencyStats, ok := stats["query_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected query_latency to be a map, got %T", stats["query_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
	if ops := stats["query_ops"].(uint64); ops != 3 {
		t.Errorf("Expected 3 query operations, got %v", ops)
	}
}

func TestCollector_QueryCounters(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(4096)
	collector.TrackBytes(1024)
	collector.TrackBlocks(3, 1)
	collector.TrackEntries(42)
	collector.TrackFiles(2)

	stats := collector.GetStats()

	checks := map[string]uint64{
		"total_bytes_read": 5120,
		"blocks_read":      3,
		"blocks_skipped":   1,
		"entries_matched":  42,
		"files_opened":     2,
	}
	for key, want := range checks {
		if got := stats[key].(uint64); got != want {
			t.Errorf("%s: expected %d, got %d", key, want, got)
		}
	}
}

func TestCollector_TrackError(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackError("corrupt_block")
	collector.TrackError("corrupt_block")
	collector.TrackError("io")

	errors := collector.GetStats()["errors"].(map[string]uint64)
	if errors["corrupt_block"] != 2 {
		t.Errorf("Expected 2 corrupt_block errors, got %d", errors["corrupt_block"])
	}
	if errors["io"] != 1 {
		t.Errorf("Expected 1 io error, got %d", errors["io"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpQuery)
	collector.TrackOperation(OpCatalog)
	collector.TrackBlocks(1, 0)

	filtered := collector.GetStatsFiltered("blocks_")
	if len(filtered) != 2 {
		t.Errorf("Expected 2 block stats, got %v", filtered)
	}
	if _, ok := filtered["query_ops"]; ok {
		t.Errorf("query_ops should be filtered out")
	}

	if len(collector.GetStatsFiltered("")) != len(collector.GetStats()) {
		t.Errorf("An empty prefix should return every statistic")
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				collector.TrackOperationWithLatency(OpBlockRead, uint64(j+1))
				collector.TrackBlocks(1, 0)
				collector.TrackError("io")
			}
		}()
	}
	wg.Wait()

	stats := collector.GetStats()
	expected := uint64(numGoroutines * opsPerGoroutine)

	if ops := stats["block_read_ops"].(uint64); ops != expected {
		t.Errorf("Expected %d block reads, got %d", expected, ops)
	}
	if blocks := stats["blocks_read"].(uint64); blocks != expected {
		t.Errorf("Expected %d blocks read, got %d", expected, blocks)
	}
	if errs := stats["errors"].(map[string]uint64)["io"]; errs != expected {
		t.Errorf("Expected %d io errors, got %d", expected, errs)
	}

	latency := stats["block_read_latency"].(map[string]interface{})
	if min := latency["min_ns"].(uint64); min != 1 {
		t.Errorf("Expected min latency 1ns, got %d", min)
	}
	if max := latency["max_ns"].(uint64); max != opsPerGoroutine {
		t.Errorf("Expected max latency %dns, got %d", opsPerGoroutine, max)
	}
}
