package redisstore

import "testing"

func TestParseRedisInfoExtractsKnownFields(t *testing.T) {
	info := "# Memory\r\n" +
		"used_memory:1048576\r\n" +
		"used_memory_peak:2097152\r\n" +
		"mem_fragmentation_ratio:1.85\r\n" +
		"maxmemory_policy:noeviction\r\n" +
		"# Stats\r\n" +
		"evicted_keys:42\r\n" +
		"rejected_connections:0\r\n" +
		"instantaneous_ops_per_sec:120\r\n"

	got := parseRedisInfo(info)

	if got["memory_fragmentation_ratio"] != 1.85 {
		t.Fatalf("got %v, want 1.85", got["memory_fragmentation_ratio"])
	}
	if got["evicted_keys"] != float64(42) {
		t.Fatalf("got %v, want 42", got["evicted_keys"])
	}
	if _, ok := got["maxmemory_policy"]; ok {
		t.Fatal("unrecognized INFO fields should not be included")
	}
}

func TestParseRedisInfoIgnoresSectionHeadersAndBlankLines(t *testing.T) {
	info := "# Memory\r\n\r\nused_memory:100\r\n"
	got := parseRedisInfo(info)
	if got["used_memory"] != float64(100) {
		t.Fatalf("got %v, want 100", got["used_memory"])
	}
}
