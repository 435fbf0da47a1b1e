package s3db

import (
	"reflect"
	"testing"
)

func TestDerivePartitionEntriesSkipsMissingFields(t *testing.T) {
	partitions := []PartitionDefinition{
		{Name: "by_status", Fields: map[string]string{"status": "string"}},
		{Name: "by_status_and_region", Fields: map[string]string{"status": "string", "region": "string"}},
	}

	entries := derivePartitionEntries(partitions, map[string]interface{}{"status": "open"})
	want := map[string]string{"by_status": "status=open"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
}

func TestDerivePartitionEntriesMultiField(t *testing.T) {
	partitions := []PartitionDefinition{
		{Name: "by_status_and_region", Fields: map[string]string{"status": "string", "region": "string"}},
	}

	entries := derivePartitionEntries(partitions, map[string]interface{}{"status": "open", "region": "us"})
	want := map[string]string{"by_status_and_region": "region=us/status=open"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
}

func TestFormatPartitionValueDateMaxLength(t *testing.T) {
	s, ok := formatPartitionValue("date|maxlength:7", "2026-07-30")
	if !ok {
		t.Fatal("expected format to succeed")
	}
	if s != "2026-07" {
		t.Errorf("formatted = %q, want 2026-07", s)
	}
}

func TestFormatPartitionValueNumber(t *testing.T) {
	s, ok := formatPartitionValue("number", 42.0)
	if !ok {
		t.Fatal("expected format to succeed")
	}
	if s != "42" {
		t.Errorf("formatted = %q, want 42", s)
	}
}

func TestFormatPartitionValueTypeMismatchFails(t *testing.T) {
	if _, ok := formatPartitionValue("string", 42.0); ok {
		t.Error("expected a non-string value to fail string formatting")
	}
}

func TestDiffPartitionEntries(t *testing.T) {
	previous := map[string]string{"by_status": "status=open", "by_region": "region=us"}
	current := map[string]string{"by_status": "status=closed", "by_region": "region=us"}

	added, removed := diffPartitionEntries(previous, current)
	if want := map[string]string{"by_status": "status=closed"}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if want := map[string]string{"by_status": "status=open"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
}

func TestDiffPartitionEntriesNewAndDropped(t *testing.T) {
	previous := map[string]string{"by_status": "status=open"}
	current := map[string]string{"by_region": "region=us"}

	added, removed := diffPartitionEntries(previous, current)
	if want := map[string]string{"by_region": "region=us"}; !reflect.DeepEqual(added, want) {
		t.Errorf("added = %v, want %v", added, want)
	}
	if want := map[string]string{"by_status": "status=open"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
}

func TestPartitionKeyShapes(t *testing.T) {
	key := partitionEntryKey("app", "orders", "by_status", "status=open", "id-1")
	if want := "app/resource=orders/partition=by_status/status=open/id=id-1"; key != want {
		t.Errorf("partitionEntryKey = %q, want %q", key, want)
	}

	prefix := partitionEntryPrefix("app", "orders", "by_status", "status=open")
	if want := "app/resource=orders/partition=by_status/status=open/"; prefix != want {
		t.Errorf("partitionEntryPrefix = %q, want %q", prefix, want)
	}

	scanAll := partitionScanPrefix("app", "orders", "by_status", nil)
	if want := "app/resource=orders/partition=by_status/"; scanAll != want {
		t.Errorf("partitionScanPrefix (no values) = %q, want %q", scanAll, want)
	}

	scanValues := partitionScanPrefix("app", "orders", "by_status", map[string]string{"status": "open"})
	if want := "app/resource=orders/partition=by_status/status=open/"; scanValues != want {
		t.Errorf("partitionScanPrefix (with values) = %q, want %q", scanValues, want)
	}
}

func TestEncodeDecodePartitionCacheRoundTrip(t *testing.T) {
	entries := map[string]string{"by_status": "status=open", "by_region": "region=us"}
	raw, err := encodePartitionCache(entries)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded := decodePartitionCache(raw)
	if !reflect.DeepEqual(decoded, entries) {
		t.Errorf("decoded = %v, want %v", decoded, entries)
	}
}

func TestDecodePartitionCacheEmptyAndInvalid(t *testing.T) {
	if got := decodePartitionCache(""); len(got) != 0 {
		t.Errorf("expected empty map for empty input, got %v", got)
	}
	if got := decodePartitionCache("not json"); len(got) != 0 {
		t.Errorf("expected empty map for invalid input, got %v", got)
	}
}
