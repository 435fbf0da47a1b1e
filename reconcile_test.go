package s3db

import (
	"context"
	"testing"
)

func TestReconcileNoopWhenHealthy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "healthy",
		AttributeRules: map[string]string{"status": "string"},
		Partitions: []PartitionDefinition{
			{Name: "by_status", Fields: map[string]string{"status": "string"}},
		},
	})

	if _, err := res.Insert(ctx, map[string]interface{}{"status": "open"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	report, err := res.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Validated != 1 {
		t.Errorf("validated = %d, want 1", report.Validated)
	}
	if len(report.MissingEntries) != 0 || len(report.OrphanedEntries) != 0 {
		t.Errorf("expected no drift on a healthy resource, got missing=%v orphaned=%v", report.MissingEntries, report.OrphanedEntries)
	}
}

func TestReconcileRepairsOrphanedEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "orphantest",
		AttributeRules: map[string]string{"status": "string"},
		Partitions: []PartitionDefinition{
			{Name: "by_status", Fields: map[string]string{"status": "string"}},
		},
	})

	rec, err := res.Insert(ctx, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	// Plant a stale partition entry under a value the record no longer has.
	staleKey := partitionEntryKey(db.Prefix, "orphantest", "by_status", "status=closed", id)
	if _, err := db.Store.Put(ctx, staleKey, nil, PutOptions{}); err != nil {
		t.Fatalf("plant stale entry: %v", err)
	}

	report, err := res.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.OrphanedEntries) != 1 {
		t.Fatalf("expected 1 orphaned entry, got %d: %v", len(report.OrphanedEntries), report.OrphanedEntries)
	}

	if exists, _ := db.Store.Exists(ctx, staleKey); exists {
		t.Error("expected orphaned entry to be removed")
	}
}

func TestReconcileRepairsMissingEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "missingtest",
		AttributeRules: map[string]string{"status": "string"},
		Partitions: []PartitionDefinition{
			{Name: "by_status", Fields: map[string]string{"status": "string"}},
		},
	})

	rec, err := res.Insert(ctx, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	expectedKey := partitionEntryKey(db.Prefix, "missingtest", "by_status", "status=open", id)
	if err := db.Store.Delete(ctx, expectedKey); err != nil {
		t.Fatalf("delete expected entry to simulate drift: %v", err)
	}

	report, err := res.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.MissingEntries) != 1 {
		t.Fatalf("expected 1 missing entry, got %d: %v", len(report.MissingEntries), report.MissingEntries)
	}

	if exists, _ := db.Store.Exists(ctx, expectedKey); !exists {
		t.Error("expected missing entry to be repaired")
	}
}

func TestReconcileNoopWithoutPartitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "nopart",
		AttributeRules: map[string]string{"name": "string"},
	})

	if _, err := res.Insert(ctx, map[string]interface{}{"name": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	report, err := res.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Validated != 0 {
		t.Errorf("expected reconcile to no-op without partitions, got validated=%d", report.Validated)
	}
}
