package s3db

import (
	"context"
	"testing"
)

func TestInsertManyAndAnalyze(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "batchitems",
		AttributeRules: map[string]string{"name": "string|required"},
	})

	items := []map[string]interface{}{
		{"name": "one"},
		{"name": "two"},
		{}, // missing required field, should fail
	}
	results := res.InsertMany(ctx, items)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	ok, failed := AnalyzeInsertResults(results)
	if ok != 2 || failed != 1 {
		t.Errorf("expected 2 ok / 1 failed, got %d ok / %d failed", ok, failed)
	}
}

func TestGetManyMixedResults(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "batchgets",
		AttributeRules: map[string]string{"name": "string"},
	})

	rec, err := res.Insert(ctx, map[string]interface{}{"name": "real"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	results := res.GetMany(ctx, []string{id, "missing-id"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byID := make(map[string]GetResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	if !byID[id].OK {
		t.Errorf("expected lookup of %q to succeed, got err %v", id, byID[id].Err)
	}
	if byID["missing-id"].OK {
		t.Error("expected lookup of missing id to fail")
	}
}

func TestDeleteManyRemovesRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	res := newTestResource(t, db, ResourceDefinition{
		Name:           "batchdeletes",
		AttributeRules: map[string]string{"name": "string"},
	})

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := res.Insert(ctx, map[string]interface{}{"name": "x"})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, rec["id"].(string))
	}

	results := res.DeleteMany(ctx, ids)
	for _, r := range results {
		if !r.OK {
			t.Errorf("delete of %q failed: %v", r.ID, r.Err)
		}
	}

	count, err := res.Count(ctx, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 records after DeleteMany, got %d", count)
	}
}
