package s3db

import (
	"context"
	"testing"
)

func newTestECConsolidator(t *testing.T, db *Database, resourceName, field string) *ECConsolidator {
	t.Helper()
	ctx := context.Background()
	c, err := NewECConsolidator(ctx, db, resourceName, field, DefaultECConfig())
	if err != nil {
		t.Fatalf("new consolidator: %v", err)
	}
	return c
}

func newECTestDB(t *testing.T) *Database {
	t.Helper()
	db := newTestDB(t)
	if _, err := db.CreateResource(context.Background(), ResourceDefinition{
		Name:           "counters",
		AttributeRules: map[string]string{"balance": "number"},
	}); err != nil {
		t.Fatalf("create counters resource: %v", err)
	}
	return db
}

func TestECConsolidatorAddFoldsIntoBalance(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()
	counters, _ := db.Resource("counters")
	rec, err := counters.Insert(ctx, map[string]interface{}{"id": "acct-1", "balance": 0.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, rec["id"].(string), 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add(ctx, rec["id"].(string), 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Sub(ctx, rec["id"].(string), 3); err != nil {
		t.Fatalf("sub: %v", err)
	}

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := counters.Get(ctx, rec["id"].(string))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	balance, _ := toFloat64(got["balance"])
	if balance != 12 {
		t.Errorf("balance = %v, want 12", balance)
	}
}

func TestECConsolidatorSetOverridesBalance(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()
	counters, _ := db.Resource("counters")
	rec, err := counters.Insert(ctx, map[string]interface{}{"id": "acct-2", "balance": 100.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, rec["id"].(string), 1000); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Set(ctx, rec["id"].(string), 42); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := counters.Get(ctx, rec["id"].(string))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	balance, _ := toFloat64(got["balance"])
	if balance != 42 {
		t.Errorf("balance = %v, want 42 (last op in order should win)", balance)
	}
}

func TestECConsolidatorCreatesOwnerOnFirstFold(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, "new-acct", 7); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	counters, _ := db.Resource("counters")
	got, err := counters.Get(ctx, "new-acct")
	if err != nil {
		t.Fatalf("expected owner record to be created by consolidation, got: %v", err)
	}
	balance, _ := toFloat64(got["balance"])
	if balance != 7 {
		t.Errorf("balance = %v, want 7", balance)
	}
}

func TestECConsolidatorMarksTransactionsApplied(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()
	counters, _ := db.Resource("counters")
	rec, err := counters.Insert(ctx, map[string]interface{}{"id": "acct-3", "balance": 0.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, rec["id"].(string), 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	pending, err := c.txs.Query(ctx, QueryFilter{"applied": false}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 unapplied transactions after consolidation, got %d", len(pending))
	}
}

// TestECConsolidatorSurvivesCrashBeforeApplyPatches simulates a crash
// between the owner Update (which writes pendingVersion) and the per-
// transaction applied:true patches: it folds a transaction into the owner
// by hand, exactly as consolidateRecord would, but leaves the transaction
// itself unapplied. A RunOnce afterwards must recognize that the
// transaction is already covered by pendingVersion and skip it rather than
// folding its delta a second time.
func TestECConsolidatorSurvivesCrashBeforeApplyPatches(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()
	counters, _ := db.Resource("counters")
	rec, err := counters.Insert(ctx, map[string]interface{}{"id": "acct-5", "balance": 0.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, rec["id"].(string), 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	pending, err := c.txs.Query(ctx, QueryFilter{"applied": false}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending transaction, got %d", len(pending))
	}
	txID, _ := pending[0]["id"].(string)

	// Manually perform the first half of consolidateRecord's two-phase
	// write: fold the delta into the owner and record pendingVersion, but
	// crash before the transaction is patched applied:true.
	if _, err := counters.Update(ctx, rec["id"].(string), map[string]interface{}{
		"balance":        10.0,
		"pendingVersion": txID,
	}); err != nil {
		t.Fatalf("simulate pre-crash update: %v", err)
	}

	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := counters.Get(ctx, rec["id"].(string))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	balance, _ := toFloat64(got["balance"])
	if balance != 10 {
		t.Errorf("balance = %v, want 10 (recovery run must not re-fold a transaction already covered by pendingVersion)", balance)
	}

	stillPending, err := c.txs.Query(ctx, QueryFilter{"applied": false}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query pending: %v", err)
	}
	if len(stillPending) != 0 {
		t.Errorf("expected the crash-recovered transaction to be marked applied, got %d still pending", len(stillPending))
	}
}

func TestECConsolidatorSecondRunIsIdempotent(t *testing.T) {
	db := newECTestDB(t)
	ctx := context.Background()
	counters, _ := db.Resource("counters")
	rec, err := counters.Insert(ctx, map[string]interface{}{"id": "acct-4", "balance": 0.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	c := newTestECConsolidator(t, db, "counters", "balance")
	if err := c.Add(ctx, rec["id"].(string), 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	got, err := counters.Get(ctx, rec["id"].(string))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	balance, _ := toFloat64(got["balance"])
	if balance != 10 {
		t.Errorf("balance = %v, want 10 (re-running must not double-apply)", balance)
	}
}
