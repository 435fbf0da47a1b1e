package s3db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCounter(t *testing.T, key string) *Counter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCounter(client, key, &NoOpLogger{}, &NoOpMetrics{})
}

func TestCounterIncrement(t *testing.T) {
	c := newTestCounter(t, "counter:test:increment")
	ctx := context.Background()

	first, err := c.Increment(ctx)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if first != 1 {
		t.Errorf("first increment = %d, want 1", first)
	}

	second, err := c.Increment(ctx)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if second != 2 {
		t.Errorf("second increment = %d, want 2", second)
	}
}

func TestCounterGetDefaultsToZero(t *testing.T) {
	c := newTestCounter(t, "counter:test:get")
	val, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != 0 {
		t.Errorf("get on an unset counter = %d, want 0", val)
	}
}

func TestCounterSetAndReset(t *testing.T) {
	c := newTestCounter(t, "counter:test:set")
	ctx := context.Background()

	if err := c.Set(ctx, 100); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != 100 {
		t.Errorf("get after set = %d, want 100", val)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	val, err = c.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != 0 {
		t.Errorf("get after reset = %d, want 0", val)
	}
}

func TestCounterDelete(t *testing.T) {
	c := newTestCounter(t, "counter:test:delete")
	ctx := context.Background()

	if _, err := c.Increment(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := c.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	val, err := c.Get(ctx)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if val != 0 {
		t.Errorf("get after delete = %d, want 0", val)
	}
}

func TestResourceInsertAssignsSequenceField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cases := newTestResource(t, db, ResourceDefinition{
		Name:           "cases",
		AttributeRules: map[string]string{"title": "string", "caseNumber": "number"},
		SequenceField:  "caseNumber",
	})
	cases.UseSequenceCounter(newTestCounter(t, "counter:cases:caseNumber"))

	first, err := cases.Insert(ctx, map[string]interface{}{"title": "first"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := cases.Insert(ctx, map[string]interface{}{"title": "second"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if first["caseNumber"] != 1.0 {
		t.Errorf("first caseNumber = %v, want 1", first["caseNumber"])
	}
	if second["caseNumber"] != 2.0 {
		t.Errorf("second caseNumber = %v, want 2", second["caseNumber"])
	}
}

func TestResourceInsertHonorsExplicitSequenceValue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cases := newTestResource(t, db, ResourceDefinition{
		Name:           "cases",
		AttributeRules: map[string]string{"title": "string", "caseNumber": "number"},
		SequenceField:  "caseNumber",
	})
	cases.UseSequenceCounter(newTestCounter(t, "counter:cases:caseNumber"))

	rec, err := cases.Insert(ctx, map[string]interface{}{"title": "imported", "caseNumber": 500.0})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec["caseNumber"] != 500.0 {
		t.Errorf("caseNumber = %v, want 500 (explicit value should not be overridden)", rec["caseNumber"])
	}

	next, err := cases.Insert(ctx, map[string]interface{}{"title": "auto-assigned"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if next["caseNumber"] != 501.0 {
		t.Errorf("caseNumber = %v, want 501 (counter must advance past an explicit value to avoid colliding with it)", next["caseNumber"])
	}
}

func TestCounterAuditReportsInvalidNegativeAndLarge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	if err := client.Set(ctx, "counter:audit:ok", 5, 0).Err(); err != nil {
		t.Fatalf("seed ok: %v", err)
	}
	if err := client.Set(ctx, "counter:audit:negative", -3, 0).Err(); err != nil {
		t.Fatalf("seed negative: %v", err)
	}
	if err := client.Set(ctx, "counter:audit:large", 5_000_000, 0).Err(); err != nil {
		t.Fatalf("seed large: %v", err)
	}
	if err := client.Set(ctx, "counter:audit:invalid", "not-a-number", 0).Err(); err != nil {
		t.Fatalf("seed invalid: %v", err)
	}

	audit := NewCounterAudit(client, &NoOpLogger{}, &NoOpMetrics{})
	report, err := audit.Audit(ctx, &AuditOptions{
		Pattern:        "counter:audit:*",
		LargeThreshold: 1_000_000,
		CheckNegative:  true,
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}

	if report.TotalCounters != 4 {
		t.Errorf("total = %d, want 4", report.TotalCounters)
	}
	if len(report.InvalidCounters) != 1 {
		t.Errorf("invalid = %d, want 1", len(report.InvalidCounters))
	}
	if len(report.NegativeCounters) != 1 {
		t.Errorf("negative = %d, want 1", len(report.NegativeCounters))
	}
	if len(report.LargeCounters) != 1 {
		t.Errorf("large = %d, want 1", len(report.LargeCounters))
	}
}

func TestCounterAuditRepairCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	if err := client.Set(ctx, "counter:repair:target", -1, 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	audit := NewCounterAudit(client, &NoOpLogger{}, &NoOpMetrics{})
	if err := audit.RepairCounter(ctx, "counter:repair:target", 42); err != nil {
		t.Fatalf("repair: %v", err)
	}

	val, err := client.Get(ctx, "counter:repair:target").Int64()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != 42 {
		t.Errorf("repaired value = %d, want 42", val)
	}
}
