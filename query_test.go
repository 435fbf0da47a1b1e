package s3db

import (
	"context"
	"testing"
)

func newQueryTestResource(t *testing.T) *Resource {
	t.Helper()
	db := newTestDB(t)
	res, err := db.CreateResource(context.Background(), ResourceDefinition{
		Name:           "people",
		AttributeRules: map[string]string{"name": "string", "age": "number", "active": "boolean"},
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}

	seed := []map[string]interface{}{
		{"name": "alice", "age": 30.0, "active": true},
		{"name": "bob", "age": 25.0, "active": true},
		{"name": "carol", "age": 40.0, "active": false},
	}
	ctx := context.Background()
	for _, data := range seed {
		if _, err := res.Insert(ctx, data); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}
	return res
}

func TestQueryEquality(t *testing.T) {
	res := newQueryTestResource(t)
	results, err := res.Query(context.Background(), QueryFilter{"active": true}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 active people, got %d", len(results))
	}
}

func TestQueryOperators(t *testing.T) {
	res := newQueryTestResource(t)
	ctx := context.Background()

	gte, err := res.Query(ctx, QueryFilter{"age": map[string]interface{}{"$gte": 30.0}}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query $gte: %v", err)
	}
	if len(gte) != 2 {
		t.Errorf("expected 2 people age>=30, got %d", len(gte))
	}

	in, err := res.Query(ctx, QueryFilter{"name": map[string]interface{}{"$in": []interface{}{"alice", "bob"}}}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query $in: %v", err)
	}
	if len(in) != 2 {
		t.Errorf("expected 2 matches for $in, got %d", len(in))
	}

	ne, err := res.Query(ctx, QueryFilter{"name": map[string]interface{}{"$ne": "alice"}}, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("query $ne: %v", err)
	}
	if len(ne) != 2 {
		t.Errorf("expected 2 matches for $ne alice, got %d", len(ne))
	}
}

func TestQueryPagination(t *testing.T) {
	res := newQueryTestResource(t)
	results, err := res.Query(context.Background(), nil, ListRecordsOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result with limit=1 offset=1, got %d", len(results))
	}
}

func TestFluentQueryWhereAndLimit(t *testing.T) {
	res := newQueryTestResource(t)
	results, err := res.NewQuery().
		Where("active", true).
		Limit(1).
		All(context.Background())
	if err != nil {
		t.Fatalf("fluent query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestFluentQueryFirstAndCount(t *testing.T) {
	res := newQueryTestResource(t)
	ctx := context.Background()

	count, err := res.NewQuery().Where("active", true).Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	first, err := res.NewQuery().Where("name", "carol").First(ctx)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first["name"] != "carol" {
		t.Errorf("first result name = %v, want carol", first["name"])
	}
}

func TestFluentQueryEach(t *testing.T) {
	res := newQueryTestResource(t)
	var seen int
	err := res.NewQuery().Each(context.Background(), func(record map[string]interface{}) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	if seen != 3 {
		t.Errorf("each visited %d records, want 3", seen)
	}
}
