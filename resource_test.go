package s3db

import (
	"context"
	"testing"
)

func newTestResource(t *testing.T, db *Database, def ResourceDefinition) *Resource {
	t.Helper()
	res, err := db.CreateResource(context.Background(), def)
	if err != nil {
		t.Fatalf("create resource %q: %v", def.Name, err)
	}
	return res
}

func TestResourceInsertAssignsID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := newTestResource(t, db, ResourceDefinition{
		Name:           "users",
		AttributeRules: map[string]string{"email": "string", "name": "string"},
	})

	rec, err := users.Insert(ctx, map[string]interface{}{"email": "alice@example.com", "name": "Alice"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := rec["id"].(string)
	if id == "" {
		t.Fatal("expected insert to assign an id")
	}

	got, err := users.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["email"] != "alice@example.com" {
		t.Errorf("email = %v, want alice@example.com", got["email"])
	}
}

func TestResourceInsertHonorsExplicitID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := newTestResource(t, db, ResourceDefinition{
		Name:           "users",
		AttributeRules: map[string]string{"email": "string"},
	})

	rec, err := users.Insert(ctx, map[string]interface{}{"id": "fixed-id", "email": "bob@example.com"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec["id"] != "fixed-id" {
		t.Errorf("id = %v, want fixed-id", rec["id"])
	}
}

func TestResourceInsertValidationFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	users := newTestResource(t, db, ResourceDefinition{
		Name:           "users",
		AttributeRules: map[string]string{"email": "string|required"},
	})

	if _, err := users.Insert(ctx, map[string]interface{}{"name": "no email"}); err == nil {
		t.Error("expected validation error for missing required field")
	}
}

func TestResourceTimestamps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	posts := newTestResource(t, db, ResourceDefinition{
		Name:           "posts",
		AttributeRules: map[string]string{"title": "string"},
		Timestamps:     true,
	})

	rec, err := posts.Insert(ctx, map[string]interface{}{"title": "hello"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec["createdAt"] == nil || rec["createdAt"] == "" {
		t.Error("expected createdAt to be set")
	}
	if rec["updatedAt"] == nil || rec["updatedAt"] == "" {
		t.Error("expected updatedAt to be set")
	}

	updated, err := posts.Update(ctx, rec["id"].(string), map[string]interface{}{"title": "updated"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["updatedAt"] == rec["updatedAt"] {
		t.Error("expected updatedAt to change on update")
	}
}

func TestResourceUpdateDeepMerge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	profiles := newTestResource(t, db, ResourceDefinition{
		Name:           "profiles",
		AttributeRules: map[string]string{"settings": "object"},
	})

	rec, err := profiles.Insert(ctx, map[string]interface{}{
		"settings": map[string]interface{}{"theme": "dark", "lang": "en"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := profiles.Update(ctx, rec["id"].(string), map[string]interface{}{
		"settings": map[string]interface{}{"theme": "light"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	settings := updated["settings"].(map[string]interface{})
	if settings["theme"] != "light" {
		t.Errorf("theme = %v, want light", settings["theme"])
	}
	if settings["lang"] != "en" {
		t.Errorf("expected deep merge to preserve lang, got %v", settings["lang"])
	}
}

func TestResourceReplace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	items := newTestResource(t, db, ResourceDefinition{
		Name:           "items",
		AttributeRules: map[string]string{"name": "string", "tag": "string"},
	})

	rec, err := items.Insert(ctx, map[string]interface{}{"name": "widget", "tag": "blue"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	replaced, err := items.Replace(ctx, rec["id"].(string), map[string]interface{}{"name": "gadget"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced["name"] != "gadget" {
		t.Errorf("name = %v, want gadget", replaced["name"])
	}
	if _, ok := replaced["tag"]; ok {
		t.Error("expected replace to drop fields absent from the new data")
	}
}

func TestResourceDeleteRemovesRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	notes := newTestResource(t, db, ResourceDefinition{
		Name:           "notes",
		AttributeRules: map[string]string{"body": "string"},
	})

	rec, err := notes.Insert(ctx, map[string]interface{}{"body": "hi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	if err := notes.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := notes.Get(ctx, id); !IsNotFound(err) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestResourceParanoidSoftDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	accounts := newTestResource(t, db, ResourceDefinition{
		Name:           "accounts",
		AttributeRules: map[string]string{"name": "string"},
		Paranoid:       true,
	})

	rec, err := accounts.Insert(ctx, map[string]interface{}{"name": "acme"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	if err := accounts.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := accounts.Get(ctx, id); !IsNotFound(err) {
		t.Errorf("expected soft-deleted record hidden from Get, got %v", err)
	}

	seen, err := accounts.Get(ctx, id, GetOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("get with IncludeDeleted: %v", err)
	}
	if seen["deletedAt"] == nil || seen["deletedAt"] == "" {
		t.Error("expected deletedAt to be set on soft-deleted record")
	}
}

func TestResourcePartitionScan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orders := newTestResource(t, db, ResourceDefinition{
		Name:           "orders",
		AttributeRules: map[string]string{"status": "string", "total": "number"},
		Partitions: []PartitionDefinition{
			{Name: "by_status", Fields: map[string]string{"status": "string"}},
		},
	})

	if _, err := orders.Insert(ctx, map[string]interface{}{"status": "open", "total": 10.0}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if _, err := orders.Insert(ctx, map[string]interface{}{"status": "open", "total": 20.0}); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if _, err := orders.Insert(ctx, map[string]interface{}{"status": "closed", "total": 30.0}); err != nil {
		t.Fatalf("insert 3: %v", err)
	}

	open, err := orders.List(ctx, ListRecordsOptions{
		Partition:       "by_status",
		PartitionValues: map[string]string{"status": "open"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
}

func TestResourcePartitionMaintainedOnUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tickets := newTestResource(t, db, ResourceDefinition{
		Name:           "tickets",
		AttributeRules: map[string]string{"status": "string"},
		Partitions: []PartitionDefinition{
			{Name: "by_status", Fields: map[string]string{"status": "string"}},
		},
	})

	rec, err := tickets.Insert(ctx, map[string]interface{}{"status": "open"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := rec["id"].(string)

	if _, err := tickets.Update(ctx, id, map[string]interface{}{"status": "closed"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	open, err := tickets.List(ctx, ListRecordsOptions{Partition: "by_status", PartitionValues: map[string]string{"status": "open"}})
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected 0 open tickets after status change, got %d", len(open))
	}

	closed, err := tickets.List(ctx, ListRecordsOptions{Partition: "by_status", PartitionValues: map[string]string{"status": "closed"}})
	if err != nil {
		t.Fatalf("list closed: %v", err)
	}
	if len(closed) != 1 {
		t.Errorf("expected 1 closed ticket, got %d", len(closed))
	}
}

func TestResourceCountAndListIDs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tags := newTestResource(t, db, ResourceDefinition{
		Name:           "tags",
		AttributeRules: map[string]string{"name": "string"},
	})

	for i := 0; i < 3; i++ {
		if _, err := tags.Insert(ctx, map[string]interface{}{"name": "tag"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	count, err := tags.Count(ctx, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	ids, err := tags.ListIDs(ctx, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("len(ids) = %d, want 3", len(ids))
	}
}

func TestResourceDeleteAllRequiresConfirm(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	junk := newTestResource(t, db, ResourceDefinition{
		Name:           "junk",
		AttributeRules: map[string]string{"name": "string"},
	})

	if _, err := junk.Insert(ctx, map[string]interface{}{"name": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := junk.DeleteAll(ctx, false); err == nil {
		t.Error("expected error when confirm is false")
	}

	if err := junk.DeleteAll(ctx, true); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	count, err := junk.Count(ctx, ListRecordsOptions{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 records after DeleteAll, got %d", count)
	}
}
