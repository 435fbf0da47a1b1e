package s3db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Connect(context.Background(), DatabaseConfig{
		ConnectionString: "memory://test",
		Prefix:           "t",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return db
}

func TestConnectCreatesRoot(t *testing.T) {
	db := newTestDB(t)
	if db.rootETag == "" {
		t.Error("expected root etag to be set after connect")
	}

	obj, err := db.Store.Get(context.Background(), db.rootKey())
	if err != nil {
		t.Fatalf("expected root object to exist, got: %v", err)
	}
	if len(obj.Body) == 0 {
		t.Error("root object body is empty")
	}
}

func TestConnectReopensExistingRoot(t *testing.T) {
	// Two Database instances sharing one backing store, simulating a
	// process restart reconnecting to the same bucket/prefix.
	ctx := context.Background()
	store := NewMemoryStore()

	db1 := &Database{
		Store:            store,
		Prefix:           "t",
		Logger:           &NoOpLogger{},
		Metrics:          &NoOpMetrics{},
		Events:           NewEventBus(),
		resources:        make(map[string]*Resource),
		droppedResources: make(map[string]*Resource),
		removedAt:        make(map[string]string),
	}
	if err := db1.loadOrCreateRoot(ctx); err != nil {
		t.Fatalf("load root 1: %v", err)
	}
	if _, err := db1.CreateResource(ctx, ResourceDefinition{
		Name:           "users",
		AttributeRules: map[string]string{"email": "string"},
	}); err != nil {
		t.Fatalf("create resource: %v", err)
	}

	db2 := &Database{
		Store:            store,
		Prefix:           "t",
		Logger:           &NoOpLogger{},
		Metrics:          &NoOpMetrics{},
		Events:           NewEventBus(),
		resources:        make(map[string]*Resource),
		droppedResources: make(map[string]*Resource),
		removedAt:        make(map[string]string),
	}
	if err := db2.loadOrCreateRoot(ctx); err != nil {
		t.Fatalf("load root 2: %v", err)
	}
	if _, err := db2.Resource("users"); err != nil {
		t.Errorf("expected users resource to survive reconnect, got: %v", err)
	}
}

func TestCreateResourceDuplicateRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	def := ResourceDefinition{Name: "widgets", AttributeRules: map[string]string{"name": "string"}}
	if _, err := db.CreateResource(ctx, def); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := db.CreateResource(ctx, def); err == nil {
		t.Error("expected error creating duplicate resource")
	}
}

func TestResourceUnknown(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Resource("nonexistent"); err == nil {
		t.Error("expected ErrUnknownResource for unregistered resource")
	}
}

func TestUpdateSchemaAppendsVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.CreateResource(ctx, ResourceDefinition{
		Name:           "articles",
		AttributeRules: map[string]string{"title": "string"},
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}

	if err := db.UpdateSchema(ctx, "articles", map[string]string{"title": "string", "body": "string"}, []string{"title", "body"}); err != nil {
		t.Fatalf("update schema: %v", err)
	}

	if len(res.schemas) != 2 {
		t.Fatalf("expected 2 schema versions, got %d", len(res.schemas))
	}
	if res.currentSchema().Version != 1 {
		t.Errorf("expected current schema version 1, got %d", res.currentSchema().Version)
	}
}

func TestDropResourceMarksRemoved(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.CreateResource(ctx, ResourceDefinition{
		Name:           "temp",
		AttributeRules: map[string]string{"name": "string"},
	}); err != nil {
		t.Fatalf("create resource: %v", err)
	}

	if err := db.DropResource(ctx, "temp"); err != nil {
		t.Fatalf("drop resource: %v", err)
	}

	if _, err := db.Resource("temp"); err == nil {
		t.Error("expected dropped resource to be unreachable via Resource()")
	}

	db.mu.RLock()
	_, stillTracked := db.droppedResources["temp"]
	removedAt := db.removedAt["temp"]
	db.mu.RUnlock()
	if !stillTracked {
		t.Error("expected dropped resource to remain in droppedResources for decode history")
	}
	if removedAt == "" {
		t.Error("expected removedAt to be set")
	}
}

func TestInstallPluginReverseOrderShutdown(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var order []string
	stopFn := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	if err := db.InstallPlugin(ctx, "first", stopFn("first")); err != nil {
		t.Fatalf("install first: %v", err)
	}
	if err := db.InstallPlugin(ctx, "second", stopFn("second")); err != nil {
		t.Fatalf("install second: %v", err)
	}

	if err := db.Disconnect(ctx, time.Second); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("expected reverse-order shutdown [second first], got %v", order)
	}
}
