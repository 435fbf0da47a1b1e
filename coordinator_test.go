package s3db

import (
	"context"
	"testing"
	"time"
)

func TestCoordinatorSoleWorkerBecomesLeader(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	co := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs"})

	if err := co.registerWorker(ctx); err != nil {
		t.Fatalf("registerWorker: %v", err)
	}
	if err := co.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !co.IsLeader() {
		t.Error("expected the sole registered worker to win leadership")
	}
}

func TestCoordinatorLeaderAcquiredEventFires(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	co := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs"})

	var fired []string
	db.Events.On("leader:acquired", func(e Event) {
		fired = append(fired, e.Data["worker"].(string))
	})

	if err := co.registerWorker(ctx); err != nil {
		t.Fatalf("registerWorker: %v", err)
	}
	if err := co.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(fired) != 1 || fired[0] != co.WorkerID() {
		t.Errorf("expected one leader:acquired event for %s, got %v", co.WorkerID(), fired)
	}
}

func TestCoordinatorLexicographicTieBreak(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs"})
	b := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs"})
	// Force deterministic ordering regardless of generated worker ids.
	a.workerID = "aaa-worker"
	b.workerID = "zzz-worker"

	if err := a.registerWorker(ctx); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := b.registerWorker(ctx); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := a.cycle(ctx); err != nil {
		t.Fatalf("a cycle: %v", err)
	}
	if err := b.cycle(ctx); err != nil {
		t.Fatalf("b cycle: %v", err)
	}

	if !a.IsLeader() {
		t.Error("expected the lexicographically smallest worker id to win")
	}
	if b.IsLeader() {
		t.Error("expected the non-winning worker to not be leader")
	}
}

func TestCoordinatorReElectsWhenLeaderStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs", WorkerTimeout: 10 * time.Millisecond})
	a.workerID = "aaa-worker"
	if err := a.registerWorker(ctx); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := a.cycle(ctx); err != nil {
		t.Fatalf("a cycle: %v", err)
	}
	if !a.IsLeader() {
		t.Fatal("expected a to win initial election")
	}

	time.Sleep(20 * time.Millisecond)

	b := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs", WorkerTimeout: 10 * time.Millisecond})
	b.workerID = "bbb-worker"
	if err := b.registerWorker(ctx); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := b.cycle(ctx); err != nil {
		t.Fatalf("b cycle: %v", err)
	}
	if !b.IsLeader() {
		t.Error("expected b to win once a's heartbeat went stale")
	}
}

func TestCoordinatorStopReleasesLeadership(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	co := NewCoordinator(db, CoordinatorConfig{Namespace: "jobs"})

	if err := co.registerWorker(ctx); err != nil {
		t.Fatalf("registerWorker: %v", err)
	}
	if err := co.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !co.IsLeader() {
		t.Fatal("expected leadership before stop")
	}

	if err := co.stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := db.Store.Get(ctx, co.workerKey(co.workerID)); !IsNotFound(err) {
		t.Errorf("expected worker registration removed after stop, got %v", err)
	}
	if _, err := db.Store.Get(ctx, co.stateKey()); !IsNotFound(err) {
		t.Errorf("expected state.json removed after stop by the leader, got %v", err)
	}
}
