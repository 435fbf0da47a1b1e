package s3db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CoordinatorConfig configures one Global Coordinator worker (§4.8).
type CoordinatorConfig struct {
	Namespace         string
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	WorkerTimeout     time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = 15 * time.Second
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = 20 * time.Second
	}
	return c
}

// coordinatorState is the persisted shape of state.json.
type coordinatorState struct {
	Leader    string `json:"leader"`
	Epoch     int    `json:"epoch"`
	UpdatedAt string `json:"updatedAt"`
}

// coordinatorWorker is the persisted shape of one workers/{workerId}.json.
type coordinatorWorker struct {
	WorkerID      string `json:"workerId"`
	StartedAt     string `json:"startedAt"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

// Coordinator serializes singleton work (EC consolidation, periodic
// cleanup, scheduled tasks) across every process sharing a Database and
// namespace, via S3-backed heartbeats and ifMatch-conditioned leader
// election (§4.8 Global Coordinator).
type Coordinator struct {
	db       *Database
	config   CoordinatorConfig
	workerID string

	mu       sync.RWMutex
	isLeader bool

	events *EventBus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator constructs a coordinator for ns and registers its worker
// identity; call Run to start the heartbeat/election loop.
func NewCoordinator(db *Database, config CoordinatorConfig) *Coordinator {
	config = config.withDefaults()
	return &Coordinator{
		db:       db,
		config:   config,
		workerID: fmt.Sprintf("gcs-%s-%d-%s", config.Namespace, time.Now().UnixNano()/int64(time.Millisecond), NewInternalID()[:8]),
		events:   db.Events,
		stopCh:   make(chan struct{}),
	}
}

// WorkerID returns this process's coordinator worker identity.
func (co *Coordinator) WorkerID() string {
	return co.workerID
}

// IsLeader reports whether this process currently believes it holds the
// namespace's leadership. Safe to pass as ec_consolidator.go's
// ECConfig.IsLeader.
func (co *Coordinator) IsLeader() bool {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.isLeader
}

func (co *Coordinator) basePrefix() string {
	return fmt.Sprintf("%s/plg_coordinator_global/%s", co.db.Prefix, co.config.Namespace)
}

func (co *Coordinator) stateKey() string {
	return co.basePrefix() + "/state.json"
}

func (co *Coordinator) workerKey(id string) string {
	return fmt.Sprintf("%s/workers/%s.json", co.basePrefix(), id)
}

// Run implements §4.8's protocol steps 1-5: register, then on every
// heartbeatInterval refresh the worker object and attempt election when
// the current state looks stale or leaderless. Blocks until ctx is
// cancelled or Stop is called.
func (co *Coordinator) Run(ctx context.Context) error {
	if err := co.registerWorker(ctx); err != nil {
		return err
	}

	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		ticker := time.NewTicker(co.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = co.stop(context.Background())
				return
			case <-co.stopCh:
				_ = co.stop(context.Background())
				return
			case <-ticker.C:
				if err := co.cycle(ctx); err != nil {
					co.db.Logger.Error("coordinator cycle failed", "namespace", co.config.Namespace, "worker", co.workerID, "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop ends the heartbeat loop and best-effort releases this worker's
// registration (and, if leader, state.json) per §4.8 step 5.
func (co *Coordinator) Stop() {
	close(co.stopCh)
	co.wg.Wait()
}

func (co *Coordinator) registerWorker(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	doc := coordinatorWorker{WorkerID: co.workerID, StartedAt: now, LastHeartbeat: now}
	body, err := encodeJSONTagged(doc)
	if err != nil {
		return err
	}
	_, err = co.db.Store.Put(ctx, co.workerKey(co.workerID), []byte(body), PutOptions{ContentType: "application/json"})
	return err
}

func (co *Coordinator) heartbeat(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	doc := coordinatorWorker{WorkerID: co.workerID, LastHeartbeat: now}
	if obj, err := co.db.Store.Get(ctx, co.workerKey(co.workerID)); err == nil {
		var existing coordinatorWorker
		if decodeErr := decodeJSONTagged(string(obj.Body), &existing); decodeErr == nil {
			doc.StartedAt = existing.StartedAt
		}
	}
	body, err := encodeJSONTagged(doc)
	if err != nil {
		return err
	}
	_, err = co.db.Store.Put(ctx, co.workerKey(co.workerID), []byte(body), PutOptions{ContentType: "application/json"})
	co.db.Metrics.Increment(MetricCoordinatorHeartbeat, "namespace", co.config.Namespace, "worker", co.workerID)
	return err
}

// cycle implements protocol steps 2-4: heartbeat, then evaluate and
// possibly contest leadership.
func (co *Coordinator) cycle(ctx context.Context) error {
	if err := co.heartbeat(ctx); err != nil {
		return err
	}

	state, etag, err := co.readState(ctx)
	if err != nil && !IsNotFound(err) {
		return err
	}

	stale := err != nil // missing state.json
	if !stale {
		updatedAt, perr := time.Parse(time.RFC3339, state.UpdatedAt)
		if perr != nil || time.Since(updatedAt) > co.config.LeaseTimeout {
			stale = true
		} else if !co.leaderActive(ctx, state.Leader) {
			stale = true
		}
	}

	wasLeader := co.IsLeader()

	if !stale {
		co.setLeader(state.Leader == co.workerID)
		if wasLeader != co.IsLeader() {
			co.notifyLeaderChange(wasLeader, co.IsLeader(), state.Leader)
		}
		return nil
	}

	won, newLeader, err := co.attemptElection(ctx, state, etag)
	if err != nil {
		co.db.Metrics.Increment(MetricCoordinatorElectionFail, "namespace", co.config.Namespace)
		return err
	}
	co.db.Metrics.Increment(MetricCoordinatorElection, "namespace", co.config.Namespace)

	co.setLeader(won)
	if wasLeader != won {
		co.notifyLeaderChange(wasLeader, won, newLeader)
	}
	return nil
}

func (co *Coordinator) setLeader(v bool) {
	co.mu.Lock()
	co.isLeader = v
	co.mu.Unlock()
}

func (co *Coordinator) notifyLeaderChange(was, is bool, leader string) {
	co.db.Metrics.Increment(MetricCoordinatorLeaderChange, "namespace", co.config.Namespace)
	data := map[string]interface{}{"namespace": co.config.Namespace, "worker": co.workerID, "leader": leader}
	switch {
	case !was && is:
		co.events.Emit(Event{Name: "leader:acquired", Data: data})
	case was && !is:
		co.events.Emit(Event{Name: "leader:lost", Data: data})
	default:
		co.events.Emit(Event{Name: "leader:changed", Data: data})
	}
}

func (co *Coordinator) readState(ctx context.Context) (coordinatorState, string, error) {
	obj, err := co.db.Store.Get(ctx, co.stateKey())
	if err != nil {
		return coordinatorState{}, "", err
	}
	var state coordinatorState
	if err := decodeJSONTagged(string(obj.Body), &state); err != nil {
		return coordinatorState{}, "", err
	}
	return state, obj.ETag, nil
}

// leaderActive reports whether leaderID has heartbeated within
// workerTimeout; a leader with no active worker object is treated as
// gone even if state.json hasn't expired yet.
func (co *Coordinator) leaderActive(ctx context.Context, leaderID string) bool {
	if leaderID == "" {
		return false
	}
	obj, err := co.db.Store.Get(ctx, co.workerKey(leaderID))
	if err != nil {
		return false
	}
	var worker coordinatorWorker
	if err := decodeJSONTagged(string(obj.Body), &worker); err != nil {
		return false
	}
	last, err := time.Parse(time.RFC3339, worker.LastHeartbeat)
	if err != nil {
		return false
	}
	return time.Since(last) <= co.config.WorkerTimeout
}

// activeWorkers lists worker ids that have heartbeated within
// workerTimeout, for the election tie-break.
func (co *Coordinator) activeWorkers(ctx context.Context) ([]string, error) {
	prefix := co.basePrefix() + "/workers/"
	keys, err := co.db.Store.ListAllKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var active []string
	for _, key := range keys {
		obj, err := co.db.Store.Get(ctx, key)
		if err != nil {
			continue
		}
		var worker coordinatorWorker
		if err := decodeJSONTagged(string(obj.Body), &worker); err != nil {
			continue
		}
		last, err := time.Parse(time.RFC3339, worker.LastHeartbeat)
		if err != nil {
			continue
		}
		if time.Since(last) <= co.config.WorkerTimeout {
			active = append(active, worker.WorkerID)
		}
	}
	sort.Strings(active)
	return active, nil
}

// attemptElection implements protocol step 3's deterministic tie-break:
// the lexicographically smallest active worker id wins, written with
// ifMatch on the previous state (or if-none-match when state.json was
// missing entirely). One writer's conditional put succeeds; the rest
// observe a conflict and simply retry next cycle.
func (co *Coordinator) attemptElection(ctx context.Context, previous coordinatorState, previousETag string) (won bool, leader string, err error) {
	active, err := co.activeWorkers(ctx)
	if err != nil {
		return false, "", err
	}
	if len(active) == 0 {
		active = []string{co.workerID}
	}
	candidate := active[0]

	next := coordinatorState{
		Leader:    candidate,
		Epoch:     previous.Epoch + 1,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := encodeJSONTagged(next)
	if err != nil {
		return false, "", err
	}

	opts := PutOptions{ContentType: "application/json"}
	if previousETag != "" {
		opts.IfMatch = previousETag
	} else {
		opts.IfNoneMatch = true
	}

	if _, err := co.db.Store.Put(ctx, co.stateKey(), []byte(body), opts); err != nil {
		if IsConflict(err) {
			return false, previous.Leader, nil
		}
		return false, "", err
	}

	return candidate == co.workerID, candidate, nil
}

// stop implements §4.8 step 5: best-effort deletion of this worker's
// object and, if it still holds leadership, of state.json.
func (co *Coordinator) stop(ctx context.Context) error {
	if err := co.db.Store.Delete(ctx, co.workerKey(co.workerID)); err != nil && !IsNotFound(err) {
		co.db.Logger.Error("coordinator worker deregister failed", "worker", co.workerID, "error", err)
	}

	if co.IsLeader() {
		if err := co.db.Store.Delete(ctx, co.stateKey()); err != nil && !IsNotFound(err) {
			co.db.Logger.Error("coordinator state release failed", "namespace", co.config.Namespace, "error", err)
		}
	}
	return nil
}
