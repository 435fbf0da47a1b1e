package s3db

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ECConfig configures one (resource, field) consolidator (§4.7
// Configuration table).
type ECConfig struct {
	ConsolidationInterval time.Duration
	ConsolidationWindow   time.Duration
	LockTimeout           time.Duration
	MaxRetries            int
	BatchSize             int
	Concurrency           int
	RetentionDays         int
	Verbose               bool
	// IsLeader, when set, gates the consolidation loop to leader-only
	// execution (§4.7 "Consolidation path (leader, per-record lock)"). A
	// nil IsLeader behaves as single-process/always-leader.
	IsLeader func() bool
	// RedisLock, when set, is consulted before the S3 put-if-absent lock
	// object on every acquireLock call. It is a pure latency optimization:
	// a Redis SETNX miss never takes the S3 lock at all, but a Redis hit
	// (or any Redis error) always falls through to the authoritative S3
	// check. Losing Redis entirely degrades to S3-only locking, never to
	// incorrect locking.
	RedisLock *DistributedLock
}

// DefaultECConfig returns §4.7's default configuration.
func DefaultECConfig() ECConfig {
	return ECConfig{
		ConsolidationInterval: 30 * time.Second,
		ConsolidationWindow:   24 * time.Hour,
		LockTimeout:           300 * time.Second,
		MaxRetries:            3,
		BatchSize:             100,
		Concurrency:           10,
		RetentionDays:         30,
		Verbose:               true,
	}
}

// ecOp is the set of fold operations a transaction may carry.
type ecOp string

const (
	ecOpAdd ecOp = "add"
	ecOpSub ecOp = "sub"
	ecOpSet ecOp = "set"
)

// ECConsolidator aggregates high-frequency numeric mutations against one
// field of one resource without requiring the writer to read-modify-write
// on the hot path (§4.7).
type ECConsolidator struct {
	db           *Database
	resourceName string
	field        string
	config       ECConfig

	owner *Resource
	txs   *Resource

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewECConsolidator wires the sibling resources for (resourceName, field)
// into existence (idempotent: reuses them if a prior process already
// created them) and returns a consolidator ready to accept writes and, via
// Start, run the consolidation loop.
func NewECConsolidator(ctx context.Context, db *Database, resourceName, field string, config ECConfig) (*ECConsolidator, error) {
	if field == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"reason": "field must be non-null"})
	}
	if config.ConsolidationInterval == 0 {
		config = DefaultECConfig()
	}

	owner, err := db.Resource(resourceName)
	if err != nil {
		return nil, err
	}

	txName := fmt.Sprintf("%s_transactions_%s", resourceName, field)

	txs, err := ensureSiblingResource(ctx, db, txName, ResourceDefinition{
		Name: txName,
		AttributeRules: map[string]string{
			"originalId": "required|string",
			"field":      "required|string",
			"value":      "required|number",
			"operation":  "required|string",
			"cohortHour": "required|string",
			"applied":    "boolean",
		},
		Behavior: BehaviorBodyOnly,
		Partitions: []PartitionDefinition{
			{Name: "byHour", Fields: map[string]string{"cohortHour": "string"}},
			{Name: "byRecord", Fields: map[string]string{"originalId": "string"}},
		},
	})
	if err != nil {
		return nil, err
	}

	return &ECConsolidator{
		db:           db,
		resourceName: resourceName,
		field:        field,
		config:       config,
		owner:        owner,
		txs:          txs,
		stopCh:       make(chan struct{}),
	}, nil
}

func ensureSiblingResource(ctx context.Context, db *Database, name string, def ResourceDefinition) (*Resource, error) {
	if res, err := db.Resource(name); err == nil {
		return res, nil
	}
	return db.CreateResource(ctx, def)
}

func fmtHourUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02-15")
}

// Add implements §4.7's writer path for operation "add": durable,
// lock-free, never blocks on other writers or on consolidation.
func (c *ECConsolidator) Add(ctx context.Context, recordID string, delta float64) error {
	return c.appendTransaction(ctx, recordID, delta, ecOpAdd)
}

// Sub implements the writer path for operation "sub".
func (c *ECConsolidator) Sub(ctx context.Context, recordID string, delta float64) error {
	return c.appendTransaction(ctx, recordID, delta, ecOpSub)
}

// Set implements the writer path for operation "set".
func (c *ECConsolidator) Set(ctx context.Context, recordID string, value float64) error {
	return c.appendTransaction(ctx, recordID, value, ecOpSet)
}

func (c *ECConsolidator) appendTransaction(ctx context.Context, recordID string, value float64, op ecOp) error {
	now := time.Now()
	_, err := c.txs.Insert(ctx, map[string]interface{}{
		"id":         NewInternalID(),
		"originalId": recordID,
		"field":      c.field,
		"value":      value,
		"operation":  string(op),
		"cohortHour": fmtHourUTC(now),
		"applied":    false,
	})
	if err != nil {
		return err
	}
	c.db.Metrics.Increment(MetricTransactionAppended, "resource", c.resourceName, "field", c.field)
	return nil
}

// Start runs the consolidation loop until ctx is cancelled or Stop is
// called. Intended to run once per process; gated by config.IsLeader when
// set, per §4.7's "leader, per-record lock" consolidation path.
func (c *ECConsolidator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.ConsolidationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if c.config.IsLeader != nil && !c.config.IsLeader() {
					continue
				}
				if err := c.RunOnce(ctx); err != nil {
					c.db.Logger.Error("ec consolidation round failed", "resource", c.resourceName, "field", c.field, "error", err)
					c.db.Metrics.Increment(MetricConsolidationFailed, "resource", c.resourceName, "field", c.field)
				}
			}
		}
	}()
}

// Stop ends the consolidation loop and waits for the in-flight round, if
// any, to return.
func (c *ECConsolidator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

type ecTransaction struct {
	id        string
	recordID  string
	value     float64
	operation ecOp
	appliedAt string
}

// RunOnce performs a single consolidation round (§4.7 Consolidation path):
// it scans unapplied transactions within the consolidation window, groups
// them by record, and folds each group under its own per-record lock.
func (c *ECConsolidator) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		c.db.Metrics.Timing(MetricConsolidationDuration, time.Since(start), "resource", c.resourceName, "field", c.field)
	}()
	c.db.Metrics.Increment(MetricConsolidationRun, "resource", c.resourceName, "field", c.field)

	grouped, err := c.collectUnapplied(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if c.config.BatchSize > 0 && len(ids) > c.config.BatchSize {
		ids = ids[:c.config.BatchSize]
	}

	sem := make(chan struct{}, maxInt(c.config.Concurrency, 1))
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		txs := grouped[id]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.consolidateRecord(ctx, id, txs); err != nil {
				c.db.Logger.Error("ec consolidation failed for record", "resource", c.resourceName, "field", c.field, "id", id, "error", err)
			}
		}()
	}
	wg.Wait()

	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// collectUnapplied scans the byHour partition for every cohort hour within
// the consolidation window and groups unapplied transactions by record id.
func (c *ECConsolidator) collectUnapplied(ctx context.Context) (map[string][]ecTransaction, error) {
	window := c.config.ConsolidationWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	hours := int(window/time.Hour) + 1
	now := time.Now().UTC()

	grouped := make(map[string][]ecTransaction)

	for h := 0; h < hours; h++ {
		cohort := fmtHourUTC(now.Add(-time.Duration(h) * time.Hour))
		records, err := c.txs.Query(ctx, QueryFilter{"applied": false}, ListRecordsOptions{
			Partition:       "byHour",
			PartitionValues: map[string]string{"cohortHour": cohort},
		})
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			tx, ok := parseTransaction(rec)
			if !ok {
				continue
			}
			grouped[tx.recordID] = append(grouped[tx.recordID], tx)
		}
	}

	for id, txs := range grouped {
		sort.Slice(txs, func(i, j int) bool {
			if txs[i].appliedAt != txs[j].appliedAt {
				return txs[i].appliedAt < txs[j].appliedAt
			}
			return txs[i].id < txs[j].id
		})
		grouped[id] = txs
	}
	return grouped, nil
}

func parseTransaction(rec map[string]interface{}) (ecTransaction, bool) {
	id, _ := rec["id"].(string)
	recordID, _ := rec["originalId"].(string)
	value, err := toFloat64(rec["value"])
	if err != nil {
		return ecTransaction{}, false
	}
	opStr, _ := rec["operation"].(string)
	createdAt, _ := rec["createdAt"].(string)
	if id == "" || recordID == "" {
		return ecTransaction{}, false
	}
	return ecTransaction{id: id, recordID: recordID, value: value, operation: ecOp(opStr), appliedAt: createdAt}, true
}

// consolidateRecord folds one record's unapplied transactions under a
// put-if-absent lock, using a two-phase write to stay idempotent across a
// crash between upserting the owner and marking transactions applied
// (§4.7 Idempotence).
func (c *ECConsolidator) consolidateRecord(ctx context.Context, recordID string, txs []ecTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	release, err := c.acquireLock(ctx, recordID)
	if err != nil {
		if IsConflict(err) {
			return nil // lock held by another consolidator; retry next round
		}
		return err
	}
	defer release()

	owner, err := c.owner.Get(ctx, recordID)
	notFound := IsNotFound(err)
	if err != nil && !notFound {
		return err
	}

	var current float64
	var pendingVersion string
	if !notFound {
		current, _ = toFloat64(owner[c.field])
		pendingVersion, _ = owner["pendingVersion"].(string)
	}

	// A transaction whose id is already covered by the owner's
	// pendingVersion was folded into current by a prior round that
	// crashed before its applied:true patch landed. NewInternalID ids are
	// lexicographically time-ordered, so skipping everything at or below
	// the high-water mark keeps a re-run from double-counting it; it is
	// still marked applied below so the gap gets closed (§4.7 Idempotence).
	toFold := txs
	if pendingVersion != "" {
		toFold = make([]ecTransaction, 0, len(txs))
		for _, tx := range txs {
			if tx.id > pendingVersion {
				toFold = append(toFold, tx)
			}
		}
	}

	lastTxID := txs[len(txs)-1].id
	for _, tx := range toFold {
		switch tx.operation {
		case ecOpAdd:
			current += tx.value
		case ecOpSub:
			current -= tx.value
		case ecOpSet:
			current = tx.value
		}
	}

	patch := map[string]interface{}{
		c.field:         current,
		"pendingVersion": lastTxID,
	}

	if notFound {
		patch["id"] = recordID
		if _, err := c.owner.Insert(ctx, patch); err != nil {
			return err
		}
	} else {
		if _, err := c.owner.Update(ctx, recordID, patch); err != nil {
			return err
		}
	}

	for _, tx := range txs {
		if _, err := c.txs.Patch(ctx, tx.id, map[string]interface{}{"applied": true}); err != nil {
			c.db.Logger.Error("failed to mark ec transaction applied", "id", tx.id, "error", err)
		}
	}

	c.db.Metrics.Increment(MetricConsolidationFolded, "resource", c.resourceName, "field", c.field, "count", strconv.Itoa(len(txs)))
	return nil
}

// acquireLock implements §4.7's put-if-absent, TTL-bounded per-record
// lock at the literal key "{prefix}/locks/{resource}.{field}.{recordId}".
// A lock whose acquiredAt is older than lockTimeout is considered
// orphaned (its owning consolidator crashed) and is taken over rather
// than respected.
func (c *ECConsolidator) acquireLock(ctx context.Context, recordID string) (func(), error) {
	key := fmt.Sprintf("%s/locks/%s.%s.%s", c.db.Prefix, c.resourceName, c.field, recordID)

	// Fast path: a configured Redis lock absorbs contention under high
	// write volume, since it costs a single round trip instead of the
	// S3 head+conditional-put pair below. Redis is never the source of
	// truth — only a miss lets us skip straight to the S3 check; any
	// Redis error or hit defers to it.
	var releaseRedis func()
	if c.config.RedisLock != nil {
		release, err := c.config.RedisLock.Lock(ctx, key, c.config.LockTimeout)
		if err != nil {
			c.db.Metrics.Increment(MetricLockFailed, "resource", c.resourceName, "field", c.field)
			return nil, WithContext(ErrConflict, map[string]interface{}{"lock": key})
		}
		releaseRedis = release
	}

	release, err := c.acquireS3Lock(ctx, key, recordID)
	if err != nil {
		if releaseRedis != nil {
			releaseRedis()
		}
		return nil, err
	}
	if releaseRedis == nil {
		return release, nil
	}
	return func() {
		release()
		releaseRedis()
	}, nil
}

func (c *ECConsolidator) acquireS3Lock(ctx context.Context, key, recordID string) (func(), error) {
	if head, err := c.db.Store.Head(ctx, key); err == nil {
		acquiredAt, _ := time.Parse(time.RFC3339, head.Metadata["acquiredAt"])
		if time.Since(acquiredAt) < c.config.LockTimeout {
			c.db.Metrics.Increment(MetricLockFailed, "resource", c.resourceName, "field", c.field)
			return nil, WithContext(ErrConflict, map[string]interface{}{"lock": key})
		}
		c.db.Metrics.Increment(MetricLockOrphaned, "resource", c.resourceName, "field", c.field)
		if err := c.db.Store.Delete(ctx, key); err != nil && !IsNotFound(err) {
			return nil, err
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	_, err := c.db.Store.Put(ctx, key, nil, PutOptions{
		IfNoneMatch: true,
		Metadata:    map[string]string{"acquiredAt": time.Now().UTC().Format(time.RFC3339), "recordId": recordID},
	})
	if err != nil {
		c.db.Metrics.Increment(MetricLockFailed, "resource", c.resourceName, "field", c.field)
		return nil, WithContext(ErrConflict, map[string]interface{}{"lock": key})
	}
	c.db.Metrics.Increment(MetricLockAcquired, "resource", c.resourceName, "field", c.field)

	release := func() {
		if err := c.db.Store.Delete(ctx, key); err != nil && !IsNotFound(err) {
			c.db.Logger.Error("failed to release ec lock", "lock", key, "error", err)
		}
	}
	return release, nil
}
