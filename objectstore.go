package s3db

import (
	"context"
	"time"
)

// PutOptions carries the per-put parameters the Object Client exposes
// beyond the raw body (§4.1): content metadata and an optional
// optimistic-concurrency guard.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
	// IfMatch, when non-empty, requires the object's current ETag to
	// match before the put is allowed to proceed.
	IfMatch string
	// IfNoneMatch requires the key to not already exist — the
	// put-if-absent precondition used for lock-object acquisition (§4.7,
	// §4.8) and election writes when no prior state.json exists.
	IfNoneMatch bool
}

// Object is the result of a get or head call: body is nil for Head.
type Object struct {
	Body          []byte
	Metadata      map[string]string
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Contents              []string
	IsTruncated           bool
	NextContinuationToken string
}

// ListOptions bounds a single List call (§4.1: maxKeys<=1000).
type ListOptions struct {
	Prefix            string
	ContinuationToken string
	MaxKeys           int
}

// DeleteResult reports the per-key outcome of a batch delete.
type DeleteResult struct {
	Key     string
	Deleted bool
	Err     error
}

// ObjectStore is the uniform interface over the object store (§4.1). The
// three implementations in this package — memory, filesystem, S3 — all
// satisfy it identically from the caller's perspective; only the backing
// medium differs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (etag string, err error)
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	DeleteBatch(ctx context.Context, keys []string) ([]DeleteResult, error)
	Copy(ctx context.Context, from, to string) error
	Move(ctx context.Context, from, to string) error
	List(ctx context.Context, opts ListOptions) (*ListPage, error)
	ListAllKeys(ctx context.Context, prefix string) ([]string, error)
	CountKeys(ctx context.Context, prefix string) (int, error)
	DeleteAllUnder(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// maxDeleteBatch is the chunking boundary for deleteBatch (§4.1).
const maxDeleteBatch = 1000

// maxListKeys is the per-call cap on a single List page (§4.1).
const maxListKeys = 1000

// chunkKeys splits keys into groups of at most maxDeleteBatch, the shape
// every ObjectStore.DeleteBatch implementation chunks its underlying
// batch-delete calls to.
func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = maxDeleteBatch
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		end := i + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

// clampMaxKeys enforces the §4.1 maxKeys<=1000 bound, defaulting to
// DefaultListPaginatedSize when unset.
func clampMaxKeys(n int) int {
	if n <= 0 {
		return DefaultListPaginatedSize
	}
	if n > maxListKeys {
		return maxListKeys
	}
	return n
}

// instrumentedStore wraps any ObjectStore with the request/response event
// pair the Object Client emits for every command (§4.1 Events, §6.5), plus
// op-latency metrics and structured logging. Each concrete store
// (memory/filesystem/s3/gcs) is wrapped by this once at construction time
// rather than duplicating the instrumentation in every backend.
type instrumentedStore struct {
	ObjectStore
	backend string
	events  *EventBus
	logger  Logger
	metrics Metrics
}

// WithInstrumentation wraps store so every operation emits
// command.request/command.response events and records
// s3db.object.{ops,errors,latency} metrics tagged with the backend name.
func WithInstrumentation(store ObjectStore, backend string, events *EventBus, logger Logger, metrics Metrics) ObjectStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &instrumentedStore{ObjectStore: store, backend: backend, events: events, logger: logger, metrics: metrics}
}

func (s *instrumentedStore) instrument(ctx context.Context, op, key string, fn func() error) error {
	if s.events != nil {
		s.events.Emit(Event{Name: "command.request", Data: map[string]interface{}{"op": op, "key": key}})
	}
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	s.metrics.Timing(MetricObjectLatency, elapsed, "operation", op, "backend", s.backend)
	if err != nil {
		s.metrics.Increment(MetricObjectErrors, "operation", op, "backend", s.backend)
		s.logger.Error("object store operation failed", "op", op, "key", key, "backend", s.backend, "error", err)
	} else {
		s.metrics.Increment(MetricObjectOps, "operation", op, "backend", s.backend)
	}

	if s.events != nil {
		s.events.Emit(Event{Name: "command.response", Data: map[string]interface{}{"op": op, "key": key, "err": err}})
	}
	return err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	var etag string
	err := s.instrument(ctx, "putObject", key, func() error {
		var innerErr error
		etag, innerErr = s.ObjectStore.Put(ctx, key, body, opts)
		return innerErr
	})
	return etag, err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*Object, error) {
	var obj *Object
	err := s.instrument(ctx, "getObject", key, func() error {
		var innerErr error
		obj, innerErr = s.ObjectStore.Get(ctx, key)
		return innerErr
	})
	return obj, err
}

func (s *instrumentedStore) Head(ctx context.Context, key string) (*Object, error) {
	var obj *Object
	err := s.instrument(ctx, "headObject", key, func() error {
		var innerErr error
		obj, innerErr = s.ObjectStore.Head(ctx, key)
		return innerErr
	})
	return obj, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	return s.instrument(ctx, "deleteObject", key, func() error {
		return s.ObjectStore.Delete(ctx, key)
	})
}
