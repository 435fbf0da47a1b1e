// Package s3db provides database-like functionality using S3/GCS-compatible
// object storage for both data and secondary indexes, with optional Redis
// acceleration, offering S3-grade durability without a database server.
//
// # Overview
//
// s3db turns an object store into a queryable, schema-validated document
// store. It provides:
//
//   - Resources: named collections with a declarative, versioned schema
//   - Partitions: secondary indexes maintained as zero-byte marker objects
//   - A query builder over partitions and full scans
//   - Optimistic per-record locking via conditional ("if-match") writes
//   - An eventual-consistency consolidator for write-heavy counter fields
//   - A coordinator for electing one leader among many worker processes
//   - Batch operations for parallel reads/writes
//   - Schema versioning and migrations
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// Basic usage with a filesystem-backed store (development):
//
//	db, err := s3db.Connect(ctx, s3db.DatabaseConfig{
//	    ConnectionString: "file:///var/data/s3db",
//	    Prefix:           "myapp",
//	})
//
//	users, err := db.CreateResource(ctx, s3db.ResourceDefinition{
//	    Name:           "users",
//	    AttributeRules: map[string]string{"email": "string", "name": "string"},
//	})
//
//	rec, err := users.Insert(ctx, map[string]interface{}{
//	    "email": "alice@example.com",
//	    "name":  "Alice",
//	})
//
// Production setup with S3 and Redis-accelerated locking:
//
//	db, err := s3db.Connect(ctx, s3db.DatabaseConfig{
//	    ConnectionString: "s3://my-bucket",
//	    Prefix:           "myapp",
//	})
//
//	redisClient := redis.NewClient(s3db.RedisOptions())
//	lock := s3db.NewDistributedLock(redisClient, "myapp")
//
// # Core Concepts
//
// ObjectStore: storage abstraction supporting S3, GCS, MinIO, and the
// filesystem. All data operations go through this interface for portability.
//
// Database: the entry point bound to one ObjectStore and key prefix. It owns
// plugin registration, the schema history, and resource lookups.
//
// Resource: a named collection with a compiled schema validator, partition
// definitions, and lifecycle hooks (beforeInsert/afterRead/etc).
//
// Partitions: object keys of the form
// "{prefix}/resource={name}/partition={pname}/{field}={value}/id={id}"
// serve as a secondary index scanned directly off the object store; an
// optional PartitionCache mirrors them in Redis for faster repeated scans.
//
// Eventual-Consistency Consolidator: batches concurrent updates to a single
// field (e.g. a view counter) through a per-record transaction log instead
// of a lock held across every write, consolidating the log on a timer.
//
// Coordinator: elects a single leader among cooperating worker processes
// using conditional writes against a shared state object, so exactly one
// process runs singleton work such as the consolidator's sweep loop.
//
// # Queries
//
// Query builder for filtering, sorting, and pagination:
//
//	active, err := users.NewQuery().
//	    Partition("by_status", map[string]string{"status": "active"}).
//	    Sort(byCreatedAtDesc).
//	    Limit(50).
//	    All(ctx)
//
// # Schema Versioning and Migrations
//
// Each resource keeps a history of its schema definitions, and a resource's
// stored records carry the schema version under which they were written.
// Evolve schemas without downtime by registering a migration and letting it
// run automatically on read when a version mismatch is detected:
//
//	func init() {
//	    s3db.Migrate("User").From(0).To(1).
//	        Split("name", " ", "first_name", "last_name")
//	}
//
// # Atomic Updates and Distributed Locking
//
// For critical operations requiring isolation across processes (inventory
// counts, financial balances):
//
//	lock := s3db.NewDistributedLock(redisClient, "myapp")
//
//	err := s3db.WithAtomicUpdate(ctx, db, lock, "accounts/123", 10*time.Second,
//	    func(ctx context.Context) error {
//	        rec, _ := accounts.Get(ctx, "123")
//	        rec["balance"] = rec["balance"].(float64) + 100
//	        _, err := accounts.Update(ctx, "123", rec)
//	        return err
//	    })
//
// Record-level writes use optimistic concurrency (conditional put against
// the record's current ETag) by default; WithAtomicUpdate adds a true
// critical section for callers who need one.
//
// # Batch Operations
//
// Efficient parallel operations:
//
//	ids := []string{"1", "2", "3"}
//	results := users.GetMany(ctx, ids)
//
// # Critical Gotchas
//
//  1. Partition staleness: a crash between the record write and its
//     partition diff write leaves the partition index briefly stale;
//     Resource.Reconcile repairs drift from the authoritative record set.
//
//  2. Eventual-consistency fields are, as the name says, eventually
//     consistent: a read immediately after a write to a consolidated field
//     may not reflect it until the next consolidation cycle.
//
//  3. Query.All loads everything into memory; use Each or pagination for
//     large result sets.
//
//  4. S3 latency is 50-100ms per round trip; partition scans that fan out
//     across many keys should use the batch helpers rather than looping.
//
// # Storage Backends
//
// Filesystem (development):
//
//	db, _ := s3db.Connect(ctx, s3db.DatabaseConfig{ConnectionString: "file:///var/data"})
//
// S3 (production):
//
//	db, _ := s3db.Connect(ctx, s3db.DatabaseConfig{ConnectionString: "s3://my-bucket"})
//
// Google Cloud Storage:
//
//	db, _ := s3db.Connect(ctx, s3db.DatabaseConfig{ConnectionString: "gcs://my-bucket"})
//
// In-memory (tests):
//
//	db, _ := s3db.Connect(ctx, s3db.DatabaseConfig{ConnectionString: "memory://test"})
//
// # Observability
//
// Metrics (Prometheus) and structured logging (Zap) are wired the same way
// across every backend:
//
//	metrics := s3db.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	logger, _ := s3db.NewProductionZapLogger()
//	db, _ := s3db.Connect(ctx, s3db.DatabaseConfig{
//	    ConnectionString: "s3://my-bucket",
//	    Logger:           logger,
//	    Metrics:          metrics,
//	})
package s3db
