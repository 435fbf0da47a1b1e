package s3db

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rootObjectKey is the single metadata object every Database instance
// maintains (§4.6 Database Root).
const rootObjectKey = "s3db.json"

const rootSchemaVersion = 1

// schemaDoc is the persisted form of one SchemaVersion: attribute rules
// plus any user hooks layered on top of the auto-generated secret/
// password ones, so the version can be recompiled on connect without
// ever serializing a Go func value (§4.3, §4.5 "serialized with the
// schema").
type schemaDoc struct {
	Version        int                      `json:"version"`
	AttributeRules map[string]string        `json:"attributeRules"`
	AttributeOrder []string                 `json:"attributeOrder"`
	UserHooks      map[HookPhase][]HookRef  `json:"userHooks,omitempty"`
}

// resourceDoc is the persisted form of one Resource (§4.6: "list of
// resources each with their schema history").
type resourceDoc struct {
	Name            string               `json:"name"`
	Behavior        BehaviorKind         `json:"behavior"`
	Timestamps      bool                 `json:"timestamps"`
	Paranoid        bool                 `json:"paranoid"`
	Partitions      []PartitionDefinition `json:"partitions,omitempty"`
	AsyncPartitions bool                 `json:"asyncPartitions"`
	MetadataLimit   int                  `json:"metadataLimit"`
	Schemas         []schemaDoc          `json:"schemas"`
	// RemovedAt marks a resource retired via DropResource: its entry is
	// kept (rather than deleted) so the schema history stays available to
	// decode any records left behind, per the design notes' "schema
	// versioning on delete".
	RemovedAt string `json:"removedAt,omitempty"`
}

// rootDocument is the literal JSON shape of {prefix}/s3db.json.
type rootDocument struct {
	Version     int           `json:"version"`
	Resources   []resourceDoc `json:"resources"`
	Plugins     []string      `json:"plugins,omitempty"`
	ConnectedAt string        `json:"connectedAt,omitempty"`
}

// Database is the connection-scoped root (§3.1 Database): it owns a
// bucket/prefix pair through an ObjectStore and holds every Resource
// instantiated from the root metadata object.
type Database struct {
	Store         ObjectStore
	Prefix        string
	Logger        Logger
	Metrics       Metrics
	Events        *EventBus
	EncryptionKey []byte

	mu               sync.RWMutex
	resources        map[string]*Resource
	droppedResources map[string]*Resource
	removedAt        map[string]string
	rootETag         string
	plugins          []string

	pluginsStopFns []func(context.Context) error
}

// DatabaseConfig configures Connect.
type DatabaseConfig struct {
	ConnectionString string
	Prefix           string
	Logger           Logger
	Metrics          Metrics
	EncryptionKey    []byte
}

// Connect implements §4.6's connect lifecycle: fetch (or create) the
// root object, instantiate in-memory Resource objects from its schema
// history.
func Connect(ctx context.Context, cfg DatabaseConfig) (*Database, error) {
	store, err := OpenObjectStore(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	events := NewEventBus()
	store = WithInstrumentation(store, "object", events, logger, metrics)

	db := &Database{
		Store:         store,
		Prefix:        cfg.Prefix,
		Logger:        logger,
		Metrics:       metrics,
		Events:        events,
		EncryptionKey:    cfg.EncryptionKey,
		resources:        make(map[string]*Resource),
		droppedResources: make(map[string]*Resource),
		removedAt:        make(map[string]string),
	}

	if err := db.loadOrCreateRoot(ctx); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *Database) rootKey() string {
	return fmt.Sprintf("%s/%s", db.Prefix, rootObjectKey)
}

func (db *Database) loadOrCreateRoot(ctx context.Context) error {
	obj, err := db.Store.Get(ctx, db.rootKey())
	if err != nil {
		if !IsNotFound(err) {
			return err
		}
		doc := rootDocument{Version: rootSchemaVersion, ConnectedAt: time.Now().UTC().Format(time.RFC3339)}
		etag, putErr := db.putRoot(ctx, doc, "")
		if putErr != nil {
			return putErr
		}
		db.rootETag = etag
		return nil
	}

	var doc rootDocument
	if err := decodeJSONTagged(string(obj.Body), &doc); err != nil {
		return fmt.Errorf("s3db: corrupt root object: %w", err)
	}
	db.rootETag = obj.ETag

	for _, rd := range doc.Resources {
		res, err := resourceFromDoc(db, rd)
		if err != nil {
			return err
		}
		if rd.RemovedAt != "" {
			db.droppedResources[rd.Name] = res
			db.removedAt[rd.Name] = rd.RemovedAt
			continue
		}
		db.resources[rd.Name] = res
	}
	db.plugins = doc.Plugins

	return nil
}

func resourceFromDoc(db *Database, rd resourceDoc) (*Resource, error) {
	if len(rd.Schemas) == 0 {
		return nil, fmt.Errorf("s3db: resource %q has no schema history", rd.Name)
	}

	def := ResourceDefinition{
		Name:            rd.Name,
		AttributeRules:  rd.Schemas[len(rd.Schemas)-1].AttributeRules,
		AttributeOrder:  rd.Schemas[len(rd.Schemas)-1].AttributeOrder,
		Behavior:        rd.Behavior,
		Timestamps:      rd.Timestamps,
		Paranoid:        rd.Paranoid,
		Partitions:      rd.Partitions,
		AsyncPartitions: rd.AsyncPartitions,
		MetadataLimit:   rd.MetadataLimit,
	}

	behavior, err := NewBehavior(def.Behavior)
	if err != nil {
		return nil, err
	}

	res := &Resource{db: db, def: def, behavior: behavior}
	for _, sd := range rd.Schemas {
		sv, err := NewSchemaVersion(sd.Version, sd.AttributeRules, sd.AttributeOrder)
		if err != nil {
			return nil, err
		}
		for phase, refs := range sd.UserHooks {
			for _, ref := range refs {
				sv.Hooks.Add(phase, ref.Name, ref.Params)
			}
		}
		res.schemas = append(res.schemas, sv)
	}

	return res, nil
}

func (db *Database) toDoc() rootDocument {
	db.mu.RLock()
	defer db.mu.RUnlock()

	doc := rootDocument{Version: rootSchemaVersion, Plugins: db.plugins}
	emit := func(res *Resource, removedAt string) {
		res.mu.RLock()
		rd := resourceDoc{
			Name:            res.def.Name,
			Behavior:        res.def.Behavior,
			Timestamps:      res.def.Timestamps,
			Paranoid:        res.def.Paranoid,
			Partitions:      res.def.Partitions,
			AsyncPartitions: res.def.AsyncPartitions,
			MetadataLimit:   res.def.MetadataLimit,
			RemovedAt:       removedAt,
		}
		for _, sv := range res.schemas {
			rd.Schemas = append(rd.Schemas, schemaDoc{
				Version:        sv.Version,
				AttributeRules: attributeRules(sv.Attributes),
				AttributeOrder: sortedKeysAttr(sv.Attributes),
				UserHooks:      sv.Hooks.Pipelines,
			})
		}
		res.mu.RUnlock()
		doc.Resources = append(doc.Resources, rd)
	}

	for _, res := range db.resources {
		emit(res, "")
	}
	for name, res := range db.droppedResources {
		emit(res, db.removedAt[name])
	}
	return doc
}

// attributeRules isn't a true inverse of ParseAttribute (the DSL is
// lossy-in-reverse only for default pretty-printing, not semantics); it
// reconstructs a rule string sufficient to recompile an equivalent
// Attribute, which is all updateSchema/persistence needs.
func attributeRules(attrs map[string]*Attribute) map[string]string {
	rules := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		rules[name] = attr.Type
	}
	return rules
}

func (db *Database) putRoot(ctx context.Context, doc rootDocument, ifMatch string) (string, error) {
	body, err := encodeJSONTagged(doc)
	if err != nil {
		return "", err
	}
	etag, err := db.Store.Put(ctx, db.rootKey(), []byte(body), PutOptions{ContentType: "application/json", IfMatch: ifMatch})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// persistRoot rewrites the root object with the database's current
// in-memory resource set, retrying on ETag conflict with bounded backoff
// (§4.6: "collisions retry with bounded backoff (3 attempts) and report
// RaceError afterward"), grounded on the teacher's store.go
// UpdateIndex/RemoveFromIndex retry loop and transaction.go's
// PutIfMatch-on-tracked-etag idiom.
func (db *Database) persistRoot(ctx context.Context) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		db.mu.RLock()
		etag := db.rootETag
		db.mu.RUnlock()

		doc := db.toDoc()
		newETag, err := db.putRoot(ctx, doc, etag)
		if err == nil {
			db.mu.Lock()
			db.rootETag = newETag
			db.mu.Unlock()
			return nil
		}
		if !IsConflict(err) {
			return err
		}

		// Refresh our view of the current etag before retrying, in case
		// another process's write also touched resources we don't own.
		if obj, getErr := db.Store.Head(ctx, db.rootKey()); getErr == nil {
			db.mu.Lock()
			db.rootETag = obj.ETag
			db.mu.Unlock()
		}

		if attempt < config.MaxRetries-1 {
			backoff := config.InitialBackoff * time.Duration(1<<uint(attempt))
			time.Sleep(backoff)
		}
	}

	db.Metrics.Increment(MetricRootWriteRace)
	return WithContext(ErrRace, map[string]interface{}{"key": db.rootKey(), "retries": config.MaxRetries})
}

// CreateResource implements §4.6 `createResource(def)`: the schema is
// appended to the database metadata (as its first version) and the
// resource becomes immediately available in-process.
func (db *Database) CreateResource(ctx context.Context, def ResourceDefinition) (*Resource, error) {
	db.mu.RLock()
	_, exists := db.resources[def.Name]
	db.mu.RUnlock()
	if exists {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"resource": def.Name, "reason": "already exists"})
	}

	res, err := newResource(db, def)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.resources[def.Name] = res
	db.mu.Unlock()

	if err := db.persistRoot(ctx); err != nil {
		db.mu.Lock()
		delete(db.resources, def.Name)
		db.mu.Unlock()
		return nil, err
	}

	return res, nil
}

// UpdateSchema implements §4.6 `updateSchema(def)` for an existing
// resource: append-only, no destructive migration in-core.
func (db *Database) UpdateSchema(ctx context.Context, resourceName string, rules map[string]string, order []string) error {
	res, err := db.Resource(resourceName)
	if err != nil {
		return err
	}
	if _, err := res.updateSchema(rules, order); err != nil {
		return err
	}
	return db.persistRoot(ctx)
}

// DropResource retires a resource without destroying its decode history:
// the root entry is marked removedAt rather than deleted, so any records
// left under its key prefix can still be decoded by a future Reconcile or
// manual recovery pass (design notes, "schema versioning on delete"). The
// resource becomes unreachable through Database.Resource once dropped.
func (db *Database) DropResource(ctx context.Context, name string) error {
	db.mu.Lock()
	res, ok := db.resources[name]
	if !ok {
		db.mu.Unlock()
		return WithContext(ErrUnknownResource, map[string]interface{}{"resource": name})
	}
	delete(db.resources, name)
	db.droppedResources[name] = res
	db.removedAt[name] = time.Now().UTC().Format(time.RFC3339)
	db.mu.Unlock()

	if err := db.persistRoot(ctx); err != nil {
		db.mu.Lock()
		delete(db.droppedResources, name)
		delete(db.removedAt, name)
		db.resources[name] = res
		db.mu.Unlock()
		return err
	}
	return nil
}

// Resource returns the named resource, or ErrUnknownResource.
func (db *Database) Resource(name string) (*Resource, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	res, ok := db.resources[name]
	if !ok {
		return nil, WithContext(ErrUnknownResource, map[string]interface{}{"resource": name})
	}
	return res, nil
}

// InstallPlugin records a plugin name in the root registry and queues its
// stop function for reverse-order shutdown (§4.6: "plugins call
// install()... On disconnect(), plugins are stopped in reverse order").
func (db *Database) InstallPlugin(ctx context.Context, name string, stop func(context.Context) error) error {
	db.mu.Lock()
	db.plugins = append(db.plugins, name)
	db.pluginsStopFns = append(db.pluginsStopFns, stop)
	db.mu.Unlock()
	return db.persistRoot(ctx)
}

// Disconnect implements §4.6's teardown: plugins stop in reverse
// installation order, then the Object Client pool is closed. drainDeadline
// bounds how long a plugin's stop function may run before Disconnect
// gives up waiting on it.
func (db *Database) Disconnect(ctx context.Context, drainDeadline time.Duration) error {
	db.mu.RLock()
	stopFns := append([]func(context.Context) error(nil), db.pluginsStopFns...)
	db.mu.RUnlock()

	drainCtx, cancel := context.WithTimeout(ctx, drainDeadline)
	defer cancel()

	for i := len(stopFns) - 1; i >= 0; i-- {
		if stopFns[i] == nil {
			continue
		}
		if err := stopFns[i](drainCtx); err != nil {
			db.Logger.Error("plugin stop failed", "error", err)
		}
	}

	return db.Store.Close()
}
