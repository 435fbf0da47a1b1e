package s3db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ResourceDefinition is the declarative shape passed to createResource
// (§3.1 Resource): attribute rules compile into a SchemaVersion, the rest
// configure the runtime behavior around it.
type ResourceDefinition struct {
	Name            string
	AttributeRules  map[string]string
	AttributeOrder  []string
	Behavior        BehaviorKind
	Timestamps      bool
	Paranoid        bool
	Partitions      []PartitionDefinition
	AsyncPartitions bool
	MetadataLimit   int
	// SequenceField, when non-empty, names a numeric attribute that
	// Insert assigns from a Redis-backed Counter rather than leaving it
	// to the caller — e.g. a human-facing case or invoice number that
	// must increase monotonically within the resource. Only takes
	// effect once UseSequenceCounter attaches a Counter; with no
	// counter attached the field is left to ordinary validation.
	SequenceField string
}

// Resource is a typed collection: the runtime for one entry in the
// Database Root's resource list (§4.5 Resource Runtime).
type Resource struct {
	db       *Database
	def      ResourceDefinition
	behavior Behavior

	mu      sync.RWMutex
	schemas []*SchemaVersion

	cache    *PartitionCache
	sequence *Counter
}

// UsePartitionCache attaches an optional Redis-backed accelerant for
// partition scans; nil (the default) leaves scanIDs hitting the object
// store's own key listing on every call.
func (r *Resource) UsePartitionCache(c *PartitionCache) {
	r.cache = c
}

// UseSequenceCounter attaches a Redis-backed Counter that Insert draws
// from to populate def.SequenceField. The counter's Redis key should be
// scoped to this resource (e.g. "counter:{resource}:{field}") so
// sequences don't collide across resources sharing one Redis instance.
func (r *Resource) UseSequenceCounter(c *Counter) {
	r.sequence = c
}

func newResource(db *Database, def ResourceDefinition) (*Resource, error) {
	if def.MetadataLimit == 0 {
		def.MetadataLimit = 2048
	}
	if def.Behavior == "" {
		def.Behavior = BehaviorUserManaged
	}

	sv, err := NewSchemaVersion(0, def.AttributeRules, def.AttributeOrder)
	if err != nil {
		return nil, err
	}
	behavior, err := NewBehavior(def.Behavior)
	if err != nil {
		return nil, err
	}

	return &Resource{
		db:       db,
		def:      def,
		behavior: behavior,
		schemas:  []*SchemaVersion{sv},
	}, nil
}

func (r *Resource) currentSchema() *SchemaVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[len(r.schemas)-1]
}

func (r *Resource) schemaAt(version int) (*SchemaVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if version < 0 || version >= len(r.schemas) {
		return nil, WithContext(ErrUnknownSchemaVersion, map[string]interface{}{
			"resource": r.def.Name,
			"version":  version,
		})
	}
	return r.schemas[version], nil
}

// updateSchema appends a new schema version without touching existing
// records (§4.3 Schema evolution, §4.6 "schemas are append-only").
func (r *Resource) updateSchema(rules map[string]string, order []string) (*SchemaVersion, error) {
	r.mu.Lock()
	nextVersion := len(r.schemas)
	r.mu.Unlock()

	sv, err := NewSchemaVersion(nextVersion, rules, order)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemas = append(r.schemas, sv)
	r.mu.Unlock()

	return sv, nil
}

func (r *Resource) ownerKey(id string) string {
	return fmt.Sprintf("%s/resource=%s/id=%s", r.db.Prefix, r.def.Name, id)
}

func (r *Resource) ownerPrefix() string {
	return fmt.Sprintf("%s/resource=%s/id=", r.db.Prefix, r.def.Name)
}

func (r *Resource) hookEnv() HookEnv {
	return HookEnv{EncryptionKey: r.db.EncryptionKey}
}

func extractIDFromKey(key string) string {
	idx := strings.LastIndex(key, "id=")
	if idx < 0 {
		return ""
	}
	return key[idx+len("id="):]
}

// packAndPersist encodes values against sv/behavior and writes the owner
// object, returning the packed record and the partition entries derived
// from values (so the caller can diff and reconcile).
func (r *Resource) packAndPersist(ctx context.Context, sv *SchemaVersion, id string, values map[string]interface{}) (map[string]string, error) {
	packed, err := r.behavior.Pack(sv.Attributes, sv.AttributeMap, values, r.def.MetadataLimit)
	if err != nil {
		return nil, err
	}

	entries := derivePartitionEntries(r.def.Partitions, values)
	cache, err := encodePartitionCache(entries)
	if err != nil {
		return nil, err
	}

	packed.Metadata["v"] = strconv.Itoa(sv.Version)
	packed.Metadata["_ps"] = cache

	if _, err := r.db.Store.Put(ctx, r.ownerKey(id), packed.Body, PutOptions{Metadata: packed.Metadata}); err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *Resource) reconcilePartitions(ctx context.Context, id string, previous, current map[string]string) {
	added, removed := diffPartitionEntries(previous, current)
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	do := func() {
		if err := writePartitionDiff(ctx, r.db.Store, r.db.Prefix, r.def.Name, id, added, removed); err != nil {
			r.db.Logger.Error("partition reconciliation failed", "resource", r.def.Name, "id", id, "error", err)
			r.db.Metrics.Increment(MetricPartitionDrift, "resource", r.def.Name)
			r.db.Events.Emit(Event{Name: "partition.drift", Data: map[string]interface{}{
				"resource": r.def.Name, "id": id, "error": err.Error(),
			}})
			return
		}
		r.db.Metrics.Increment(MetricPartitionUpdate, "resource", r.def.Name)

		if r.cache != nil {
			for name, key := range added {
				r.cache.Add(ctx, partitionEntryPrefix(r.db.Prefix, r.def.Name, name, key), id)
			}
			for name, key := range removed {
				r.cache.Remove(ctx, partitionEntryPrefix(r.db.Prefix, r.def.Name, name, key), id)
			}
		}
	}

	if r.def.AsyncPartitions {
		go do()
		return
	}
	do()
}

func (r *Resource) nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Insert implements §4.5 `insert(data)`.
func (r *Resource) Insert(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	values := cloneRecord(data)

	id, _ := values["id"].(string)
	if id == "" {
		id = NewID()
		values["id"] = id
	}

	if r.def.SequenceField != "" && r.sequence != nil {
		if raw, present := values[r.def.SequenceField]; !present {
			next, err := r.sequence.Increment(ctx)
			if err != nil {
				return nil, err
			}
			values[r.def.SequenceField] = float64(next)
		} else if explicit, err := toFloat64(raw); err == nil {
			// An explicitly supplied value (e.g. an imported legacy
			// record) must still push the counter's high-water mark
			// forward, or a later auto-assigned value could collide
			// with it once the counter catches up.
			current, err := r.sequence.Get(ctx)
			if err != nil {
				return nil, err
			}
			if explicit > float64(current) {
				if err := r.sequence.Set(ctx, int64(explicit)); err != nil {
					return nil, err
				}
			}
		}
	}

	sv := r.currentSchema()
	if err := sv.Validate(values); err != nil {
		return nil, err
	}

	if r.def.Timestamps {
		now := r.nowString()
		values["createdAt"] = now
		values["updatedAt"] = now
	}

	values, err := sv.Hooks.Run(PhaseBeforeInsert, values, r.hookEnv())
	if err != nil {
		return nil, err
	}

	entries, err := r.packAndPersist(ctx, sv, id, values)
	if err != nil {
		return nil, err
	}
	r.reconcilePartitions(ctx, id, nil, entries)

	values, err = sv.Hooks.Run(PhaseAfterInsert, values, r.hookEnv())
	if err != nil {
		return nil, err
	}

	r.db.Events.Emit(Event{Name: "insert", Data: map[string]interface{}{"resource": r.def.Name, "id": id, "data": values}})
	return values, nil
}

// InsertResult is one item's outcome from InsertMany (§4.5 `insertMany`).
type InsertResult struct {
	OK   bool
	Err  error
	Data map[string]interface{}
}

// GetOptions controls read behavior — chiefly the paranoid soft-delete
// filter (§4.5 Timestamps and paranoid).
type GetOptions struct {
	IncludeDeleted bool
}

// Get implements §4.5 `get(id)`.
func (r *Resource) Get(ctx context.Context, id string, opts ...GetOptions) (map[string]interface{}, error) {
	var opt GetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	values, err := r.fetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.def.Paranoid && !opt.IncludeDeleted {
		if deletedAt, ok := values["deletedAt"]; ok && deletedAt != nil && deletedAt != "" {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"resource": r.def.Name, "id": id})
		}
	}

	sv := r.currentSchema()
	values, err = sv.Hooks.Run(PhaseAfterGet, values, r.hookEnv())
	if err != nil {
		return nil, err
	}

	r.db.Events.Emit(Event{Name: "get", Data: map[string]interface{}{"resource": r.def.Name, "id": id}})
	return values, nil
}

// fetchRaw reads and decodes a record without running afterGet hooks or
// the paranoid filter — used internally by Update/Replace/Delete, which
// need the pre-decrypt, pre-filter view to compute partition diffs.
func (r *Resource) fetchRaw(ctx context.Context, id string) (map[string]interface{}, error) {
	key := r.ownerKey(id)

	if r.behavior.Kind() == BehaviorBodyOnly {
		obj, err := r.db.Store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		sv, err := r.schemaForMeta(obj.Metadata)
		if err != nil {
			return nil, err
		}
		return r.behavior.Unpack(ctx, sv.Attributes, sv.AttributeMap, obj.Metadata, func(context.Context) ([]byte, error) {
			return obj.Body, nil
		})
	}

	head, err := r.db.Store.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	sv, err := r.schemaForMeta(head.Metadata)
	if err != nil {
		return nil, err
	}
	getBody := func(ctx context.Context) ([]byte, error) {
		obj, err := r.db.Store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return obj.Body, nil
	}
	return r.behavior.Unpack(ctx, sv.Attributes, sv.AttributeMap, head.Metadata, getBody)
}

func (r *Resource) schemaForMeta(meta map[string]string) (*SchemaVersion, error) {
	versionStr, ok := meta["v"]
	if !ok {
		return r.currentSchema(), nil
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return r.currentSchema(), nil
	}
	return r.schemaAt(version)
}

// Exists implements §4.5 `exists(id)`.
func (r *Resource) Exists(ctx context.Context, id string) (bool, error) {
	return r.db.Store.Exists(ctx, r.ownerKey(id))
}

// Update implements §4.5 `update(id, data)`: get, deep-merge, validate,
// beforeUpdate, re-encode, put, partition diff, afterUpdate.
func (r *Resource) Update(ctx context.Context, id string, data map[string]interface{}) (map[string]interface{}, error) {
	return r.mutate(ctx, id, data, deepMerge, true)
}

// Patch implements §4.5 `patch(id, partial)`: shallow merge, no
// requirement that omitted required fields already be present on the
// partial — validation still runs against the resulting full record.
func (r *Resource) Patch(ctx context.Context, id string, partial map[string]interface{}) (map[string]interface{}, error) {
	return r.mutate(ctx, id, partial, shallowMerge, true)
}

// Replace implements §4.5 `replace(id, data)`: the given data becomes the
// full record (no merge with the existing one).
func (r *Resource) Replace(ctx context.Context, id string, data map[string]interface{}) (map[string]interface{}, error) {
	return r.mutate(ctx, id, data, func(_, incoming map[string]interface{}) map[string]interface{} { return incoming }, false)
}

func (r *Resource) mutate(ctx context.Context, id string, incoming map[string]interface{}, merge func(base, incoming map[string]interface{}) map[string]interface{}, needBase bool) (map[string]interface{}, error) {
	previous, err := r.fetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	previousEntries := derivePartitionEntries(r.def.Partitions, previous)

	var merged map[string]interface{}
	if needBase {
		merged = merge(previous, cloneRecord(incoming))
	} else {
		merged = merge(previous, cloneRecord(incoming))
		merged["id"] = id
	}

	sv := r.currentSchema()
	if err := sv.Validate(merged); err != nil {
		return nil, err
	}

	if r.def.Timestamps {
		merged["updatedAt"] = r.nowString()
	}

	merged, err = sv.Hooks.Run(PhaseBeforeUpdate, merged, r.hookEnv())
	if err != nil {
		return nil, err
	}

	currentEntries, err := r.packAndPersist(ctx, sv, id, merged)
	if err != nil {
		return nil, err
	}
	r.reconcilePartitions(ctx, id, previousEntries, currentEntries)

	merged, err = sv.Hooks.Run(PhaseAfterUpdate, merged, r.hookEnv())
	if err != nil {
		return nil, err
	}

	r.db.Events.Emit(Event{Name: "update", Data: map[string]interface{}{"resource": r.def.Name, "id": id, "data": merged}})
	return merged, nil
}

// Delete implements §4.5 `delete(id)`: soft-delete when paranoid, else
// remove the owner object and every partition entry it held.
func (r *Resource) Delete(ctx context.Context, id string) error {
	sv := r.currentSchema()

	if r.def.Paranoid {
		_, err := r.Patch(ctx, id, map[string]interface{}{"deletedAt": r.nowString()})
		return err
	}

	previous, err := r.fetchRaw(ctx, id)
	if err != nil {
		return err
	}
	previousEntries := derivePartitionEntries(r.def.Partitions, previous)

	if _, err := sv.Hooks.Run(PhaseBeforeDelete, previous, r.hookEnv()); err != nil {
		return err
	}

	if err := r.db.Store.Delete(ctx, r.ownerKey(id)); err != nil {
		return err
	}
	r.reconcilePartitions(ctx, id, previousEntries, nil)

	if _, err := sv.Hooks.Run(PhaseAfterDelete, previous, r.hookEnv()); err != nil {
		return err
	}

	r.db.Events.Emit(Event{Name: "delete", Data: map[string]interface{}{"resource": r.def.Name, "id": id}})
	return nil
}

func cloneRecord(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepMerge(base, patch map[string]interface{}) map[string]interface{} {
	merged := cloneRecord(base)
	for k, v := range patch {
		if existing, ok := merged[k].(map[string]interface{}); ok {
			if incoming, ok2 := v.(map[string]interface{}); ok2 {
				merged[k] = deepMerge(existing, incoming)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

func shallowMerge(base, patch map[string]interface{}) map[string]interface{} {
	merged := cloneRecord(base)
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// ListRecordsOptions controls §4.5 `list`/`query` scope and pagination.
type ListRecordsOptions struct {
	Limit           int
	Offset          int
	Partition       string
	PartitionValues map[string]string
	IncludeDeleted  bool
}

func (r *Resource) scanIDs(ctx context.Context, opts ListRecordsOptions) ([]string, error) {
	var prefix string
	if opts.Partition != "" {
		prefix = partitionScanPrefix(r.db.Prefix, r.def.Name, opts.Partition, opts.PartitionValues)
	} else {
		prefix = r.ownerPrefix()
	}

	if r.cache != nil && opts.Partition != "" {
		if ids, ok := r.cache.Members(ctx, prefix); ok {
			return ids, nil
		}
	}

	var ids []string
	token := ""
	for {
		page, err := r.db.Store.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, key := range page.Contents {
			id := extractIDFromKey(key)
			if id != "" {
				ids = append(ids, id)
			}
		}
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	if r.cache != nil && opts.Partition != "" {
		r.cache.Populate(ctx, prefix, ids)
	}
	return ids, nil
}

func paginateIDs(ids []string, offset, limit int) []string {
	if offset > 0 {
		if offset >= len(ids) {
			return nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

// List implements §4.5 `list`.
func (r *Resource) List(ctx context.Context, opts ListRecordsOptions) ([]map[string]interface{}, error) {
	ids, err := r.scanIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	ids = paginateIDs(ids, opts.Offset, opts.Limit)

	records := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id, GetOptions{IncludeDeleted: opts.IncludeDeleted})
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListIDs implements §4.5 `listIds`.
func (r *Resource) ListIDs(ctx context.Context, opts ListRecordsOptions) ([]string, error) {
	ids, err := r.scanIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	return paginateIDs(ids, opts.Offset, opts.Limit), nil
}

// Count implements §4.5 `count`.
func (r *Resource) Count(ctx context.Context, opts ListRecordsOptions) (int, error) {
	ids, err := r.scanIDs(ctx, opts)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// GetAll implements §4.5 `getAll`: a fully paginated list.
func (r *Resource) GetAll(ctx context.Context) ([]map[string]interface{}, error) {
	return r.List(ctx, ListRecordsOptions{})
}

// DeleteAll implements §4.5 `deleteAll({confirm:true})`.
func (r *Resource) DeleteAll(ctx context.Context, confirm bool) error {
	if !confirm {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "deleteAll requires confirm:true",
		})
	}
	return r.db.Store.DeleteAllUnder(ctx, fmt.Sprintf("%s/resource=%s/", r.db.Prefix, r.def.Name))
}
