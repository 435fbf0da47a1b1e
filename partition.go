package s3db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PartitionDefinition declares a named secondary index over one or more
// attributes (§3.1 Partition Definition). A record is indexed under a
// partition for every one of its Fields that resolves to a non-null
// value on the record.
type PartitionDefinition struct {
	Name        string            `json:"name"`
	Fields      map[string]string `json:"fields"` // attribute name -> type spec, e.g. "date|maxlength:7"
	Description string            `json:"description,omitempty"`
}

// partitionEntries maps partition name -> the URL-path-escaped key suffix
// derived from a record's current values, e.g. "date=2026-07" for a
// month partition. A partition is omitted entirely when any of its
// fields is absent on the record (§3.1: "for which all fields resolve to
// non-null values").
func derivePartitionEntries(partitions []PartitionDefinition, values map[string]interface{}) map[string]string {
	entries := make(map[string]string, len(partitions))

partitionLoop:
	for _, p := range partitions {
		fieldNames := sortedPartitionFieldNames(p.Fields)
		var segments []string
		for _, fieldName := range fieldNames {
			typeSpec := p.Fields[fieldName]
			raw, present := values[fieldName]
			if !present || raw == nil {
				continue partitionLoop
			}
			formatted, ok := formatPartitionValue(typeSpec, raw)
			if !ok {
				continue partitionLoop
			}
			segments = append(segments, fieldName+"="+url.PathEscape(formatted))
		}
		if len(segments) == 0 {
			continue
		}
		entries[p.Name] = strings.Join(segments, "/")
	}

	return entries
}

func sortedPartitionFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// formatPartitionValue renders a partition field's value as the string
// segment used in its index key, applying type-specific truncation such
// as "date|maxlength:7" to fold an ISO date down to a YYYY-MM month
// bucket (§4.5 Key layout).
func formatPartitionValue(typeSpec string, value interface{}) (string, bool) {
	parts := strings.Split(typeSpec, "|")
	kind := parts[0]
	maxLen := -1
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(p, ":")
		if ok && key == "maxlength" {
			if n, err := strconv.Atoi(val); err == nil {
				maxLen = n
			}
		}
	}

	var s string
	switch kind {
	case "date", "string":
		str, ok := value.(string)
		if !ok {
			return "", false
		}
		s = str
	case "integer", "number":
		f, err := toFloat64(value)
		if err != nil {
			return "", false
		}
		s = strconv.FormatFloat(f, 'f', -1, 64)
	case "boolean":
		b, ok := value.(bool)
		if !ok {
			return "", false
		}
		s = strconv.FormatBool(b)
	default:
		str, ok := value.(string)
		if !ok {
			return "", false
		}
		s = str
	}

	if maxLen >= 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s, true
}

// diffPartitionEntries compares a record's previously-cached partition
// entries against the freshly-derived set and reports what must be added
// and removed (§4.5 Partition maintenance).
func diffPartitionEntries(previous, current map[string]string) (added, removed map[string]string) {
	added = make(map[string]string)
	removed = make(map[string]string)

	for name, key := range current {
		if prevKey, ok := previous[name]; !ok || prevKey != key {
			added[name] = key
		}
	}
	for name, key := range previous {
		if curKey, ok := current[name]; !ok || curKey != key {
			removed[name] = key
		}
	}
	return added, removed
}

// partitionEntryKey builds the full object key for one partition index
// entry (§4.5 Key layout: "{prefix}/resource={name}/partition={pname}/{k1}={v1}/.../id={id}").
func partitionEntryKey(prefix, resourceName, partitionName, keySuffix, id string) string {
	return fmt.Sprintf("%s/resource=%s/partition=%s/%s/id=%s", prefix, resourceName, partitionName, keySuffix, id)
}

// partitionScanPrefix builds the prefix to list under when a query is
// scoped to a partition with fixed values (§4.5 `list`/`query` with
// `partition`/`partitionValues`).
func partitionScanPrefix(prefix, resourceName, partitionName string, values map[string]string) string {
	base := fmt.Sprintf("%s/resource=%s/partition=%s", prefix, resourceName, partitionName)
	if len(values) == 0 {
		return base + "/"
	}
	var segments []string
	for k, v := range values {
		segments = append(segments, k+"="+url.PathEscape(v))
	}
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && segments[j-1] > segments[j]; j-- {
			segments[j-1], segments[j] = segments[j], segments[j-1]
		}
	}
	return base + "/" + strings.Join(segments, "/") + "/"
}

// partitionEntryPrefix is the scan prefix for one fully-resolved
// partition key suffix, i.e. the directory partitionEntryKey's id=
// segment lives under. Used to keep an optional PartitionCache's sets
// in sync with individual entry adds/removes without re-deriving the
// full value map.
func partitionEntryPrefix(prefix, resourceName, partitionName, keySuffix string) string {
	return fmt.Sprintf("%s/resource=%s/partition=%s/%s/", prefix, resourceName, partitionName, keySuffix)
}

// writePartitionDiff applies added/removed partition entries for one
// record: additions are empty-body puts, removals are deletes. Errors
// from individual entries are collected rather than aborting the whole
// diff, since a partial partition update is recoverable by reconcile.go
// and the owner write has already succeeded by the time this runs.
func writePartitionDiff(ctx context.Context, store ObjectStore, prefix, resourceName, id string, added, removed map[string]string) error {
	var firstErr error

	for name, key := range added {
		fullKey := partitionEntryKey(prefix, resourceName, name, key, id)
		if _, err := store.Put(ctx, fullKey, nil, PutOptions{}); err != nil && firstErr == nil {
			firstErr = WithContext(err, map[string]interface{}{
				"partition": name,
				"id":        id,
				"op":        "add",
			})
		}
	}

	for name, key := range removed {
		fullKey := partitionEntryKey(prefix, resourceName, name, key, id)
		if err := store.Delete(ctx, fullKey); err != nil && !IsNotFound(err) && firstErr == nil {
			firstErr = WithContext(err, map[string]interface{}{
				"partition": name,
				"id":        id,
				"op":        "remove",
			})
		}
	}

	return firstErr
}

// encodePartitionCache serializes a record's current partition entries
// into the `_ps` metadata value cached alongside it, so the next write
// can diff without re-deriving from scratch against stale field values
// (§4.5: "diffs against the previous entries stored alongside the
// record (cached in metadata as `_ps`)").
func encodePartitionCache(entries map[string]string) (string, error) {
	return encodeJSONTagged(entries)
}

func decodePartitionCache(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var out map[string]string
	if err := decodeJSONTagged(raw, &out); err != nil {
		return map[string]string{}
	}
	return out
}
