package s3db

import (
	"context"
	"regexp"
	"time"
)

// QueryFilter maps a field name to either a literal value (equality) or
// an operator map, e.g. {"age": map[string]interface{}{"$gte": 21}}
// (§4.5 `query`: "operators: equality, {$gt,$gte,$lt,$lte,$ne,$in,$nin,
// $exists,$regex,$increment,$decrement}"). $increment/$decrement are
// reserved for EC op sugar and are never matched against here.
type QueryFilter map[string]interface{}

func matchesFilter(record map[string]interface{}, filter QueryFilter) bool {
	for field, want := range filter {
		actual, present := record[field]

		ops, isOpMap := want.(map[string]interface{})
		if !isOpMap {
			if !present || !valuesEqual(actual, want) {
				return false
			}
			continue
		}

		if !matchesOperators(actual, present, ops) {
			return false
		}
	}
	return true
}

func matchesOperators(actual interface{}, present bool, ops map[string]interface{}) bool {
	for op, operand := range ops {
		switch op {
		case "$exists":
			want, _ := operand.(bool)
			if present != want {
				return false
			}
		case "$ne":
			if present && valuesEqual(actual, operand) {
				return false
			}
		case "$in":
			if !present || !memberOf(actual, operand) {
				return false
			}
		case "$nin":
			if present && memberOf(actual, operand) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			cmp, ok := compareValues(actual, operand)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		case "$regex":
			if !present {
				return false
			}
			s, ok := actual.(string)
			pattern, ok2 := operand.(string)
			if !ok || !ok2 {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return false
			}
		case "$increment", "$decrement":
			// Reserved for EC op sugar; not a query predicate.
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toComparableFloat(a)
	bf, bok := toComparableFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func memberOf(actual interface{}, operand interface{}) bool {
	list, ok := operand.([]interface{})
	if !ok {
		return false
	}
	for _, v := range list {
		if valuesEqual(actual, v) {
			return true
		}
	}
	return false
}

func toComparableFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// compareValues returns -1/0/1 for numeric, string, or RFC3339-timestamp
// values; ok is false when the pair can't be ordered.
func compareValues(a, b interface{}) (int, bool) {
	if af, aok := toComparableFloat(a); aok {
		if bf, bok := toComparableFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		at, aerr := time.Parse(time.RFC3339, as)
		bt, berr := time.Parse(time.RFC3339, bs)
		if aerr == nil && berr == nil {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

// Query implements §4.5 `query(filter, opts)`: scans the narrowest scope
// available (prefer the partition, else the owner prefix), applies the
// filter in memory, and resolves surviving ids to full records.
func (r *Resource) Query(ctx context.Context, filter QueryFilter, opts ListRecordsOptions) ([]map[string]interface{}, error) {
	ids, err := r.scanIDs(ctx, ListRecordsOptions{Partition: opts.Partition, PartitionValues: opts.PartitionValues})
	if err != nil {
		return nil, err
	}

	var matched []map[string]interface{}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := r.Get(ctx, id, GetOptions{IncludeDeleted: opts.IncludeDeleted})
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter != nil && !matchesFilter(rec, filter) {
			continue
		}
		matched = append(matched, rec)
	}

	matched = paginateRecords(matched, opts.Offset, opts.Limit)
	r.db.Metrics.Histogram(MetricQueryResults, float64(len(matched)), "resource", r.def.Name)
	return matched, nil
}

func paginateRecords(records []map[string]interface{}, offset, limit int) []map[string]interface{} {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// FluentQuery provides the same builder ergonomics as the teacher's own
// Query type (Filter/Limit/Offset/Sort/All/First/Count/Each), adapted to
// operate over decoded records and the §4.5 operator filter instead of
// raw prefix-scanned JSON bytes.
type FluentQuery struct {
	resource *Resource
	filter   QueryFilter
	opts     ListRecordsOptions
	sortFunc func(a, b map[string]interface{}) bool
}

// NewQuery starts a fluent query against r.
func (r *Resource) NewQuery() *FluentQuery {
	return &FluentQuery{resource: r, filter: QueryFilter{}}
}

func (q *FluentQuery) Where(field string, value interface{}) *FluentQuery {
	q.filter[field] = value
	return q
}

func (q *FluentQuery) WhereOp(field string, ops map[string]interface{}) *FluentQuery {
	q.filter[field] = ops
	return q
}

func (q *FluentQuery) Limit(n int) *FluentQuery {
	q.opts.Limit = n
	return q
}

func (q *FluentQuery) Offset(n int) *FluentQuery {
	q.opts.Offset = n
	return q
}

func (q *FluentQuery) Partition(name string, values map[string]string) *FluentQuery {
	q.opts.Partition = name
	q.opts.PartitionValues = values
	return q
}

func (q *FluentQuery) Sort(fn func(a, b map[string]interface{}) bool) *FluentQuery {
	q.sortFunc = fn
	return q
}

func (q *FluentQuery) All(ctx context.Context) ([]map[string]interface{}, error) {
	records, err := q.resource.Query(ctx, q.filter, ListRecordsOptions{Partition: q.opts.Partition, PartitionValues: q.opts.PartitionValues, IncludeDeleted: q.opts.IncludeDeleted})
	if err != nil {
		return nil, err
	}
	if q.sortFunc != nil {
		sortRecords(records, q.sortFunc)
	}
	return paginateRecords(records, q.opts.Offset, q.opts.Limit), nil
}

func (q *FluentQuery) First(ctx context.Context) (map[string]interface{}, error) {
	q.opts.Limit = 1
	records, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, WithContext(ErrNotFound, map[string]interface{}{"resource": q.resource.def.Name})
	}
	return records[0], nil
}

func (q *FluentQuery) Count(ctx context.Context) (int, error) {
	records, err := q.resource.Query(ctx, q.filter, ListRecordsOptions{Partition: q.opts.Partition, PartitionValues: q.opts.PartitionValues, IncludeDeleted: q.opts.IncludeDeleted})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (q *FluentQuery) Each(ctx context.Context, fn func(record map[string]interface{}) error) error {
	records, err := q.All(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func sortRecords(records []map[string]interface{}, less func(a, b map[string]interface{}) bool) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && less(records[j], records[j-1]); j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
}
