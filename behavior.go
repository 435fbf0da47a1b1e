package s3db

import (
	"context"
	"fmt"
)

// BehaviorKind names one of the five metadata/body distribution
// strategies (§4.4). A Behavior is a per-resource property, immutable
// after the resource is created.
type BehaviorKind string

const (
	BehaviorEnforceLimits BehaviorKind = "enforce-limits"
	BehaviorTruncateData  BehaviorKind = "truncate-data"
	BehaviorBodyOverflow  BehaviorKind = "body-overflow"
	BehaviorBodyOnly      BehaviorKind = "body-only"
	BehaviorUserManaged   BehaviorKind = "user-managed"
)

// truncatedFlagKey / overflowCountKey are the reserved short metadata
// keys the truncate-data and body-overflow strategies write alongside
// the attribute map (§4.4: "record flag _truncated:true", "header
// _of:<count>").
const (
	truncatedFlagKey = "_truncated"
	overflowCountKey = "_of"
)

// PackedRecord is the (metadata, body) tuple a Behavior hands to the
// Object Client on write.
type PackedRecord struct {
	Metadata map[string]string
	Body     []byte
}

// Behavior is a variant of the tagged union {EnforceLimits, TruncateData,
// BodyOverflow, BodyOnly, UserManaged} (§4.4, §6 Polymorphism): each
// implementation supplies a matched pack/unpack pair over the same
// ObjectStore contract.
type Behavior interface {
	Kind() BehaviorKind
	// Pack turns a trySerialize result into the (metadata, body) tuple to
	// write. attrs/attrMap are needed because truncate-data must re-encode
	// a shortened value, not just drop it.
	Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error)
	// Unpack materializes the logical record from what Get/Head returned.
	// getBody is called lazily — only body-overflow (when _of>0) and
	// body-only behaviors need it, so enforce-limits/truncate-data readers
	// pay for a single head.
	Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error)
}

// NewBehavior constructs the Behavior implementation for kind.
func NewBehavior(kind BehaviorKind) (Behavior, error) {
	switch kind {
	case BehaviorEnforceLimits:
		return enforceLimitsBehavior{}, nil
	case BehaviorTruncateData:
		return truncateDataBehavior{}, nil
	case BehaviorBodyOverflow:
		return bodyOverflowBehavior{}, nil
	case BehaviorBodyOnly:
		return bodyOnlyBehavior{}, nil
	case BehaviorUserManaged:
		return userManagedBehavior{}, nil
	default:
		return nil, fmt.Errorf("s3db: unknown behavior %q", kind)
	}
}

func invertAttrMap(attrMap map[string]string) map[string]string {
	inv := make(map[string]string, len(attrMap))
	for field, short := range attrMap {
		inv[short] = field
	}
	return inv
}

func decodeMeta(attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string) (map[string]interface{}, error) {
	inv := invertAttrMap(attrMap)
	out := make(map[string]interface{}, len(meta))
	for shortKey, raw := range meta {
		field, ok := inv[shortKey]
		if !ok {
			continue // reserved key (_truncated, _of, v) or unknown — skip
		}
		attr, ok := attrs[field]
		if !ok {
			continue
		}
		val, err := DecodeAttribute(attr, EncodedValue(raw))
		if err != nil {
			return nil, err
		}
		out[field] = val
	}
	return out, nil
}

// enforceLimitsBehavior (§4.4 row 1): metadata only, fails closed on any
// overflow.
type enforceLimitsBehavior struct{}

func (enforceLimitsBehavior) Kind() BehaviorKind { return BehaviorEnforceLimits }

func (enforceLimitsBehavior) Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error) {
	res, err := TrySerialize(attrs, attrMap, values, metadataLimit)
	if err != nil {
		return nil, err
	}
	if !res.Fit {
		fields := make([]string, 0, len(res.Overflow))
		for f := range res.Overflow {
			fields = append(fields, f)
		}
		return nil, WithContext(ErrMetadataLimit, map[string]interface{}{
			"behavior":         string(BehaviorEnforceLimits),
			"overflow_fields":  fields,
			"overflow_count":   len(fields),
		})
	}
	return &PackedRecord{Metadata: res.Meta}, nil
}

func (enforceLimitsBehavior) Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error) {
	return decodeMeta(attrs, attrMap, meta)
}

// truncateDataBehavior (§4.4 row 2): metadata only, drops overflowing
// fields entirely and flags the record so a reader knows data is
// missing — re-truncating by shortening strings is left to a future
// resource-level string-max policy; here "shortened or dropped" resolves
// to "dropped", since the codec has no generic truncate-to-fit operator
// for every attribute type (an embedding or UUID cannot be shortened
// meaningfully).
type truncateDataBehavior struct{}

func (truncateDataBehavior) Kind() BehaviorKind { return BehaviorTruncateData }

func (truncateDataBehavior) Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error) {
	res, err := TrySerialize(attrs, attrMap, values, metadataLimit)
	if err != nil {
		return nil, err
	}
	if len(res.Overflow) > 0 {
		res.Meta[truncatedFlagKey] = "1"
	}
	return &PackedRecord{Metadata: res.Meta}, nil
}

func (truncateDataBehavior) Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error) {
	out, err := decodeMeta(attrs, attrMap, meta)
	if err != nil {
		return nil, err
	}
	if meta[truncatedFlagKey] == "1" {
		out[truncatedFlagKey] = true
	}
	return out, nil
}

// bodyOverflowBehavior (§4.4 row 3): metadata gets what fits, the rest is
// JSON-encoded into the body with a header flagging the overflow count so
// a read can skip the body fetch entirely when there is none.
type bodyOverflowBehavior struct{}

func (bodyOverflowBehavior) Kind() BehaviorKind { return BehaviorBodyOverflow }

func (bodyOverflowBehavior) Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error) {
	res, err := TrySerialize(attrs, attrMap, values, metadataLimit)
	if err != nil {
		return nil, err
	}
	packed := &PackedRecord{Metadata: res.Meta}
	if len(res.Overflow) == 0 {
		packed.Metadata[overflowCountKey] = "0"
		return packed, nil
	}
	body, err := encodeJSONTagged(res.Overflow)
	if err != nil {
		return nil, err
	}
	packed.Metadata[overflowCountKey] = fmt.Sprintf("%d", len(res.Overflow))
	packed.Body = []byte(body)
	return packed, nil
}

func (bodyOverflowBehavior) Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error) {
	out, err := decodeMeta(attrs, attrMap, meta)
	if err != nil {
		return nil, err
	}
	if meta[overflowCountKey] == "" || meta[overflowCountKey] == "0" {
		return out, nil
	}
	body, err := getBody(ctx)
	if err != nil {
		return nil, err
	}
	var overflow map[string]interface{}
	if err := decodeJSONTagged(string(body), &overflow); err != nil {
		return nil, err
	}
	for k, v := range overflow {
		out[k] = v
	}
	return out, nil
}

// bodyOnlyBehavior (§4.4 row 4): no metadata, the entire logical record
// lives in the object body as plain JSON. Always requires a get.
type bodyOnlyBehavior struct{}

func (bodyOnlyBehavior) Kind() BehaviorKind { return BehaviorBodyOnly }

func (bodyOnlyBehavior) Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error) {
	body, err := encodeJSONTagged(values)
	if err != nil {
		return nil, err
	}
	return &PackedRecord{Metadata: map[string]string{}, Body: []byte(body)}, nil
}

func (bodyOnlyBehavior) Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error) {
	body, err := getBody(ctx)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := decodeJSONTagged(string(body), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// userManagedBehavior (§4.4 row 5): no safety net — everything that fits
// the codec's encoding is written to metadata as-is, and an over-limit
// write is left to surface as whatever 4xx the underlying object store
// returns.
type userManagedBehavior struct{}

func (userManagedBehavior) Kind() BehaviorKind { return BehaviorUserManaged }

func (userManagedBehavior) Pack(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*PackedRecord, error) {
	// No safety net (§4.4): encode against an effectively unbounded limit
	// so nothing is diverted to Overflow, then hand the result straight to
	// the Object Client — an over-limit write surfaces as whatever 4xx the
	// backend itself returns.
	const noLimit = 1 << 30
	res, err := TrySerialize(attrs, attrMap, values, noLimit)
	if err != nil {
		return nil, err
	}
	return &PackedRecord{Metadata: res.Meta}, nil
}

func (userManagedBehavior) Unpack(ctx context.Context, attrs map[string]*Attribute, attrMap map[string]string, meta map[string]string, getBody func(ctx context.Context) ([]byte, error)) (map[string]interface{}, error) {
	return decodeMeta(attrs, attrMap, meta)
}
