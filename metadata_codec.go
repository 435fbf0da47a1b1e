package s3db

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Metadata codec tag bytes (§4.2): a one-character prefix declaring how
// the remainder of the string is encoded, so decode is schema-free on the
// encoding dimension (it still needs the attribute map/type for semantics).
const (
	tagString    = 's'
	tagStringB64 = 'S' // base64, tagged for non-ASCII or long strings
	tagInt       = 'i'
	tagDecimal   = 'd'
	tagDecimalB64 = 'D' // base64 JSON fallback when precision is unknown
	tagBool      = 'b'
	tagTimestamp = 't'
	tagUUID      = 'u'
	tagStringArr = 'a'
	tagIntArr    = 'A'
	tagEmbedding = 'e'
	tagJSON      = 'j'
	tagSecret    = 'x'
	tagDictToken = '#'
)

// asciiShortLimit is the length under which an ASCII string passes
// through unencoded instead of paying base64 overhead (§4.2 String row).
const asciiShortLimit = 64

// EncodedValue is one attribute's codec output: a tag byte glued to the
// encoded payload, ready to become one metadata header value.
type EncodedValue string

func tagged(tag byte, payload string) EncodedValue {
	return EncodedValue(string(tag) + payload)
}

func (e EncodedValue) split() (byte, string) {
	s := string(e)
	if s == "" {
		return 0, ""
	}
	return s[0], s[1:]
}

// EncodeAttribute picks the smallest safe encoding for one attribute
// value, per the §4.2 per-value encoding table. attr carries the
// resolved type from the schema (an already-encrypted `secret*` value
// arrives here pre-ciphered and is passed through under tagSecret).
func EncodeAttribute(attr *Attribute, value interface{}) (EncodedValue, error) {
	if value == nil {
		return "", nil
	}

	switch attr.Type {
	case TypeInteger:
		n, err := toInt64(value)
		if err != nil {
			return "", err
		}
		return tagged(tagInt, encodeSignedInt(n)), nil

	case TypeNumber:
		f, err := toFloat64(value)
		if err != nil {
			return "", err
		}
		if attr.Scale > 0 {
			return tagged(tagDecimal, encodeFixedPoint(f, attr.Scale)), nil
		}
		enc, err := encodeJSONTagged(f)
		if err != nil {
			return "", err
		}
		return tagged(tagDecimalB64, enc), nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("s3db: attribute %q expects boolean", attr.Name)
		}
		if b {
			return tagged(tagBool, "1"), nil
		}
		return tagged(tagBool, "0"), nil

	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("s3db: attribute %q expects ISO timestamp string", attr.Name)
		}
		return tagged(tagTimestamp, encodeTimestamp(s)), nil

	case TypeUUID:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("s3db: attribute %q expects uuid string", attr.Name)
		}
		id, err := ParseID(s)
		if err != nil {
			return "", err
		}
		b := id[:]
		n := uint64(0)
		for _, by := range b[8:] {
			n = n<<8 | uint64(by)
		}
		hi := uint64(0)
		for _, by := range b[:8] {
			hi = hi<<8 | uint64(by)
		}
		return tagged(tagUUID, encodeBase62(hi)+"_"+encodeBase62(n)), nil

	case TypeEmbedding:
		vec, err := toFloatSlice(value)
		if err != nil {
			return "", err
		}
		scale := attr.Scale
		if scale == 0 {
			scale = embeddingDefaultScale
		}
		return tagged(tagEmbedding, encodeEmbedding(vec, scale)), nil

	case TypeArray:
		return encodeArray(attr, value)

	case TypeSecret, TypeSecretNumber, TypeSecretAny:
		// Ciphertext has already been produced by the before-persist hook;
		// it is opaque base64, passed through unchanged under its own tag.
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("s3db: attribute %q expects pre-encrypted ciphertext", attr.Name)
		}
		return tagged(tagSecret, s), nil

	case TypeJSON, TypeObject:
		enc, err := encodeJSONTagged(value)
		if err != nil {
			return "", err
		}
		return tagged(tagJSON, enc), nil

	case TypeString, TypeEmail, TypeURL, TypePassword:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("s3db: attribute %q expects string", attr.Name)
		}
		if isASCIIShort(s, asciiShortLimit) {
			return tagged(tagString, s), nil
		}
		return tagged(tagStringB64, base64.StdEncoding.EncodeToString([]byte(s))), nil

	default:
		return "", fmt.Errorf("s3db: attribute %q has unknown type %q", attr.Name, attr.Type)
	}
}

func encodeArray(attr *Attribute, value interface{}) (EncodedValue, error) {
	switch items := value.(type) {
	case []string:
		return tagged(tagStringArr, encodeStringArray(items)), nil
	case []int64:
		return tagged(tagIntArr, encodeIntArray(items)), nil
	case []interface{}:
		// Objects/mixed content: JSON then base64 (§4.2 "array of objects" row).
		enc, err := encodeJSONTagged(items)
		if err != nil {
			return "", err
		}
		return tagged(tagJSON, enc), nil
	default:
		return "", fmt.Errorf("s3db: attribute %q: unsupported array value %T", attr.Name, value)
	}
}

// DecodeAttribute reverses EncodeAttribute using the tag byte alone; the
// caller still supplies attr for attributes the tag byte is ambiguous
// about (e.g. "was this an embedding or a plain decimal array").
func DecodeAttribute(attr *Attribute, enc EncodedValue) (interface{}, error) {
	if enc == "" {
		return nil, nil
	}
	tag, payload := enc.split()

	switch tag {
	case tagString:
		return payload, nil
	case tagStringB64:
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagInt:
		return decodeSignedInt(payload)
	case tagDecimal:
		scale := attr.Scale
		if scale == 0 {
			scale = embeddingDefaultScale
		}
		return decodeFixedPoint(payload, scale)
	case tagDecimalB64:
		var f float64
		if err := decodeJSONTagged(payload, &f); err != nil {
			return nil, err
		}
		return f, nil
	case tagBool:
		return payload == "1", nil
	case tagTimestamp:
		return decodeTimestamp(payload), nil
	case tagUUID:
		parts := strings.SplitN(payload, "_", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("s3db: malformed uuid encoding %q", payload)
		}
		hi, err := decodeBase62(parts[0])
		if err != nil {
			return nil, err
		}
		lo, err := decodeBase62(parts[1])
		if err != nil {
			return nil, err
		}
		var b [16]byte
		for i := 7; i >= 0; i-- {
			b[i] = byte(hi)
			hi >>= 8
		}
		for i := 15; i >= 8; i-- {
			b[i] = byte(lo)
			lo >>= 8
		}
		return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
	case tagStringArr:
		return decodeStringArray(payload), nil
	case tagIntArr:
		return decodeIntArray(payload)
	case tagEmbedding:
		scale := attr.Scale
		if scale == 0 {
			scale = embeddingDefaultScale
		}
		return decodeEmbedding(payload, scale)
	case tagJSON:
		var v interface{}
		if err := decodeJSONTagged(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	case tagSecret:
		return payload, nil // caller decrypts via the after-read hook
	default:
		return nil, fmt.Errorf("s3db: unknown metadata tag %q", tag)
	}
}

// isoDefaultSuffix is the timezone/millisecond suffix elided when it
// equals the default (§4.2 ISO timestamp row: "timezone/suffix elided
// when default, remainder packed").
const isoDefaultSuffix = "T00:00:00Z"

func encodeTimestamp(s string) string {
	if strings.HasSuffix(s, isoDefaultSuffix) {
		return strings.TrimSuffix(s, isoDefaultSuffix)
	}
	return "~" + s // '~' marks a non-default suffix, full string packed as-is
}

func decodeTimestamp(s string) string {
	if strings.HasPrefix(s, "~") {
		return s[1:]
	}
	return s + isoDefaultSuffix
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("s3db: expected integer, got %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("s3db: expected number, got %T", v)
	}
}

func toFloatSlice(v interface{}) ([]float64, error) {
	switch vec := v.(type) {
	case []float64:
		return vec, nil
	case []interface{}:
		out := make([]float64, len(vec))
		for i, x := range vec {
			f, err := toFloat64(x)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("s3db: expected embedding vector, got %T", v)
	}
}

// TrySerializeResult is the metadata codec's overflow contract (§4.2):
// fit reports whether everything landed in metadata; overflow holds the
// fields that must live in the object body instead.
type TrySerializeResult struct {
	Fit      bool
	Meta     map[string]string
	Overflow map[string]interface{}
}

// TrySerialize encodes every attribute in values against its short key
// from attrMap, and reports whether the result fits metadataLimit bytes
// (sum of header name + value + per-header separator overhead).
func TrySerialize(attrs map[string]*Attribute, attrMap map[string]string, values map[string]interface{}, metadataLimit int) (*TrySerializeResult, error) {
	if metadataLimit <= 0 {
		metadataLimit = 2048
	}

	type kv struct {
		shortKey string
		value    EncodedValue
		field    string
	}
	var encoded []kv

	for field, shortKey := range attrMap {
		val, present := values[field]
		if !present {
			continue
		}
		attr, ok := attrs[field]
		if !ok {
			continue
		}
		enc, err := EncodeAttribute(attr, val)
		if err != nil {
			return nil, err
		}
		if enc == "" {
			continue
		}
		encoded = append(encoded, kv{shortKey: shortKey, value: enc, field: field})
	}

	result := &TrySerializeResult{Meta: make(map[string]string), Overflow: make(map[string]interface{})}

	total := 0
	overflowed := false
	for _, e := range encoded {
		cost := len(e.shortKey) + len(e.value) + 2 // "name: value\r\n"-ish separator budget
		if overflowed || total+cost > metadataLimit {
			overflowed = true
			result.Overflow[e.field] = values[e.field]
			continue
		}
		total += cost
		result.Meta[e.shortKey] = string(e.value)
	}

	result.Fit = len(result.Overflow) == 0
	return result, nil
}

// metadataSize returns the approximate header budget a Meta map would
// consume, for behaviors that need to re-check fit after truncation.
func metadataSize(meta map[string]string) int {
	total := 0
	for k, v := range meta {
		total += len(k) + len(v) + 2
	}
	return total
}
