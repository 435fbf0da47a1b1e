package s3db

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// base62Alphabet is digits+letters, used for the metadata codec's
// integer, decimal, UUID, and embedding encodings (§4.2). No pack
// library offers base62 directly, so this is hand-rolled against
// math/big-free arithmetic since values fit in int64/uint64.
const base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const embeddingDefaultScale = 1_000_000

// encodeBase62 encodes a non-negative integer in base62. Negative values
// are handled by the caller, which prefixes a sign byte (§4.2 Integer row).
func encodeBase62(n uint64) string {
	if n == 0 {
		return string(base62Alphabet[0])
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// decodeBase62 reverses encodeBase62.
func decodeBase62(s string) (uint64, error) {
	var n uint64
	for _, c := range s {
		idx := strings.IndexRune(base62Alphabet, c)
		if idx < 0 {
			return 0, fmt.Errorf("s3db: invalid base62 character %q", c)
		}
		n = n*62 + uint64(idx)
	}
	return n, nil
}

// encodeSignedInt encodes a signed integer as base62 with a leading
// sign prefix ('-' for negative, nothing for non-negative).
func encodeSignedInt(n int64) string {
	if n < 0 {
		return "-" + encodeBase62(uint64(-n))
	}
	return encodeBase62(uint64(n))
}

func decodeSignedInt(s string) (int64, error) {
	if strings.HasPrefix(s, "-") {
		u, err := decodeBase62(s[1:])
		if err != nil {
			return 0, err
		}
		return -int64(u), nil
	}
	u, err := decodeBase62(s)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

// encodeFixedPoint converts a float64 to a fixed-point integer at the
// given scale (default embeddingDefaultScale, 10^6) and base62-encodes it,
// per the decimal and embedding rows of §4.2.
func encodeFixedPoint(f float64, scale int64) string {
	fixed := int64(math.Round(f * float64(scale)))
	return encodeSignedInt(fixed)
}

func decodeFixedPoint(s string, scale int64) (float64, error) {
	fixed, err := decodeSignedInt(s)
	if err != nil {
		return 0, err
	}
	return float64(fixed) / float64(scale), nil
}

// encodeEmbedding packs an N-float vector into fixed-point integers,
// base62-joined with "_" (§4.2 embedding:N row). ~77% smaller than the
// equivalent JSON float array.
func encodeEmbedding(vec []float64, scale int64) string {
	if scale == 0 {
		scale = embeddingDefaultScale
	}
	parts := make([]string, len(vec))
	for i, f := range vec {
		parts[i] = encodeFixedPoint(f, scale)
	}
	return strings.Join(parts, "_")
}

func decodeEmbedding(s string, scale int64) ([]float64, error) {
	if scale == 0 {
		scale = embeddingDefaultScale
	}
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "_")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		f, err := decodeFixedPoint(p, scale)
		if err != nil {
			return nil, err
		}
		vec[i] = f
	}
	return vec, nil
}

// encodeIntArray base62-joins an array of ints with "|" (§4.2 array row).
func encodeIntArray(vals []int64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = encodeSignedInt(v)
	}
	return strings.Join(parts, "|")
}

func decodeIntArray(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "|")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := decodeSignedInt(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// encodeStringArray pipe-joins a string array; callers must ensure no
// element contains the literal "|" (the schema validator rejects that).
func encodeStringArray(vals []string) string {
	return strings.Join(vals, "|")
}

func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

// encodeJSONTagged marshals v to JSON then base64, for the "array of
// objects / deeply nested" and "json" rows of §4.2. The tag byte is
// prefixed by the caller (metadata_codec.go owns tag assignment).
func encodeJSONTagged(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("s3db: json encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeJSONTagged(s string, out interface{}) error {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("s3db: base64 decode: %w", err)
	}
	return json.Unmarshal(b, out)
}

// isASCIIShort reports whether a string can pass through unencoded
// (ASCII and under the threshold below which base64 overhead isn't
// worth paying).
func isASCIIShort(s string, maxLen int) bool {
	if len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// Dictionary is a small frequency dictionary of common string values,
// produced at schema-definition time (§4.2 Dictionary compression).
// The codec substitutes "#nn" tokens for dictionary entries on write and
// reverses the substitution on read. Coupling the dictionary version into
// the schema's stored definition means a decode always uses the dictionary
// that was current when the record was written.
type Dictionary struct {
	Version int
	entries []string
	index   map[string]int
}

// NewDictionary builds a dictionary from an ordered list of frequent
// values. Order is significant: it determines the numeric token assigned
// to each entry, so it must not change across a dictionary version.
func NewDictionary(version int, values []string) *Dictionary {
	d := &Dictionary{
		Version: version,
		entries: append([]string(nil), values...),
		index:   make(map[string]int, len(values)),
	}
	for i, v := range values {
		d.index[v] = i
	}
	return d
}

// Encode substitutes a "#nn" token for a dictionary hit, or returns the
// original string unchanged if it isn't in the dictionary.
func (d *Dictionary) Encode(s string) string {
	if d == nil {
		return s
	}
	if i, ok := d.index[s]; ok {
		return "#" + strconv.Itoa(i)
	}
	return s
}

// Decode reverses Encode. Strings not shaped like a dictionary token pass
// through unchanged.
func (d *Dictionary) Decode(s string) (string, error) {
	if d == nil || !strings.HasPrefix(s, "#") {
		return s, nil
	}
	idx, err := strconv.Atoi(s[1:])
	if err != nil {
		return s, nil // not actually a token, e.g. a literal "#something"
	}
	if idx < 0 || idx >= len(d.entries) {
		return "", fmt.Errorf("s3db: dictionary token #%d out of range for version %d", idx, d.Version)
	}
	return d.entries[idx], nil
}
