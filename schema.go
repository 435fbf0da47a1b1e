package s3db

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Attribute type names recognized by the DSL (§4.3).
const (
	TypeString    = "string"
	TypeNumber    = "number"
	TypeInteger   = "integer"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeUUID      = "uuid"
	TypeEmail     = "email"
	TypeURL       = "url"
	TypeJSON      = "json"
	TypeEmbedding = "embedding"
	TypeSecret    = "secret"
	TypeSecretNumber = "secretNumber"
	TypeSecretAny    = "secretAny"
	TypePassword  = "password"
	TypeArray     = "array"
	TypeObject    = "object"
)

// Attribute is one compiled field definition: its type plus every
// modifier/rule the DSL recognized for it (§4.3).
type Attribute struct {
	Name       string
	Type       string
	Required   bool
	Nullable   bool
	Default    interface{}
	Min        *float64
	Max        *float64
	Pattern    *regexp.Regexp
	Enum       []string
	Trim       bool
	Lowercase  bool
	Uppercase  bool
	Alphanum   bool
	Positive   bool
	EmbeddingN int     // for embedding:N
	Scale      int64   // fixed-point scale for number/embedding encoding
	Items      *Attribute // for array element rule
	Properties map[string]*Attribute // for nested object
	IsSecret   bool   // secret, secretNumber, secretAny
	IsPassword bool
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
var urlPattern = regexp.MustCompile(`^https?://`)

// ParseAttribute compiles one pipe-delimited rule string, e.g.
// "email|required|string|min:3|max:120" (§4.3 Attribute DSL).
func ParseAttribute(name, rule string) (*Attribute, error) {
	attr := &Attribute{Name: name, Required: false}
	parts := strings.Split(rule, "|")

	for _, raw := range parts {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}

		key, val, hasVal := strings.Cut(part, ":")

		switch key {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate, TypeUUID,
			TypeEmail, TypeURL, TypeJSON, TypeSecret, TypeSecretNumber, TypeSecretAny,
			TypePassword, TypeArray, TypeObject:
			attr.Type = key
			if key == TypeSecret || key == TypeSecretNumber || key == TypeSecretAny {
				attr.IsSecret = true
			}
			if key == TypePassword {
				attr.IsPassword = true
			}
		case "embedding":
			attr.Type = TypeEmbedding
			if hasVal {
				n, err := strconv.Atoi(val)
				if err != nil {
					return nil, fmt.Errorf("s3db: attribute %q: invalid embedding size %q", name, val)
				}
				attr.EmbeddingN = n
			}
		case "required":
			attr.Required = true
		case "optional":
			attr.Required = false
		case "nullable":
			attr.Nullable = true
		case "default":
			attr.Default = val
		case "min":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("s3db: attribute %q: invalid min %q", name, val)
			}
			attr.Min = &f
		case "max":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("s3db: attribute %q: invalid max %q", name, val)
			}
			attr.Max = &f
		case "pattern":
			pat := strings.Trim(val, "/")
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("s3db: attribute %q: invalid pattern %q: %w", name, val, err)
			}
			attr.Pattern = re
		case "enum":
			attr.Enum = strings.Split(val, ",")
		case "trim":
			attr.Trim = true
		case "lowercase":
			attr.Lowercase = true
		case "uppercase":
			attr.Uppercase = true
		case "alphanum":
			attr.Alphanum = true
		case "positive":
			attr.Positive = true
		case "items":
			// items:<rule> — compiled lazily by the caller via ParseAttribute
			// on a synthetic "<name>[]" name, since nesting another DSL
			// string inside a rule token needs its own split pass.
			itemAttr, err := ParseAttribute(name+"[]", val)
			if err != nil {
				return nil, err
			}
			attr.Items = itemAttr
		case "empty":
			// empty:false — represented as Min=1 on array length.
			if val == "false" {
				one := 1.0
				attr.Min = &one
			}
		default:
			return nil, fmt.Errorf("s3db: attribute %q: unrecognized rule %q", name, key)
		}
	}

	if attr.Type == "" {
		attr.Type = TypeString
	}
	if attr.Type == TypeEmail {
		attr.Pattern = emailPattern
		attr.Type = TypeString
	}
	if attr.Type == TypeURL {
		attr.Pattern = urlPattern
		attr.Type = TypeString
	}

	return attr, nil
}

// SchemaVersion is one registered version of a resource's attribute set
// (§3.1 Schema Version, §4.3 Schema evolution). Schemas are append-only:
// updateSchema creates a new version without touching existing records.
type SchemaVersion struct {
	Version    int
	Attributes map[string]*Attribute
	// AttributeMap is the human-readable-name -> short-key bijection
	// assigned at registration time (§4.3 Short-key assignment).
	AttributeMap map[string]string
	Hooks        *HookSet
}

// shortKeyAlphabet is the assignment order for short keys: 0-9, a-z, A-Z.
const shortKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// AssignShortKeys walks attribute names in the given stable order and
// assigns 0,1,...,9,a,b,...; nested object attributes get compound keys
// like "4.0","4.1" (§4.3 Short-key assignment).
func AssignShortKeys(orderedNames []string, attrs map[string]*Attribute) map[string]string {
	assignment := make(map[string]string, len(orderedNames))
	idx := 0
	for _, name := range orderedNames {
		key := nextShortKey(idx)
		idx++
		assignment[name] = key

		if attr, ok := attrs[name]; ok && attr.Type == TypeObject && len(attr.Properties) > 0 {
			nestedNames := sortedKeys(attr.Properties)
			for nestedIdx, nestedName := range nestedNames {
				assignment[name+"."+nestedName] = key + "." + nextShortKey(nestedIdx)
			}
		}
	}
	return assignment
}

func nextShortKey(idx int) string {
	if idx < len(shortKeyAlphabet) {
		return string(shortKeyAlphabet[idx])
	}
	// Beyond single characters (62+ attributes), fall back to a base62
	// encoding of the index so keys stay short and still order-stable.
	return encodeBase62(uint64(idx))
}

func sortedKeys(m map[string]*Attribute) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Depth-first stable order: registration order isn't preserved by a Go
	// map, so callers that care about a specific order should supply it
	// via ResourceDefinition.AttributeOrder instead of relying on this.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// NewSchemaVersion compiles a resource's attribute DSL map into a
// SchemaVersion, assigning short keys and auto-generating secret/password
// hooks (§4.3 Auto-generated hooks).
func NewSchemaVersion(version int, rules map[string]string, order []string) (*SchemaVersion, error) {
	attrs := make(map[string]*Attribute, len(rules))
	for name, rule := range rules {
		attr, err := ParseAttribute(name, rule)
		if err != nil {
			return nil, err
		}
		attrs[name] = attr
	}

	if order == nil {
		order = sortedKeysStrings(rules)
	}

	sv := &SchemaVersion{
		Version:      version,
		Attributes:   attrs,
		AttributeMap: AssignShortKeys(order, attrs),
		Hooks:        NewHookSet(),
	}

	for _, name := range order {
		attr := attrs[name]
		if attr.IsSecret {
			sv.Hooks.addAutoSecretHooks(name)
		}
		if attr.IsPassword {
			sv.Hooks.addAutoPasswordHook(name)
		}
	}

	return sv, nil
}

func sortedKeysStrings(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
