package s3db

import (
	"fmt"
	"strings"
)

// Validate checks a full logical record against every attribute in sv,
// returning an ordered list of failures (§4.3 Validator compilation:
// "either true or an ordered list of {field, message, rule} errors").
// Validation runs on the full logical record before encoding.
func (sv *SchemaVersion) Validate(data map[string]interface{}) error {
	var errs []FieldError

	for _, name := range sortedKeysAttr(sv.Attributes) {
		attr := sv.Attributes[name]
		val, present := data[name]

		if !present || val == nil {
			if attr.Default != nil {
				data[name] = attr.Default
				continue
			}
			if attr.Required && !attr.Nullable {
				errs = append(errs, FieldError{Field: name, Rule: "required", Message: "is required"})
			}
			continue
		}

		if fe := validateAttribute(attr, val, data); fe != nil {
			errs = append(errs, *fe...)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateAttribute(attr *Attribute, val interface{}, data map[string]interface{}) *[]FieldError {
	var errs []FieldError

	switch attr.Type {
	case TypeString, TypePassword:
		s, ok := val.(string)
		if !ok {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "string", Message: "must be a string"})
			return &errs
		}
		if attr.Trim {
			s = strings.TrimSpace(s)
		}
		if attr.Lowercase {
			s = strings.ToLower(s)
		}
		if attr.Uppercase {
			s = strings.ToUpper(s)
		}
		data[attr.Name] = s

		if attr.Min != nil && float64(len(s)) < *attr.Min {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "min", Message: fmt.Sprintf("must be at least %.0f characters", *attr.Min)})
		}
		if attr.Max != nil && float64(len(s)) > *attr.Max {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "max", Message: fmt.Sprintf("must be at most %.0f characters", *attr.Max)})
		}
		if attr.Pattern != nil && !attr.Pattern.MatchString(s) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "pattern", Message: "does not match required pattern"})
		}
		if attr.Alphanum && !isAlphanumeric(s) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "alphanum", Message: "must be alphanumeric"})
		}
		if len(attr.Enum) > 0 && !contains(attr.Enum, s) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "enum", Message: "must be one of " + strings.Join(attr.Enum, ", ")})
		}

	case TypeNumber, TypeInteger:
		f, ok := numericValue(val)
		if !ok {
			errs = append(errs, FieldError{Field: attr.Name, Rule: attr.Type, Message: "must be a number"})
			return &errs
		}
		if attr.Type == TypeInteger && f != float64(int64(f)) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "integer", Message: "must be an integer"})
		}
		if attr.Positive && f <= 0 {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "positive", Message: "must be positive"})
		}
		if attr.Min != nil && f < *attr.Min {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "min", Message: fmt.Sprintf("must be >= %v", *attr.Min)})
		}
		if attr.Max != nil && f > *attr.Max {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "max", Message: fmt.Sprintf("must be <= %v", *attr.Max)})
		}

	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "boolean", Message: "must be true or false"})
		}

	case TypeDate:
		s, ok := val.(string)
		if !ok || !looksLikeISOTimestamp(s) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "date", Message: "must be an ISO-8601 timestamp"})
		}

	case TypeUUID:
		s, ok := val.(string)
		if !ok || !IsValidID(s) {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "uuid", Message: "must be a valid UUID"})
		}

	case TypeEmbedding:
		vec, err := toFloatSlice(val)
		if err != nil {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "embedding", Message: "must be a numeric array"})
		} else if attr.EmbeddingN > 0 && len(vec) != attr.EmbeddingN {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "embedding", Message: fmt.Sprintf("must have exactly %d elements", attr.EmbeddingN)})
		}

	case TypeArray:
		items, ok := val.([]interface{})
		if !ok {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "array", Message: "must be an array"})
			return &errs
		}
		if attr.Min != nil && float64(len(items)) < *attr.Min {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "min", Message: fmt.Sprintf("must have at least %.0f items", *attr.Min)})
		}
		if attr.Max != nil && float64(len(items)) > *attr.Max {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "max", Message: fmt.Sprintf("must have at most %.0f items", *attr.Max)})
		}
		if attr.Items != nil {
			for i, item := range items {
				if fe := validateAttribute(attr.Items, item, map[string]interface{}{}); fe != nil {
					for _, e := range *fe {
						e.Field = fmt.Sprintf("%s[%d]", attr.Name, i)
						errs = append(errs, e)
					}
				}
			}
		}

	case TypeObject:
		obj, ok := val.(map[string]interface{})
		if !ok {
			errs = append(errs, FieldError{Field: attr.Name, Rule: "object", Message: "must be an object"})
			return &errs
		}
		for propName, propAttr := range attr.Properties {
			propVal, present := obj[propName]
			if !present {
				if propAttr.Required {
					errs = append(errs, FieldError{Field: attr.Name + "." + propName, Rule: "required", Message: "is required"})
				}
				continue
			}
			if fe := validateAttribute(propAttr, propVal, obj); fe != nil {
				for _, e := range *fe {
					e.Field = attr.Name + "." + e.Field
					errs = append(errs, e)
				}
			}
		}

	case TypeSecret, TypeSecretNumber, TypeSecretAny, TypeJSON:
		// No shape constraint beyond presence; these are opaque until
		// encrypted/encoded.
	}

	if len(errs) == 0 {
		return nil
	}
	return &errs
}

func numericValue(val interface{}) (float64, bool) {
	switch n := val.(type) {
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

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func looksLikeISOTimestamp(s string) bool {
	// YYYY-MM-DDTHH:MM:SS at minimum; fractional seconds/timezone optional.
	if len(s) < 19 {
		return false
	}
	return s[4] == '-' && s[7] == '-' && s[10] == 'T' && s[13] == ':' && s[16] == ':'
}

func sortedKeysAttr(m map[string]*Attribute) []string {
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
