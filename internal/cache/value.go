package cache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRawValue is returned when decoding a value that was not stored as JSON.
var ErrRawValue = errors.New("cache: value is not structured")

// ValueKind distinguishes structured values from raw strings.
type ValueKind int

const (
	// ValueRaw is a stored string that does not parse as JSON.
	ValueRaw ValueKind = iota
	// ValueStructured is a stored JSON document.
	ValueStructured
)

func (k ValueKind) String() string {
	switch k {
	case ValueStructured:
		return "structured"
	default:
		return "raw"
	}
}

// Value is the result of a read. Reads are permissive: anything that fails to
// parse as JSON comes back as ValueRaw instead of an error.
type Value struct {
	kind ValueKind
	raw  string
}

func classifyValue(stored string) Value {
	if json.Valid([]byte(stored)) {
		return Value{kind: ValueStructured, raw: stored}
	}
	return Value{kind: ValueRaw, raw: stored}
}

// Kind reports which variant the value holds.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Raw returns the stored text regardless of kind.
func (v Value) Raw() string {
	return v.raw
}

// Decode unmarshals a structured value into target.
func (v Value) Decode(target any) error {
	if v.kind != ValueStructured {
		return ErrRawValue
	}
	if err := json.Unmarshal([]byte(v.raw), target); err != nil {
		return fmt.Errorf("cache: decode value: %w", err)
	}
	return nil
}

func encodeValue(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	case json.RawMessage:
		return string(typed), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}
