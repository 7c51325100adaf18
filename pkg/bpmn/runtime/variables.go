package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// VariableType is the declared type of a variable. It is inferred from
// the first value written under a name and fixed for the lifetime of the
// variable within its scope.
type VariableType string

const (
	VariableTypeString   VariableType = "string"
	VariableTypeInteger  VariableType = "integer"
	VariableTypeBoolean  VariableType = "boolean"
	VariableTypeDate     VariableType = "date"
	VariableTypeDateTime VariableType = "datetime"
	VariableTypeJson     VariableType = "json"
)

// DateFormat is the fixed pattern date-typed string values are parsed
// against. Datetime values use RFC 3339.
const DateFormat = "2006-01-02"

type Variable struct {
	Name  string       `json:"name"`
	Type  VariableType `json:"type"`
	Value interface{}  `json:"value"`
}

// TypeMismatchError is returned when a set supplies a representation
// incompatible with the variable's declared type. No partial write
// happens in that case.
type TypeMismatchError struct {
	Name     string
	Declared VariableType
	Actual   VariableType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("variable '%s' declared as %s cannot be set to a %s value", e.Name, e.Declared, e.Actual)
}

// InferVariableType derives the declared type from a raw representation.
// Date and datetime arrive as strings matching their fixed patterns;
// structured values (maps, slices, structs) are json.
func InferVariableType(value interface{}) VariableType {
	switch v := value.(type) {
	case nil:
		return VariableTypeJson
	case bool:
		return VariableTypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return VariableTypeInteger
	case float32:
		if float64(v) == math.Trunc(float64(v)) {
			return VariableTypeInteger
		}
		return VariableTypeJson
	case float64:
		// JSON decoding yields float64 for every number
		if v == math.Trunc(v) {
			return VariableTypeInteger
		}
		return VariableTypeJson
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return VariableTypeInteger
		}
		return VariableTypeJson
	case time.Time:
		return VariableTypeDateTime
	case string:
		if _, err := time.Parse(DateFormat, v); err == nil {
			return VariableTypeDate
		}
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return VariableTypeDateTime
		}
		return VariableTypeString
	default:
		return VariableTypeJson
	}
}

// NewVariable types a raw value. The normalized value is what gets
// stored and recorded: integers as int64, dates/datetimes as their
// canonical string form.
func NewVariable(name string, value interface{}) Variable {
	t := InferVariableType(value)
	return Variable{Name: name, Type: t, Value: normalize(t, value)}
}

// Retype validates a new raw representation against the declared type of
// an existing variable and returns the updated variable, or a
// TypeMismatchError without mutating anything.
func (v Variable) Retype(value interface{}) (Variable, error) {
	actual := InferVariableType(value)
	if actual != v.Type {
		return v, &TypeMismatchError{Name: v.Name, Declared: v.Type, Actual: actual}
	}
	v.Value = normalize(actual, value)
	return v, nil
}

func normalize(t VariableType, value interface{}) interface{} {
	switch t {
	case VariableTypeInteger:
		switch n := value.(type) {
		case int:
			return int64(n)
		case int8:
			return int64(n)
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case uint:
			return int64(n)
		case uint8:
			return int64(n)
		case uint16:
			return int64(n)
		case uint32:
			return int64(n)
		case uint64:
			return int64(n)
		case float32:
			return int64(n)
		case float64:
			return int64(n)
		case json.Number:
			i, _ := n.Int64()
			return i
		}
	case VariableTypeDateTime:
		if ts, ok := value.(time.Time); ok {
			return ts.Format(time.RFC3339)
		}
	}
	return value
}
