package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInferVariableType(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
		want  VariableType
	}{
		{"string", "hello", VariableTypeString},
		{"int", 42, VariableTypeInteger},
		{"int64", int64(42), VariableTypeInteger},
		{"whole float", float64(42), VariableTypeInteger},
		{"fractional float", 42.5, VariableTypeJson},
		{"bool", true, VariableTypeBoolean},
		{"date string", "2026-08-31", VariableTypeDate},
		{"datetime string", "2026-08-31T10:30:00Z", VariableTypeDateTime},
		{"time value", time.Now(), VariableTypeDateTime},
		{"map", map[string]interface{}{"a": 1}, VariableTypeJson},
		{"slice", []interface{}{1, 2}, VariableTypeJson},
		{"nil", nil, VariableTypeJson},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferVariableType(tc.value))
		})
	}
}

func TestNewVariableNormalizesValues(t *testing.T) {
	v := NewVariable("amount", 42)
	assert.Equal(t, VariableTypeInteger, v.Type)
	assert.Equal(t, int64(42), v.Value)

	// JSON decoding yields float64 for every number
	v = NewVariable("amount", float64(42))
	assert.Equal(t, int64(42), v.Value)

	ts := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	v = NewVariable("seenAt", ts)
	assert.Equal(t, VariableTypeDateTime, v.Type)
	assert.Equal(t, "2026-08-31T10:30:00Z", v.Value)
}

func TestRetypeRejectsIncompatibleRepresentation(t *testing.T) {
	v := NewVariable("amount", 42)

	updated, err := v.Retype(43)
	assert.NoError(t, err)
	assert.Equal(t, int64(43), updated.Value)

	_, err = v.Retype("a lot")
	var mismatch *TypeMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "variable 'amount' declared as integer cannot be set to a string value", err.Error())
	// the original is untouched
	assert.Equal(t, int64(42), v.Value)
}

func TestVariableHolderReadsFallThroughToParent(t *testing.T) {
	parent := NewVariableHolder(nil, map[string]interface{}{"customer": "acme", "amount": 100})
	child := NewVariableHolder(&parent, map[string]interface{}{"amount": 200})

	v, ok := child.GetVariable("amount")
	assert.True(t, ok)
	assert.Equal(t, int64(200), v.Value)

	v, ok = child.GetVariable("customer")
	assert.True(t, ok)
	assert.Equal(t, "acme", v.Value)

	_, ok = child.GetVariable("unknown")
	assert.False(t, ok)
}

func TestVariableHolderWritesStayLocal(t *testing.T) {
	parent := NewVariableHolder(nil, nil)
	child := NewVariableHolder(&parent, nil)

	_, created, err := child.SetVariable("local", 1)
	assert.NoError(t, err)
	assert.True(t, created)

	_, ok := parent.GetVariable("local")
	assert.False(t, ok)

	// explicit propagation reaches the parent
	_, created, err = child.PropagateVariable("shared", "up")
	assert.NoError(t, err)
	assert.True(t, created)
	v, ok := parent.GetVariable("shared")
	assert.True(t, ok)
	assert.Equal(t, "up", v.Value)
}

func TestVariableHolderDeleteFreesTheName(t *testing.T) {
	holder := NewVariableHolder(nil, map[string]interface{}{"amount": 100})

	v, existed := holder.DeleteVariable("amount")
	assert.True(t, existed)
	assert.Equal(t, int64(100), v.Value)

	_, existed = holder.DeleteVariable("amount")
	assert.False(t, existed)

	// the name can be re-declared with a different type
	_, created, err := holder.SetVariable("amount", "rewritten")
	assert.NoError(t, err)
	assert.True(t, created)
}

func TestNewVariableHolderForSharesTheMap(t *testing.T) {
	variables := map[string]Variable{"amount": NewVariable("amount", 100)}
	holder := NewVariableHolderFor(nil, variables)

	_, _, err := holder.SetVariable("amount", 200)
	assert.NoError(t, err)

	assert.Equal(t, int64(200), variables["amount"].Value)
}
