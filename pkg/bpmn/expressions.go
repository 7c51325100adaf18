package bpmn

import (
	"fmt"
	"math"
	"strings"

	"github.com/pbinitiative/feel"
)

// evaluateExpression resolves a mapping source: values without the `=`
// prefix are constants, the rest are FEEL expressions evaluated against
// the given variable context.
func (engine *Engine) evaluateExpression(expression string, variableContext map[string]interface{}) (interface{}, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}

	expression = strings.TrimPrefix(expression, "=")
	res, err := feel.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %s: %w", expression, err)
	}
	return nativeValue(res), nil
}

// nativeValue unwraps evaluator result types into the plain Go values
// variable scopes hold: whole numbers become int64, fractional ones
// float64, temporals their canonical representation. Lists and contexts
// are unwrapped element by element.
func nativeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *feel.Number:
		f := v.Float64()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return v.Int64()
		}
		return f
	case *feel.NullValue:
		return nil
	case *feel.FEELDate:
		return v.String()
	case *feel.FEELDatetime:
		return v.Time()
	case *feel.FEELTime:
		return v.String()
	case *feel.FEELDuration:
		return v.String()
	case []interface{}:
		values := make([]interface{}, len(v))
		for i, item := range v {
			values[i] = nativeValue(item)
		}
		return values
	case map[string]interface{}:
		values := make(map[string]interface{}, len(v))
		for name, item := range v {
			values[name] = nativeValue(item)
		}
		return values
	default:
		return v
	}
}
