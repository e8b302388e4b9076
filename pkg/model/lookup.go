package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// Lookup resolves a dotted path ("order.customer.id") against nested
// string-keyed maps. The second return value reports whether every path
// segment resolved.
func Lookup(source map[string]interface{}, path string) (interface{}, bool) {
	if source == nil || path == "" {
		return nil, false
	}

	var current interface{} = source
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Compare applies a matching-rule operator to two values. Numbers compare
// numerically across int/float widths; everything else compares by
// equality only. An empty operator means equality.
func Compare(op Operator, left, right interface{}) (bool, error) {
	if op == "" {
		op = OpEqual
	}

	lf, lNum := toFloat(left)
	rf, rNum := toFloat(right)

	switch op {
	case OpEqual:
		if lNum && rNum {
			return lf == rf, nil
		}
		return reflect.DeepEqual(left, right), nil
	case OpNotEqual:
		if lNum && rNum {
			return lf != rf, nil
		}
		return !reflect.DeepEqual(left, right), nil
	}

	// Ordered comparisons: numbers, or strings lexicographically.
	if lNum && rNum {
		switch op {
		case OpGreater:
			return lf > rf, nil
		case OpLess:
			return lf < rf, nil
		case OpGreaterEqual:
			return lf >= rf, nil
		case OpLessEqual:
			return lf <= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case OpGreater:
			return ls > rs, nil
		case OpLess:
			return ls < rs, nil
		case OpGreaterEqual:
			return ls >= rs, nil
		case OpLessEqual:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("operator %s not applicable to %T and %T", op, left, right)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	return 0, false
}
