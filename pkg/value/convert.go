package value

import (
	"encoding/json"
	"fmt"
)

// From converts plain Go data (as produced by encoding/json, yaml.v3 or
// literal maps in host code) into a Value.
func From(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case Map:
		return Object(x), nil
	case []Value:
		return List(x...), nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("value: number %q: %w", x, err)
		}
		return Number(f), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			cv, err := From(item)
			if err != nil {
				return Value{}, fmt.Errorf("value: [%d]: %w", i, err)
			}
			items[i] = cv
		}
		return List(items...), nil
	case []string:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = String(item)
		}
		return List(items...), nil
	case []float64:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = Number(item)
		}
		return List(items...), nil
	case map[string]any:
		m, err := MapFrom(x)
		if err != nil {
			return Value{}, err
		}
		return Object(m), nil
	case map[string]string:
		m := make(Map, len(x))
		for k, item := range x {
			m[k] = String(item)
		}
		return Object(m), nil
	case map[any]any:
		m := make(Map, len(x))
		for k, item := range x {
			key, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("value: non-string map key %v (%T)", k, k)
			}
			cv, err := From(item)
			if err != nil {
				return Value{}, fmt.Errorf("value: %s: %w", key, err)
			}
			m[key] = cv
		}
		return Object(m), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", v)
	}
}

// MustFrom is like From but panics on unsupported input. Intended for literals.
func MustFrom(v any) Value {
	out, err := From(v)
	if err != nil {
		panic(err)
	}
	return out
}

// MapFrom converts a map[string]any. A nil input yields a nil Map.
func MapFrom(m map[string]any) (Map, error) {
	if m == nil {
		return nil, nil
	}
	out := make(Map, len(m))
	for k, item := range m {
		cv, err := From(item)
		if err != nil {
			return nil, fmt.Errorf("value: %s: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// MustMap is like MapFrom but panics on unsupported input.
func MustMap(m map[string]any) Map {
	out, err := MapFrom(m)
	if err != nil {
		panic(err)
	}
	return out
}
