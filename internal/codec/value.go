package codec

import (
	"encoding/json"
	"errors"
	"reflect"
)

// Marshal encodes v as JSON. Rectangular 2-D numeric slices found at the top
// level or nested inside maps and slices are emitted in the array form; any
// other value uses the default JSON encoding, and values that encoding cannot
// represent fail with ErrUnsupportedType.
func Marshal(v any) ([]byte, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		var ute *json.UnsupportedTypeError
		if errors.As(err, &ute) {
			return nil, &UnsupportedTypeError{Type: ute.Type}
		}
		var uve *json.UnsupportedValueError
		if errors.As(err, &uve) {
			return nil, &UnsupportedTypeError{Type: uve.Value.Type()}
		}
		return nil, err
	}
	return data, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, *Array:
		return v, nil
	case Array:
		return &t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}

	rt := reflect.TypeOf(v)
	if rt.Kind() == reflect.Slice && rt.Elem().Kind() == reflect.Slice {
		if _, ok := kindTypes[rt.Elem().Elem().Kind()]; ok {
			return FromMatrix(v)
		}
	}
	return v, nil
}

// Decode parses JSON into plain Go values (map[string]any, []any, float64,
// string, bool, nil). Objects carrying the array form are returned as *Array.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return liftArrays(v)
}

func liftArrays(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if isArrayObject(t) {
			raw, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			var a Array
			if err := a.UnmarshalJSON(raw); err != nil {
				return nil, err
			}
			return &a, nil
		}
		for k, e := range t {
			n, err := liftArrays(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, e := range t {
			n, err := liftArrays(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	}
	return v, nil
}

func isArrayObject(m map[string]any) bool {
	for _, key := range []string{"width", "height", "type", "encoding", "data"} {
		if _, ok := m[key]; !ok {
			return false
		}
	}
	return true
}
