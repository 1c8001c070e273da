package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errNonStringObjectKey = errors.New("pipeline: non-string object key")

// orderedObject is a JSON object decoded with its key order intact — the
// one piece of information encoding/json's map[string]any decode throws
// away, and the thing columnOrder downstream needs back (spec §4.3 step 1:
// "derive columns from the first row's keys, in first-row order").
type orderedObject struct {
	keys   []string
	values map[string]any
}

func (o *orderedObject) get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// decodeOrdered parses raw token-by-token so every object along the way
// keeps its key order, instead of collapsing into an unordered
// map[string]any the way json.Unmarshal would.
func decodeOrdered(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeOrderedValue(dec)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeOrderedValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := &orderedObject{values: map[string]any{}}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, errNonStringObjectKey
			}
			val, err := decodeOrderedValue(dec)
			if err != nil {
				return nil, err
			}
			obj.keys = append(obj.keys, key)
			obj.values[key] = val
		}
		if _, err := dec.Token(); err != nil { // consume '}'
			return nil, err
		}
		return obj, nil
	case '[':
		var arr []any
		for dec.More() {
			val, err := decodeOrderedValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil { // consume ']'
			return nil, err
		}
		return arr, nil
	default:
		return tok, nil
	}
}

// firstObjectKeyOrder returns the key order of the first element of the
// array found at path within raw, or nil if raw is empty, malformed, or
// the shape at path isn't an array of objects. path is the same
// dot-notation pathops.Extract uses; "" means raw itself is the array.
func firstObjectKeyOrder(raw []byte, path string) []string {
	if len(raw) == 0 {
		return nil
	}
	node, err := decodeOrdered(raw)
	if err != nil {
		return nil
	}
	path = strings.Trim(path, ".")
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			obj, ok := node.(*orderedObject)
			if !ok {
				return nil
			}
			child, ok := obj.get(seg)
			if !ok {
				return nil
			}
			node = child
		}
	}
	arr, ok := node.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	first, ok := arr[0].(*orderedObject)
	if !ok {
		return nil
	}
	return first.keys
}
