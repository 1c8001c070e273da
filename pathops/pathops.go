// Package pathops implements dot-notation get/set/delete/extract over
// JSON-shaped trees (nil, bool, float64, string, []any, map[string]any),
// the same representation encoding/json decodes into.
package pathops

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/llmvault/datavault/vaulterrors"
)

// ErrCyclic's message is the reason of the vaulterrors.ValidationError
// Clone returns when it encounters a self-referential map or slice. The
// ValidationError does not wrap ErrCyclic, so errors.Is does not match it.
var ErrCyclic = errors.New("pathops: cyclic value")

// Get walks obj along path's dot-separated segments and returns the value
// found there. ok is false if any segment is missing or the traversal hits
// a non-container value before the path is exhausted.
func Get(obj any, path string) (any, bool) {
	if path == "" {
		return obj, true
	}
	segments := strings.Split(path, ".")
	cur := obj
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set writes value at path within obj, creating intermediate maps as
// needed. obj must be a map[string]any (any other type, including a
// pointer to a map, is rejected); the root itself cannot be replaced.
func Set(obj any, path string, value any) error {
	root, ok := obj.(map[string]any)
	if !ok {
		return vaulterrors.NewValidationError("path", "Set requires a map[string]any root")
	}
	path = strings.Trim(path, ".")
	if path == "" {
		return vaulterrors.NewValidationError("path", "cannot set the root itself")
	}
	segments := strings.Split(path, ".")
	cur := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return nil
		}
		next, exists := cur[seg]
		if !exists {
			newMap := map[string]any{}
			cur[seg] = newMap
			cur = newMap
			continue
		}
		nextMap, isMap := next.(map[string]any)
		if !isMap {
			newMap := map[string]any{}
			cur[seg] = newMap
			cur = newMap
			continue
		}
		cur = nextMap
	}
	return nil
}

// Delete removes the value at path within obj. It is a no-op if any
// segment along the path is missing. The root itself cannot be deleted.
func Delete(obj any, path string) error {
	root, ok := obj.(map[string]any)
	if !ok {
		return vaulterrors.NewValidationError("path", "Delete requires a map[string]any root")
	}
	path = strings.Trim(path, ".")
	if path == "" {
		return vaulterrors.NewValidationError("path", "cannot delete the root itself")
	}
	segments := strings.Split(path, ".")
	cur := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			return nil
		}
		next, exists := cur[seg]
		if !exists {
			return nil
		}
		nextMap, isMap := next.(map[string]any)
		if !isMap {
			return nil
		}
		cur = nextMap
	}
	return nil
}

// Extract splits response into (extracted, residual) per the rules:
//   - extractPaths empty: extracted is an empty map, residual is a deep
//     clone of response unchanged.
//   - a path equal to "" or "." names the whole response: the extracted
//     map gets a single "" key holding a clone of response, and residual
//     is rebuilt from preservePaths only (or nil if preservePaths is empty).
//   - otherwise each extractPath's value is cloned into extracted at that
//     key, removed from a working clone of response, and if preservePaths
//     is non-empty the residual is rebuilt as a fresh object containing
//     only those paths (read from the post-removal working clone);
//     if preservePaths is empty the residual is the post-removal working
//     clone itself.
func Extract(response any, extractPaths, preservePaths []string) (map[string]any, any, error) {
	extracted := map[string]any{}

	if len(extractPaths) == 0 {
		clone, err := Clone(response)
		if err != nil {
			return nil, nil, err
		}
		return extracted, clone, nil
	}

	for _, p := range extractPaths {
		trimmed := strings.Trim(p, ".")
		if trimmed == "" {
			whole, err := Clone(response)
			if err != nil {
				return nil, nil, err
			}
			extracted[""] = whole
			residual, err := rebuildFromPreserve(response, preservePaths)
			if err != nil {
				return nil, nil, err
			}
			return extracted, residual, nil
		}
	}

	working, err := Clone(response)
	if err != nil {
		return nil, nil, err
	}
	workingMap, ok := working.(map[string]any)
	if !ok {
		return nil, nil, vaulterrors.NewValidationError("response", "extract paths require an object response")
	}

	for _, p := range extractPaths {
		trimmed := strings.Trim(p, ".")
		v, found := Get(workingMap, trimmed)
		if !found {
			continue
		}
		cloned, err := Clone(v)
		if err != nil {
			return nil, nil, err
		}
		extracted[trimmed] = cloned
		_ = Delete(workingMap, trimmed)
	}

	if len(preservePaths) == 0 {
		return extracted, workingMap, nil
	}

	residual, err := rebuildFromPreserve(workingMap, preservePaths)
	if err != nil {
		return nil, nil, err
	}
	return extracted, residual, nil
}

func rebuildFromPreserve(source any, preservePaths []string) (any, error) {
	if len(preservePaths) == 0 {
		return nil, nil
	}
	result := map[string]any{}
	for _, p := range preservePaths {
		trimmed := strings.Trim(p, ".")
		if trimmed == "" {
			continue
		}
		v, found := Get(source, trimmed)
		if !found {
			continue
		}
		cloned, err := Clone(v)
		if err != nil {
			return nil, err
		}
		if err := Set(result, trimmed, cloned); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Clone deep-copies v. Maps and slices are walked recursively; a visited
// set of reflect.Value pointers rejects self-referential input instead of
// recursing forever.
func Clone(v any) (any, error) {
	return cloneVisit(v, map[uintptr]bool{})
}

func cloneVisit(v any, visited map[uintptr]bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		ptr := mapPointer(val)
		if ptr != 0 {
			if visited[ptr] {
				return nil, vaulterrors.NewValidationError("value", ErrCyclic.Error())
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			cloned, err := cloneVisit(item, visited)
			if err != nil {
				return nil, err
			}
			out[k] = cloned
		}
		return out, nil
	case []any:
		ptr := slicePointer(val)
		if ptr != 0 {
			if visited[ptr] {
				return nil, vaulterrors.NewValidationError("value", ErrCyclic.Error())
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		out := make([]any, len(val))
		for i, item := range val {
			cloned, err := cloneVisit(item, visited)
			if err != nil {
				return nil, err
			}
			out[i] = cloned
		}
		return out, nil
	default:
		return v, nil
	}
}

func mapPointer(m map[string]any) uintptr {
	if m == nil {
		return 0
	}
	return reflect.ValueOf(m).Pointer()
}

func slicePointer(s []any) uintptr {
	if s == nil {
		return 0
	}
	return reflect.ValueOf(s).Pointer()
}

// StableMarshal marshals v with map keys sorted, for deterministic
// string labels (used by the metadata package's topValues keys).
func StableMarshal(v any) (string, error) {
	stable := toStableValue(v)
	b, err := json.Marshal(stable)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func toStableValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toStableValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toStableValue(item)
		}
		return out
	default:
		return v
	}
}
