package pathops

import (
	"reflect"
	"testing"
)

func TestGet(t *testing.T) {
	obj := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "deep",
			},
			"list": []any{1, 2, 3},
		},
		"top": "value",
	}

	tests := []struct {
		name    string
		path    string
		want    any
		wantOk  bool
	}{
		{"top level", "top", "value", true},
		{"nested", "a.b.c", "deep", true},
		{"missing", "a.b.missing", nil, false},
		{"missing top", "nope", nil, false},
		{"through non-map", "top.x", nil, false},
		{"empty path returns root", "", obj, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Get(obj, tt.path)
			if ok != tt.wantOk {
				t.Fatalf("Get(%q) ok = %v, want %v", tt.path, ok, tt.wantOk)
			}
			if ok && tt.path != "" && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Get(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSet(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": "old"}}

	if err := Set(obj, "a.b", "new"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ := Get(obj, "a.b")
	if got != "new" {
		t.Errorf("a.b = %v, want new", got)
	}

	if err := Set(obj, "a.c.d", "created"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := Get(obj, "a.c.d")
	if !ok || got != "created" {
		t.Errorf("a.c.d = %v, %v, want created, true", got, ok)
	}

	if err := Set(obj, "", "x"); err == nil {
		t.Error("Set on empty path should fail")
	}
	if err := Set(obj, ".", "x"); err == nil {
		t.Error("Set on root path should fail")
	}
}

func TestSetOverwritesNonMapIntermediate(t *testing.T) {
	obj := map[string]any{"a": "scalar"}
	if err := Set(obj, "a.b", "value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := Get(obj, "a.b")
	if !ok || got != "value" {
		t.Errorf("a.b = %v, %v, want value, true", got, ok)
	}
}

func TestDelete(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": "gone", "c": "stays"}}

	if err := Delete(obj, "a.b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := Get(obj, "a.b"); ok {
		t.Error("a.b should be deleted")
	}
	if _, ok := Get(obj, "a.c"); !ok {
		t.Error("a.c should remain")
	}

	if err := Delete(obj, "x.y.z"); err != nil {
		t.Errorf("Delete of missing path should be a no-op, got error: %v", err)
	}

	if err := Delete(obj, ""); err == nil {
		t.Error("Delete of root should fail")
	}
}

func TestExtractEmptyPaths(t *testing.T) {
	response := map[string]any{"rows": []any{1, 2, 3}}
	extracted, residual, err := Extract(response, nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(extracted) != 0 {
		t.Errorf("extracted should be empty, got %v", extracted)
	}
	if !reflect.DeepEqual(residual, response) {
		t.Errorf("residual = %v, want unchanged response", residual)
	}
	// Mutating the residual must not mutate the original response.
	residual.(map[string]any)["rows"] = nil
	if response["rows"] == nil {
		t.Error("Extract must deep clone, not alias, the response")
	}
}

func TestExtractRootPath(t *testing.T) {
	response := map[string]any{"rows": []any{1, 2}}
	extracted, residual, err := Extract(response, []string{""}, []string{"rows"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := extracted[""]; !ok {
		t.Fatalf("extracted should hold the whole response under key \"\"")
	}
	residualMap, ok := residual.(map[string]any)
	if !ok {
		t.Fatalf("residual should be a map, got %T", residual)
	}
	if _, ok := residualMap["rows"]; !ok {
		t.Errorf("residual should preserve rows, got %v", residualMap)
	}
}

func TestExtractFieldWithPreserve(t *testing.T) {
	response := map[string]any{
		"rows":    []any{map[string]any{"id": 1}},
		"meta":    map[string]any{"tookMs": 12},
		"summary": "done",
	}
	extracted, residual, err := Extract(response, []string{"rows"}, []string{"summary"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := extracted["rows"]; !ok {
		t.Errorf("extracted should contain rows, got %v", extracted)
	}
	residualMap, ok := residual.(map[string]any)
	if !ok {
		t.Fatalf("residual should be a map, got %T", residual)
	}
	if residualMap["summary"] != "done" {
		t.Errorf("residual.summary = %v, want done", residualMap["summary"])
	}
	if _, ok := residualMap["rows"]; ok {
		t.Error("residual should not contain rows since it was not in preservePaths")
	}
	if _, ok := residualMap["meta"]; ok {
		t.Error("residual should not contain meta since it was not in preservePaths")
	}
}

func TestExtractFieldNoPreserve(t *testing.T) {
	response := map[string]any{
		"rows": []any{1, 2},
		"meta": "kept",
	}
	extracted, residual, err := Extract(response, []string{"rows"}, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := extracted["rows"]; !ok {
		t.Error("extracted should contain rows")
	}
	residualMap, ok := residual.(map[string]any)
	if !ok {
		t.Fatalf("residual should be a map, got %T", residual)
	}
	if _, ok := residualMap["rows"]; ok {
		t.Error("residual should not contain extracted rows")
	}
	if residualMap["meta"] != "kept" {
		t.Errorf("residual.meta = %v, want kept", residualMap["meta"])
	}
}

func TestCloneRejectsCyclicMap(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	if _, err := Clone(cyclic); err == nil {
		t.Fatal("Clone should reject a self-referential map")
	}
}

func TestCloneRejectsCyclicSlice(t *testing.T) {
	cyclic := make([]any, 1)
	cyclic[0] = cyclic

	if _, err := Clone(cyclic); err == nil {
		t.Fatal("Clone should reject a self-referential slice")
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := map[string]any{"list": []any{map[string]any{"x": 1}}}
	clone, err := Clone(original)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	cloneMap := clone.(map[string]any)
	cloneList := cloneMap["list"].([]any)
	cloneList[0].(map[string]any)["x"] = 999

	origX := original["list"].([]any)[0].(map[string]any)["x"]
	if origX != 1 {
		t.Errorf("mutating the clone mutated the original: x = %v", origX)
	}
}
