package query

import (
	"context"
	"strings"
	"testing"

	"github.com/llmvault/datavault/metadata"
	"github.com/llmvault/datavault/vault"
)

func newTestEngine(t *testing.T) (*Engine, *vault.MemoryStore) {
	t.Helper()
	store := vault.NewMemoryStore()
	engine, err := New(Config{Vault: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, store
}

func TestExecuteCountMatchesPutRowCount(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	rows := []map[string]any{
		{"id": float64(1), "amount": float64(10)},
		{"id": float64(2), "amount": float64(20)},
		{"id": float64(3), "amount": float64(30)},
	}
	handle, token, _, err := store.Put(ctx, rows, nil, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := engine.Execute(ctx, ExecuteRequest{
		Handle:    handle,
		SQL:       "SELECT COUNT(*) AS n FROM {table}",
		Principal: "owner-1",
		Token:     token,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("len(Rows) = %d, want 1", len(result.Rows))
	}
	n, _ := result.Rows[0]["n"].(float64)
	if int(n) != 3 {
		t.Errorf("count = %v, want 3", result.Rows[0]["n"])
	}
}

func TestExecuteAppendsLimitWhenAbsent(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	rows := []map[string]any{{"id": float64(1)}}
	handle, token, _, err := store.Put(ctx, rows, nil, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err = engine.Execute(ctx, ExecuteRequest{
		Handle:    handle,
		SQL:       "SELECT * FROM {table}",
		Principal: "owner-1",
		Token:     token,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Indirect check: a query that already has LIMIT should not error
	// either, confirming substitution does not double-append.
	_, err = engine.Execute(ctx, ExecuteRequest{
		Handle:    handle,
		SQL:       "SELECT * FROM {table} LIMIT 1",
		Principal: "owner-1",
		Token:     token,
	})
	if err != nil {
		t.Fatalf("Execute with explicit LIMIT: %v", err)
	}
}

func TestExecuteDropsTempTableOnSuccessAndFailure(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	rows := []map[string]any{{"id": float64(1)}}
	handle, token, _, err := store.Put(ctx, rows, nil, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := engine.Execute(ctx, ExecuteRequest{Handle: handle, SQL: "SELECT * FROM {table}", Principal: "owner-1", Token: token}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := engine.Execute(ctx, ExecuteRequest{Handle: handle, SQL: "SELECT * FROM {table} WHERE nonexistent_column = 1", Principal: "owner-1", Token: token}); err == nil {
		t.Fatal("malformed query should return a QueryError")
	}

	table := tableName(handle)
	rowsResult, err := engine.db.Query("SELECT name FROM sqlite_temp_master WHERE type='table' AND name=?", table)
	if err != nil {
		t.Fatalf("query sqlite_temp_master: %v", err)
	}
	defer rowsResult.Close()
	if rowsResult.Next() {
		t.Error("temp table should have been dropped after both the successful and the failing query")
	}
}

func TestExecuteWrongTokenReturnsDataNotFound(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	rows := []map[string]any{{"id": float64(1)}}
	handle, _, _, err := store.Put(ctx, rows, nil, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, err = engine.Execute(ctx, ExecuteRequest{Handle: handle, SQL: "SELECT * FROM {table}", Principal: "owner-1", Token: "wrong"})
	if err == nil {
		t.Fatal("wrong token should fail")
	}
}

func TestRetrieveFullDataAppliesLimit(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	rows := make([]map[string]any, 10)
	for i := range rows {
		rows[i] = map[string]any{"id": float64(i)}
	}
	handle, token, _, err := store.Put(ctx, rows, nil, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := engine.RetrieveFullData(ctx, handle, "owner-1", token, 3)
	if err != nil {
		t.Fatalf("RetrieveFullData: %v", err)
	}
	if result.RowCount != 3 || !result.LimitApplied {
		t.Errorf("RowCount=%d LimitApplied=%v, want 3/true", result.RowCount, result.LimitApplied)
	}
}

func TestInferColumnsDistinguishesTypes(t *testing.T) {
	cols := inferColumns([]map[string]any{
		{"n": float64(3), "f": float64(3.5), "s": "hello", "b": true, "d": "2024-01-01"},
	}, []string{"n", "f", "s", "b", "d"})
	byName := map[string]string{}
	for _, c := range cols {
		byName[c.name] = c.sqlTyp
	}
	if byName["n"] != "INTEGER" {
		t.Errorf("n type = %s, want INTEGER", byName["n"])
	}
	if byName["f"] != "DOUBLE" {
		t.Errorf("f type = %s, want DOUBLE", byName["f"])
	}
	if byName["d"] != "TIMESTAMP" {
		t.Errorf("d type = %s, want TIMESTAMP", byName["d"])
	}
	if byName["b"] != "BOOLEAN" {
		t.Errorf("b type = %s, want BOOLEAN", byName["b"])
	}
	if !strings.EqualFold(byName["s"], "TEXT") {
		t.Errorf("s type = %s, want TEXT", byName["s"])
	}
}

func TestInferColumnsFollowsGivenOrder(t *testing.T) {
	cols := inferColumns([]map[string]any{
		{"id": float64(1), "amount": float64(10), "date": "2024-01-01"},
	}, []string{"id", "amount", "date"})
	got := make([]string, len(cols))
	for i, c := range cols {
		got[i] = c.name
	}
	want := []string{"id", "amount", "date"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("column order = %v, want %v", got, want)
		}
	}
}

func TestExecuteSelectStarPreservesFirstRowColumnOrder(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	rows := []map[string]any{
		{"id": float64(1), "amount": float64(10), "date": "2024-01-01"},
		{"id": float64(2), "amount": float64(20), "date": "2024-01-02"},
	}
	handle, token, _, err := store.Put(ctx, rows, []string{"id", "amount", "date"}, "owner-1", "session-1", "search", vault.Provenance{}, metadata.Semantics{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := engine.Execute(ctx, ExecuteRequest{
		Handle:    handle,
		SQL:       "SELECT * FROM {table} WHERE id = 1",
		Principal: "owner-1",
		Token:     token,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"id", "amount", "date"}
	if len(result.Columns) != len(want) {
		t.Fatalf("Columns = %v, want %v", result.Columns, want)
	}
	for i := range want {
		if result.Columns[i] != want[i] {
			t.Fatalf("Columns = %v, want %v", result.Columns, want)
		}
	}
}
