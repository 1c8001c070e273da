// Package query implements the QueryEngine (spec §4.7): an embedded
// columnar SQL engine that mounts a vault blob as a temp table, executes a
// user-supplied SQL query with a forced row cap and timeout, and tears the
// table down, with no persistent state between calls.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmvault/datavault/metadata"
	"github.com/llmvault/datavault/vault"
	"github.com/llmvault/datavault/vaulterrors"
	"github.com/llmvault/datavault/vaultotel"
)

const (
	// maxResultRows is the forced cap appended to any query without its
	// own LIMIT, and the truncation threshold (spec §4.7 step 5, 9).
	maxResultRows = 10000

	queryTimeout = 30 * time.Second
)

var limitPattern = regexp.MustCompile(`(?i)\blimit\b`)
var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`)

// Result is the response of Execute (spec §4.7 step 9).
type Result struct {
	Rows           []map[string]any `json:"rows"`
	RowCount       int              `json:"rowCount"`
	Columns        []string         `json:"columns"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Truncated      bool             `json:"truncated"`
}

// FullDataResult is the response of RetrieveFullData.
type FullDataResult struct {
	Rows             []map[string]any `json:"rows"`
	RowCount         int              `json:"rowCount"`
	LimitApplied     bool             `json:"limitApplied"`
	SizeBytes        int              `json:"sizeBytes"`
	EstimatedTokens  int              `json:"estimatedTokens"`
}

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	Handle    string
	SQL       string
	Principal string
	Token     string
}

// Engine wraps a single shared *sql.DB — one connection per host process,
// as spec §5 requires — and mounts/drops per-query temp tables scoped by
// handle so concurrent queries over distinct handles never collide.
type Engine struct {
	db      *sql.DB
	vault   vault.Store
	log     *slog.Logger
	tracer  *vaultotel.Tracer
	metrics *vaultotel.Metrics
}

// Config wires an Engine's dependencies.
type Config struct {
	Vault  vault.Store
	Logger *slog.Logger

	// Tracer and Metrics are optional; a nil value disables telemetry
	// for this Engine without affecting its behavior.
	Tracer  *vaultotel.Tracer
	Metrics *vaultotel.Metrics
}

// New opens the embedded in-memory SQL engine and returns an Engine bound
// to cfg.Vault for entry lookups.
func New(cfg Config) (*Engine, error) {
	if cfg.Vault == nil {
		return nil, vaulterrors.NewValidationError("vault", "a vault store is required")
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("query engine: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, vault: cfg.Vault, log: logger, tracer: cfg.Tracer, metrics: cfg.Metrics}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

func tableName(handle string) string {
	return "vault_" + strings.ReplaceAll(handle, "-", "_")
}

// Execute implements the §4.7 algorithm: retrieve, create temp table,
// insert rows, substitute {table}, enforce LIMIT/timeout, always drop the
// table before returning.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (result Result, err error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartQuery(ctx, req.Handle)
		defer func() { vaultotel.EndErr(span, err) }()
	}

	rows, env, err := e.vault.GetWithMetadata(ctx, req.Handle, req.Principal, req.Token)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	table := tableName(req.Handle)
	columns := inferColumns(rows, schemaColumnOrder(env.Schema))

	if err = e.createTable(ctx, table, columns); err != nil {
		return Result{}, vaulterrors.NewQueryError(req.Handle, req.SQL, err)
	}
	defer e.dropTable(table)

	if err = e.insertRows(ctx, table, columns, rows); err != nil {
		return Result{}, vaulterrors.NewQueryError(req.Handle, req.SQL, err)
	}

	sqlText := substituteTable(req.SQL, table)
	if !limitPattern.MatchString(sqlText) {
		sqlText = sqlText + fmt.Sprintf(" LIMIT %d", maxResultRows)
	}

	start := time.Now()
	resultRows, resultCols, queryErr := e.runQuery(ctx, sqlText)
	elapsed := time.Since(start)
	if queryErr != nil {
		err = vaulterrors.NewQueryError(req.Handle, req.SQL, queryErr)
		return Result{}, err
	}
	if e.metrics != nil {
		e.metrics.RecordQueryDuration(ctx, elapsed.Seconds(), len(resultRows) >= maxResultRows)
	}

	return Result{
		Rows:            resultRows,
		RowCount:        len(resultRows),
		Columns:         resultCols,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Truncated:       len(resultRows) >= maxResultRows,
	}, nil
}

// RetrieveFullData bypasses SQL and returns up to limit rows (or all).
func (e *Engine) RetrieveFullData(ctx context.Context, handle, principal, token string, limit int) (FullDataResult, error) {
	rows, err := e.vault.Get(ctx, handle, principal, token)
	if err != nil {
		return FullDataResult{}, err
	}

	limitApplied := false
	out := rows
	if limit > 0 && limit < len(rows) {
		out = rows[:limit]
		limitApplied = true
	}

	b, err := json.Marshal(out)
	if err != nil {
		return FullDataResult{}, vaulterrors.NewBackendError("retrieveFullData:marshal", err)
	}

	return FullDataResult{
		Rows:            out,
		RowCount:        len(out),
		LimitApplied:    limitApplied,
		SizeBytes:       len(b),
		EstimatedTokens: int(math.Ceil(float64(len(b)) / 4)),
	}, nil
}

func substituteTable(sqlText, table string) string {
	return strings.ReplaceAll(sqlText, "{table}", table)
}

type columnDef struct {
	name   string
	sqlTyp string
}

// schemaColumnOrder lifts the column names out of an already-computed
// metadata schema, in the order metadata.Extract derived them (spec §4.3
// step 1's first-row order) — the same order the vault entry was stored
// with, so CREATE TABLE/SELECT * reproduce it deterministically instead of
// re-deriving it from an unordered map[string]any.
func schemaColumnOrder(schema []metadata.ColumnSchema) []string {
	order := make([]string, len(schema))
	for i, c := range schema {
		order[i] = c.Column
	}
	return order
}

// inferColumns derives SQL column types from the first row (spec §4.7
// step 3), ordered by order when given; order is empty only for callers
// without a cached schema to draw from, in which case column names fall
// back to lexical order so output is at least deterministic.
func inferColumns(rows []map[string]any, order []string) []columnDef {
	if len(rows) == 0 {
		return nil
	}
	first := rows[0]
	names := order
	if len(names) == 0 {
		names = make([]string, 0, len(first))
		for name := range first {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	cols := make([]columnDef, 0, len(names))
	for _, name := range names {
		if v, ok := first[name]; ok {
			cols = append(cols, columnDef{name: name, sqlTyp: sqlTypeFor(v)})
		}
	}
	return cols
}

func sqlTypeFor(v any) string {
	switch val := v.(type) {
	case nil:
		return "TEXT"
	case bool:
		return "BOOLEAN"
	case float64:
		if val == math.Trunc(val) {
			return "INTEGER"
		}
		return "DOUBLE"
	case int, int64:
		return "INTEGER"
	case string:
		if isoDatePattern.MatchString(val) {
			return "TIMESTAMP"
		}
		return "TEXT"
	case map[string]any, []any:
		return "TEXT"
	default:
		return "TEXT"
	}
}

func (e *Engine) createTable(ctx context.Context, table string, columns []columnDef) error {
	if len(columns) == 0 {
		_, err := e.db.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (_empty INTEGER)`, table))
		return err
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("%q %s", c.name, c.sqlTyp)
	}
	ddl := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", table, strings.Join(defs, ", "))
	_, err := e.db.ExecContext(ctx, ddl)
	return err
}

func (e *Engine) insertRows(ctx context.Context, table string, columns []columnDef, rows []map[string]any) error {
	if len(columns) == 0 || len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(columns))
	colNames := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = "?"
		colNames[i] = fmt.Sprintf("%q", c.name)
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	stmt, err := e.db.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(columns))
		for i, c := range columns {
			args[i] = sqlValueFor(row[c.name])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func sqlValueFor(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return val
	}
}

func (e *Engine) dropTable(table string) {
	if _, err := e.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		e.log.Warn("query engine: failed to drop temp table", "table", table, "error", err)
	}
}

func (e *Engine) runQuery(ctx context.Context, sqlText string) ([]map[string]any, []string, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		scanTargets := make([]any, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeScanValue(values[i])
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if result == nil {
		result = []map[string]any{}
		return result, []string{}, nil
	}
	return result, cols, nil
}

// normalizeScanValue converts arbitrary-precision driver values (notably
// []byte for TEXT columns) into JSON-serializable Go types (spec §4.7
// step 7).
func normalizeScanValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
