// Package metadata implements the MetadataExtractor (spec §4.3): turning a
// row array into the compact MetadataEnvelope returned to the LLM in place
// of the bulk data.
package metadata

import (
	"regexp"
	"sort"
	"time"

	"github.com/llmvault/datavault/pathops"
)

// ColumnType is the inferred type of a column (spec §3's schema type enum).
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeObject  ColumnType = "object"
	TypeArray   ColumnType = "array"
	TypeNull    ColumnType = "null"
)

// ColumnSchema is one entry of the envelope's ordered schema list.
type ColumnSchema struct {
	Column   string     `json:"column"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// ColumnStats is the per-column statistics block. Optional fields are
// left at their zero value (nil for pointers) when not applicable.
type ColumnStats struct {
	Unique    int      `json:"unique"`
	TopValues []TopValue `json:"topValues,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Sum       *float64 `json:"sum,omitempty"`
	Avg       *float64 `json:"avg,omitempty"`
	NullCount int      `json:"nullCount"`
}

// TopValue is one entry of a column's most-frequent-values list.
type TopValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// DataSource records provenance for the envelope (spec §3's dataSource).
type DataSource struct {
	ToolName  string         `json:"toolName"`
	ToolArgs  map[string]any `json:"toolArgs,omitempty"`
	UserQuery string         `json:"userQuery,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Semantics is the AnalysisAgent's classification, carried into the
// envelope (spec §3's semantics field).
type Semantics struct {
	Description             string   `json:"description"`
	DataType                string   `json:"dataType"`
	SuggestedVisualizations []string `json:"suggestedVisualizations,omitempty"`
	VisualizationRationale  string   `json:"visualizationRationale,omitempty"`
	QualityInsights         []string `json:"qualityInsights,omitempty"`
	Enhancements            map[string]any `json:"enhancements,omitempty"`
}

// Envelope is the MetadataEnvelope returned to the LLM (spec §3).
type Envelope struct {
	HandleID    string                  `json:"handleId,omitempty"`
	FetchToken  string                  `json:"fetchToken,omitempty"`
	SourceTool  string                  `json:"sourceTool"`
	Schema      []ColumnSchema          `json:"schema"`
	RowCount    int                     `json:"rowCount"`
	SampleRows  []map[string]any        `json:"sampleRows"`
	ColumnStats map[string]ColumnStats  `json:"columnStats"`
	DataSource  DataSource              `json:"dataSource"`
	Semantics   Semantics               `json:"semantics"`
	Offloaded   bool                    `json:"_offloaded"`
	Note        string                  `json:"_note"`
}

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?)?$`)

// Extract implements the MetadataExtractor algorithm (spec §4.3). rows
// must be non-empty; callers are expected to have already rejected an
// empty array before calling Put (spec §3 invariant 2). Extract itself
// still handles the zero-row case defensively, returning a distinct note.
//
// order, when non-empty, is the first row's key order as seen in the
// source JSON (spec §4.3 step 1: "derive columns from the first row's
// keys, in first-row order"); callers that cannot recover that order
// (the raw result never passed through a JSON string) leave it nil and
// get the deterministic lexical fallback instead.
func Extract(rows []map[string]any, order []string, source DataSource) Envelope {
	if len(rows) == 0 {
		return Envelope{
			SourceTool:  source.ToolName,
			Schema:      []ColumnSchema{},
			RowCount:    0,
			SampleRows:  []map[string]any{},
			ColumnStats: map[string]ColumnStats{},
			DataSource:  source,
			Note:        "no data was offloaded; the source tool produced an empty result set",
		}
	}

	columns := columnOrder(rows[0], order)
	schema := make([]ColumnSchema, 0, len(columns))
	stats := make(map[string]ColumnStats, len(columns))

	for _, col := range columns {
		colType, nullable := inferColumnType(rows, col)
		schema = append(schema, ColumnSchema{Column: col, Type: colType, Nullable: nullable})
		stats[col] = computeColumnStats(rows, col)
	}

	sampleCount := len(rows)
	if sampleCount > 5 {
		sampleCount = 5
	}
	sampleRows := make([]map[string]any, sampleCount)
	copy(sampleRows, rows[:sampleCount])

	return Envelope{
		SourceTool:  source.ToolName,
		Schema:      schema,
		RowCount:    len(rows),
		SampleRows:  sampleRows,
		ColumnStats: stats,
		DataSource:  source,
	}
}

// columnOrder returns first's keys, preferring the caller-supplied order
// and filling in anything preferred omits or gets wrong (a stale or
// partial list, or no list at all) with the remaining keys in lexical
// order, so output is always deterministic even when the true row order
// could not be recovered upstream.
func columnOrder(first map[string]any, preferred []string) []string {
	cols := make([]string, 0, len(first))
	seen := make(map[string]bool, len(first))
	for _, k := range preferred {
		if seen[k] {
			continue
		}
		if _, ok := first[k]; !ok {
			continue
		}
		cols = append(cols, k)
		seen[k] = true
	}
	if len(cols) == len(first) {
		return cols
	}
	rest := make([]string, 0, len(first)-len(cols))
	for k := range first {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

func inferColumnType(rows []map[string]any, col string) (ColumnType, bool) {
	nullable := false
	colType := TypeNull
	typeFound := false
	for _, row := range rows {
		v, exists := row[col]
		if !exists || v == nil {
			nullable = true
			continue
		}
		if !typeFound {
			colType = classify(v)
			typeFound = true
		}
	}
	return colType, nullable
}

func classify(v any) ColumnType {
	switch val := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case float64, int, int64:
		return TypeNumber
	case string:
		if isoDatePattern.MatchString(val) {
			return TypeDate
		}
		return TypeString
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return TypeString
	}
}

func computeColumnStats(rows []map[string]any, col string) ColumnStats {
	nullCount := 0
	uniqueKeys := map[string]bool{}
	counts := map[string]int{}
	firstSeen := map[string]int{}
	order := 0

	var numericValues []float64
	hasNumeric := false

	for _, row := range rows {
		v, exists := row[col]
		if !exists || v == nil {
			nullCount++
			continue
		}
		key, err := pathops.StableMarshal(v)
		if err != nil {
			key = ""
		}
		if !uniqueKeys[key] {
			uniqueKeys[key] = true
			firstSeen[key] = order
		}
		counts[key]++
		order++

		if n, ok := numericValue(v); ok {
			hasNumeric = true
			numericValues = append(numericValues, n)
		}
	}

	stats := ColumnStats{
		Unique:    len(uniqueKeys),
		NullCount: nullCount,
	}

	if stats.Unique <= 20 && stats.Unique > 0 {
		stats.TopValues = topValues(counts, firstSeen)
	}

	if hasNumeric {
		min, max, sum := numericValues[0], numericValues[0], 0.0
		for _, n := range numericValues {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
			sum += n
		}
		avg := sum / float64(len(numericValues))
		stats.Min = &min
		stats.Max = &max
		stats.Sum = &sum
		stats.Avg = &avg
	}

	return stats
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func topValues(counts map[string]int, firstSeen map[string]int) []TopValue {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return firstSeen[keys[i]] < firstSeen[keys[j]]
	})
	limit := len(keys)
	if limit > 5 {
		limit = 5
	}
	out := make([]TopValue, limit)
	for i := 0; i < limit; i++ {
		out[i] = TopValue{Value: keys[i], Count: counts[keys[i]]}
	}
	return out
}
