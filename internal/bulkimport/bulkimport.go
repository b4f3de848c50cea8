// Package bulkimport implements the C8 bulk market-price import engine:
// CSV/JSON parsing, per-row normalization, a read-only preview against the
// current store state, and a strict-or-lenient apply.
package bulkimport

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/r3e-network/invoice-qa-engine/internal/breaker"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/depguard"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
)

// RowError is a single rejected row's stable error code and message.
type RowError struct {
	Row     int    `json:"row"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RowOutcome classifies what Apply did (or would do) with a single row.
type RowOutcome string

const (
	OutcomeNew            RowOutcome = "new"
	OutcomeUpdated         RowOutcome = "updated"
	OutcomeUnchanged       RowOutcome = "unchanged"
	OutcomeFinalConflict   RowOutcome = "final_conflict"
	OutcomeInvalid         RowOutcome = "invalid"
)

// RowResult reports the classification of one input row.
type RowResult struct {
	Row     int        `json:"row"`
	Period  string     `json:"period,omitempty"`
	Outcome RowOutcome `json:"outcome"`
	Error   *RowError  `json:"error,omitempty"`
}

// PreviewResult is the read-only projection returned by Preview.
type PreviewResult struct {
	TotalRows     int         `json:"total_rows"`
	ValidRows     int         `json:"valid_rows"`
	InvalidRows   int         `json:"invalid_rows"`
	NewCount      int         `json:"new_count"`
	UpdateCount   int         `json:"update_count"`
	UnchangedCount int        `json:"unchanged_count"`
	ConflictCount int         `json:"conflict_count"`
	Rows          []RowResult `json:"rows"`
}

// ApplyResult is the outcome of a (possibly partial) apply.
type ApplyResult struct {
	StrictMode bool        `json:"strict_mode"`
	Accepted   int         `json:"accepted"`
	Rejected   int         `json:"rejected"`
	Rows       []RowResult `json:"rows"`
}

// Row is the header-normalized, pre-validation representation of one
// input row, common to both the CSV and JSON input formats.
type Row struct {
	line         int
	priceType    string
	period       string
	value        string
	status       string
	changeReason string
	forceUpdate  bool
	// parseErr is set when the row itself could not be decoded into the
	// expected shape (e.g. a non-object element in a JSON array); it
	// short-circuits normalization with this error instead of running
	// marketprice.Normalize against empty fields.
	parseErr error
}

var headerSynonyms = map[string]string{
	"price_type":    "price_type",
	"period":        "period",
	"value":         "value",
	"ptf_value":     "value",
	"status":        "status",
	"change_reason": "change_reason",
	"force_update":  "force_update",
}

// ParseCSV reads a CSV-with-header blob into normalized rows.
func ParseCSV(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty CSV input")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	colIdx := make(map[string]int)
	for i, h := range header {
		key := headerSynonyms[strings.ToLower(strings.TrimSpace(h))]
		if key != "" {
			colIdx[key] = i
		}
	}

	var rows []Row
	lineNo := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV row %d: %w", lineNo+1, err)
		}
		lineNo++
		rows = append(rows, Row{
			line:         lineNo,
			priceType:    field(record, colIdx, "price_type"),
			period:       field(record, colIdx, "period"),
			value:        field(record, colIdx, "value"),
			status:       field(record, colIdx, "status"),
			changeReason: field(record, colIdx, "change_reason"),
			forceUpdate:  strings.EqualFold(field(record, colIdx, "force_update"), "true"),
		})
	}
	return rows, nil
}

func field(record []string, colIdx map[string]int, key string) string {
	idx, ok := colIdx[key]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// jsonRow is the JSON-array input element shape.
type jsonRow struct {
	PriceType    string      `json:"price_type"`
	Period       string      `json:"period"`
	Value        interface{} `json:"value"`
	PTFValue     interface{} `json:"ptf_value"`
	Status       string      `json:"status"`
	ChangeReason string      `json:"change_reason"`
	ForceUpdate  bool        `json:"force_update"`
}

// ParseJSON reads a JSON array of row objects into normalized rows. A
// non-object element (e.g. a bare string or number in the array) produces
// a per-row error on that row rather than aborting the whole parse, since
// the rest of the array may still be well-formed.
func ParseJSON(data []byte) ([]Row, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse JSON array: %w", err)
	}
	rows := make([]Row, 0, len(raw))
	for i, elem := range raw {
		var probe interface{}
		if err := json.Unmarshal(elem, &probe); err != nil {
			rows = append(rows, Row{line: i + 1, parseErr: fmt.Errorf("malformed row: %w", err)})
			continue
		}
		if _, ok := probe.(map[string]interface{}); !ok {
			rows = append(rows, Row{line: i + 1, parseErr: fmt.Errorf("row must be a JSON object")})
			continue
		}

		var it jsonRow
		if err := json.Unmarshal(elem, &it); err != nil {
			rows = append(rows, Row{line: i + 1, parseErr: fmt.Errorf("malformed row: %w", err)})
			continue
		}
		value := it.Value
		if value == nil {
			value = it.PTFValue
		}
		rows = append(rows, Row{
			line:         i + 1,
			priceType:    it.PriceType,
			period:       it.Period,
			value:        jsonScalarToString(value),
			status:       it.Status,
			changeReason: it.ChangeReason,
			forceUpdate:  it.ForceUpdate,
		})
	}
	return rows, nil
}

func jsonScalarToString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Engine runs preview/apply over a marketprice.Store.
type Engine struct {
	store   *marketprice.Store
	wrapper *depguard.Wrapper
}

// New builds a bulk import Engine over the given admin store, with no
// dependency guard in front of it. Suitable for tests and for stores that
// need no circuit breaking of their own.
func New(store *marketprice.Store) *Engine {
	return &Engine{store: store}
}

// NewGuarded builds a bulk import Engine whose store calls run under the
// bulk_import_store dependency's circuit breaker, timeout, and retry envelope, so
// C7/C8 calls are guarded the same way the C11/C12 lookup path is (spec
// §2/§4.8: "both phases run under the wrapper stack").
func NewGuarded(store *marketprice.Store, deps map[string]config.DependencyConfig, breakers *breaker.Registry) *Engine {
	return &Engine{store: store, wrapper: depguard.New("bulk_import_store", deps, breakers)}
}

// guard runs fn under the dependency wrapper when one is configured, or
// calls it directly otherwise.
func (e *Engine) guard(ctx context.Context, isWrite bool, fn depguard.CallFunc) error {
	if e.wrapper == nil {
		return fn(ctx)
	}
	return e.wrapper.Call(ctx, isWrite, fn)
}

func (e *Engine) normalizeRows(rows []Row) ([]marketprice.UpsertInput, []RowResult) {
	inputs := make([]marketprice.UpsertInput, len(rows))
	results := make([]RowResult, len(rows))
	for i, r := range rows {
		if r.parseErr != nil {
			results[i] = RowResult{Row: r.line, Outcome: OutcomeInvalid,
				Error: &RowError{Row: r.line, Code: "INVALID_ROW_SHAPE", Message: r.parseErr.Error()}}
			continue
		}
		in, _, err := marketprice.Normalize(marketprice.RawInput{
			PriceType: r.priceType, Period: r.period, Value: r.value,
			Status: r.status, ChangeReason: r.changeReason, ForceUpdate: r.forceUpdate,
		})
		if err != nil {
			var ve *marketprice.ValidationError
			code, msg := "VALIDATION_ERROR", err.Error()
			if as, ok := err.(*marketprice.ValidationError); ok {
				ve = as
				code, msg = ve.Code, ve.Message
			}
			results[i] = RowResult{Row: r.line, Period: r.period, Outcome: OutcomeInvalid,
				Error: &RowError{Row: r.line, Code: code, Message: msg}}
			continue
		}
		inputs[i] = in
		results[i] = RowResult{Row: r.line, Period: in.Period}
	}
	return inputs, results
}

// Preview projects the batch against current store state without writing.
func (e *Engine) Preview(ctx context.Context, rows []Row) (*PreviewResult, error) {
	inputs, results := e.normalizeRows(rows)
	out := &PreviewResult{TotalRows: len(rows), Rows: results}

	for i := range results {
		if results[i].Outcome == OutcomeInvalid {
			out.InvalidRows++
			continue
		}
		out.ValidRows++

		var existing *marketprice.ForCalculationResult
		err := e.guard(ctx, false, func(ctx context.Context) error {
			var gerr error
			existing, gerr = e.store.GetForCalculation(ctx, inputs[i].Period)
			return gerr
		})
		switch {
		case err == marketprice.ErrPeriodNotFound:
			results[i].Outcome = OutcomeNew
			out.NewCount++
		case err == marketprice.ErrFuturePeriod:
			results[i].Outcome = OutcomeInvalid
			results[i].Error = &RowError{Row: results[i].Row, Code: "FUTURE_PERIOD", Message: "period is in the future"}
			out.InvalidRows++
			out.ValidRows--
		case err != nil:
			return nil, fmt.Errorf("preview row %d: %w", results[i].Row, err)
		default:
			rec := existing.Record
			if rec.Status == marketprice.StatusFinal && inputs[i].Status == marketprice.StatusFinal &&
				rec.Value != inputs[i].Value && !inputs[i].ForceUpdate {
				results[i].Outcome = OutcomeFinalConflict
				out.ConflictCount++
			} else if rec.Value == inputs[i].Value && rec.Status == inputs[i].Status {
				results[i].Outcome = OutcomeUnchanged
				out.UnchangedCount++
			} else {
				results[i].Outcome = OutcomeUpdated
				out.UpdateCount++
			}
		}
	}
	out.Rows = results
	return out, nil
}

// Apply commits the batch. strict=true makes the whole batch all-or-nothing:
// every row is validated — both input validation and the store's business
// rules (locked period, status downgrade, final-record protection,
// change-reason-required) — against current store state before any row is
// written, so a row that would be rejected never leaves the batch partially
// applied. strict=false accepts/rejects rows independently, writing as it
// goes.
func (e *Engine) Apply(ctx context.Context, rows []Row, strict bool, actor string) (*ApplyResult, error) {
	inputs, results := e.normalizeRows(rows)

	if strict {
		if rejected := e.rejectStrictBatch(ctx, inputs, results, actor); rejected != nil {
			return &ApplyResult{StrictMode: true, Accepted: 0, Rejected: len(rows), Rows: rejected}, nil
		}
	}

	accepted, rejected := 0, 0
	for i := range results {
		if results[i].Outcome == OutcomeInvalid {
			rejected++
			continue
		}
		in := inputs[i]
		in.Actor = actor
		var res *marketprice.UpsertResult
		err := e.guard(ctx, true, func(ctx context.Context) error {
			var uerr error
			res, uerr = e.store.Upsert(ctx, in, marketprice.SourceImport, nil)
			return uerr
		})
		if err != nil {
			// Only reachable in lenient mode: strict mode already proved
			// every row passes CheckUpsert against this same store state.
			results[i].Outcome = OutcomeInvalid
			results[i].Error = &RowError{Row: results[i].Row, Code: upsertErrorCode(err), Message: err.Error()}
			rejected++
			continue
		}
		if res.Changed && res.Action == "created" {
			results[i].Outcome = OutcomeNew
		} else if res.Changed {
			results[i].Outcome = OutcomeUpdated
		} else {
			results[i].Outcome = OutcomeUnchanged
		}
		accepted++
	}

	return &ApplyResult{StrictMode: strict, Accepted: accepted, Rejected: rejected, Rows: results}, nil
}

// rejectStrictBatch runs every valid row's CheckUpsert against the current
// store state without writing. If any row is invalid or would be rejected
// by the store's business rules, it returns the whole batch marked
// BATCH_REJECTED; otherwise it returns nil and Apply proceeds to write.
func (e *Engine) rejectStrictBatch(ctx context.Context, inputs []marketprice.UpsertInput, results []RowResult, actor string) []RowResult {
	checkErrs := make([]error, len(results))
	failed := false
	for i := range results {
		if results[i].Outcome == OutcomeInvalid {
			failed = true
			continue
		}
		in := inputs[i]
		in.Actor = actor
		if err := e.guard(ctx, false, func(ctx context.Context) error {
			return e.store.CheckUpsert(ctx, in)
		}); err != nil {
			checkErrs[i] = err
			failed = true
		}
	}
	if !failed {
		return nil
	}

	rejected := make([]RowResult, len(results))
	copy(rejected, results)
	for i := range rejected {
		rejected[i].Outcome = OutcomeInvalid
		switch {
		case rejected[i].Error != nil:
			// already carries its own validation error
		case checkErrs[i] != nil:
			rejected[i].Error = &RowError{Row: rejected[i].Row, Code: upsertErrorCode(checkErrs[i]), Message: checkErrs[i].Error()}
		default:
			rejected[i].Error = &RowError{Row: rejected[i].Row, Code: "BATCH_REJECTED", Message: "strict_mode batch rejected due to another row's failure"}
		}
	}
	return rejected
}

func upsertErrorCode(err error) string {
	switch err {
	case marketprice.ErrPeriodLocked:
		return "PERIOD_LOCKED"
	case marketprice.ErrStatusDowngradeForbidden:
		return "STATUS_DOWNGRADE_FORBIDDEN"
	case marketprice.ErrFinalRecordProtected:
		return "FINAL_RECORD_PROTECTED"
	case marketprice.ErrChangeReasonRequired:
		return "CHANGE_REASON_REQUIRED"
	default:
		return "UPSERT_FAILED"
	}
}
