// Package marketprice implements the market-price validator and admin
// store (spec C6/C7): the canonical monthly PTF reference series, its
// status lifecycle (provisional -> final), and its append-only audit
// history.
package marketprice

import "time"

// Status is the lifecycle state of a MarketPriceRecord.
type Status string

const (
	StatusProvisional Status = "provisional"
	StatusFinal       Status = "final"
)

// Source identifies where a record's value originated.
type Source string

const (
	SourceEpiasManual Source = "epias_manual"
	SourceEpiasAPI    Source = "epias_api"
	SourceMigration   Source = "migration"
	SourceSeed        Source = "seed"
	SourceImport      Source = "import"
)

// DefaultPriceType is the only price_type materialized today; the key
// space is designed-extensible (spec §3).
const DefaultPriceType = "PTF"

// Record is the canonical monthly price snapshot, keyed by (PriceType, Period).
type Record struct {
	ID           string
	PriceType    string
	Period       string // YYYY-MM
	Value        float64
	Status       Status
	Source       Source
	CapturedAt   time.Time
	ChangeReason string
	UpdatedBy    string
	IsLocked     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryAction distinguishes the two audit-row kinds.
type HistoryAction string

const (
	ActionInsert HistoryAction = "INSERT"
	ActionUpdate HistoryAction = "UPDATE"
)

// HistoryEntry is an append-only audit row; never deleted, never written
// on a no-op upsert (spec §3).
type HistoryEntry struct {
	ID           string
	PriceRecordID string
	PriceType    string
	Period       string
	Action       HistoryAction
	OldValue     *float64
	NewValue     float64
	OldStatus    *Status
	NewStatus    Status
	ChangeReason string
	UpdatedBy    string
	Source       Source
	CreatedAt    time.Time
}

// UpsertInput is the normalized, validated request accepted by Store.Upsert.
type UpsertInput struct {
	PriceType    string
	Period       string
	Value        float64
	Status       Status
	Source       Source
	ChangeReason string
	ForceUpdate  bool
	Actor        string
}

// UpsertResult reports what Upsert actually did.
type UpsertResult struct {
	Action   string // "created" or "updated"
	Changed  bool
	Record   Record
	Warnings []string
}

// ListFilter bounds a List query.
type ListFilter struct {
	PriceType  string
	Status     Status
	FromPeriod string
	ToPeriod   string
	SortBy     string // whitelist: period, value, status, updated_at
	SortDesc   bool
	Page       int
	PageSize   int
}

// ListResult is a page of records plus the total matching count.
type ListResult struct {
	Items []Record
	Total int
}

// SortWhitelist is the closed set of fields List may sort by.
var SortWhitelist = map[string]bool{
	"period":     true,
	"value":      true,
	"status":     true,
	"updated_at": true,
}
