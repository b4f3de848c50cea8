// Package incident implements the C10 incident service: flag-to-incident
// projection with fingerprint-based 24h deduplication, plus the status
// enum shared by the C11/C12/C13 lifecycle.
package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusAck              Status = "ACK"
	StatusPendingRetry     Status = "PENDING_RETRY"
	StatusPendingRecompute Status = "PENDING_RECOMPUTE"
	StatusResolved         Status = "RESOLVED"
)

// ResolutionReason is the closed enum recorded when an incident stops
// being actionable (or is reclassified without resolving).
type ResolutionReason string

const (
	ResolutionRecomputeResolved    ResolutionReason = "RECOMPUTE_RESOLVED"
	ResolutionManualResolved       ResolutionReason = "MANUAL_RESOLVED"
	ResolutionAutoResolved         ResolutionReason = "AUTO_RESOLVED"
	ResolutionRecomputeLimitExceeded ResolutionReason = "RECOMPUTE_LIMIT_EXCEEDED"
	ResolutionRetryExhausted       ResolutionReason = "RETRY_EXHAUSTED"
	ResolutionReclassified         ResolutionReason = "RECLASSIFIED"
)

// ResolvedSet is the closed set of resolution reasons that count toward MTTR.
var ResolvedSet = map[ResolutionReason]bool{
	ResolutionRecomputeResolved: true,
	ResolutionManualResolved:    true,
	ResolutionAutoResolved:      true,
}

// Action is the routing recommendation attached at creation time.
type Action struct {
	Type  quality.ActionType
	Owner quality.ActionOwner
	Code  string
	Hint  string
}

// Incident is the durable defect record.
type Incident struct {
	ID                    string
	TenantID              string
	TraceID               string
	Fingerprint           string
	DedupeKey             string
	Severity              quality.Severity
	Category              quality.Category
	PrimaryFlag           string
	PreviousPrimaryFlag   string
	SecondaryFlags        []string
	AllFlags               []string
	Status                Status
	ResolutionReason      ResolutionReason
	Action                Action
	ActionHint            *quality.ActionHint
	RoutedPayload         map[string]interface{}
	OccurrenceCount       int
	FirstSeenAt           time.Time
	LastSeenAt            time.Time
	ResolvedAt             *time.Time
	ReclassifiedAt         *time.Time
	RetryAttemptCount      int
	RetryEligibleAt        *time.Time
	RetryLockUntil         *time.Time
	RetryLockBy            string
	RetryLastAttemptAt     *time.Time
	RetryExhaustedAt       *time.Time
	RetrySuccess           bool
	RecomputeCount         int
	Feedback               map[string]interface{}
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FingerprintInputs identifies an invoice for dedup purposes.
type FingerprintInputs struct {
	Supplier       string
	InvoiceNo      string
	Period         string
	ConsumptionKWh float64
	TotalAmount    float64
}

// Fingerprint computes the SHA-256-prefix-16 invoice identity hash.
func Fingerprint(in FingerprintInputs) string {
	raw := fmt.Sprintf("%s|%s|%s|%.4f|%.2f", in.Supplier, in.InvoiceNo, in.Period, in.ConsumptionKWh, in.TotalAmount)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// DedupeKey computes the dedup key for (tenant, category, period, fingerprint).
// The key has no time component; the "within 24h of first occurrence" rule
// is enforced by the caller's created_at window check.
func DedupeKey(tenantID string, category quality.Category, period, fingerprint string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", tenantID, category, period, fingerprint)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}
