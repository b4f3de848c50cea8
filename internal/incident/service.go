package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

// DedupeWindow bounds how far back an existing incident can be reused.
const DedupeWindow = 24 * time.Hour

// ErrNoActionableFlags names the case where the score has no S1/S2 flags and
// no incident is created. Process does not return it; it reports that case
// as (nil, false, nil).
var ErrNoActionableFlags = errors.New("no S1/S2 flags present")

// Repository is the persistence seam the service writes through.
type Repository interface {
	FindActiveByDedupeKey(ctx context.Context, dedupeKey string, since time.Time) (*Incident, error)
	IncrementOccurrence(ctx context.Context, id string, now time.Time) error
	Insert(ctx context.Context, inc Incident) error
}

// ProcessInput bundles everything Process needs for one invoice scoring pass.
type ProcessInput struct {
	TenantID             string
	TraceID              string
	Fingerprint          FingerprintInputs
	Period               string
	Score                quality.Score
	ExtractionConfidence float64
	Mismatch             *quality.MismatchInfo
	RoutedPayload        map[string]interface{}
}

// Service implements the C10 flag-to-incident projection.
type Service struct {
	repo  Repository
	clock func() time.Time
}

// New builds an incident Service over the given repository.
func New(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Process implements spec §4.10: select S1/S2 flags, dedupe within a 24h window,
// and either bump occurrence_count on a hit or insert a new incident on a
// miss. Returns (nil, false, nil) when no S1/S2 flags are present.
func (s *Service) Process(ctx context.Context, in ProcessInput) (*Incident, bool, error) {
	critical := selectCritical(in.Score.FlagDetails)
	if len(critical) == 0 {
		return nil, false, nil
	}

	primary, ok := quality.Primary(critical)
	if !ok {
		return nil, false, nil
	}
	secondary := secondaryCodes(critical, primary.Code)
	allFlags := append([]string{primary.Code}, secondary...)

	fp := Fingerprint(in.Fingerprint)
	category := quality.FlagToCategory(primary.Code)
	dedupeKey := DedupeKey(in.TenantID, category, in.Period, fp)

	now := s.clock().UTC()
	existing, err := s.repo.FindActiveByDedupeKey(ctx, dedupeKey, now.Add(-DedupeWindow))
	if err != nil {
		return nil, false, fmt.Errorf("find active incident: %w", err)
	}
	if existing != nil {
		if err := s.repo.IncrementOccurrence(ctx, existing.ID, now); err != nil {
			return nil, false, fmt.Errorf("increment occurrence: %w", err)
		}
		existing.OccurrenceCount++
		existing.LastSeenAt = now
		return existing, false, nil
	}

	action := quality.GetActionRecommendation(primary.Code)
	var mismatch *quality.MismatchInfo
	if primary.Code == quality.FlagInvoiceTotalMismatch {
		mismatch = in.Mismatch
	}
	hint := quality.GenerateActionHint(primary.Code, mismatch, in.ExtractionConfidence)

	inc := Incident{
		ID:              uuid.NewString(),
		TenantID:        in.TenantID,
		TraceID:         in.TraceID,
		Fingerprint:     fp,
		DedupeKey:       dedupeKey,
		Severity:        primary.Severity,
		Category:        category,
		PrimaryFlag:     primary.Code,
		SecondaryFlags:  secondary,
		AllFlags:        allFlags,
		Status:          StatusOpen,
		Action:          Action{Type: action.Type, Owner: action.Owner, Code: action.Code, Hint: action.Hint},
		ActionHint:      hint,
		RoutedPayload:   in.RoutedPayload,
		OccurrenceCount: 1,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Insert(ctx, inc); err != nil {
		return nil, false, fmt.Errorf("insert incident: %w", err)
	}
	return &inc, true, nil
}

func selectCritical(details []quality.FlagDetail) []quality.FlagDetail {
	var out []quality.FlagDetail
	for _, d := range details {
		if d.Severity == quality.S1 || d.Severity == quality.S2 {
			out = append(out, d)
		}
	}
	return out
}

func secondaryCodes(details []quality.FlagDetail, primaryCode string) []string {
	normalized := quality.NormalizeFlags(details)
	out := make([]string, 0, len(normalized))
	for _, d := range normalized {
		if d.Code != primaryCode {
			out = append(out, d.Code)
		}
	}
	return out
}
