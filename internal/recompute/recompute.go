// Package recompute implements the C12 recompute service: the sole
// authority over incident.StatusResolved and primary-flag reclassification.
package recompute

import (
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

// Context is the scoring snapshot a recompute pass evaluates. The
// orchestrator's default provider reads it from the snapshot stored in the
// incident's routed_payload; a custom provider may re-derive it instead.
type Context struct {
	Score                quality.Score
	ExtractionConfidence float64
	Mismatch             *quality.MismatchInfo
}

// Outcome classifies what a recompute pass decided.
type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeReclassified    Outcome = "reclassified"
)

// Result is the mutation Apply should perform on the incident.
type Result struct {
	Outcome             Outcome
	NewPrimaryFlag       string
	NewCategory          quality.Category
	NewSeverity          quality.Severity
	NewSecondaryFlags    []string
	NewAllFlags          []string
	NewActionHint        *quality.ActionHint
	ResolutionReason     incident.ResolutionReason
}

// Evaluate implements spec §4.12: no S1/S2 flags survive -> resolved;
// primary unchanged -> unchanged (Apply bumps recompute_count and leaves the
// status as it is); primary changed -> reclassification.
func Evaluate(ctx Context, currentPrimary string) Result {
	critical := selectCritical(ctx.Score.FlagDetails)
	if len(critical) == 0 {
		return Result{Outcome: OutcomeResolved, ResolutionReason: incident.ResolutionRecomputeResolved}
	}

	primary, _ := quality.Primary(critical)
	secondary := secondaryCodes(critical, primary.Code)
	allFlags := append([]string{primary.Code}, secondary...)

	if primary.Code == currentPrimary {
		return Result{
			Outcome: OutcomeUnchanged, NewPrimaryFlag: primary.Code,
			NewCategory: quality.FlagToCategory(primary.Code), NewSeverity: primary.Severity,
			NewSecondaryFlags: secondary, NewAllFlags: allFlags,
		}
	}

	var hint *quality.ActionHint
	if primary.Code == quality.FlagInvoiceTotalMismatch {
		hint = quality.GenerateActionHint(primary.Code, ctx.Mismatch, ctx.ExtractionConfidence)
	}

	return Result{
		Outcome: OutcomeReclassified, NewPrimaryFlag: primary.Code,
		NewCategory: quality.FlagToCategory(primary.Code), NewSeverity: primary.Severity,
		NewSecondaryFlags: secondary, NewAllFlags: allFlags, NewActionHint: hint,
		ResolutionReason: incident.ResolutionReclassified,
	}
}

// Apply mutates inc in place per result, preserving external ids, counters,
// and occurrence_count across reclassification.
func Apply(inc *incident.Incident, result Result, now time.Time) {
	switch result.Outcome {
	case OutcomeResolved:
		inc.Status = incident.StatusResolved
		inc.ResolutionReason = incident.ResolutionRecomputeResolved
		resolvedAt := now
		inc.ResolvedAt = &resolvedAt
	case OutcomeReclassified:
		inc.PreviousPrimaryFlag = inc.PrimaryFlag
		inc.PrimaryFlag = result.NewPrimaryFlag
		inc.Category = result.NewCategory
		inc.Severity = result.NewSeverity
		inc.SecondaryFlags = result.NewSecondaryFlags
		inc.AllFlags = result.NewAllFlags
		inc.ActionHint = result.NewActionHint
		reclassifiedAt := now
		inc.ReclassifiedAt = &reclassifiedAt
		inc.RecomputeCount++
	case OutcomeUnchanged:
		inc.RecomputeCount++
	}
	inc.UpdatedAt = now
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
