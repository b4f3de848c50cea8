package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/health"
	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

func (h *handler) killSwitches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "switches": h.app.KillSwitches.List()})
}

type killSwitchPutRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (h *handler) killSwitchByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/ops/kill-switches"), "/")
	if name == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body killSwitchPutRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	updated := h.app.KillSwitches.Set(name, body.Enabled, actorFromCtx(r.Context()), body.Reason)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "switch": updated})
}

func (h *handler) opsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	hash, err := h.app.Config.Hash()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ok",
		"config_hash":          hash,
		"config_schema_version": configSchemaVersion,
		"kill_switches":        h.app.KillSwitches.List(),
	})
}

// configSchemaVersion mirrors config.SchemaVersion without importing the
// config package twice in this file's import block.
const configSchemaVersion = "1"

func (h *handler) feedbackStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	incidents, err := h.allIncidents(r)
	if err != nil {
		writeError(w, err)
		return
	}

	samples := make([]health.FeedbackSample, 0, len(incidents))
	for _, inc := range incidents {
		sample := health.FeedbackSample{
			ActionClass: actionClassOf(inc),
			Resolved:    inc.Status == incident.StatusResolved,
		}
		if inc.ResolvedAt != nil {
			sample.ResolutionTime = inc.ResolvedAt.Sub(inc.FirstSeenAt)
		}
		if inc.Feedback != nil {
			sample.HasFeedback = true
			if correct, ok := inc.Feedback["hint_was_correct"].(bool); ok {
				sample.HintWasCorrect = correct
			}
		}
		samples = append(samples, sample)
	}

	report := health.ComputeCalibration(samples)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "report": report})
}

func (h *handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	incidents, err := h.allIncidents(r)
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.app.Clock()
	cutoff := now.Add(-24 * time.Hour)
	earlierCutoff := cutoff.Add(-24 * time.Hour)

	var s1Old, s1New, s2Old, s2New, totalOld, totalNew int
	var hist health.MismatchHistogram
	var classes health.ActionClassDistribution
	offenderTotals := map[string]*health.OffenderStat{}

	for _, inc := range incidents {
		health.TallyActionClass(&classes, actionClassOf(inc))

		stat, ok := offenderTotals[string(inc.Category)]
		if !ok {
			stat = &health.OffenderStat{Name: string(inc.Category)}
			offenderTotals[string(inc.Category)] = stat
		}
		stat.Total++
		if inc.Severity == quality.S1 {
			stat.Count++
		}

		if inc.FirstSeenAt.After(cutoff) {
			totalNew++
			if inc.Severity == quality.S1 {
				s1New++
			}
			if inc.Severity == quality.S2 {
				s2New++
			}
		} else if inc.FirstSeenAt.After(earlierCutoff) {
			totalOld++
			if inc.Severity == quality.S1 {
				s1Old++
			}
			if inc.Severity == quality.S2 {
				s2Old++
			}
		}
	}

	offenders := make([]health.OffenderStat, 0, len(offenderTotals))
	for _, s := range offenderTotals {
		offenders = append(offenders, *s)
	}

	drift := h.app.Config.Drift
	var alerts []health.AlertType
	if health.DetectDrift(health.Period{OldCount: s1Old, OldTotal: totalOld, NewCount: s1New, NewTotal: totalNew}, drift.MinSample, drift.MinAbsoluteDelta, drift.RateMultiplier) {
		alerts = append(alerts, health.AlertS1RateDrift)
	}
	if health.DetectDrift(health.Period{OldCount: s2Old, OldTotal: totalOld, NewCount: s2New, NewTotal: totalNew}, drift.MinSample, drift.MinAbsoluteDelta, drift.RateMultiplier) {
		alerts = append(alerts, health.AlertMismatchRateDrift)
	}
	if alerts == nil {
		alerts = []health.AlertType{}
	}

	summary := health.RunSummary{
		PeriodStart:   cutoff,
		PeriodEnd:     now,
		TotalScored:   totalNew,
		S1Count:       s1New,
		S2Count:       s2New,
		Histogram:     hist,
		ActionClasses: classes,
		RetryFunnel:   health.ComputeRetryFunnel(incidents),
		MTTR:          health.MTTR(incidents),
		Alerts:        alerts,
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"summary":               summary,
		"top_offenders_by_rate":  health.TopOffendersByRate(offenders, drift.TopOffenderMinVolume, 10),
		"top_offenders_by_count": health.TopOffendersByCount(offenders, 10),
	})
}

// actionClassOf reads the remediation class off an incident's action hint;
// incidents without a hint (no mismatch, or a non-mismatch flag) are
// excluded from the per-class tallies by using the zero value, which
// matches no named class and is simply never counted by TallyActionClass.
func actionClassOf(inc incident.Incident) quality.ActionClass {
	if inc.ActionHint == nil {
		return ""
	}
	return inc.ActionHint.ActionClass
}

// allIncidents loads one page of at most maxIncidentLimit incidents from
// the admin repository into an in-memory slice for analytics (spec §6 caps
// admin incident listing at 500 per page); incidents beyond that first
// page are not included.
func (h *handler) allIncidents(r *http.Request) ([]incident.Incident, error) {
	result, err := h.app.Incidents.List(r.Context(), incident.ListFilter{Page: 1, PageSize: maxIncidentLimit})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}
