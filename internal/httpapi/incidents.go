package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
)

const (
	defaultIncidentLimit = 100
	maxIncidentLimit     = 500
)

func (h *handler) incidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	pageSize, err := parseLimitParam(q.Get("limit"), defaultIncidentLimit)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_SORT_FIELD", err.Error())
		return
	}
	if pageSize > maxIncidentLimit {
		pageSize = maxIncidentLimit
	}
	page, _ := strconv.Atoi(strings.TrimSpace(q.Get("page")))
	if page < 1 {
		page = 1
	}

	result, err := h.app.Incidents.List(r.Context(), incident.ListFilter{
		Status:   incident.Status(strings.TrimSpace(q.Get("status"))),
		Severity: strings.TrimSpace(q.Get("severity")),
		Category: strings.TrimSpace(q.Get("category")),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]incidentView, 0, len(result.Items))
	for _, inc := range result.Items {
		items = append(items, toIncidentView(inc))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "total": result.Total, "items": items})
}

type incidentView struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	Fingerprint      string                 `json:"fingerprint"`
	Severity         string                 `json:"severity"`
	Category         string                 `json:"category"`
	Status           string                 `json:"status"`
	ResolutionReason string                 `json:"resolution_reason,omitempty"`
	ActionType       string                 `json:"action_type"`
	ActionOwner      string                 `json:"action_owner"`
	ActionHint       string                 `json:"action_hint"`
	OccurrenceCount  int                    `json:"occurrence_count"`
	RetryAttemptCount int                   `json:"retry_attempt_count"`
	RecomputeCount   int                    `json:"recompute_count"`
	FirstSeenAt      string                 `json:"first_seen_at"`
	LastSeenAt       string                 `json:"last_seen_at"`
	ResolvedAt       string                 `json:"resolved_at,omitempty"`
	Feedback         map[string]interface{} `json:"feedback,omitempty"`
}

func toIncidentView(inc incident.Incident) incidentView {
	v := incidentView{
		ID: inc.ID, TenantID: inc.TenantID, Fingerprint: inc.Fingerprint,
		Severity: string(inc.Severity), Category: string(inc.Category), Status: string(inc.Status),
		ResolutionReason: string(inc.ResolutionReason), ActionType: string(inc.Action.Type),
		ActionOwner: string(inc.Action.Owner), ActionHint: inc.Action.Hint,
		OccurrenceCount: inc.OccurrenceCount, RetryAttemptCount: inc.RetryAttemptCount,
		RecomputeCount: inc.RecomputeCount, FirstSeenAt: inc.FirstSeenAt.UTC().Format(rfc3339),
		LastSeenAt: inc.LastSeenAt.UTC().Format(rfc3339), Feedback: inc.Feedback,
	}
	if inc.ResolvedAt != nil {
		v.ResolvedAt = inc.ResolvedAt.UTC().Format(rfc3339)
	}
	return v
}

// incidentByID handles /admin/incidents/{id} and its /feedback sub-resource.
func (h *handler) incidentByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/incidents"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		h.patchIncidentStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "feedback":
		h.patchIncidentFeedback(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type patchIncidentStatusRequest struct {
	Status           string `json:"status"`
	ResolutionReason string `json:"resolution_reason"`
}

func (h *handler) patchIncidentStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body patchIncidentStatusRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	status := incident.Status(strings.ToUpper(strings.TrimSpace(body.Status)))
	if status == "" {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_STATUS", "status is required")
		return
	}

	existing, err := h.app.Incidents.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		writeErrorCode(w, http.StatusNotFound, "PERIOD_NOT_FOUND", "incident not found")
		return
	}

	if h.app.PilotGuard != nil {
		if err := h.app.PilotGuard.Allow(existing.TenantID); err != nil {
			writeErrorCode(w, http.StatusServiceUnavailable, "PILOT_GUARD_REJECTED", err.Error())
			return
		}
	}

	reason := incident.ResolutionReason(strings.ToUpper(strings.TrimSpace(body.ResolutionReason)))
	if status == incident.StatusResolved && reason == "" {
		reason = incident.ResolutionManualResolved
	}

	now := h.app.Clock()
	if err := h.app.Incidents.UpdateStatus(r.Context(), id, status, reason, actorFromCtx(r.Context()), now); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "id": id, "new_status": string(status)})
}

func (h *handler) patchIncidentFeedback(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	existing, err := h.app.Incidents.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		writeErrorCode(w, http.StatusNotFound, "PERIOD_NOT_FOUND", "incident not found")
		return
	}
	if existing.Status != incident.StatusResolved {
		writeErrorCode(w, http.StatusConflict, "INVALID_STATUS", "feedback requires a resolved incident")
		return
	}
	if h.app.PilotGuard != nil {
		if err := h.app.PilotGuard.Allow(existing.TenantID); err != nil {
			writeErrorCode(w, http.StatusServiceUnavailable, "PILOT_GUARD_REJECTED", err.Error())
			return
		}
	}

	var feedback map[string]interface{}
	if err := decodeJSON(r.Body, &feedback); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	now := h.app.Clock()
	if err := h.app.Incidents.RecordFeedback(r.Context(), id, feedback, now); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "id": id, "feedback": feedback})
}
