package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/killswitch"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

func TestIncidents_ListAndPatchStatus(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	now := time.Now().UTC()
	inc := incident.Incident{
		ID: "inc-1", TenantID: "tenant-a", Fingerprint: "fp-1", DedupeKey: "dk-1",
		Severity: quality.S2, Category: quality.CategoryMismatch, PrimaryFlag: "PRICE_MISMATCH",
		Status: incident.StatusOpen, OccurrenceCount: 1, FirstSeenAt: now, LastSeenAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	seedIncident(t, application, inc)

	req := httptest.NewRequest(http.MethodGet, "/admin/incidents", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listBody struct {
		Total int            `json:"total"`
		Items []incidentView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listBody))
	require.Equal(t, 1, listBody.Total)
	require.Equal(t, "inc-1", listBody.Items[0].ID)

	patchBody, _ := json.Marshal(patchIncidentStatusRequest{Status: "resolved"})
	req = httptest.NewRequest(http.MethodPatch, "/admin/incidents/inc-1", bytes.NewReader(patchBody))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := application.Incidents.GetByID(context.Background(), "inc-1")
	require.NoError(t, err)
	require.Equal(t, incident.StatusResolved, updated.Status)
	require.Equal(t, incident.ResolutionManualResolved, updated.ResolutionReason)
}

func TestIncidents_PatchStatusUnknownIDReturnsNotFound(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	patchBody, _ := json.Marshal(patchIncidentStatusRequest{Status: "ack"})
	req := httptest.NewRequest(http.MethodPatch, "/admin/incidents/does-not-exist", bytes.NewReader(patchBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIncidents_FeedbackRequiresResolvedIncident(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	now := time.Now().UTC()
	inc := incident.Incident{
		ID: "inc-2", TenantID: "tenant-a", Fingerprint: "fp-2", DedupeKey: "dk-2",
		Severity: quality.S1, Category: quality.CategoryOutlier, PrimaryFlag: "CONSUMPTION_OUTLIER",
		Status: incident.StatusOpen, OccurrenceCount: 1, FirstSeenAt: now, LastSeenAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	seedIncident(t, application, inc)

	feedback, _ := json.Marshal(map[string]interface{}{"hint_was_correct": true})
	req := httptest.NewRequest(http.MethodPatch, "/admin/incidents/inc-2/feedback", bytes.NewReader(feedback))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "INVALID_STATUS", body.ErrorCode)
}

func TestIncidents_PatchStatusRejectedForTenantOutsidePilot(t *testing.T) {
	application := newTestApp(t)
	application.PilotGuard = killswitch.NewPilotGuard(application.KillSwitches, "tenant-pilot-only", 50)
	mux := NewHandler(application)

	now := time.Now().UTC()
	inc := incident.Incident{
		ID: "inc-3", TenantID: "tenant-a", Fingerprint: "fp-3", DedupeKey: "dk-3",
		Severity: quality.S2, Category: quality.CategoryMismatch, PrimaryFlag: "PRICE_MISMATCH",
		Status: incident.StatusOpen, OccurrenceCount: 1, FirstSeenAt: now, LastSeenAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	seedIncident(t, application, inc)

	patchBody, _ := json.Marshal(patchIncidentStatusRequest{Status: "ack"})
	req := httptest.NewRequest(http.MethodPatch, "/admin/incidents/inc-3", bytes.NewReader(patchBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PILOT_GUARD_REJECTED", body.ErrorCode)

	unchanged, err := application.Incidents.GetByID(context.Background(), "inc-3")
	require.NoError(t, err)
	require.Equal(t, incident.StatusOpen, unchanged.Status)
}

func TestIncidents_UnknownSubResourceReturnsNotFound(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	req := httptest.NewRequest(http.MethodPatch, "/admin/incidents/inc-1/unknown", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
