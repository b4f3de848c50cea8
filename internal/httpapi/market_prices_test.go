package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarketPrices_UpsertThenGet(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	body, _ := json.Marshal(upsertMarketPriceRequest{
		Period: "2026-06", Value: "2.5", Status: "final", ChangeReason: "initial capture",
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/market-prices", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/market-prices/2026-06", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view marketPriceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "2026-06", view.Period)
	require.Equal(t, 2.5, view.PTFValue)
	require.Equal(t, "final", view.Status)
}

func TestMarketPrices_GetUnknownPeriodReturnsProvisionalPlaceholder(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	req := httptest.NewRequest(http.MethodGet, "/admin/market-prices/2026-01", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view marketPriceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "2026-01", view.Period)
	require.Equal(t, "provisional", view.Status)
}

func TestMarketPrices_LockRequiresPost(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	req := httptest.NewRequest(http.MethodGet, "/admin/market-prices/2026-06/lock", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMarketPrices_ImportApplyRejectsMissingFile(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/market-prices/import/apply", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "EMPTY_FILE", body.ErrorCode)
}

func TestMarketPrices_ImportApplyRejectedWhenBulkImportKillSwitchTripped(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)
	application.KillSwitches.Set("bulk_import", true, "ops-bob", "vendor outage")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "prices.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("period,value,status,change_reason\n2026-07,3.1,final,backfill\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/market-prices/import/apply", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "KILL_SWITCH_TRIPPED", body.ErrorCode)
}

func TestMarketPrices_ImportPreviewAcceptsCSV(t *testing.T) {
	application := newTestApp(t)
	mux := NewHandler(application)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "prices.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("period,value,status,change_reason\n2026-07,3.1,final,backfill\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/market-prices/import/preview", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
