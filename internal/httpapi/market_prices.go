package httpapi

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/r3e-network/invoice-qa-engine/infrastructure/utils"
	"github.com/r3e-network/invoice-qa-engine/internal/bulkimport"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
)

// maxImportBytes bounds a bulk-import multipart body (spec §4.8 has no
// explicit ceiling; a generous file size keeps the admin surface from
// being used as an unbounded upload sink).
const maxImportBytes = 10 << 20 // 10 MiB

func (h *handler) marketPrices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listMarketPrices(w, r)
	case http.MethodPost:
		h.upsertMarketPrice(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) listMarketPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(strings.TrimSpace(q.Get("page")))
	pageSize, err := parseLimitParam(q.Get("page_size"), 25)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_SORT_FIELD", err.Error())
		return
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := marketprice.ListFilter{
		PriceType:  strings.TrimSpace(q.Get("price_type")),
		Status:     marketprice.Status(strings.TrimSpace(q.Get("status"))),
		FromPeriod: strings.TrimSpace(q.Get("from_period")),
		ToPeriod:   strings.TrimSpace(q.Get("to_period")),
		SortBy:     strings.TrimSpace(q.Get("sort")),
		SortDesc:   strings.EqualFold(strings.TrimSpace(q.Get("order")), "desc"),
		Page:       page,
		PageSize:   pageSize,
	}

	result, err := h.app.MarketPrices.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]marketPriceView, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, toMarketPriceView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "total": result.Total, "page": filter.Page, "page_size": filter.PageSize, "items": items,
	})
}

// marketPriceView is the response shape for a single record (spec §6).
type marketPriceView struct {
	Period     string  `json:"period"`
	PTFValue   float64 `json:"ptf_value"`
	Status     string  `json:"status"`
	CapturedAt string  `json:"captured_at"`
	IsLocked   bool    `json:"is_locked"`
	UpdatedBy  string  `json:"updated_by"`
	UpdatedAt  string  `json:"updated_at"`
}

func toMarketPriceView(r marketprice.Record) marketPriceView {
	return marketPriceView{
		Period: r.Period, PTFValue: r.Value, Status: string(r.Status),
		CapturedAt: r.CapturedAt.UTC().Format(rfc3339), IsLocked: r.IsLocked,
		UpdatedBy: r.UpdatedBy, UpdatedAt: r.UpdatedAt.UTC().Format(rfc3339),
	}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

// marketPricePeriod handles /admin/market-prices/{period} and the
// /lock, /unlock sub-resources. History is served by marketPriceHistory
// at /admin/market-prices/history?period=...; {period}/history is a 404.
func (h *handler) marketPricePeriod(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/market-prices"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	period := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.getMarketPrice(w, r, period)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "lock":
			h.setMarketPriceLock(w, r, period, true)
		case "unlock":
			h.setMarketPriceLock(w, r, period, false)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (h *handler) getMarketPrice(w http.ResponseWriter, r *http.Request, period string) {
	priceType := utils.Coalesce(strings.TrimSpace(r.URL.Query().Get("price_type")), marketprice.DefaultPriceType)
	result, err := h.app.MarketPrices.List(r.Context(), marketprice.ListFilter{
		PriceType: priceType, FromPeriod: period, ToPeriod: period, Page: 1, PageSize: 1,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(result.Items) == 0 {
		writeJSON(w, http.StatusOK, marketPriceView{Period: period, Status: string(marketprice.StatusProvisional)})
		return
	}
	writeJSON(w, http.StatusOK, toMarketPriceView(result.Items[0]))
}

func (h *handler) setMarketPriceLock(w http.ResponseWriter, r *http.Request, period string, locked bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	priceType := utils.Coalesce(strings.TrimSpace(r.URL.Query().Get("price_type")), marketprice.DefaultPriceType)
	if _, err := h.app.MarketPrices.SetLocked(r.Context(), priceType, period, locked); err != nil {
		writeError(w, err)
		return
	}
	action := "unlocked"
	if locked {
		action = "locked"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": fmt.Sprintf("period %s %s", period, action)})
}

func (h *handler) marketPriceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	period := strings.TrimSpace(r.URL.Query().Get("period"))
	priceType := utils.Coalesce(strings.TrimSpace(r.URL.Query().Get("price_type")), marketprice.DefaultPriceType)
	if period == "" {
		writeErrorCode(w, http.StatusBadRequest, "PERIOD_NOT_FOUND", "period query parameter is required")
		return
	}

	entries, err := h.app.MarketPrices.History(r.Context(), priceType, period)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id": e.ID, "action": e.Action, "old_value": e.OldValue, "new_value": e.NewValue,
			"old_status": e.OldStatus, "new_status": e.NewStatus, "change_reason": e.ChangeReason,
			"updated_by": e.UpdatedBy, "source": e.Source, "created_at": e.CreatedAt.UTC().Format(rfc3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "period": period, "price_type": priceType, "history": out,
	})
}

// upsertMarketPriceRequest is the POST /admin/market-prices body.
type upsertMarketPriceRequest struct {
	Period       string `json:"period"`
	Value        string `json:"value"`
	PriceType    string `json:"price_type"`
	Status       string `json:"status"`
	SourceNote   string `json:"source_note"`
	ChangeReason string `json:"change_reason"`
	ForceUpdate  bool   `json:"force_update"`
}

func (h *handler) upsertMarketPrice(w http.ResponseWriter, r *http.Request) {
	var body upsertMarketPriceRequest
	if err := decodeJSON(r.Body, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}

	in, warnings, err := marketprice.Normalize(marketprice.RawInput{
		PriceType: body.PriceType, Period: body.Period, Value: fmt.Sprintf("%v", body.Value),
		Status: body.Status, ChangeReason: body.ChangeReason, ForceUpdate: body.ForceUpdate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	in.Actor = actorFromCtx(r.Context())

	result, err := h.app.MarketPrices.Upsert(r.Context(), in, marketprice.SourceEpiasManual, warnings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "action": result.Action, "period": result.Record.Period, "warnings": result.Warnings,
	})
}

func (h *handler) marketPriceImportPreview(w http.ResponseWriter, r *http.Request) {
	data, format, ok := h.readImportFile(w, r)
	if !ok {
		return
	}
	rows, err := parseImportFile(data, format)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	preview, err := h.app.BulkImport.Preview(r.Context(), rows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "preview": preview})
}

func (h *handler) marketPriceImportApply(w http.ResponseWriter, r *http.Request) {
	if err := h.app.KillSwitches.Guard("bulk_import"); err != nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "KILL_SWITCH_TRIPPED", err.Error())
		return
	}
	data, format, ok := h.readImportFile(w, r)
	if !ok {
		return
	}
	rows, err := parseImportFile(data, format)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	strictMode := strings.EqualFold(strings.TrimSpace(r.FormValue("strict_mode")), "true")
	result, err := h.app.BulkImport.Apply(r.Context(), rows, strictMode, actorFromCtx(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "result": result})
}

// readImportFile extracts the uploaded multipart file and reports its
// chosen parse format; on failure it writes the error response itself and
// returns ok=false.
func (h *handler) readImportFile(w http.ResponseWriter, r *http.Request) (data []byte, format string, ok bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, "", false
	}
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, "", false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "EMPTY_FILE", "multipart field 'file' is required")
		return nil, "", false
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, maxImportBytes))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, "", false
	}
	if len(data) == 0 {
		writeErrorCode(w, http.StatusBadRequest, "EMPTY_FILE", "uploaded file is empty")
		return nil, "", false
	}
	return data, importFormat(header, r.FormValue("format")), true
}

func importFormat(header *multipart.FileHeader, explicit string) string {
	if f := strings.ToLower(strings.TrimSpace(explicit)); f == "csv" || f == "json" {
		return f
	}
	if strings.HasSuffix(strings.ToLower(header.Filename), ".json") {
		return "json"
	}
	return "csv"
}

func parseImportFile(data []byte, format string) ([]bulkimport.Row, error) {
	if format == "json" {
		return bulkimport.ParseJSON(data)
	}
	return bulkimport.ParseCSV(data)
}
