package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/r3e-network/invoice-qa-engine/internal/depguard"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
	"github.com/r3e-network/invoice-qa-engine/internal/taxonomy"
)

// decodeJSON reads a single JSON value from body into v, rejecting trailing
// garbage after the value.
func decodeJSON(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// errorBody is the uniform error response shape (spec §6).
type errorBody struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Field     string                 `json:"field,omitempty"`
	RowIndex  *int                   `json:"row_index,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError classifies err into an error_code and HTTP status per the
// closed enum in spec §4.6/§6, then writes the uniform error body.
func writeError(w http.ResponseWriter, err error) {
	code, status, msg := classifyError(err)
	writeJSON(w, status, errorBody{Status: "error", ErrorCode: code, Message: msg})
}

// writeErrorCode writes a caller-chosen error_code/status directly, for
// handler-local failures that don't originate from a domain error value
// (missing path parameters, bad JSON, malformed query args).
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: "error", ErrorCode: code, Message: message})
}

func classifyError(err error) (code string, status int, message string) {
	var ve *marketprice.ValidationError
	if errors.As(err, &ve) {
		return ve.Code, http.StatusBadRequest, ve.Message
	}

	switch {
	case errors.Is(err, marketprice.ErrPeriodLocked):
		return "PERIOD_LOCKED", http.StatusConflict, err.Error()
	case errors.Is(err, marketprice.ErrFinalRecordProtected):
		return "FINAL_RECORD_PROTECTED", http.StatusConflict, err.Error()
	case errors.Is(err, marketprice.ErrStatusDowngradeForbidden):
		return "STATUS_DOWNGRADE_FORBIDDEN", http.StatusConflict, err.Error()
	case errors.Is(err, marketprice.ErrChangeReasonRequired):
		return "CHANGE_REASON_REQUIRED", http.StatusBadRequest, err.Error()
	case errors.Is(err, marketprice.ErrPeriodNotFound):
		return "PERIOD_NOT_FOUND", http.StatusNotFound, err.Error()
	case errors.Is(err, marketprice.ErrFuturePeriod):
		return "FUTURE_PERIOD", http.StatusBadRequest, err.Error()
	case errors.Is(err, marketprice.ErrInvalidSortField):
		return "INVALID_SORT_FIELD", http.StatusBadRequest, err.Error()
	case errors.Is(err, marketprice.ErrInvalidSortOrder):
		return "INVALID_SORT_ORDER", http.StatusBadRequest, err.Error()
	case errors.Is(err, depguard.ErrCircuitOpen):
		return "CIRCUIT_OPEN", http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, depguard.ErrDependencyTimeout) || errors.Is(err, context.DeadlineExceeded):
		return "DEPENDENCY_TIMEOUT", http.StatusGatewayTimeout, err.Error()
	case taxonomy.CountsAgainstBreaker(err):
		return "DEPENDENCY_ERROR", http.StatusBadGateway, err.Error()
	}

	return "DEPENDENCY_ERROR", http.StatusInternalServerError, err.Error()
}
