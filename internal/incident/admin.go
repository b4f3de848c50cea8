package incident

import (
	"context"
	"time"
)

// ListFilter bounds an admin incident query.
type ListFilter struct {
	TenantID string
	Status   Status
	Category string
	Severity string
	Page     int
	PageSize int
}

// ListResult is a page of incidents plus the total matching count.
type ListResult struct {
	Items []Incident
	Total int
}

// AdminRepository is the read/write-for-operators seam consulted by the
// admin HTTP surface: list/inspect incidents, acknowledge or manually
// resolve them, and record operator feedback for C14's calibration report.
type AdminRepository interface {
	List(ctx context.Context, f ListFilter) (ListResult, error)
	GetByID(ctx context.Context, id string) (*Incident, error)
	UpdateStatus(ctx context.Context, id string, status Status, reason ResolutionReason, actor string, now time.Time) error
	RecordFeedback(ctx context.Context, id string, feedback map[string]interface{}, now time.Time) error
}
