package core

import "time"

// BatchStatus summarizes a finished batch.
type BatchStatus string

const (
	BatchSucceeded BatchStatus = "succeeded"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
	BatchEmpty     BatchStatus = "empty"
)

// ItemResult captures the outcome for a single item.
type ItemResult struct {
	Item     Item      `json:"item"`
	State    ItemState `json:"state"`
	Resource *Resource `json:"resource,omitempty"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"error_kind,omitempty"`
	Attempts int       `json:"attempts"`
}

// BatchResult aggregates a whole upload call. Resources holds the merged,
// de-duplicated set in first-seen order.
type BatchResult struct {
	ID          string       `json:"id"`
	Provider    string       `json:"provider"`
	Destination *Destination `json:"destination,omitempty"`
	Items       []ItemResult `json:"items"`
	Resources   []Resource   `json:"resources"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Total       int          `json:"total"`
	Aborted     bool         `json:"aborted,omitempty"`
	AbortReason string       `json:"abort_reason,omitempty"`
	// DestinationError reports a grouping step that failed after the
	// files themselves were stored.
	DestinationError string `json:"destination_error,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Status distinguishes total success, partial success and total failure.
func (b *BatchResult) Status() BatchStatus {
	if b == nil || b.Total == 0 {
		return BatchEmpty
	}
	switch {
	case b.Succeeded == b.Total:
		return BatchSucceeded
	case b.Succeeded > 0:
		return BatchPartial
	default:
		return BatchFailed
	}
}
