package domain

import "fmt"

// DispatchStatus mirrors a settled promise: every recipient either got the
// message or did not.
type DispatchStatus string

const (
	DispatchFulfilled DispatchStatus = "fulfilled"
	DispatchRejected  DispatchStatus = "rejected"
)

// DispatchResult is the per-recipient outcome of a send. It is never persisted.
type DispatchResult struct {
	Recipient string         `json:"recipient"`
	Status    DispatchStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// Summarize counts fulfilled and rejected results.
func Summarize(results []DispatchResult) (fulfilled, rejected int) {
	for _, r := range results {
		if r.Status == DispatchFulfilled {
			fulfilled++
		} else {
			rejected++
		}
	}
	return fulfilled, rejected
}

// SummaryMessage renders the counts the way the send endpoint reports them.
func SummaryMessage(results []DispatchResult) string {
	ok, failed := Summarize(results)
	return fmt.Sprintf("Messages sent. Successful: %d, Failed: %d", ok, failed)
}
