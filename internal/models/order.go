package models

import "time"

// OrderSnapshot is the server's current view of an order, used for conflict checks.
type OrderSnapshot struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchOrderResult is the server outcome for one order of a batch request.
type BatchOrderResult struct {
	OrderID int64  `json:"order_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult is the body returned by the batch pickup/delivery endpoints.
type BatchResult struct {
	Results []BatchOrderResult `json:"results"`
}

// Failed returns the ids of orders the server did not apply.
func (r *BatchResult) Failed() []int64 {
	if r == nil {
		return nil
	}
	var failed []int64
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res.OrderID)
		}
	}
	return failed
}
