package redemption

import (
	"fmt"
	"strconv"

	"rewards-core/pkg/errutil"
)

// InsufficientPointsError carries both amounts so callers can show how many
// more points are needed.
type InsufficientPointsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Shortfall() int64 {
	return e.Required - e.Available
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required %d, available %d, need %d more", e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientPointsError) Status() errutil.CoreStatus {
	return errutil.StatusInsufficientPoints
}

func (e *InsufficientPointsError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":      errutil.StatusInsufficientPoints,
			"message":   e.Error(),
			"required":  e.Required,
			"available": e.Available,
			"shortfall": e.Shortfall(),
			"details": []errutil.Detail{
				{Field: "points", Message: "need " + strconv.FormatInt(e.Shortfall(), 10) + " more points"},
			},
		},
	}
}

// FinalStateError is returned for any mutation of a completed, cancelled or
// expired transaction.
type FinalStateError struct {
	TransactionID string
	Current       Status
	Action        string
}

func (e *FinalStateError) Error() string {
	return fmt.Sprintf("redemption %s cannot be %s: it is already %s and final transactions are immutable", e.TransactionID, e.Action, e.Current)
}

func (e *FinalStateError) Status() errutil.CoreStatus {
	return errutil.StatusValidationFailed
}

func (e *FinalStateError) JSON() interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":           errutil.StatusValidationFailed,
			"message":        e.Error(),
			"transaction_id": e.TransactionID,
			"status":         e.Current,
		},
	}
}
