package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stockreq/internal/domain"
	"stockreq/internal/engine/auth"
)

// QuantityRules holds the numeric limits applied to every quantity.
type QuantityRules struct {
	MaxDecimalPlaces int32
}

func (q QuantityRules) checkPositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return ValidationError{Field: field, Reason: "must be greater than zero"}
	}
	if q.MaxDecimalPlaces >= 0 && !v.Equal(v.Truncate(q.MaxDecimalPlaces)) {
		return ValidationError{Field: field, Reason: fmt.Sprintf("at most %d decimal places", q.MaxDecimalPlaces)}
	}
	return nil
}

// CheckRequested validates a requested quantity at creation.
func (q QuantityRules) CheckRequested(v decimal.Decimal) error {
	return q.checkPositive("requested_qty", v)
}

// CheckSeparation enforces 0 < separated <= requested.
func (q QuantityRules) CheckSeparation(it domain.RequisitionItem, separated decimal.Decimal) error {
	if err := q.checkPositive("separated_qty", separated); err != nil {
		return err
	}
	if separated.GreaterThan(it.RequestedQty) {
		return ValidationError{Field: "separated_qty", Reason: fmt.Sprintf("%s exceeds requested %s", separated, it.RequestedQty)}
	}
	return nil
}

// CheckAdjustInput validates the parts of an adjustment that do not depend on item state.
func (q QuantityRules) CheckAdjustInput(newQty decimal.Decimal, justification string) error {
	if strings.TrimSpace(justification) == "" {
		return ValidationError{Field: "justification", Reason: "required"}
	}
	return q.checkPositive("new_requested_qty", newQty)
}

// AdjustWindow picks the adjustment context from the item status, or
// reports a conflict when the item cannot be adjusted.
func AdjustWindow(h domain.Requisition, it domain.RequisitionItem) (auth.AdjustWindow, error) {
	switch it.Status {
	case domain.ItemSeparated:
		return auth.WindowPreDelivery, nil
	case domain.ItemDelivered:
		if h.ConfirmedAt != nil {
			return auth.WindowNone, StateConflictError{Entity: "item", ID: it.ID, Reason: "receipt already confirmed"}
		}
		return auth.WindowPostDelivery, nil
	}
	return auth.WindowNone, StateConflictError{Entity: "item", ID: it.ID, Reason: fmt.Sprintf("cannot adjust an item in status %s", it.Status)}
}

// CheckAdjustBounds enforces the already-committed quantity for the window.
func CheckAdjustBounds(w auth.AdjustWindow, it domain.RequisitionItem, newQty decimal.Decimal) error {
	switch w {
	case auth.WindowPreDelivery:
		if newQty.LessThan(it.SeparatedQty) {
			return ValidationError{Field: "new_requested_qty", Reason: fmt.Sprintf("%s is below separated %s", newQty, it.SeparatedQty)}
		}
	case auth.WindowPostDelivery:
		if newQty.GreaterThan(it.DeliveredQty) {
			return ValidationError{Field: "new_requested_qty", Reason: fmt.Sprintf("%s exceeds delivered %s", newQty, it.DeliveredQty)}
		}
		// separated <= requested still holds after delivery.
		if newQty.LessThan(it.SeparatedQty) {
			return ValidationError{Field: "new_requested_qty", Reason: fmt.Sprintf("%s is below separated %s", newQty, it.SeparatedQty)}
		}
	}
	return nil
}

// adjustNote is appended to item observations for the audit trail.
func adjustNote(oldQty, newQty decimal.Decimal, justification string) string {
	return fmt.Sprintf("[adjust %s -> %s] %s", oldQty, newQty, strings.TrimSpace(justification))
}

func appendObservation(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
