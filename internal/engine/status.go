package engine

import "stockreq/internal/domain"

// DeriveStatus computes the header status from the items. Cancelled is
// sticky; otherwise any pending item keeps the header pending, and a
// registered delivery decides between separated and delivered.
func DeriveStatus(h domain.Requisition, items []domain.RequisitionItem) domain.RequisitionStatus {
	if h.Status == domain.RequisitionCancelled {
		return domain.RequisitionCancelled
	}
	for _, it := range items {
		if it.Status == domain.ItemPending {
			return domain.RequisitionPending
		}
	}
	if h.DeliveredAt != nil {
		return domain.RequisitionDelivered
	}
	return domain.RequisitionSeparated
}
