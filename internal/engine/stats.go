package engine

import "stockreq/internal/domain"

// ProjectStats counts requisitions and items of a store. When actorID is set
// the same header counts are computed for the requisitions it requested.
func ProjectStats(storeID string, aggs []domain.Aggregate, actorID string) domain.Stats {
	s := domain.Stats{StoreID: storeID, Items: map[string]int{}}
	for _, st := range []domain.ItemStatus{domain.ItemPending, domain.ItemSeparated, domain.ItemDelivered, domain.ItemShortage, domain.ItemCancelled} {
		s.Items[string(st)] = 0
	}
	var mine *domain.ActorStats
	if actorID != "" {
		mine = &domain.ActorStats{ActorID: actorID}
	}
	for _, agg := range aggs {
		countHeader(&s.Pending, &s.Separated, &s.Delivered, &s.Cancelled, &s.AwaitingConfirmation, agg.Requisition)
		if mine != nil && agg.RequesterID == actorID {
			countHeader(&mine.Pending, &mine.Separated, &mine.Delivered, &mine.Cancelled, &mine.AwaitingConfirmation, agg.Requisition)
		}
		for _, it := range agg.Items {
			s.Items[string(it.Status)]++
		}
	}
	s.Mine = mine
	return s
}

func countHeader(pending, separated, delivered, cancelled, awaiting *int, h domain.Requisition) {
	switch h.Status {
	case domain.RequisitionPending:
		*pending++
	case domain.RequisitionSeparated:
		*separated++
	case domain.RequisitionDelivered:
		*delivered++
		if h.ConfirmedAt == nil {
			*awaiting++
		}
	case domain.RequisitionCancelled:
		*cancelled++
	}
}
