package auth

import (
	"context"
	"errors"
	"fmt"

	"stockreq/internal/domain"
)

// Operation names the engine call being authorized.
type Operation string

const (
	OpCreateRequisition Operation = "create_requisition"
	OpSeparateItem      Operation = "separate_item"
	OpMarkShortage      Operation = "mark_shortage"
	OpCancelItem        Operation = "cancel_item"
	OpRegisterDelivery  Operation = "register_delivery"
	OpConfirmReceipt    Operation = "confirm_receipt"
	OpCancelRequisition Operation = "cancel_requisition"
	OpAdjustQuantity    Operation = "adjust_item_quantity"
	OpGrantRole         Operation = "grant_role"
	OpRevokeRole        Operation = "revoke_role"
)

// PermissionError indicates the actor may not perform the operation.
type PermissionError struct {
	Operation Operation
	ActorID   string
	Reason    string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("actor %s may not %s: %s", e.ActorID, e.Operation, e.Reason)
}

// AdjustWindow is the adjustment context selected by the item status.
type AdjustWindow int

const (
	WindowNone AdjustWindow = iota
	WindowPreDelivery
	WindowPostDelivery
)

// Check is everything the gate needs to decide. Fields that do not apply to
// an operation are ignored.
type Check struct {
	Operation   Operation
	Actor       domain.Actor
	RequesterID string
	Header      domain.RequisitionStatus
	Window      AdjustWindow
}

// Authorize is the permission gate. It reads no state besides its argument.
func Authorize(c Check) error {
	caps := c.Actor.Capabilities
	deny := func(reason string) error {
		return PermissionError{Operation: c.Operation, ActorID: c.Actor.ID, Reason: reason}
	}
	isRequester := c.Actor.ID != "" && c.Actor.ID == c.RequesterID
	switch c.Operation {
	case OpCreateRequisition:
		if !caps.Has(domain.CapRequest) {
			return deny("capability request required")
		}
	case OpSeparateItem, OpMarkShortage, OpCancelItem, OpRegisterDelivery:
		if !caps.Has(domain.CapManageStock) {
			return deny("capability manage_stock required")
		}
	case OpGrantRole, OpRevokeRole:
		if !caps.Has(domain.CapAdminister) {
			return deny("capability administer required")
		}
	case OpConfirmReceipt:
		if !isRequester {
			return deny("only the requester may confirm receipt")
		}
	case OpCancelRequisition:
		if caps.Has(domain.CapAdminister) {
			return nil
		}
		if !isRequester {
			return deny("capability administer required")
		}
		if c.Header != domain.RequisitionPending {
			return deny("the requester may only cancel a pending requisition")
		}
	case OpAdjustQuantity:
		switch c.Window {
		case WindowPreDelivery:
			if !isRequester && !caps.Has(domain.CapAdminister) {
				return deny("only the requester may adjust before delivery")
			}
		case WindowPostDelivery:
			if !caps.Has(domain.CapManageStock) {
				return deny("capability manage_stock required after delivery")
			}
		default:
			// The state check rejects the call; only hide it from strangers.
			if !isRequester && !caps.Has(domain.CapManageStock) {
				return deny("not allowed to adjust this item")
			}
		}
	default:
		return deny("unknown operation")
	}
	return nil
}

// CapabilityLister returns the raw capabilities granted to an actor in a store.
type CapabilityLister interface {
	ActorCapabilities(ctx context.Context, storeID, actorID string) ([]domain.Capability, error)
}

// Service resolves capability sets from the RBAC tables.
type Service struct {
	Roles CapabilityLister
}

// Resolve returns the actor with its capability set for the store.
func (s Service) Resolve(ctx context.Context, storeID, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, errors.New("actor_id required")
	}
	caps, err := s.Roles.ActorCapabilities(ctx, storeID, actorID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("resolve capabilities: %w", err)
	}
	valid := make([]domain.Capability, 0, len(caps))
	for _, c := range caps {
		if c.Valid() {
			valid = append(valid, c)
		}
	}
	return domain.Actor{ID: actorID, Capabilities: domain.NewCapabilitySet(valid...)}, nil
}
