package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RequisitionCreated   = "requisition.created"
	RequisitionDelivered = "requisition.delivered"
	RequisitionConfirmed = "requisition.confirmed"
	RequisitionCancelled = "requisition.cancelled"
	ItemSeparated        = "item.separated"
	ItemShortage         = "item.shortage"
	ItemCancelled        = "item.cancelled"
	ItemQuantityAdjusted = "item.quantity_adjusted"
	StoreInitialized     = "store.init"
	ConfigImported       = "store.config_imported"
	ProductAdded         = "product.added"
	RoleGranted          = "rbac.role_granted"
	RoleRevoked          = "rbac.role_revoked"
	APIKeyCreated        = "rbac.api_key_created"
)

type EventPayload map[string]any

// Entry is an audit event waiting to be written alongside the change it describes.
type Entry struct {
	Type       string
	StoreID    string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.Type == "" {
		return fmt.Errorf("event type required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,store_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.StoreID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
