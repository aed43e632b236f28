package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stockreq/internal/config"
	"stockreq/internal/domain"
	"stockreq/internal/engine/auth"
	"stockreq/internal/events"
	"stockreq/internal/repo"
)

// DefaultActor is used when no actor is configured on the command line.
const DefaultActor = "local-user"

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ResolveStoreAndConfig picks the active store and makes sure it exists with
// a config, seeding it from the workspace stockreq.yml (or the defaults) on
// first use. It prefers the override, then the only store in the database.
func ResolveStoreAndConfig(ctx context.Context, workspace, storeOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	storeID := storeOverride
	if storeID == "" {
		s, err := r.SingleStore(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no store yet; run sr store init --store <id>")
			}
			return "", nil, err
		}
		storeID = s.ID
	}
	if _, err := r.GetStore(ctx, storeID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := InitStore(ctx, r, workspace, storeID, "", actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetStoreConfig(ctx, storeID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(storeID, "")
		if err := r.UpsertStoreConfig(ctx, storeID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed store config: %w", err)
		}
	}
	return storeID, cfg, nil
}

// seedConfig returns the workspace config retargeted at storeID, or the defaults.
func seedConfig(workspace, storeID, name string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(storeID, name), nil
	}
	cfg.Store.ID = storeID
	if name != "" {
		cfg.Store.Name = name
	}
	return cfg, nil
}

// InitStore creates a store with its config and roles, and grants the
// creator role to actorID.
func InitStore(ctx context.Context, r repo.Repo, workspace, storeID, name, actorID string) (domain.Store, error) {
	if strings.TrimSpace(storeID) == "" {
		return domain.Store{}, errors.New("store id required")
	}
	if actorID == "" {
		actorID = DefaultActor
	}
	cfg, err := seedConfig(workspace, storeID, name)
	if err != nil {
		return domain.Store{}, err
	}
	if cfg.Store.Name == "" {
		cfg.Store.Name = storeID
	}
	ts := now()
	s := domain.Store{ID: storeID, Name: cfg.Store.Name, CreatedAt: ts}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Store{}, err
	}
	defer tx.Rollback()
	if err := r.InsertStore(ctx, tx, s); err != nil {
		return domain.Store{}, fmt.Errorf("insert store: %w", err)
	}
	if err := r.UpsertStoreConfigTx(ctx, tx, storeID, cfg); err != nil {
		return domain.Store{}, fmt.Errorf("insert store config: %w", err)
	}
	if err := r.SyncRoles(ctx, tx, storeID, cfg); err != nil {
		return domain.Store{}, fmt.Errorf("seed roles: %w", err)
	}
	if err := r.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return domain.Store{}, fmt.Errorf("ensure actor: %w", err)
	}
	if cfg.RBAC.CreatorRole != "" {
		if err := r.AssignRole(ctx, tx, storeID, actorID, cfg.RBAC.CreatorRole); err != nil {
			return domain.Store{}, fmt.Errorf("assign creator role: %w", err)
		}
	}
	if err := r.Events.Append(ctx, tx, events.Entry{
		Type: events.StoreInitialized, StoreID: storeID, EntityKind: "store", EntityID: storeID, ActorID: actorID,
		Payload: events.EventPayload{"name": s.Name, "creator_role": cfg.RBAC.CreatorRole},
	}); err != nil {
		return domain.Store{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Store{}, err
	}
	return s, nil
}

func requireCapability(ctx context.Context, r repo.Repo, op, storeID, actorID string, caps ...domain.Capability) error {
	actor, err := auth.Service{Roles: r}.Resolve(ctx, storeID, actorID)
	if err != nil {
		return err
	}
	if !actor.Capabilities.HasAny(caps...) {
		names := make([]string, 0, len(caps))
		for _, c := range caps {
			names = append(names, string(c))
		}
		return auth.PermissionError{Operation: auth.Operation(op), ActorID: actorID, Reason: "capability " + strings.Join(names, " or ") + " required"}
	}
	return nil
}

// ImportConfig replaces the store config and resyncs role capabilities.
func ImportConfig(ctx context.Context, r repo.Repo, storeID, actorID string, cfg *config.Config) error {
	if err := requireCapability(ctx, r, "import_config", storeID, actorID, domain.CapAdminister); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertStoreConfigTx(ctx, tx, storeID, cfg); err != nil {
		return err
	}
	if err := r.SyncRoles(ctx, tx, storeID, cfg); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, events.Entry{
		Type: events.ConfigImported, StoreID: storeID, EntityKind: "store", EntityID: storeID, ActorID: actorID,
		Payload: events.EventPayload{"roles": len(cfg.RBAC.Roles), "webhooks": len(cfg.Webhooks)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AddProduct registers a catalog product used for item snapshots.
func AddProduct(ctx context.Context, r repo.Repo, actorID string, p domain.Product) (domain.Product, error) {
	if err := requireCapability(ctx, r, "add_product", p.StoreID, actorID, domain.CapManageStock); err != nil {
		return domain.Product{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()
	if err := r.InsertProduct(ctx, tx, p); err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.Entry{
		Type: events.ProductAdded, StoreID: p.StoreID, EntityKind: "product", EntityID: p.ID, ActorID: actorID,
		Payload: events.EventPayload{"name": p.Name, "unit": p.Unit},
	}); err != nil {
		return domain.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

// CreateAPIKey mints a key for actorID and stores only its hash. The raw key
// is returned once.
func CreateAPIKey(ctx context.Context, r repo.Repo, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, errors.New("actor id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "sr_" + hex.EncodeToString(buf)
	ts := now()
	key := domain.APIKey{ID: uuid.NewString(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(raw), CreatedAt: ts}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, ts); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := r.Events.Append(ctx, tx, events.Entry{
		Type: events.APIKeyCreated, EntityKind: "actor", EntityID: actorID, ActorID: actorID,
		Payload: events.EventPayload{"key_id": key.ID, "name": name},
	}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}
