package repo

import (
	"context"
	"database/sql"
	"sort"

	"stockreq/internal/config"
	"stockreq/internal/domain"
	"stockreq/internal/events"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, storeID, roleID, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(store_id, id, description) VALUES (?,?,?)
ON CONFLICT(store_id, id) DO UPDATE SET description=excluded.description`, storeID, roleID, nullable(desc))
	return err
}

func (r Repo) AddRoleCapability(ctx context.Context, tx *sql.Tx, storeID, roleID string, c domain.Capability) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_capabilities(store_id, role_id, capability) VALUES (?,?,?)`, storeID, roleID, string(c))
	return err
}

// SyncRoles replaces the store's role capabilities with the ones declared in cfg.
// Actor assignments to roles that still exist are kept.
func (r Repo) SyncRoles(ctx context.Context, tx *sql.Tx, storeID string, cfg *config.Config) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_capabilities WHERE store_id=?`, storeID); err != nil {
		return err
	}
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.UpsertRole(ctx, tx, storeID, id, role.Description); err != nil {
			return err
		}
		for _, c := range role.Capabilities {
			if err := r.AddRoleCapability(ctx, tx, storeID, id, domain.Capability(c)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) RoleExists(ctx context.Context, storeID, roleID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE store_id=? AND id=?`, storeID, roleID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, storeID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(store_id, actor_id, role_id) VALUES (?,?,?)`, storeID, actorID, roleID)
	return err
}

// ActorRoles lists the role ids an actor holds in a store.
func (r Repo) ActorRoles(ctx context.Context, storeID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE store_id=? AND actor_id=? ORDER BY role_id`, storeID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ActorCapabilities resolves the capabilities granted to an actor through its roles.
func (r Repo) ActorCapabilities(ctx context.Context, storeID, actorID string) ([]domain.Capability, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT rc.capability FROM actor_roles ar
JOIN role_capabilities rc ON rc.store_id=ar.store_id AND rc.role_id=ar.role_id
WHERE ar.store_id=? AND ar.actor_id=? ORDER BY rc.capability`, storeID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var caps []domain.Capability
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, domain.Capability(c))
	}
	return caps, rows.Err()
}

// GrantRole assigns a role and records the event in one transaction.
func (r Repo) GrantRole(ctx context.Context, storeID, actorID, roleID, now string, evt events.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		if err := r.AssignRole(ctx, tx, storeID, actorID, roleID); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

// RevokeRole removes a role assignment; ErrNotFound if it was not held.
func (r Repo) RevokeRole(ctx context.Context, storeID, actorID, roleID string, evt events.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE store_id=? AND actor_id=? AND role_id=?`, storeID, actorID, roleID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.Events.Append(ctx, tx, evt)
	})
}
