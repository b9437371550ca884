package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

// Directory answers whether an actor holds a named role.
type Directory interface {
	HasRole(ctx context.Context, actor types.Actor, roleName string) (bool, error)
}

// Granter is a Directory that also records grants.
type Granter interface {
	Directory
	Grant(ctx context.Context, userID string, roleID uint64) error
	Revoke(ctx context.Context, userID string, roleID uint64) error
}

// shortCircuit resolves the cases that never need a lookup.
func shortCircuit(actor types.Actor, roleName string) (result, decided bool) {
	if actor.IsAdmin {
		return true, true
	}
	if actor.Anonymous() || roleName == "" {
		return false, true
	}
	return false, false
}

// StoreDirectory reads assignments straight from storage.
type StoreDirectory struct {
	store storage.Storage
}

// NewStoreDirectory creates a StoreDirectory.
func NewStoreDirectory(store storage.Storage) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// HasRole implements Directory.
func (d *StoreDirectory) HasRole(ctx context.Context, actor types.Actor, roleName string) (bool, error) {
	if ok, decided := shortCircuit(actor, roleName); decided {
		return ok, nil
	}
	roles, err := d.store.RolesOf(ctx, actor.ID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

// Grant implements Granter.
func (d *StoreDirectory) Grant(ctx context.Context, userID string, roleID uint64) error {
	return d.store.AssignRole(ctx, userID, roleID)
}

// Revoke implements Granter.
func (d *StoreDirectory) Revoke(ctx context.Context, userID string, roleID uint64) error {
	return d.store.RevokeRole(ctx, userID, roleID)
}

// modelText is an RBAC model whose only policy is the user-to-role grouping.
const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, r.obj)
`

// CasbinDirectory answers from an in-memory casbin enforcer mirrored from storage.
type CasbinDirectory struct {
	store    storage.Storage
	logger   *zap.Logger
	mu       sync.RWMutex
	enforcer *casbin.SyncedEnforcer
}

// NewCasbinDirectory builds the enforcer and loads every assignment.
func NewCasbinDirectory(ctx context.Context, store storage.Storage, logger *zap.Logger) (*CasbinDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CasbinDirectory{store: store, logger: logger}
	if err := d.Sync(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func newEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := casbinmodel.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse casbin model: %w", err)
	}
	return casbin.NewSyncedEnforcer(m)
}

// Sync rebuilds the enforcer from storage.
func (d *CasbinDirectory) Sync(ctx context.Context) error {
	roles, err := d.store.ListRoles(ctx)
	if err != nil {
		return err
	}
	names := make(map[uint64]string, len(roles))
	for _, r := range roles {
		names[r.ID] = r.Name
	}
	assignments, err := d.store.ListAssignments(ctx)
	if err != nil {
		return err
	}

	e, err := newEnforcer()
	if err != nil {
		return err
	}
	for _, a := range assignments {
		name, ok := names[a.RoleID]
		if !ok {
			d.logger.Warn("assignment references unknown role", zap.String("user", a.UserID), zap.Uint64("role_id", a.RoleID))
			continue
		}
		if _, err := e.AddRoleForUser(a.UserID, name); err != nil {
			return fmt.Errorf("failed to load grant %s/%s: %w", a.UserID, name, err)
		}
	}

	d.mu.Lock()
	d.enforcer = e
	d.mu.Unlock()
	d.logger.Info("role directory synced", zap.Int("roles", len(roles)), zap.Int("assignments", len(assignments)))
	return nil
}

func (d *CasbinDirectory) current() *casbin.SyncedEnforcer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enforcer
}

// HasRole implements Directory.
func (d *CasbinDirectory) HasRole(_ context.Context, actor types.Actor, roleName string) (bool, error) {
	if ok, decided := shortCircuit(actor, roleName); decided {
		return ok, nil
	}
	return d.current().HasRoleForUser(actor.ID, roleName)
}

// Grant writes the assignment to storage, then to the enforcer.
func (d *CasbinDirectory) Grant(ctx context.Context, userID string, roleID uint64) error {
	role, err := d.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := d.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	_, err = d.current().AddRoleForUser(userID, role.Name)
	return err
}

// Revoke removes the assignment from storage, then from the enforcer.
func (d *CasbinDirectory) Revoke(ctx context.Context, userID string, roleID uint64) error {
	role, err := d.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := d.store.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	_, err = d.current().DeleteRoleForUser(userID, role.Name)
	return err
}
