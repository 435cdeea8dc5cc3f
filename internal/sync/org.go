package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// OrgCoordinator sequences the organizational collections: departments, then
// users. Users reference departments by name, so departments always
// reconcile first.
type OrgCoordinator struct {
	engine *Engine
	store  LocalStore
	data   remote.DataClient
	log    *slog.Logger
	state  syncState
}

// NewOrgCoordinator creates the departments+users coordinator.
func NewOrgCoordinator(engine *Engine, store LocalStore, data remote.DataClient, logger *slog.Logger) *OrgCoordinator {
	return &OrgCoordinator{engine: engine, store: store, data: data, log: logger}
}

// SyncDepartmentsAndUsers reconciles departments and then users in the given
// direction. A concurrent call returns [ErrSyncInProgress] immediately.
func (c *OrgCoordinator) SyncDepartmentsAndUsers(ctx context.Context, dir Direction) (GroupResult, error) {
	if err := c.state.begin(); err != nil {
		return nil, err
	}
	defer c.state.end()

	results := make(GroupResult, 2)

	depRes, err := c.engine.Reconcile(ctx, dir, model.Departments())
	results[model.CollectionDepartments] = depRes
	if err != nil {
		return results, fmt.Errorf("reconciling departments: %w", err)
	}

	userRes, err := c.engine.Reconcile(ctx, dir, model.Users())
	results[model.CollectionUsers] = userRes
	if err != nil {
		return results, fmt.Errorf("reconciling users: %w", err)
	}

	c.log.Info("departments and users reconciled",
		"direction", dir,
		"departments_synced", depRes.Synced,
		"users_synced", userRes.Synced,
	)
	return results, nil
}

// CreateDepartment creates the department remotely first and mirrors it
// locally on success. A failed remote insert leaves the mirror untouched.
func (c *OrgCoordinator) CreateDepartment(ctx context.Context, d model.Department) (model.Department, error) {
	m := model.Departments()
	rec := d.ToRecord()

	created, err := c.data.Insert(ctx, m.RemoteName, m.ToRemote(rec))
	if err != nil {
		return model.Department{}, fmt.Errorf("creating department %q remotely: %w", d.Name, err)
	}
	rec.SetRemoteID(created.String("id"))

	if err := c.store.Add(ctx, m.LocalName, rec); err != nil {
		return model.Department{}, fmt.Errorf("mirroring department %q: %w", d.Name, err)
	}
	return model.DepartmentFromRecord(rec), nil
}

// UpdateDepartment patches the department remotely first, then updates the
// mirror. Departments never pushed yet are patched locally only; the change
// reaches the backend on the next push.
func (c *OrgCoordinator) UpdateDepartment(ctx context.Context, localID int64, patch model.Record) (model.Department, error) {
	m := model.Departments()

	records, err := c.store.Get(ctx, m.LocalName)
	if err != nil {
		return model.Department{}, fmt.Errorf("reading departments: %w", err)
	}
	var rec model.Record
	for _, r := range records {
		if r.LocalID() == localID {
			rec = r
			break
		}
	}
	if rec == nil {
		return model.Department{}, fmt.Errorf("department %d: %w", localID, remote.ErrNotFound)
	}

	if remoteID := rec.RemoteID(); remoteID != "" {
		if _, err := c.data.Update(ctx, m.RemoteName, remoteID, m.ToRemote(patch)); err != nil {
			return model.Department{}, fmt.Errorf("updating department %d remotely: %w", localID, err)
		}
	}

	updated, err := c.store.Update(ctx, m.LocalName, localID, patch)
	if err != nil {
		return model.Department{}, fmt.Errorf("mirroring department %d update: %w", localID, err)
	}
	return model.DepartmentFromRecord(updated), nil
}

// DeleteDepartment removes the department remotely first, then locally. A
// failed remote delete leaves the local record intact and returns the error.
func (c *OrgCoordinator) DeleteDepartment(ctx context.Context, localID int64) error {
	return c.engine.DeleteAndPropagate(ctx, model.Departments(), localID)
}

// CreateUser creates the user remotely first (elevated — ordinary
// credentials cannot insert rows for other accounts) and mirrors it locally
// on success. Role and permissions travel verbatim.
func (c *OrgCoordinator) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	m := model.Users()
	rec := u.ToRecord()

	var created model.Record
	err := c.data.RunElevated(ctx, func(dc remote.DataClient) error {
		var ierr error
		created, ierr = dc.Insert(ctx, m.RemoteName, m.ToRemote(rec))
		return ierr
	})
	if err != nil {
		return model.User{}, fmt.Errorf("creating user %q remotely: %w", u.Email, err)
	}
	rec.SetRemoteID(created.String("id"))

	if err := c.store.Add(ctx, m.LocalName, rec); err != nil {
		return model.User{}, fmt.Errorf("mirroring user %q: %w", u.Email, err)
	}
	return model.UserFromRecord(rec), nil
}

// LastSync returns when the coordinator's most recent sync finished.
func (c *OrgCoordinator) LastSync() time.Time {
	return c.state.lastSync()
}
