// Package sync implements the reconciliation core of the reporting
// dashboard: a generic entity sync engine, per-domain coordinators that
// sequence entity syncs in dependency order, and the integration manager
// façade the rest of the application calls.
//
// The package contains three layers:
//
//   - [Engine] reconciles one collection between the local mirror and the
//     remote backend, driven by a declarative [model.Mapping].
//   - [OrgCoordinator], [ReportsCoordinator], and [ScorecardCoordinator]
//     order multiple engine calls per domain group and attach foreign-key
//     translation.
//   - [Manager] owns the initialization lifecycle, the full-sync ordering,
//     per-table mutations, and the UI-refresh signal.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/iravin/reportsync/internal/model"
)

// Direction selects which way data flows during a reconcile.
type Direction string

const (
	// DirectionToRemote pushes local records that have never been synced.
	DirectionToRemote Direction = "toRemote"
	// DirectionFromRemote pulls remote records missing locally.
	DirectionFromRemote Direction = "fromRemote"
	// DirectionBidirectional pushes fully, then pulls. The phases never
	// interleave.
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a wire-level direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionToRemote, DirectionFromRemote, DirectionBidirectional:
		return d, nil
	default:
		return "", fmt.Errorf("unknown sync direction %q", s)
	}
}

func (d Direction) pushes() bool {
	return d == DirectionToRemote || d == DirectionBidirectional
}

func (d Direction) pulls() bool {
	return d == DirectionFromRemote || d == DirectionBidirectional
}

// ErrSyncInProgress is returned when a sync is requested on a coordinator (or
// the manager) that already has one in flight. Calls are rejected, not
// queued; callers distinguish this from a no-op success with [errors.Is].
var ErrSyncInProgress = errors.New("sync already in progress")

// LocalStore is the keyed local mirror the engine reconciles against.
// Implemented by [localstore.Store].
type LocalStore interface {
	Get(ctx context.Context, name string) ([]model.Record, error)
	Set(ctx context.Context, name string, records []model.Record) error
	Add(ctx context.Context, name string, record model.Record) error
	Update(ctx context.Context, name string, id int64, patch model.Record) (model.Record, error)
	Delete(ctx context.Context, name string, id int64) error
}
