// Package remote defines the contracts every remote backend must implement:
// a relational CRUD client and a blob-store client. The supabase and
// backendless packages provide the two implementations; the sync engine and
// coordinators depend only on these interfaces.
//
// Records returned by a [DataClient] always carry the backend's native
// identifier normalised under the "id" key, regardless of what the backend
// calls it on the wire.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/iravin/reportsync/internal/model"
)

// ErrTableMissing marks reads against a table that has not been provisioned
// on the remote backend yet. Callers syncing optional tables substitute an
// Absent result instead of failing.
var ErrTableMissing = errors.New("remote table not provisioned")

// ErrNotFound marks lookups of a record id that does not exist remotely.
var ErrNotFound = errors.New("remote record not found")

// Query narrows a table read.
type Query struct {
	// Filter holds equality conditions, column → value.
	Filter map[string]string

	// Select limits the returned columns. Empty means all.
	Select []string

	// OrderBy names the sort column; Descending flips the direction.
	OrderBy    string
	Descending bool

	// Limit caps the number of rows. Zero means no cap.
	Limit int
}

// DataClient is the CRUD surface of a remote relational/BaaS store.
type DataClient interface {
	Get(ctx context.Context, table string, q Query) ([]model.Record, error)
	GetByID(ctx context.Context, table, id string) (model.Record, error)
	Insert(ctx context.Context, table string, record model.Record) (model.Record, error)
	Update(ctx context.Context, table, id string, patch model.Record) (model.Record, error)
	Delete(ctx context.Context, table, id string) error
	Upsert(ctx context.Context, table string, records []model.Record, conflictKey string) ([]model.Record, error)

	// RunElevated executes fn with row-level authorization bypassed.
	// Elevated mode is always disabled again when fn returns, success or
	// not.
	RunElevated(ctx context.Context, fn func(DataClient) error) error
}

// FileInfo describes an uploaded blob.
type FileInfo struct {
	Path        string
	URL         string
	Size        int64
	ContentType string
}

// FileClient is the blob-store surface of a remote backend.
type FileClient interface {
	Upload(ctx context.Context, folder, name, contentType string, data []byte) (FileInfo, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, folder string) ([]FileInfo, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Optional is the result of reading a table that may not exist yet. It keeps
// "empty table" distinct from "table not provisioned".
type Optional struct {
	Present bool
	Records []model.Record
}

// Present wraps records read from a provisioned table.
func Present(records []model.Record) Optional {
	return Optional{Present: true, Records: records}
}

// Absent is the result for an unprovisioned table.
func Absent() Optional {
	return Optional{}
}

// GetOptional reads a table, converting [ErrTableMissing] into Absent.
// Any other error is returned unchanged.
func GetOptional(ctx context.Context, dc DataClient, table string, q Query) (Optional, error) {
	records, err := dc.Get(ctx, table, q)
	if errors.Is(err, ErrTableMissing) {
		return Absent(), nil
	}
	if err != nil {
		return Optional{}, err
	}
	return Present(records), nil
}
