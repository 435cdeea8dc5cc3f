package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// ReportsCoordinator sequences the reporting collections: the three lookup
// tables (report types, frequencies, formats) strictly before reports, which
// hold foreign keys into all three. The order is fixed by construction, not
// detected at runtime.
type ReportsCoordinator struct {
	engine *Engine
	store  LocalStore
	data   remote.DataClient
	files  remote.FileClient
	log    *slog.Logger
	state  syncState
}

// NewReportsCoordinator creates the reports+reference-tables coordinator.
func NewReportsCoordinator(engine *Engine, store LocalStore, data remote.DataClient, files remote.FileClient, logger *slog.Logger) *ReportsCoordinator {
	return &ReportsCoordinator{engine: engine, store: store, data: data, files: files, log: logger}
}

// SyncAll reconciles reportTypes → frequencies → formats → reports in the
// given direction. Reports sync last so every foreign key they carry can be
// translated against freshly reconciled reference tables. A concurrent call
// returns [ErrSyncInProgress] immediately.
func (c *ReportsCoordinator) SyncAll(ctx context.Context, dir Direction) (GroupResult, error) {
	if err := c.state.begin(); err != nil {
		return nil, err
	}
	defer c.state.end()

	results := make(GroupResult, 4)

	for _, m := range []model.Mapping{model.ReportTypes(), model.Frequencies(), model.Formats()} {
		res, err := c.engine.Reconcile(ctx, dir, m)
		results[m.LocalName] = res
		if err != nil {
			return results, fmt.Errorf("reconciling %s: %w", m.LocalName, err)
		}
	}

	reportsMapping, err := c.reportsMapping(ctx)
	if err != nil {
		return results, err
	}
	res, err := c.engine.Reconcile(ctx, dir, reportsMapping)
	results[model.CollectionReports] = res
	if err != nil {
		return results, fmt.Errorf("reconciling reports: %w", err)
	}

	c.log.Info("reports data reconciled", "direction", dir, "synced", results.Synced())
	return results, nil
}

// reportsMapping wraps the base reports mapping with foreign-key translation
// against the current department and report-type mirrors.
func (c *ReportsCoordinator) reportsMapping(ctx context.Context) (model.Mapping, error) {
	deptToRemote, deptToLocal, err := c.fkTable(ctx, model.CollectionDepartments)
	if err != nil {
		return model.Mapping{}, err
	}
	typeToRemote, typeToLocal, err := c.fkTable(ctx, model.CollectionReportTypes)
	if err != nil {
		return model.Mapping{}, err
	}

	m := model.Reports()
	m = m.WithToRemote(func(r model.Record) model.Record {
		out := r.Clone()
		if rid, ok := deptToRemote[r.Int("department_id")]; ok {
			out["department_id"] = rid
		}
		if rid, ok := typeToRemote[r.Int("report_type_id")]; ok {
			out["report_type_id"] = rid
		}
		return out
	})
	m = m.WithFromRemote(func(r model.Record) model.Record {
		out := r.Clone()
		if lid, ok := deptToLocal[r.String("departmentId")]; ok {
			out["departmentId"] = lid
		}
		if lid, ok := typeToLocal[r.String("reportTypeId")]; ok {
			out["reportTypeId"] = lid
		}
		return out
	})
	return m, nil
}

// fkTable builds both directions of a local-id ↔ remote-id lookup for one
// collection.
func (c *ReportsCoordinator) fkTable(ctx context.Context, collection string) (map[int64]string, map[string]int64, error) {
	records, err := c.store.Get(ctx, collection)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s for foreign-key translation: %w", collection, err)
	}
	toRemote := make(map[int64]string, len(records))
	toLocal := make(map[string]int64, len(records))
	for _, r := range records {
		if rid := r.RemoteID(); rid != "" {
			toRemote[r.LocalID()] = rid
			toLocal[rid] = r.LocalID()
		}
	}
	return toRemote, toLocal, nil
}

// FileUpload is one attachment handed to [ReportsCoordinator.CreateReport].
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileOutcome reports one attachment's upload result. Err is nil on success.
type FileOutcome struct {
	Name string
	Info remote.FileInfo
	Err  error
}

// CreateReport creates the report record remotely first so its id exists,
// uploads each attachment under reports/<remoteId>/<filename>, then patches
// the report with the first successful upload's URL.
//
// File uploads are tolerated per file: the report exists with whatever files
// succeeded, and the caller receives a per-file outcome list rather than a
// single boolean. Only the initial record insert is fatal.
func (c *ReportsCoordinator) CreateReport(ctx context.Context, rep model.Report, files []FileUpload) (model.Report, []FileOutcome, error) {
	m, err := c.reportsMapping(ctx)
	if err != nil {
		return model.Report{}, nil, err
	}

	if rep.Date.IsZero() {
		rep.Date = time.Now().UTC()
	}
	if rep.Status == "" {
		rep.Status = "submitted"
	}
	rec := rep.ToRecord()

	created, err := c.data.Insert(ctx, m.RemoteName, m.ToRemote(rec))
	if err != nil {
		return model.Report{}, nil, fmt.Errorf("creating report %q remotely: %w", rep.FileName, err)
	}
	remoteID := created.String("id")
	rec.SetRemoteID(remoteID)

	folder := "reports/" + remoteID
	if remoteID == "" {
		// No usable id from the backend; still give the files a unique home.
		folder = "reports/" + uuid.NewString()
	}

	outcomes := make([]FileOutcome, 0, len(files))
	var primaryURL string
	for _, f := range files {
		info, err := c.files.Upload(ctx, folder, f.Name, f.ContentType, f.Data)
		if err != nil {
			c.log.Error("report file upload failed", "report", remoteID, "file", f.Name, "error", err)
			outcomes = append(outcomes, FileOutcome{Name: f.Name, Err: err})
			continue
		}
		outcomes = append(outcomes, FileOutcome{Name: f.Name, Info: info})
		if primaryURL == "" {
			primaryURL = info.URL
		}
	}

	if primaryURL != "" {
		rec["fileUrl"] = primaryURL
		if remoteID != "" {
			if _, err := c.data.Update(ctx, m.RemoteName, remoteID, model.Record{"report_url": primaryURL}); err != nil {
				c.log.Error("patching report URL failed", "report", remoteID, "error", err)
			}
		}
	}

	if err := c.store.Add(ctx, m.LocalName, rec); err != nil {
		return model.Report{}, outcomes, fmt.Errorf("mirroring report %q: %w", rep.FileName, err)
	}

	rep.LocalID = rec.LocalID()
	rep.RemoteID = remoteID
	rep.FileURL = primaryURL
	return rep, outcomes, nil
}

// DeleteReport removes the report remotely first, then locally, and then
// clears its uploaded files. File cleanup failures are logged, not fatal:
// the record delete already propagated.
func (c *ReportsCoordinator) DeleteReport(ctx context.Context, localID int64) error {
	records, err := c.store.Get(ctx, model.CollectionReports)
	if err != nil {
		return fmt.Errorf("reading reports: %w", err)
	}
	var remoteID string
	for _, r := range records {
		if r.LocalID() == localID {
			remoteID = r.RemoteID()
			break
		}
	}

	if err := c.engine.DeleteAndPropagate(ctx, model.Reports(), localID); err != nil {
		return err
	}

	if remoteID != "" {
		folder := "reports/" + remoteID
		infos, err := c.files.List(ctx, folder)
		if err != nil {
			c.log.Error("listing report files for cleanup failed", "report", remoteID, "error", err)
			return nil
		}
		for _, info := range infos {
			if err := c.files.Delete(ctx, info.Path); err != nil {
				c.log.Error("deleting report file failed", "path", info.Path, "error", err)
			}
		}
	}
	return nil
}

// LastSync returns when the coordinator's most recent sync finished.
func (c *ReportsCoordinator) LastSync() time.Time {
	return c.state.lastSync()
}
