package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// Refresh is the payload delivered to UI-refresh subscribers after every
// successful mutating call. It is never delivered for failed calls.
type Refresh struct {
	Timestamp time.Time
}

// TableOutcome reports one collection's result inside a push-all summary.
// Err is nil when the table's push succeeded.
type TableOutcome struct {
	Collection string
	Result     Result
	Err        error
}

// Manager is the integration façade: the only sync component the rest of the
// application calls directly. It owns the initialization lifecycle, the
// cross-coordinator ordering of a full sync, per-table mutations with
// automatic mirror updates, and the UI-refresh signal.
//
// All dependencies are injected; Manager holds no ambient global state.
type Manager struct {
	store  LocalStore
	data   remote.DataClient
	files  remote.FileClient
	engine *Engine
	log    *slog.Logger

	org        *OrgCoordinator
	reports    *ReportsCoordinator
	scorecards *ScorecardCoordinator

	state  syncState
	tracer trace.Tracer

	mu         sync.Mutex
	refreshFns []func(Refresh)
	absent     map[string]bool
}

// NewManager wires a Manager and its three coordinators to the given mirror
// and remote clients.
func NewManager(store LocalStore, data remote.DataClient, files remote.FileClient, logger *slog.Logger) *Manager {
	engine := NewEngine(store, data, logger)
	return &Manager{
		store:      store,
		data:       data,
		files:      files,
		engine:     engine,
		log:        logger,
		org:        NewOrgCoordinator(engine, store, data, logger),
		reports:    NewReportsCoordinator(engine, store, data, files, logger),
		scorecards: NewScorecardCoordinator(engine, store, data, logger),
		tracer:     otel.Tracer(otelScope),
		absent:     map[string]bool{},
	}
}

// OnRefresh registers a callback invoked after every successful mutating
// call. Callbacks run synchronously in registration order.
func (m *Manager) OnRefresh(fn func(Refresh)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshFns = append(m.refreshFns, fn)
}

// notifyRefresh fires the refresh signal exactly once.
func (m *Manager) notifyRefresh() {
	m.mu.Lock()
	fns := make([]func(Refresh), len(m.refreshFns))
	copy(fns, m.refreshFns)
	m.mu.Unlock()

	r := Refresh{Timestamp: time.Now().UTC()}
	for _, fn := range fns {
		fn(r)
	}
}

// Init prepares the manager for use. It is idempotent: repeated calls after
// the first succeed without touching the backend again.
//
// Optional tables (the scorecard tier) are probed per table; a missing table
// is recorded as absent and substituted with an empty collection rather than
// aborting initialization.
func (m *Manager) Init(ctx context.Context) error {
	if m.state.isInitialized() {
		return nil
	}

	absent, err := m.scorecards.Absent(ctx)
	if err != nil {
		// Probing is best-effort: an unreachable backend still leaves the
		// mirror usable offline.
		m.log.Error("probing optional tables failed, assuming absent", "error", err)
		absent = map[string]bool{
			model.CollectionScorecards:  true,
			model.CollectionKPIs:        true,
			model.CollectionAssignments: true,
			model.CollectionResults:     true,
		}
	}

	m.mu.Lock()
	m.absent = absent
	m.mu.Unlock()

	for name := range absent {
		m.log.Info("optional table not provisioned", "collection", name)
	}

	m.state.markInitialized()
	return nil
}

// AbsentTables reports which optional collections were missing remotely at
// the last probe.
func (m *Manager) AbsentTables() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.absent))
	for k, v := range m.absent {
		out[k] = v
	}
	return out
}

// SyncFromRemote fetches every core collection concurrently — reads have no
// ordering constraint — writes the merged snapshot into the mirror, and
// fires the refresh signal. The scorecard tables are fetched outside the
// strict join so their absence cannot fail the core fetch.
//
// Merges apply in dependency order: the tables a foreign key points at merge
// before the table carrying the key, so the coordinator-wrapped mappings
// translate against fresh reference data.
func (m *Manager) SyncFromRemote(ctx context.Context) error {
	if err := m.state.begin(); err != nil {
		return err
	}
	defer m.state.end()

	ctx, span := m.tracer.Start(ctx, "sync.from_remote")
	defer span.End()

	core := []model.Mapping{
		model.Departments(),
		model.Users(),
		model.ReportTypes(),
		model.Frequencies(),
		model.Formats(),
		model.Reports(),
	}

	fetched := make([][]model.Record, len(core))
	g, gctx := errgroup.WithContext(ctx)
	for i, mapping := range core {
		g.Go(func() error {
			var records []model.Record
			err := remote.Retry(gctx, remote.DefaultMaxAttempts, func() error {
				var rerr error
				records, rerr = m.data.Get(gctx, mapping.RemoteName, remote.Query{})
				return rerr
			})
			if err != nil {
				return fmt.Errorf("fetching %s: %w", mapping.RemoteName, err)
			}
			fetched[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Read path: degrade to the mirror instead of surfacing to the UI.
		m.log.Error("remote fetch failed, keeping local mirror", "error", err)
		span.RecordError(err)
		return nil
	}

	for i, mapping := range core {
		pull, err := m.wrappedMapping(ctx, mapping)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if err := m.mergeSnapshot(ctx, pull, fetched[i]); err != nil {
			span.RecordError(err)
			return err
		}
	}

	// Optional tier, tolerant per table.
	for _, mapping := range []model.Mapping{model.Scorecards(), model.KPIs(), model.Assignments(), model.Results()} {
		opt, err := remote.GetOptional(ctx, m.data, mapping.RemoteName, remote.Query{})
		if err != nil {
			m.log.Error("fetching optional table failed, skipping", "collection", mapping.LocalName, "error", err)
			continue
		}
		if !opt.Present {
			continue
		}
		pull, err := m.wrappedMapping(ctx, mapping)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if err := m.mergeSnapshot(ctx, pull, opt.Records); err != nil {
			span.RecordError(err)
			return err
		}
	}

	m.notifyRefresh()
	return nil
}

// wrappedMapping returns the mapping the generic per-record and snapshot
// paths must use. Collections whose records carry foreign keys get the
// coordinator-wrapped mapping so ids are translated between the local and
// remote domains; everything else keeps its base mapping. Without the wrap a
// pulled report would mirror the remote department id verbatim and, being
// remoteId-matched from then on, never get repaired.
func (m *Manager) wrappedMapping(ctx context.Context, base model.Mapping) (model.Mapping, error) {
	switch base.LocalName {
	case model.CollectionReports:
		return m.reports.reportsMapping(ctx)
	case model.CollectionKPIs:
		return m.scorecards.kpiMapping(ctx)
	}
	return base, nil
}

// mergeSnapshot folds one fetched remote table into the mirror: known
// records keep their local ids, unknown ones are appended with fresh ids.
// The collection is written once.
func (m *Manager) mergeSnapshot(ctx context.Context, mapping model.Mapping, remoteRecs []model.Record) error {
	local, err := m.store.Get(ctx, mapping.LocalName)
	if err != nil {
		return fmt.Errorf("reading local %s: %w", mapping.LocalName, err)
	}

	nextID := model.MaxLocalID(local) + 1
	for _, rr := range remoteRecs {
		matched := false
		for _, lr := range local {
			if mapping.Matches(lr, rr) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		nl := mapping.FromRemote(rr)
		nl.SetLocalID(nextID)
		nl.SetRemoteID(rr.String("id"))
		nextID++
		local = append(local, nl)
	}

	return m.store.Set(ctx, mapping.LocalName, local)
}

// SyncToRemote pushes every collection independently and returns a per-table
// summary. One table's failure never aborts the others; the engine already
// tolerates per-record failures inside each push.
func (m *Manager) SyncToRemote(ctx context.Context) ([]TableOutcome, error) {
	if err := m.state.begin(); err != nil {
		return nil, err
	}
	defer m.state.end()

	ctx, span := m.tracer.Start(ctx, "sync.to_remote")
	defer span.End()

	outcomes := make([]TableOutcome, 0, len(model.All()))
	for _, mapping := range model.All() {
		res, err := m.engine.Reconcile(ctx, DirectionToRemote, mapping)
		if err != nil {
			m.log.Error("table push failed", "collection", mapping.LocalName, "error", err)
			span.RecordError(err)
		}
		outcomes = append(outcomes, TableOutcome{Collection: mapping.LocalName, Result: res, Err: err})
	}
	return outcomes, nil
}

// FullSync runs the complete bidirectional reconciliation: the foundational
// phase (departments and users) completes before the dependent phase
// (reports and reference tables), which completes before the scorecard tier.
// The manager-level guard does not block the individual coordinators — a
// caller may still sync a single group concurrently.
func (m *Manager) FullSync(ctx context.Context) (GroupResult, error) {
	if err := m.state.begin(); err != nil {
		return nil, err
	}
	defer m.state.end()

	ctx, span := m.tracer.Start(ctx, "sync.full")
	defer span.End()

	combined := make(GroupResult)

	org, err := m.org.SyncDepartmentsAndUsers(ctx, DirectionBidirectional)
	merge(combined, org)
	if err != nil {
		span.RecordError(err)
		return combined, fmt.Errorf("org sync: %w", err)
	}

	reports, err := m.reports.SyncAll(ctx, DirectionBidirectional)
	merge(combined, reports)
	if err != nil {
		span.RecordError(err)
		return combined, fmt.Errorf("reports sync: %w", err)
	}

	scorecards, err := m.scorecards.SyncAll(ctx, DirectionBidirectional)
	merge(combined, scorecards)
	if err != nil {
		span.RecordError(err)
		return combined, fmt.Errorf("scorecards sync: %w", err)
	}

	if combined.Synced() > 0 {
		m.notifyRefresh()
	}
	m.log.Info("full sync complete", "synced", combined.Synced())
	return combined, nil
}

func merge(dst, src GroupResult) {
	for k, v := range src {
		dst[k] = v
	}
}

// CreateRecord inserts a record into the named collection remotely first and
// mirrors it locally on success. The remote error is propagated unchanged on
// failure and the mirror stays untouched.
func (m *Manager) CreateRecord(ctx context.Context, collection string, rec model.Record) (model.Record, error) {
	base, ok := model.ByLocalName(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	mapping, err := m.wrappedMapping(ctx, base)
	if err != nil {
		return nil, err
	}

	created, err := m.insertMapped(ctx, mapping, rec)
	if err != nil {
		return nil, err
	}

	rec = rec.Clone()
	rec.SetRemoteID(created.String("id"))
	if err := m.store.Add(ctx, mapping.LocalName, rec); err != nil {
		return nil, fmt.Errorf("mirroring %s record: %w", collection, err)
	}

	m.notifyRefresh()
	return rec, nil
}

func (m *Manager) insertMapped(ctx context.Context, mapping model.Mapping, rec model.Record) (model.Record, error) {
	mapped := mapping.ToRemote(rec)
	if !mapping.Elevated {
		return m.data.Insert(ctx, mapping.RemoteName, mapped)
	}
	var created model.Record
	err := m.data.RunElevated(ctx, func(dc remote.DataClient) error {
		var ierr error
		created, ierr = dc.Insert(ctx, mapping.RemoteName, mapped)
		return ierr
	})
	return created, err
}

// UpdateRecord patches the record with the given local id remotely first,
// then in the mirror, and fires the refresh signal. Records never pushed yet
// are patched locally only.
func (m *Manager) UpdateRecord(ctx context.Context, collection string, localID int64, patch model.Record) (model.Record, error) {
	base, ok := model.ByLocalName(collection)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	mapping, err := m.wrappedMapping(ctx, base)
	if err != nil {
		return nil, err
	}

	records, err := m.store.Get(ctx, mapping.LocalName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", collection, err)
	}
	var rec model.Record
	for _, r := range records {
		if r.LocalID() == localID {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%s/%d: %w", collection, localID, remote.ErrNotFound)
	}

	if remoteID := rec.RemoteID(); remoteID != "" {
		if _, err := m.data.Update(ctx, mapping.RemoteName, remoteID, mapping.ToRemote(patch)); err != nil {
			return nil, err
		}
	}

	updated, err := m.store.Update(ctx, mapping.LocalName, localID, patch)
	if err != nil {
		return nil, fmt.Errorf("mirroring %s update: %w", collection, err)
	}

	m.notifyRefresh()
	return updated, nil
}

// DeleteRecord removes the record remotely first, then locally, and fires
// the refresh signal. A failed remote delete leaves the mirror intact and
// the error is propagated unchanged.
func (m *Manager) DeleteRecord(ctx context.Context, collection string, localID int64) error {
	mapping, ok := model.ByLocalName(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	if err := m.engine.DeleteAndPropagate(ctx, mapping, localID); err != nil {
		return err
	}

	m.notifyRefresh()
	return nil
}

// --- façade delegation -------------------------------------------------------

// CreateDepartment creates a department remote-first and fires the refresh
// signal on success.
func (m *Manager) CreateDepartment(ctx context.Context, d model.Department) (model.Department, error) {
	created, err := m.org.CreateDepartment(ctx, d)
	if err != nil {
		return model.Department{}, err
	}
	m.notifyRefresh()
	return created, nil
}

// UpdateDepartment patches a department remote-first and fires the refresh
// signal on success.
func (m *Manager) UpdateDepartment(ctx context.Context, localID int64, patch model.Record) (model.Department, error) {
	updated, err := m.org.UpdateDepartment(ctx, localID, patch)
	if err != nil {
		return model.Department{}, err
	}
	m.notifyRefresh()
	return updated, nil
}

// DeleteDepartment deletes a department remote-first and fires the refresh
// signal on success.
func (m *Manager) DeleteDepartment(ctx context.Context, localID int64) error {
	if err := m.org.DeleteDepartment(ctx, localID); err != nil {
		return err
	}
	m.notifyRefresh()
	return nil
}

// CreateUser creates a user remote-first (elevated) and fires the refresh
// signal on success.
func (m *Manager) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	created, err := m.org.CreateUser(ctx, u)
	if err != nil {
		return model.User{}, err
	}
	m.notifyRefresh()
	return created, nil
}

// CreateReport creates a report with attachments. The refresh signal fires
// whenever the record itself was created, even if some uploads failed — the
// mirror changed either way.
func (m *Manager) CreateReport(ctx context.Context, rep model.Report, files []FileUpload) (model.Report, []FileOutcome, error) {
	created, outcomes, err := m.reports.CreateReport(ctx, rep, files)
	if err != nil {
		return model.Report{}, outcomes, err
	}
	m.notifyRefresh()
	return created, outcomes, nil
}

// Org exposes the departments+users coordinator for direct group syncs.
func (m *Manager) Org() *OrgCoordinator { return m.org }

// Reports exposes the reports coordinator for direct group syncs.
func (m *Manager) Reports() *ReportsCoordinator { return m.reports }

// Scorecards exposes the scorecard coordinator for direct group syncs.
func (m *Manager) Scorecards() *ScorecardCoordinator { return m.scorecards }

// LastSync returns when the manager's most recent sync finished.
func (m *Manager) LastSync() time.Time {
	return m.state.lastSync()
}

// Initialized reports whether Init has completed.
func (m *Manager) Initialized() bool {
	return m.state.isInitialized()
}
