package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

const (
	otelScope     = "reportsync/sync"
	spanReconcile = "sync.reconcile"
	metricPushed  = "reportsync.sync.records.pushed"
	metricPulled  = "reportsync.sync.records.pulled"
	metricErrors  = "reportsync.sync.errors"
)

// Result reports one reconcile pass over one collection.
type Result struct {
	// Synced counts records created in either direction during this pass.
	Synced int
	// Total is max(local count, remote count) as of the pass. A push-only
	// pass never reads the remote table, so there Total counts the mirror
	// alone; the pull phase folds the remote count in.
	Total int
}

// GroupResult collects per-collection results for a coordinator group.
type GroupResult map[string]Result

// Synced sums the created-record counts across the group.
func (g GroupResult) Synced() int {
	var n int
	for _, r := range g {
		n += r.Synced
	}
	return n
}

// Engine reconciles one collection at a time between the local mirror and
// the remote backend, driven by a [model.Mapping]. It is stateless between
// calls — all persistent state lives in the [LocalStore].
type Engine struct {
	store LocalStore
	data  remote.DataClient
	log   *slog.Logger

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer    trace.Tracer
	cntPushed metric.Int64Counter
	cntPulled metric.Int64Counter
	cntErrors metric.Int64Counter
}

// NewEngine creates an Engine wired to the given mirror and remote client.
func NewEngine(store LocalStore, data remote.DataClient, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		store: store,
		data:  data,
		log:   logger,

		tracer:    tracer,
		cntPushed: mustCounter(metricPushed, "Number of records pushed to the remote backend"),
		cntPulled: mustCounter(metricPulled, "Number of records pulled from the remote backend"),
		cntErrors: mustCounter(metricErrors, "Number of per-record sync errors"),
	}
}

// Reconcile runs one pass over the mapping's collection in the given
// direction. In a bidirectional pass the push phase completes fully before
// the pull phase starts.
//
// Reconcile never deletes. Push failures are tolerated per record: a bad
// record is logged and skipped so one failure cannot abort the batch. Remote
// read failures degrade to "no data from remote this call" so offline use
// keeps working against the mirror. The local collection is persisted at
// most once per phase.
func (e *Engine) Reconcile(ctx context.Context, dir Direction, m model.Mapping) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanReconcile, trace.WithAttributes(
		attribute.String("sync.collection", m.LocalName),
		attribute.String("sync.direction", string(dir)),
	))
	defer span.End()

	local, err := e.store.Get(ctx, m.LocalName)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("reading local %s: %w", m.LocalName, err)
	}

	var res Result
	res.Total = len(local)

	if dir.pushes() {
		pushed, errs := e.push(ctx, m, local)
		if pushed > 0 {
			if err := e.store.Set(ctx, m.LocalName, local); err != nil {
				span.RecordError(err)
				return res, fmt.Errorf("persisting %s after push: %w", m.LocalName, err)
			}
			e.cntPushed.Add(ctx, int64(pushed))
		}
		if errs > 0 {
			e.cntErrors.Add(ctx, int64(errs))
		}
		res.Synced += pushed
	}

	if dir.pulls() {
		remoteRecs, err := e.fetchRemote(ctx, m)
		if err != nil {
			// Read failures fall back to the mirror; the next pass
			// retries.
			e.log.Error("remote read failed, using local mirror only",
				"collection", m.LocalName, "error", err)
			span.RecordError(err)
			remoteRecs = nil
		}
		if len(remoteRecs) > res.Total {
			res.Total = len(remoteRecs)
		}

		pulled, err := e.pull(ctx, m, &local, remoteRecs)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
		if pulled > 0 {
			e.cntPulled.Add(ctx, int64(pulled))
		}
		res.Synced += pulled
	}

	span.SetAttributes(
		attribute.Int("sync.synced", res.Synced),
		attribute.Int("sync.total", res.Total),
	)
	return res, nil
}

// push inserts every local record lacking a remoteId, writing the assigned
// remote id back onto the record in place. Returns the number of records
// pushed and the number of per-record failures.
func (e *Engine) push(ctx context.Context, m model.Mapping, local []model.Record) (pushed, errs int) {
	run := func(dc remote.DataClient) error {
		for _, rec := range local {
			if rec.RemoteID() != "" {
				continue
			}

			created, err := e.insert(ctx, dc, m, rec)
			if err != nil {
				if errors.Is(err, remote.ErrTableMissing) {
					// Every remaining insert would fail the same
					// way; stop early.
					if m.Optional {
						e.log.Debug("optional table not provisioned, skipping push",
							"collection", m.LocalName)
					} else {
						e.log.Error("remote table missing during push",
							"collection", m.LocalName, "error", err)
						errs++
					}
					return nil
				}
				e.log.Error("pushing record failed, continuing",
					"collection", m.LocalName, "local_id", rec.LocalID(), "error", err)
				errs++
				continue
			}

			rec.SetRemoteID(created.String("id"))
			pushed++
		}
		return nil
	}

	if m.Elevated {
		if err := e.data.RunElevated(ctx, run); err != nil {
			e.log.Error("elevated push failed", "collection", m.LocalName, "error", err)
			errs++
		}
		return pushed, errs
	}
	_ = run(e.data)
	return pushed, errs
}

// insert writes one mapped record, via upsert when the mapping declares a
// conflict key.
func (e *Engine) insert(ctx context.Context, dc remote.DataClient, m model.Mapping, rec model.Record) (model.Record, error) {
	mapped := m.ToRemote(rec)
	if m.ConflictKey == "" {
		return dc.Insert(ctx, m.RemoteName, mapped)
	}
	saved, err := dc.Upsert(ctx, m.RemoteName, []model.Record{mapped}, m.ConflictKey)
	if err != nil {
		return nil, err
	}
	if len(saved) == 0 {
		return nil, fmt.Errorf("upserting into %s: empty result", m.RemoteName)
	}
	return saved[0], nil
}

// fetchRemote reads the mapping's remote table, honouring the Optional flag.
func (e *Engine) fetchRemote(ctx context.Context, m model.Mapping) ([]model.Record, error) {
	if m.Optional {
		opt, err := remote.GetOptional(ctx, e.data, m.RemoteName, remote.Query{})
		if err != nil {
			return nil, err
		}
		if !opt.Present {
			e.log.Debug("optional table not provisioned, skipping pull", "collection", m.LocalName)
			return nil, nil
		}
		return opt.Records, nil
	}

	var records []model.Record
	err := remote.Retry(ctx, remote.DefaultMaxAttempts, func() error {
		var rerr error
		records, rerr = e.data.Get(ctx, m.RemoteName, remote.Query{})
		return rerr
	})
	return records, err
}

// pull appends a local record for every remote record no local record
// matches, assigning fresh local ids. Persists once when anything changed.
func (e *Engine) pull(ctx context.Context, m model.Mapping, local *[]model.Record, remoteRecs []model.Record) (int, error) {
	nextID := model.MaxLocalID(*local) + 1
	var pulled int

	for _, rr := range remoteRecs {
		matched := false
		for _, lr := range *local {
			if m.Matches(lr, rr) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		nl := m.FromRemote(rr)
		nl.SetLocalID(nextID)
		nl.SetRemoteID(rr.String("id"))
		nextID++
		*local = append(*local, nl)
		pulled++
	}

	if pulled > 0 {
		if err := e.store.Set(ctx, m.LocalName, *local); err != nil {
			return pulled, fmt.Errorf("persisting %s after pull: %w", m.LocalName, err)
		}
	}
	return pulled, nil
}

// DeleteAndPropagate removes a record remotely first, then from the mirror.
// Unlike the tolerant push/pull paths, a failed remote delete aborts: the
// local record stays and the error is returned, so the mirror never claims a
// delete the backend rejected.
func (e *Engine) DeleteAndPropagate(ctx context.Context, m model.Mapping, localID int64) error {
	local, err := e.store.Get(ctx, m.LocalName)
	if err != nil {
		return fmt.Errorf("reading local %s: %w", m.LocalName, err)
	}

	var rec model.Record
	for _, r := range local {
		if r.LocalID() == localID {
			rec = r
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("%s/%d: %w", m.LocalName, localID, remote.ErrNotFound)
	}

	if remoteID := rec.RemoteID(); remoteID != "" {
		del := func(dc remote.DataClient) error {
			return dc.Delete(ctx, m.RemoteName, remoteID)
		}
		if m.Elevated {
			err = e.data.RunElevated(ctx, del)
		} else {
			err = del(e.data)
		}
		if err != nil {
			return fmt.Errorf("deleting %s/%s remotely: %w", m.RemoteName, remoteID, err)
		}
	}

	return e.store.Delete(ctx, m.LocalName, localID)
}
