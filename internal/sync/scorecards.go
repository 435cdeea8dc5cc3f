package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// ScorecardCoordinator sequences the scorecard tier: scorecards → KPIs →
// assignments → results. All four tables are optional — deployments
// provisioned before the scorecard feature shipped simply don't have them,
// and their absence must not fail a sync.
type ScorecardCoordinator struct {
	engine *Engine
	store  LocalStore
	data   remote.DataClient
	log    *slog.Logger
	state  syncState
}

// NewScorecardCoordinator creates the scorecards coordinator.
func NewScorecardCoordinator(engine *Engine, store LocalStore, data remote.DataClient, logger *slog.Logger) *ScorecardCoordinator {
	return &ScorecardCoordinator{engine: engine, store: store, data: data, log: logger}
}

// SyncAll reconciles the scorecard tables in dependency order. A concurrent
// call returns [ErrSyncInProgress] immediately.
func (c *ScorecardCoordinator) SyncAll(ctx context.Context, dir Direction) (GroupResult, error) {
	if err := c.state.begin(); err != nil {
		return nil, err
	}
	defer c.state.end()

	results := make(GroupResult, 4)

	scRes, err := c.engine.Reconcile(ctx, dir, model.Scorecards())
	results[model.CollectionScorecards] = scRes
	if err != nil {
		return results, fmt.Errorf("reconciling scorecards: %w", err)
	}

	kpiMapping, err := c.kpiMapping(ctx)
	if err != nil {
		return results, err
	}
	for _, m := range []model.Mapping{kpiMapping, model.Assignments(), model.Results()} {
		res, err := c.engine.Reconcile(ctx, dir, m)
		results[m.LocalName] = res
		if err != nil {
			return results, fmt.Errorf("reconciling %s: %w", m.LocalName, err)
		}
	}

	c.log.Info("scorecard data reconciled", "direction", dir, "synced", results.Synced())
	return results, nil
}

// kpiMapping wraps the base KPI mapping with scorecard foreign-key
// translation against the current mirror.
func (c *ScorecardCoordinator) kpiMapping(ctx context.Context) (model.Mapping, error) {
	scorecards, err := c.store.Get(ctx, model.CollectionScorecards)
	if err != nil {
		return model.Mapping{}, fmt.Errorf("reading scorecards for foreign-key translation: %w", err)
	}
	toRemote := make(map[int64]string, len(scorecards))
	toLocal := make(map[string]int64, len(scorecards))
	for _, r := range scorecards {
		if rid := r.RemoteID(); rid != "" {
			toRemote[r.LocalID()] = rid
			toLocal[rid] = r.LocalID()
		}
	}

	m := model.KPIs()
	m = m.WithToRemote(func(r model.Record) model.Record {
		out := r.Clone()
		if rid, ok := toRemote[r.Int("scorecard_id")]; ok {
			out["scorecard_id"] = rid
		}
		return out
	})
	m = m.WithFromRemote(func(r model.Record) model.Record {
		out := r.Clone()
		if lid, ok := toLocal[r.String("scorecardId")]; ok {
			out["scorecardId"] = lid
		}
		return out
	})
	return m, nil
}

// RecordResult upserts one scorecard result keyed by the composite
// (user, scorecard, period) tuple: recording the same period twice merges
// rather than duplicating. Remote-first, mirror on success.
func (c *ScorecardCoordinator) RecordResult(ctx context.Context, result model.Record) (model.Record, error) {
	m := model.Results()

	saved, err := c.data.Upsert(ctx, m.RemoteName, []model.Record{m.ToRemote(result)}, m.ConflictKey)
	if err != nil {
		return nil, fmt.Errorf("recording scorecard result remotely: %w", err)
	}
	if len(saved) > 0 {
		result = result.Clone()
		result.SetRemoteID(saved[0].String("id"))
	}

	// Replace an existing local row for the same tuple, append otherwise.
	records, err := c.store.Get(ctx, model.CollectionResults)
	if err != nil {
		return nil, fmt.Errorf("reading scorecard results: %w", err)
	}
	key := model.KeyOf(result)
	for i, r := range records {
		if model.KeyOf(r) == key {
			result.SetLocalID(r.LocalID())
			records[i] = result
			if err := c.store.Set(ctx, model.CollectionResults, records); err != nil {
				return nil, fmt.Errorf("mirroring scorecard result: %w", err)
			}
			return result, nil
		}
	}
	if err := c.store.Add(ctx, model.CollectionResults, result); err != nil {
		return nil, fmt.Errorf("mirroring scorecard result: %w", err)
	}
	return result, nil
}

// Absent reports which scorecard tables the remote backend has not
// provisioned yet, keyed by local collection name.
func (c *ScorecardCoordinator) Absent(ctx context.Context) (map[string]bool, error) {
	absent := make(map[string]bool, 4)
	for _, m := range []model.Mapping{model.Scorecards(), model.KPIs(), model.Assignments(), model.Results()} {
		opt, err := remote.GetOptional(ctx, c.data, m.RemoteName, remote.Query{Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", m.RemoteName, err)
		}
		if !opt.Present {
			absent[m.LocalName] = true
		}
	}
	return absent, nil
}

// LastSync returns when the coordinator's most recent sync finished.
func (c *ScorecardCoordinator) LastSync() time.Time {
	return c.state.lastSync()
}
