package sync

import (
	"context"
	"testing"

	"github.com/iravin/reportsync/internal/model"
)

func newScorecards(store *mockStore, data *mockData) *ScorecardCoordinator {
	engine := NewEngine(store, data, testLogger())
	return NewScorecardCoordinator(engine, store, data, testLogger())
}

func TestScorecards_SyncToleratesUnprovisionedTables(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.missing["scorecards"] = true
	data.missing["kpis"] = true
	data.missing["scorecard_assignments"] = true
	data.missing["scorecard_results"] = true

	sc := newScorecards(store, data)
	results, err := sc.SyncAll(context.Background(), DirectionBidirectional)
	if err != nil {
		t.Fatalf("unprovisioned optional tables must not fail: %v", err)
	}
	if results.Synced() != 0 {
		t.Errorf("Synced = %d, want 0", results.Synced())
	}
}

func TestScorecards_KPIScorecardKeyTranslated(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	sc1 := model.Record{"id": int64(2), "name": "Q1"}
	sc1.SetRemoteID("s7")
	store.seed(model.CollectionScorecards, sc1)
	data.seed("scorecards", model.Record{"id": "s7", "name": "Q1"})
	data.seed("kpis", model.Record{"id": "k1", "name": "Revenue", "scorecard_id": "s7"})

	sc := newScorecards(store, data)
	if _, err := sc.SyncAll(context.Background(), DirectionFromRemote); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kpis := store.records(model.CollectionKPIs)
	if len(kpis) != 1 {
		t.Fatalf("local kpis = %d, want 1", len(kpis))
	}
	if got := kpis[0].Int("scorecardId"); got != 2 {
		t.Errorf("scorecardId = %d, want translated local id 2", got)
	}
}

func TestScorecards_AssignmentsMatchByCompositeKey(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	// Local assignment never pushed, same tuple already present remotely.
	store.seed(model.CollectionAssignments, model.Record{
		"id": int64(1), "userId": int64(7), "scorecardId": int64(3),
		"periodMonth": int64(1), "periodYear": int64(2026),
	})
	data.seed("scorecard_assignments", model.Record{
		"id": "a9", "user_id": int64(7), "scorecard_id": int64(3),
		"period_month": int64(1), "period_year": int64(2026),
	})

	sc := newScorecards(store, data)
	results, err := sc.SyncAll(context.Background(), DirectionFromRemote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[model.CollectionAssignments].Synced != 0 {
		t.Error("same-tuple assignment pulled as a duplicate")
	}
	if got := len(store.records(model.CollectionAssignments)); got != 1 {
		t.Errorf("local assignments = %d, want 1", got)
	}
}

func TestScorecards_RecordResultMergesSamePeriod(t *testing.T) {
	store := newMockStore()
	data := newMockData()

	sc := newScorecards(store, data)
	ctx := context.Background()

	first := model.Record{
		"userId": int64(7), "scorecardId": int64(3),
		"periodMonth": int64(1), "periodYear": int64(2026), "score": 70,
	}
	if _, err := sc.RecordResult(ctx, first); err != nil {
		t.Fatalf("first result: %v", err)
	}

	second := model.Record{
		"userId": int64(7), "scorecardId": int64(3),
		"periodMonth": int64(1), "periodYear": int64(2026), "score": 85,
	}
	if _, err := sc.RecordResult(ctx, second); err != nil {
		t.Fatalf("second result: %v", err)
	}

	records := store.records(model.CollectionResults)
	if len(records) != 1 {
		t.Fatalf("local results = %d, want 1 (same period merges)", len(records))
	}
	if got := records[0].Int("score"); got != 85 {
		t.Errorf("score = %d, want the newer value 85", got)
	}

	// Remote writes went through upsert, never plain insert.
	for _, call := range data.callLog() {
		if call == "insert:scorecard_results" {
			t.Fatalf("plain insert used for results: %v", data.callLog())
		}
	}
}

func TestScorecards_DifferentPeriodsStayDistinct(t *testing.T) {
	store := newMockStore()
	data := newMockData()

	sc := newScorecards(store, data)
	ctx := context.Background()

	for month := int64(1); month <= 2; month++ {
		rec := model.Record{
			"userId": int64(7), "scorecardId": int64(3),
			"periodMonth": month, "periodYear": int64(2026), "score": 90,
		}
		if _, err := sc.RecordResult(ctx, rec); err != nil {
			t.Fatalf("month %d: %v", month, err)
		}
	}

	if got := len(store.records(model.CollectionResults)); got != 2 {
		t.Errorf("local results = %d, want 2", got)
	}
}

func TestScorecards_AbsentReportsMissingTables(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.missing["kpis"] = true
	data.missing["scorecard_results"] = true
	data.seed("scorecards")
	data.seed("scorecard_assignments")

	sc := newScorecards(store, data)
	absent, err := sc.Absent(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !absent[model.CollectionKPIs] || !absent[model.CollectionResults] {
		t.Errorf("absent = %v, want kpis and results marked", absent)
	}
	if absent[model.CollectionScorecards] || absent[model.CollectionAssignments] {
		t.Errorf("absent = %v, provisioned tables wrongly marked", absent)
	}
}
