package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/iravin/reportsync/internal/model"
)

func newManager(store *mockStore, data *mockData, files *mockFiles) *Manager {
	return NewManager(store, data, files, testLogger())
}

func countRefreshes(m *Manager) *int {
	var n int
	m.OnRefresh(func(Refresh) { n++ })
	return &n
}

func TestManager_InitIsIdempotent(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.missing["scorecards"] = true

	m := newManager(store, data, newMockFiles())
	ctx := context.Background()

	if err := m.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if !m.Initialized() {
		t.Error("Initialized() = false after Init")
	}
	probes := len(data.callLog())

	if err := m.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if got := len(data.callLog()); got != probes {
		t.Errorf("second Init touched the backend: %d calls, want %d", got, probes)
	}

	absent := m.AbsentTables()
	if !absent[model.CollectionScorecards] {
		t.Errorf("absent = %v, want scorecards marked", absent)
	}
	if absent[model.CollectionKPIs] {
		t.Errorf("absent = %v, kpis wrongly marked", absent)
	}
}

func TestManager_InitProbeFailureAssumesAbsent(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.getErr = errors.New("network is unreachable")

	m := newManager(store, data, newMockFiles())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("probe failure must not fail init: %v", err)
	}
	absent := m.AbsentTables()
	for _, name := range []string{
		model.CollectionScorecards, model.CollectionKPIs,
		model.CollectionAssignments, model.CollectionResults,
	} {
		if !absent[name] {
			t.Errorf("absent[%s] = false, want true when the probe fails", name)
		}
	}
}

func TestManager_SyncFromRemoteMergesAndRefreshesOnce(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.seed("departments", remoteDept("r1", "Finance"))
	data.seed("users", model.Record{"id": "u1", "email": "a@example.com", "role_id": int64(1)})
	data.seed("scorecards", model.Record{"id": "s1", "name": "Q1"})

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)

	if err := m.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", *refreshes)
	}
	if got := len(store.records(model.CollectionDepartments)); got != 1 {
		t.Errorf("departments = %d, want 1", got)
	}
	if got := len(store.records(model.CollectionUsers)); got != 1 {
		t.Errorf("users = %d, want 1", got)
	}
	if got := len(store.records(model.CollectionScorecards)); got != 1 {
		t.Errorf("scorecards = %d, want 1 (optional tier merged)", got)
	}
}

func TestManager_SyncFromRemoteTranslatesReportForeignKeys(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, syncedDept(4, "d9", "Finance"))
	data.seed("departments", remoteDept("d9", "Finance"))
	data.seed("reports", model.Record{"id": "rep1", "file_name": "jan.pdf", "department_id": "d9"})

	m := newManager(store, data, newMockFiles())
	if err := m.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reports := store.records(model.CollectionReports)
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	// Same id domain as a coordinator pull: the mirror must hold the local
	// department id, not the remote one.
	if got := reports[0].Int("departmentId"); got != 4 {
		t.Errorf("departmentId = %v, want translated local id 4", reports[0]["departmentId"])
	}
}

func TestManager_SyncFromRemoteTranslatesKPIForeignKeys(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionScorecards, model.Record{"id": int64(2), "remoteId": "s7", "name": "Q1"})
	data.seed("kpis", model.Record{"id": "k1", "name": "Throughput", "scorecard_id": "s7"})

	m := newManager(store, data, newMockFiles())
	if err := m.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kpis := store.records(model.CollectionKPIs)
	if len(kpis) != 1 {
		t.Fatalf("kpis = %d, want 1", len(kpis))
	}
	if got := kpis[0].Int("scorecardId"); got != 2 {
		t.Errorf("scorecardId = %v, want translated local id 2", kpis[0]["scorecardId"])
	}
}

func TestManager_CreateRecordTranslatesReportForeignKeys(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, syncedDept(4, "d9", "Finance"))

	m := newManager(store, data, newMockFiles())
	rec := model.Record{"fileName": "jan.pdf", "departmentId": int64(4)}
	if _, err := m.CreateRecord(context.Background(), model.CollectionReports, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := data.rows("reports")
	if len(rows) != 1 {
		t.Fatalf("remote reports = %d, want 1", len(rows))
	}
	if got := rows[0].String("department_id"); got != "d9" {
		t.Errorf("pushed department_id = %q, want remote id d9", got)
	}
}

func TestManager_UpdateRecordTranslatesReportForeignKeys(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, syncedDept(4, "d9", "Finance"))
	store.seed(model.CollectionReports,
		model.Record{"id": int64(1), "remoteId": "rep1", "fileName": "jan.pdf"})
	data.seed("reports", model.Record{"id": "rep1", "file_name": "jan.pdf"})

	m := newManager(store, data, newMockFiles())
	patch := model.Record{"departmentId": int64(4)}
	if _, err := m.UpdateRecord(context.Background(), model.CollectionReports, 1, patch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := data.rows("reports")[0].String("department_id"); got != "d9" {
		t.Errorf("patched department_id = %q, want remote id d9", got)
	}
}

func TestManager_SyncFromRemoteReadFailureKeepsMirror(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, syncedDept(1, "r1", "Finance"))
	data.getErr = errors.New("network is unreachable")

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)

	if err := m.SyncFromRemote(context.Background()); err != nil {
		t.Fatalf("read failure must degrade to the mirror: %v", err)
	}
	if *refreshes != 0 {
		t.Errorf("refreshes = %d, want 0 when nothing changed", *refreshes)
	}
	if got := len(store.records(model.CollectionDepartments)); got != 1 {
		t.Errorf("mirror lost records: %d, want 1", got)
	}
}

func TestManager_SyncToRemoteReportsPerTable(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, dept(1, "Finance"))
	store.seed(model.CollectionReportTypes, model.Record{"id": int64(1), "name": "Monthly"})

	m := newManager(store, data, newMockFiles())
	outcomes, err := m.SyncToRemote(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != len(model.All()) {
		t.Fatalf("outcomes = %d, want one per collection (%d)", len(outcomes), len(model.All()))
	}
	byName := map[string]TableOutcome{}
	for _, o := range outcomes {
		byName[o.Collection] = o
	}
	if byName[model.CollectionDepartments].Result.Synced != 1 {
		t.Errorf("departments synced = %d, want 1", byName[model.CollectionDepartments].Result.Synced)
	}
	if byName[model.CollectionReportTypes].Result.Synced != 1 {
		t.Errorf("reportTypes synced = %d, want 1", byName[model.CollectionReportTypes].Result.Synced)
	}
}

func TestManager_FullSyncRefreshesOnlyWhenChanged(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	data.seed("departments", remoteDept("r1", "Finance"))

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)
	ctx := context.Background()

	if _, err := m.FullSync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if *refreshes != 1 {
		t.Errorf("refreshes after first sync = %d, want 1", *refreshes)
	}

	// Nothing left to sync: no refresh.
	if _, err := m.FullSync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if *refreshes != 1 {
		t.Errorf("refreshes after no-op sync = %d, want still 1", *refreshes)
	}
}

func TestManager_FullSyncGuardRejectsConcurrent(t *testing.T) {
	store := newMockStore()
	data := newMockData()

	m := newManager(store, data, newMockFiles())
	if err := m.state.begin(); err != nil {
		t.Fatalf("claiming state: %v", err)
	}
	defer m.state.end()

	if _, err := m.FullSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("FullSync error = %v, want ErrSyncInProgress", err)
	}
	if err := m.SyncFromRemote(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("SyncFromRemote error = %v, want ErrSyncInProgress", err)
	}
	if _, err := m.SyncToRemote(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("SyncToRemote error = %v, want ErrSyncInProgress", err)
	}
}

func TestManager_CreateRecordRefreshesOnSuccessOnly(t *testing.T) {
	store := newMockStore()
	data := newMockData()

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)
	ctx := context.Background()

	if _, err := m.CreateRecord(ctx, model.CollectionDepartments, model.Record{"name": "Finance"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", *refreshes)
	}

	data.insertErr = func(string, model.Record) error { return errors.New("permission denied") }
	if _, err := m.CreateRecord(ctx, model.CollectionDepartments, model.Record{"name": "HR"}); err == nil {
		t.Fatal("expected error from failed insert")
	}
	if *refreshes != 1 {
		t.Errorf("refreshes after failed create = %d, want still 1", *refreshes)
	}
	if got := len(store.records(model.CollectionDepartments)); got != 1 {
		t.Errorf("mirror records = %d, want 1 (failed create must not mirror)", got)
	}
}

func TestManager_CreateRecordUnknownCollection(t *testing.T) {
	m := newManager(newMockStore(), newMockData(), newMockFiles())
	if _, err := m.CreateRecord(context.Background(), "widgets", model.Record{}); err == nil {
		t.Fatal("expected error for unknown collection")
	}
}

func TestManager_UpdateRecordRemoteFirst(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments, syncedDept(1, "r1", "Finance"))
	data.seed("departments", remoteDept("r1", "Finance"))

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)
	ctx := context.Background()

	updated, err := m.UpdateRecord(ctx, model.CollectionDepartments, 1, model.Record{"name": "Finance & Ops"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.String("name") != "Finance & Ops" {
		t.Errorf("name = %q, want patched", updated.String("name"))
	}
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", *refreshes)
	}

	// Remote rejection leaves the mirror untouched and fires nothing.
	data.updateErr = errors.New("permission denied")
	if _, err := m.UpdateRecord(ctx, model.CollectionDepartments, 1, model.Record{"name": "X"}); err == nil {
		t.Fatal("expected error from failed remote update")
	}
	if *refreshes != 1 {
		t.Errorf("refreshes after failed update = %d, want still 1", *refreshes)
	}
	if got := store.records(model.CollectionDepartments)[0].String("name"); got != "Finance & Ops" {
		t.Errorf("mirror name = %q, want unchanged", got)
	}
}

func TestManager_DeleteRecordRefreshesOnSuccessOnly(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	store.seed(model.CollectionDepartments,
		syncedDept(1, "r1", "Finance"),
		syncedDept(2, "r2", "HR"),
	)
	data.seed("departments", remoteDept("r1", "Finance"), remoteDept("r2", "HR"))

	m := newManager(store, data, newMockFiles())
	refreshes := countRefreshes(m)
	ctx := context.Background()

	if err := m.DeleteRecord(ctx, model.CollectionDepartments, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", *refreshes)
	}

	data.deleteErr = errors.New("permission denied")
	if err := m.DeleteRecord(ctx, model.CollectionDepartments, 2); err == nil {
		t.Fatal("expected error from failed remote delete")
	}
	if *refreshes != 1 {
		t.Errorf("refreshes after failed delete = %d, want still 1", *refreshes)
	}
	if got := len(store.records(model.CollectionDepartments)); got != 1 {
		t.Errorf("mirror records = %d, want 1", got)
	}
}

func TestManager_CreateReportRefreshesDespitePartialUploads(t *testing.T) {
	store := newMockStore()
	data := newMockData()
	files := newMockFiles()
	files.failName = "broken.pdf"

	m := newManager(store, data, files)
	refreshes := countRefreshes(m)

	_, outcomes, err := m.CreateReport(context.Background(),
		model.Report{FileName: "jan.pdf"},
		[]FileUpload{{Name: "broken.pdf", ContentType: "application/pdf", Data: []byte("x")}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcomes[0].Err == nil {
		t.Error("expected failed upload outcome")
	}
	if *refreshes != 1 {
		t.Errorf("refreshes = %d, want 1 (record itself was created)", *refreshes)
	}
}
