package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
)

// mockStore is an in-memory LocalStore with per-collection failure injection.
type mockStore struct {
	mu          sync.Mutex
	collections map[string][]model.Record
	getErr      error
	setErr      error
	setCalls    int
}

func newMockStore() *mockStore {
	return &mockStore{collections: map[string][]model.Record{}}
}

func (s *mockStore) seed(name string, records ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = records
}

func (s *mockStore) records(name string) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[name]
}

func (s *mockStore) Get(_ context.Context, name string) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.collections[name], nil
}

func (s *mockStore) Set(_ context.Context, name string, records []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.collections[name] = records
	return nil
}

func (s *mockStore) Add(_ context.Context, name string, record model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	record.SetLocalID(model.MaxLocalID(s.collections[name]) + 1)
	s.collections[name] = append(s.collections[name], record)
	return nil
}

func (s *mockStore) Update(_ context.Context, name string, id int64, patch model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.collections[name] {
		if r.LocalID() == id {
			merged := r.Clone()
			for k, v := range patch {
				if k == "id" {
					continue
				}
				merged[k] = v
			}
			s.collections[name][i] = merged
			return merged, nil
		}
	}
	return nil, nil
}

func (s *mockStore) Delete(_ context.Context, name string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.collections[name]
	for i, r := range records {
		if r.LocalID() == id {
			s.collections[name] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return nil
}

// mockData is an in-memory DataClient. It records every call in order,
// assigns sequential remote ids, and supports marking tables missing and
// failing individual inserts.
type mockData struct {
	mu     sync.Mutex
	tables map[string][]model.Record
	nextID int

	// missing tables answer every read/write with remote.ErrTableMissing.
	missing map[string]bool

	// insertErr fails inserts whose record matches; nil matches nothing.
	insertErr func(table string, rec model.Record) error

	getErr    error
	deleteErr error
	updateErr error

	calls []string

	elevated      bool
	elevatedCalls int
}

func newMockData() *mockData {
	return &mockData{
		tables:  map[string][]model.Record{},
		missing: map[string]bool{},
	}
}

func (d *mockData) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *mockData) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *mockData) seed(table string, records ...model.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[table] = records
}

func (d *mockData) rows(table string) []model.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[table]
}

func (d *mockData) Get(_ context.Context, table string, _ remote.Query) ([]model.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("get:" + table)
	if d.missing[table] {
		return nil, fmt.Errorf("reading %s: %w", table, remote.ErrTableMissing)
	}
	if d.getErr != nil {
		return nil, d.getErr
	}
	return d.tables[table], nil
}

func (d *mockData) GetByID(_ context.Context, table, id string) (model.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("getByID:" + table)
	for _, r := range d.tables[table] {
		if r.String("id") == id {
			return r, nil
		}
	}
	return nil, remote.ErrNotFound
}

func (d *mockData) Insert(_ context.Context, table string, rec model.Record) (model.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("insert:" + table)
	if d.missing[table] {
		return nil, fmt.Errorf("inserting into %s: %w", table, remote.ErrTableMissing)
	}
	if d.insertErr != nil {
		if err := d.insertErr(table, rec); err != nil {
			return nil, err
		}
	}
	d.nextID++
	created := rec.Clone()
	created["id"] = fmt.Sprintf("r%d", d.nextID)
	d.tables[table] = append(d.tables[table], created)
	return created, nil
}

func (d *mockData) Update(_ context.Context, table, id string, patch model.Record) (model.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("update:" + table + "/" + id)
	if d.updateErr != nil {
		return nil, d.updateErr
	}
	for i, r := range d.tables[table] {
		if r.String("id") == id {
			merged := r.Clone()
			for k, v := range patch {
				merged[k] = v
			}
			d.tables[table][i] = merged
			return merged, nil
		}
	}
	return nil, remote.ErrNotFound
}

func (d *mockData) Delete(_ context.Context, table, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("delete:" + table + "/" + id)
	if d.deleteErr != nil {
		return d.deleteErr
	}
	rows := d.tables[table]
	for i, r := range rows {
		if r.String("id") == id {
			d.tables[table] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return remote.ErrNotFound
}

func (d *mockData) Upsert(_ context.Context, table string, records []model.Record, _ string) ([]model.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("upsert:" + table)
	if d.missing[table] {
		return nil, fmt.Errorf("upserting into %s: %w", table, remote.ErrTableMissing)
	}
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		d.nextID++
		saved := rec.Clone()
		saved["id"] = fmt.Sprintf("r%d", d.nextID)
		d.tables[table] = append(d.tables[table], saved)
		out = append(out, saved)
	}
	return out, nil
}

func (d *mockData) RunElevated(_ context.Context, fn func(remote.DataClient) error) error {
	d.mu.Lock()
	d.record("elevate")
	d.elevated = true
	d.elevatedCalls++
	d.mu.Unlock()

	err := fn(d)

	d.mu.Lock()
	d.elevated = false
	d.record("deElevate")
	d.mu.Unlock()
	return err
}

// mockFiles is an in-memory FileClient with per-name upload failure.
type mockFiles struct {
	mu       sync.Mutex
	uploads  []string
	deleted  []string
	listing  map[string][]remote.FileInfo
	failName string
}

func newMockFiles() *mockFiles {
	return &mockFiles{listing: map[string][]remote.FileInfo{}}
}

func (f *mockFiles) Upload(_ context.Context, folder, name, contentType string, data []byte) (remote.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failName {
		return remote.FileInfo{}, fmt.Errorf("uploading %s: connection reset", name)
	}
	path := folder + "/" + name
	f.uploads = append(f.uploads, path)
	info := remote.FileInfo{
		Path:        path,
		URL:         "https://files.example.com/" + path,
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	f.listing[folder] = append(f.listing[folder], info)
	return info, nil
}

func (f *mockFiles) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *mockFiles) List(_ context.Context, folder string) ([]remote.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listing[folder], nil
}

func (f *mockFiles) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	return "https://files.example.com/signed/" + path, nil
}
