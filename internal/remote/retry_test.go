package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/iravin/reportsync/internal/model"
)

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	var calls int
	err := Retry(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RecoversAfterFailure(t *testing.T) {
	var calls int
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_ExhaustionWrapsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	var calls int
	err := Retry(context.Background(), 2, func() error {
		calls++
		return sentinel
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error = %v, want wrapped sentinel", err)
	}
}

func TestRetry_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Retry(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancellation)", calls)
	}
}

func TestBackoffDelay_GrowsAndStaysBounded(t *testing.T) {
	for attempt := range 6 {
		d := backoffDelay(attempt)
		if d < baseDelay/2 {
			t.Errorf("attempt %d: delay %v below half the base", attempt, d)
		}
		if d > maxDelay {
			t.Errorf("attempt %d: delay %v above cap %v", attempt, d, maxDelay)
		}
	}
}

func TestGetOptional_TableMissingBecomesAbsent(t *testing.T) {
	dc := optionalProbe{err: ErrTableMissing}
	opt, err := GetOptional(context.Background(), dc, "scorecards", Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Present {
		t.Error("missing table reported Present")
	}
}

func TestGetOptional_OtherErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	dc := optionalProbe{err: boom}
	if _, err := GetOptional(context.Background(), dc, "scorecards", Query{}); !errors.Is(err, boom) {
		t.Errorf("error = %v, want propagated boom", err)
	}
}

func TestGetOptional_EmptyTableIsPresent(t *testing.T) {
	dc := optionalProbe{}
	opt, err := GetOptional(context.Background(), dc, "scorecards", Query{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !opt.Present {
		t.Error("empty provisioned table reported Absent")
	}
	if len(opt.Records) != 0 {
		t.Errorf("records = %v, want none", opt.Records)
	}
}

// optionalProbe is a DataClient stub whose Get returns a fixed error. The
// write methods are never reached by these tests.
type optionalProbe struct {
	err error
}

func (p optionalProbe) Get(context.Context, string, Query) ([]model.Record, error) {
	if p.err != nil {
		return nil, p.err
	}
	return nil, nil
}

func (p optionalProbe) GetByID(context.Context, string, string) (model.Record, error) {
	return nil, ErrNotFound
}

func (p optionalProbe) Insert(context.Context, string, model.Record) (model.Record, error) {
	return nil, p.err
}

func (p optionalProbe) Update(context.Context, string, string, model.Record) (model.Record, error) {
	return nil, p.err
}

func (p optionalProbe) Delete(context.Context, string, string) error {
	return p.err
}

func (p optionalProbe) Upsert(context.Context, string, []model.Record, string) ([]model.Record, error) {
	return nil, p.err
}

func (p optionalProbe) RunElevated(_ context.Context, fn func(DataClient) error) error {
	return fn(p)
}
