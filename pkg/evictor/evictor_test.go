package evictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/merchsense/merchsense/pkg/logx"
)

type fakeSweeper struct {
	removed    int
	err        error
	gotCutoff  time.Time
	gotMinimum int
}

func (f *fakeSweeper) Cleanup(_ context.Context, olderThan time.Time, minimum int) (int, error) {
	f.gotCutoff = olderThan
	f.gotMinimum = minimum
	return f.removed, f.err
}

type fakeReaper struct {
	expired int
	gotNow  time.Time
}

func (f *fakeReaper) Reap(now time.Time) int {
	f.gotNow = now
	return f.expired
}

func TestSweepPassesConfiguredFloors(t *testing.T) {
	terms := &fakeSweeper{removed: 2}
	locs := &fakeSweeper{removed: 3}
	sessions := &fakeReaper{expired: 1}

	cfg := Config{
		Interval:            time.Hour,
		MaxAge:              48 * time.Hour,
		MinTransactionCount: 5,
		MinPredictionCount:  7,
	}
	e := New(cfg, terms, locs, sessions, logx.New("error"))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	res, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep should not error: %v", err)
	}
	if res.TerminalsRemoved != 2 || res.LocationsRemoved != 3 || res.SessionsExpired != 1 {
		t.Errorf("result = %+v, want 2/3/1", res)
	}

	wantCutoff := now.Add(-48 * time.Hour)
	if !terms.gotCutoff.Equal(wantCutoff) || !locs.gotCutoff.Equal(wantCutoff) {
		t.Errorf("cutoffs = %v/%v, want %v", terms.gotCutoff, locs.gotCutoff, wantCutoff)
	}
	if terms.gotMinimum != 5 || locs.gotMinimum != 7 {
		t.Errorf("floors = %d/%d, want 5/7", terms.gotMinimum, locs.gotMinimum)
	}
	if !sessions.gotNow.Equal(now) {
		t.Errorf("reap time = %v, want %v", sessions.gotNow, now)
	}
}

func TestSweepZeroWorkIsNotAnError(t *testing.T) {
	e := New(Config{}, &fakeSweeper{}, &fakeSweeper{}, &fakeReaper{}, logx.New("error"))

	res, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("empty sweep should not error: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("result = %+v, want all zeros", res)
	}
}

func TestSweepContinuesPastFailingTarget(t *testing.T) {
	boom := errors.New("store offline")
	terms := &fakeSweeper{err: boom}
	locs := &fakeSweeper{removed: 4}

	e := New(Config{}, terms, locs, &fakeReaper{expired: 2}, logx.New("error"))

	res, err := e.Sweep(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped store failure", err)
	}
	if res.LocationsRemoved != 4 || res.SessionsExpired != 2 {
		t.Errorf("later targets skipped: %+v", res)
	}
}

func TestSweepSkipsNilTargets(t *testing.T) {
	e := New(Config{}, nil, nil, nil, logx.New("error"))
	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep with no targets should not error: %v", err)
	}
}

func TestSweepNotifiesObserver(t *testing.T) {
	e := New(Config{}, &fakeSweeper{removed: 1}, nil, nil, logx.New("error"))

	var got Result
	e.OnSweep = func(r Result) { got = r }

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep should not error: %v", err)
	}
	if got.TerminalsRemoved != 1 {
		t.Errorf("observer saw %+v, want terminals_removed=1", got)
	}
}

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	got := Config{}.normalize()
	want := DefaultConfig()
	if got != want {
		t.Errorf("normalize() = %+v, want defaults %+v", got, want)
	}

	partial := Config{Interval: 10 * time.Minute}.normalize()
	if partial.Interval != 10*time.Minute {
		t.Errorf("explicit interval overridden: %v", partial.Interval)
	}
	if partial.MaxAge != want.MaxAge {
		t.Errorf("missing max_age not defaulted: %v", partial.MaxAge)
	}
}
