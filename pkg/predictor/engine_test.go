package predictor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/cache"
	"github.com/merchsense/merchsense/pkg/consensus"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/session"
)

func testEngine() *Engine {
	logger := logx.New("error")
	terminals := cache.NewTerminalCache(nil, logger)
	locations := cache.NewLocationCache(nil, 50, logger)
	sessions := session.NewManager(logger)
	merger := consensus.New(nil, 0)
	return New(DefaultOptions(), terminals, locations, sessions, merger, nil, logger)
}

func sessionConfig() session.Config {
	return session.Config{DurationMinutes: 30, UpdateIntervalSeconds: 30, MinDistanceFilterMeters: 0}
}

func TestPredictMCCFromCallerSources(t *testing.T) {
	e := testEngine()

	pred, err := e.PredictMCC(context.Background(), Query{
		Lat: 40.758, Lng: -73.9851,
		Sources: []pkg.PredictionSource{
			{Method: pkg.SourceLocation, MCC: "5812", Confidence: 0.8},
		},
	})
	if err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}
	if pred.MCC != "5812" {
		t.Errorf("mcc = %s, want 5812", pred.MCC)
	}
}

func TestPredictMCCUsesTerminalCache(t *testing.T) {
	e := testEngine()
	e.terminals.Seed(cache.TerminalRecord{
		TerminalID: "T-001", MCC: "5814", Confidence: 0.9,
		TransactionCount: 10, LastSeen: time.Now(),
	})

	pred, err := e.PredictMCC(context.Background(), Query{
		Lat: 40.758, Lng: -73.9851, TerminalID: "T-001",
	})
	if err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}
	if pred.MCC != "5814" {
		t.Errorf("mcc = %s, want cached terminal answer 5814", pred.MCC)
	}
	// Single terminal source at weight 0.20
	want := 0.9 * 0.20
	if math.Abs(pred.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", pred.Confidence, want)
	}
}

func TestPredictMCCUsesNearbyBuckets(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	// A confident bucket ~100m from the query point
	if _, err := e.locations.Update(ctx, cache.LocationUpdate{
		Lat: 40.758900, Lng: -73.985100, MCC: "5812", Confidence: 0.8, Success: true,
	}); err != nil {
		t.Fatalf("seed location: %v", err)
	}

	pred, err := e.PredictMCC(ctx, Query{Lat: 40.758000, Lng: -73.985100})
	if err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}
	if pred.MCC != "5812" {
		t.Errorf("mcc = %s, want nearby bucket answer 5812", pred.MCC)
	}
	if pred.Method != pkg.SourceHistorical {
		t.Errorf("method = %s, want historical", pred.Method)
	}
}

func TestPredictMCCNoEvidence(t *testing.T) {
	e := testEngine()
	if _, err := e.PredictMCC(context.Background(), Query{Lat: 40.758, Lng: -73.9851}); !errors.Is(err, pkg.ErrNoPrediction) {
		t.Errorf("error = %v, want ErrNoPrediction", err)
	}
}

func TestPredictMCCInvalidCoordinate(t *testing.T) {
	e := testEngine()
	if _, err := e.PredictMCC(context.Background(), Query{Lat: 91, Lng: 0}); !errors.Is(err, pkg.ErrInvalidCoordinate) {
		t.Errorf("error = %v, want ErrInvalidCoordinate", err)
	}
}

func TestPredictMCCWritesBack(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	_, err := e.PredictMCC(ctx, Query{
		Lat: 40.758, Lng: -73.9851, TerminalID: "T-new",
		Sources: []pkg.PredictionSource{
			{Method: pkg.SourceLocation, MCC: "5812", Confidence: 0.8},
		},
	})
	if err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}

	rec, ok := e.terminals.Get("T-new")
	if !ok {
		t.Fatal("prediction should create the terminal record")
	}
	if rec.MCC != "5812" || rec.Location == nil {
		t.Errorf("written record = %+v, want mcc 5812 with location", rec)
	}
	if e.locations.Count() != 1 {
		t.Errorf("location bucket count = %d, want 1", e.locations.Count())
	}
}

func TestConfirmMCCMovesAccuracy(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	// Unverified prediction, then a confirmed success on the same spot
	if _, err := e.PredictMCC(ctx, Query{
		Lat: 40.758, Lng: -73.9851,
		Sources: []pkg.PredictionSource{{Method: pkg.SourceLocation, MCC: "5812", Confidence: 0.8}},
	}); err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}
	if err := e.ConfirmMCC(ctx, Feedback{
		Lat: 40.758, Lng: -73.9851, MCC: "5812", Confidence: 0.8, Success: true,
	}); err != nil {
		t.Fatalf("ConfirmMCC should not error: %v", err)
	}

	results, err := e.locations.NearbySearch(40.758, -73.9851, 100, 1, -1)
	if err != nil || len(results) != 1 {
		t.Fatalf("NearbySearch = %d results, %v", len(results), err)
	}
	rec := results[0].Record
	if rec.PredictionCount != 2 || rec.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 2/1", rec.PredictionCount, rec.SuccessCount)
	}
	if rec.AccuracyRate != 0.5 {
		t.Errorf("accuracy_rate = %v, want 0.5", rec.AccuracyRate)
	}
	if !rec.IsVerified || rec.VerificationSource != pkg.VerifiedFeedback {
		t.Errorf("verification = %v/%s, want feedback-verified", rec.IsVerified, rec.VerificationSource)
	}
}

func TestPredictionObserverFires(t *testing.T) {
	e := testEngine()

	var got PredictionEvent
	e.OnPrediction = func(ev PredictionEvent) { got = ev }

	if _, err := e.PredictMCC(context.Background(), Query{
		Lat: 40.758, Lng: -73.9851,
		Sources: []pkg.PredictionSource{{Method: pkg.SourceLocation, MCC: "5812", Confidence: 0.8}},
	}); err != nil {
		t.Fatalf("PredictMCC should not error: %v", err)
	}
	if got.MCC != "5812" || got.Lat != 40.758 {
		t.Errorf("observer saw %+v", got)
	}
}

func TestSessionRoundTripThroughEngine(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	var events []SessionEvent
	e.OnSession = func(ev SessionEvent) { events = append(events, ev) }

	sess, err := e.StartSession(ctx, "user-1", sessionConfig())
	if err != nil {
		t.Fatalf("StartSession should not error: %v", err)
	}

	lat := 40.758
	for i := 0; i < 3; i++ {
		lat += 0.001
		res, err := e.UpdateSession(ctx, sess.SessionID, pkg.LocationSample{
			Lat: lat, Lng: -73.9851, AccuracyMeters: 10, Timestamp: time.Now(),
		}, []pkg.PredictionSource{
			{Method: pkg.SourceWiFi, MCC: "5812", Confidence: 0.4 + float64(i)*0.1},
		})
		if err != nil {
			t.Fatalf("UpdateSession should not error: %v", err)
		}
		if !res.Accepted {
			t.Fatalf("update %d declined: %+v", i, res)
		}
	}

	best, err := e.OptimalMCC(sess.SessionID)
	if err != nil {
		t.Fatalf("OptimalMCC should not error: %v", err)
	}
	if best.MCC != "5812" {
		t.Errorf("optimal mcc = %s, want 5812", best.MCC)
	}

	final, err := e.StopSession(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("StopSession should not error: %v", err)
	}
	if final.Status != session.StatusCompleted || final.LocationCount != 3 {
		t.Errorf("final = %+v, want completed with 3 locations", final)
	}

	if len(events) != 2 {
		t.Fatalf("session events = %d, want start and stop", len(events))
	}
	if events[0].Status != session.StatusActive || events[1].Status != session.StatusCompleted {
		t.Errorf("event statuses = %s/%s", events[0].Status, events[1].Status)
	}
}

func TestUpdateSessionWithoutEvidence(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	sess, err := e.StartSession(ctx, "user-1", sessionConfig())
	if err != nil {
		t.Fatalf("StartSession should not error: %v", err)
	}

	res, err := e.UpdateSession(ctx, sess.SessionID, pkg.LocationSample{
		Lat: 40.758, Lng: -73.9851, Timestamp: time.Now(),
	}, nil)
	if err != nil {
		t.Fatalf("bare sample should still advance the session: %v", err)
	}
	if !res.Accepted || res.PredictionCount != 0 {
		t.Errorf("result = %+v, want accepted with no prediction", res)
	}

	if _, err := e.OptimalMCC(sess.SessionID); !errors.Is(err, pkg.ErrNoPrediction) {
		t.Errorf("error = %v, want ErrNoPrediction", err)
	}
}

func TestDeclinedUpdateLeavesCachesUntouched(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	cfg := sessionConfig()
	cfg.MinDistanceFilterMeters = 100
	sess, err := e.StartSession(ctx, "user-1", cfg)
	if err != nil {
		t.Fatalf("StartSession should not error: %v", err)
	}

	base := time.Now()
	evidence := []pkg.PredictionSource{{Method: pkg.SourceWiFi, MCC: "5812", Confidence: 0.8}}

	res, err := e.UpdateSession(ctx, sess.SessionID, pkg.LocationSample{
		Lat: 40.758000, Lng: -73.9851, Timestamp: base,
	}, evidence)
	if err != nil || !res.Accepted {
		t.Fatalf("first update = %+v, %v; want accepted", res, err)
	}

	// ~5m north of the last point, under the 100m filter
	res, err = e.UpdateSession(ctx, sess.SessionID, pkg.LocationSample{
		Lat: 40.758045, Lng: -73.9851, Timestamp: base.Add(time.Second),
	}, evidence)
	if err != nil {
		t.Fatalf("declined update should not error: %v", err)
	}
	if res.Accepted || res.Reason != session.ReasonTooSoon {
		t.Fatalf("result = %+v, want declined too_soon", res)
	}

	results, err := e.locations.NearbySearch(40.758, -73.9851, 100, 5, 0)
	if err != nil || len(results) != 1 {
		t.Fatalf("NearbySearch = %d results, %v; want the one committed bucket", len(results), err)
	}
	if got := results[0].Record.PredictionCount; got != 1 {
		t.Errorf("prediction_count = %d, want 1; declined update must not write back", got)
	}
}

func TestUpdateSessionDeadSessionWritesNothing(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	sess, err := e.StartSession(ctx, "user-1", sessionConfig())
	if err != nil {
		t.Fatalf("StartSession should not error: %v", err)
	}
	if _, err := e.StopSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("StopSession should not error: %v", err)
	}

	evidence := []pkg.PredictionSource{{Method: pkg.SourceWiFi, MCC: "5812", Confidence: 0.8}}
	sample := pkg.LocationSample{Lat: 40.758, Lng: -73.9851, Timestamp: time.Now()}

	if _, err := e.UpdateSession(ctx, sess.SessionID, sample, evidence); !errors.Is(err, pkg.ErrSessionTerminated) {
		t.Fatalf("error = %v, want ErrSessionTerminated", err)
	}
	if _, err := e.UpdateSession(ctx, "no-such-session", sample, evidence); !errors.Is(err, pkg.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}

	if n := e.locations.Count(); n != 0 {
		t.Errorf("location bucket count = %d, want 0; dead-session updates must not write back", n)
	}
}

type failingLocationStore struct{}

func (failingLocationStore) UpsertLocation(context.Context, cache.LocationRecord) error {
	return errors.New("disk full")
}

func (failingLocationStore) DeleteLocations(context.Context, []string) error {
	return errors.New("disk full")
}

type failingRecorder struct{}

func (failingRecorder) SaveSession(context.Context, session.Session) error {
	return errors.New("disk full")
}

func TestStoreErrorObserverFires(t *testing.T) {
	logger := logx.New("error")
	terminals := cache.NewTerminalCache(nil, logger)
	locations := cache.NewLocationCache(failingLocationStore{}, 50, logger)
	e := New(DefaultOptions(), terminals, locations, session.NewManager(logger),
		consensus.New(nil, 0), failingRecorder{}, logger)

	var ops []string
	e.OnStoreError = func(op string) { ops = append(ops, op) }

	ctx := context.Background()
	if _, err := e.PredictMCC(ctx, Query{
		Lat: 40.758, Lng: -73.9851,
		Sources: []pkg.PredictionSource{{Method: pkg.SourceLocation, MCC: "5812", Confidence: 0.8}},
	}); err != nil {
		t.Fatalf("a failed write-back must not fail the prediction: %v", err)
	}
	if _, err := e.StartSession(ctx, "user-1", sessionConfig()); err != nil {
		t.Fatalf("a failed snapshot must not fail the start: %v", err)
	}

	want := []string{"upsert_location", "save_session"}
	if len(ops) != len(want) {
		t.Fatalf("store error operations = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("operation[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
}

func TestCacheStatistics(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	e.terminals.Seed(cache.TerminalRecord{TerminalID: "T-001", MCC: "5812", Confidence: 0.8, Location: &geo.Point{Lat: 40.758, Lng: -73.9851}})
	if _, err := e.locations.Update(ctx, cache.LocationUpdate{Lat: 40.758, Lng: -73.9851, MCC: "5812", Confidence: 0.6}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	if _, err := e.StartSession(ctx, "user-1", sessionConfig()); err != nil {
		t.Fatalf("StartSession should not error: %v", err)
	}

	stats := e.CacheStatistics()
	if stats.TerminalCount != 1 || stats.LocationCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", stats.TerminalCount, stats.LocationCount)
	}
	if stats.AvgConfidences["terminal"] != 0.8 || stats.AvgConfidences["location"] != 0.6 {
		t.Errorf("avg confidences = %+v", stats.AvgConfidences)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}
}
