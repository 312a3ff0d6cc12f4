// Package predictor is the facade the transport layer wraps 1:1. It pulls
// cached evidence into the source list, runs consensus, feeds the merged
// answer back through the public cache APIs, and fronts the session manager.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/cache"
	"github.com/merchsense/merchsense/pkg/consensus"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/session"
)

// Options tunes how the engine manufactures cache-derived sources
type Options struct {
	NearbyRadiusMeters  float64
	NearbyLimit         int
	MinNearbyConfidence float64
}

// DefaultOptions returns the standard engine settings
func DefaultOptions() Options {
	return Options{
		NearbyRadiusMeters:  500,
		NearbyLimit:         5,
		MinNearbyConfidence: -1, // location cache default floor
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.NearbyRadiusMeters <= 0 {
		o.NearbyRadiusMeters = d.NearbyRadiusMeters
	}
	if o.NearbyLimit <= 0 {
		o.NearbyLimit = d.NearbyLimit
	}
	return o
}

// Query is one prediction request
type Query struct {
	Lat        float64
	Lng        float64
	TerminalID string
	Sources    []pkg.PredictionSource
}

// Feedback reports the verified outcome of an earlier prediction so the
// caches can learn from it
type Feedback struct {
	Lat        float64
	Lng        float64
	TerminalID string
	MCC        string
	Confidence float64
	Success    bool
}

// Statistics is the cache overview exposed to callers
type Statistics struct {
	TerminalCount   int                `json:"terminal_count"`
	TerminalHitRate float64            `json:"terminal_hit_rate"`
	LocationCount   int                `json:"location_count"`
	LocationHitRate float64            `json:"location_hit_rate"`
	AvgConfidences  map[string]float64 `json:"avg_confidences"`
	ActiveSessions  int                `json:"active_sessions"`
}

// PredictionEvent describes one completed prediction for observers
type PredictionEvent struct {
	MCC        string    `json:"mcc"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
	TerminalID string    `json:"terminal_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	At         time.Time `json:"at"`
}

// SessionEvent describes one session lifecycle change for observers
type SessionEvent struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Status    session.Status `json:"status"`
	At        time.Time      `json:"at"`
}

// SessionRecorder logs session snapshots to durable storage
type SessionRecorder interface {
	SaveSession(ctx context.Context, sess session.Session) error
}

// Engine wires caches, consensus and sessions behind one API. The caches are
// only ever touched through their public merge operations; the engine holds
// no privileged path into them.
type Engine struct {
	opts      Options
	terminals *cache.TerminalCache
	locations *cache.LocationCache
	sessions  *session.Manager
	merger    *consensus.Merger
	trend     *TrendModel
	recorder  SessionRecorder
	logger    *logx.Logger

	// OnPrediction and OnSession, when set, observe completed operations.
	// They run synchronously and must be cheap. OnStoreError observes
	// persistence failures from the engine's best-effort writes.
	OnPrediction func(PredictionEvent)
	OnSession    func(SessionEvent)
	OnStoreError func(operation string)

	now func() time.Time
}

// New creates an engine. recorder may be nil when session snapshots are not
// persisted.
func New(opts Options, terminals *cache.TerminalCache, locations *cache.LocationCache, sessions *session.Manager, merger *consensus.Merger, recorder SessionRecorder, logger *logx.Logger) *Engine {
	return &Engine{
		opts:      opts.normalize(),
		terminals: terminals,
		locations: locations,
		sessions:  sessions,
		merger:    merger,
		trend:     NewTrendModel(),
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// PredictMCC fuses the caller's evidence with cached knowledge around the
// query point. The merged answer is written back to both caches as an
// unverified observation; ConfirmMCC later upgrades it with the real outcome.
func (e *Engine) PredictMCC(ctx context.Context, q Query) (pkg.Prediction, error) {
	pred, sourceCount, err := e.predict(q)
	if err != nil {
		return pkg.Prediction{}, err
	}
	e.commit(ctx, q, pred, sourceCount)
	return pred, nil
}

// predict fuses evidence without touching cache state, so callers can decide
// whether the result should be committed
func (e *Engine) predict(q Query) (pkg.Prediction, int, error) {
	if err := pkg.ValidateCoordinate(q.Lat, q.Lng); err != nil {
		return pkg.Prediction{}, 0, err
	}

	sources := e.gatherSources(q)
	pred, err := e.merger.Merge(sources)
	if err != nil {
		return pkg.Prediction{}, 0, err
	}
	return pred, len(sources), nil
}

// commit writes the prediction back and notifies observers
func (e *Engine) commit(ctx context.Context, q Query, pred pkg.Prediction, sourceCount int) {
	e.writeBack(ctx, q, pred)

	e.logger.Debug("prediction served",
		"mcc", pred.MCC,
		"confidence", pred.Confidence,
		"method", pred.Method,
		"sources", sourceCount)

	if e.OnPrediction != nil {
		e.OnPrediction(PredictionEvent{
			MCC:        pred.MCC,
			Confidence: pred.Confidence,
			Method:     pred.Method,
			TerminalID: q.TerminalID,
			Lat:        q.Lat,
			Lng:        q.Lng,
			At:         e.now(),
		})
	}
}

// gatherSources combines caller evidence with a terminal-cache hit and
// decay-discounted nearby location buckets
func (e *Engine) gatherSources(q Query) []pkg.PredictionSource {
	sources := make([]pkg.PredictionSource, 0, len(q.Sources)+1+e.opts.NearbyLimit)
	sources = append(sources, q.Sources...)

	if q.TerminalID != "" {
		if rec, ok := e.terminals.Get(q.TerminalID); ok {
			sources = append(sources, pkg.PredictionSource{
				Method:     pkg.SourceTerminal,
				MCC:        rec.MCC,
				Confidence: rec.Confidence,
				Evidence:   fmt.Sprintf("terminal %s, %d transactions", rec.TerminalID, rec.TransactionCount),
			})
		}
	}

	nearby, err := e.locations.NearbySearch(q.Lat, q.Lng, e.opts.NearbyRadiusMeters, e.opts.NearbyLimit, e.opts.MinNearbyConfidence)
	if err != nil {
		// Coordinates were validated upstream; log and fuse without them
		e.logger.Warn("nearby search failed", "error", err)
		return sources
	}

	now := e.now()
	for _, n := range nearby {
		age := now.Sub(n.Record.LastUpdated).Hours()
		e.trend.Observe(age, n.Record.AccuracyRate)
		sources = append(sources, pkg.PredictionSource{
			Method:     pkg.SourceHistorical,
			MCC:        n.Record.PredictedMCC,
			Confidence: n.Record.Confidence * e.trend.Factor(age),
			Evidence:   fmt.Sprintf("bucket %s at %.0fm", n.Record.LocationHash, n.DistanceMeters),
		})
	}
	return sources
}

// writeBack records the merged prediction in both caches as an unverified
// observation. Store failures are logged, not returned: the prediction
// itself already succeeded.
func (e *Engine) writeBack(ctx context.Context, q Query, pred pkg.Prediction) {
	if q.TerminalID != "" {
		_, err := e.terminals.Update(ctx, cache.TerminalUpdate{
			TerminalID: q.TerminalID,
			MCC:        pred.MCC,
			Confidence: pred.Confidence,
			Location:   &geo.Point{Lat: q.Lat, Lng: q.Lng},
		})
		if err != nil {
			e.logger.Warn("terminal write-back failed", "terminal_id", q.TerminalID, "error", err)
			e.storeError("upsert_terminal")
		}
	}

	_, err := e.locations.Update(ctx, cache.LocationUpdate{
		Lat:        q.Lat,
		Lng:        q.Lng,
		MCC:        pred.MCC,
		Confidence: pred.Confidence,
	})
	if err != nil {
		e.logger.Warn("location write-back failed", "error", err)
		e.storeError("upsert_location")
	}
}

func (e *Engine) storeError(operation string) {
	if e.OnStoreError != nil {
		e.OnStoreError(operation)
	}
}

// ConfirmMCC merges a verified outcome into the caches. This is the path
// that moves success counters and accuracy rates.
func (e *Engine) ConfirmMCC(ctx context.Context, f Feedback) error {
	if err := pkg.ValidateCoordinate(f.Lat, f.Lng); err != nil {
		return err
	}

	if f.TerminalID != "" {
		if _, err := e.terminals.Update(ctx, cache.TerminalUpdate{
			TerminalID:         f.TerminalID,
			MCC:                f.MCC,
			Confidence:         f.Confidence,
			Location:           &geo.Point{Lat: f.Lat, Lng: f.Lng},
			Success:            f.Success,
			Verified:           f.Success,
			VerificationSource: pkg.VerifiedFeedback,
		}); err != nil {
			return err
		}
	}

	_, err := e.locations.Update(ctx, cache.LocationUpdate{
		Lat:                f.Lat,
		Lng:                f.Lng,
		MCC:                f.MCC,
		Confidence:         f.Confidence,
		Success:            f.Success,
		Verified:           f.Success,
		VerificationSource: pkg.VerifiedFeedback,
	})
	return err
}

// StartSession opens a new observation session
func (e *Engine) StartSession(ctx context.Context, userID string, cfg session.Config) (session.Session, error) {
	sess, err := e.sessions.Start(userID, cfg)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// UpdateSession feeds one location sample into a session. The engine predicts
// at the sample point first and hands the fused result to the session's
// rolling window; the prediction is committed to the caches only when the
// session accepts the sample, so declined or dead-session updates leave cache
// counters untouched.
func (e *Engine) UpdateSession(ctx context.Context, sessionID string, sample pkg.LocationSample, sources []pkg.PredictionSource) (session.UpdateResult, error) {
	var pred *pkg.Prediction
	q := Query{Lat: sample.Lat, Lng: sample.Lng, Sources: sources}
	p, sourceCount, err := e.predict(q)
	switch {
	case err == nil:
		pred = &p
	case errors.Is(err, pkg.ErrNoPrediction):
		// No evidence anywhere; the sample still advances the session
	default:
		return session.UpdateResult{}, err
	}

	res, err := e.sessions.Update(sessionID, sample, pred)
	if err != nil {
		return session.UpdateResult{}, err
	}
	if res.Accepted && pred != nil {
		e.commit(ctx, q, *pred, sourceCount)
	}
	return res, nil
}

// OptimalMCC returns the best prediction seen across a session's updates
func (e *Engine) OptimalMCC(sessionID string) (pkg.Prediction, error) {
	pred, ok, err := e.sessions.OptimalPrediction(sessionID)
	if err != nil {
		return pkg.Prediction{}, err
	}
	if !ok {
		return pkg.Prediction{}, pkg.ErrNoPrediction
	}
	return pred, nil
}

// ExtendSession pushes a live session's expiry forward
func (e *Engine) ExtendSession(ctx context.Context, sessionID string, minutes int) (session.Session, error) {
	sess, err := e.sessions.Extend(sessionID, minutes)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// PauseSession suspends update acceptance without losing session state
func (e *Engine) PauseSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := e.sessions.Pause(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// ResumeSession reactivates a paused session
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := e.sessions.Resume(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// StopSession completes a session and returns its final stats
func (e *Engine) StopSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := e.sessions.Stop(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// CancelSession aborts a session
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := e.sessions.Cancel(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	e.recordSession(ctx, sess)
	return sess, nil
}

// SessionStatus returns a session snapshot, applying lazy expiry
func (e *Engine) SessionStatus(sessionID string) (session.Session, error) {
	return e.sessions.Get(sessionID)
}

// CacheStatistics summarizes both caches and the session table
func (e *Engine) CacheStatistics() Statistics {
	term := e.terminals.Stats()
	loc := e.locations.Stats()
	return Statistics{
		TerminalCount:   term.Entries,
		TerminalHitRate: term.HitRate,
		LocationCount:   loc.Entries,
		LocationHitRate: loc.HitRate,
		AvgConfidences: map[string]float64{
			"terminal": term.AvgConfidence,
			"location": loc.AvgConfidence,
		},
		ActiveSessions: e.sessions.ActiveCount(),
	}
}

// recordSession persists the snapshot and notifies observers; both are
// best-effort side channels of an already-committed transition
func (e *Engine) recordSession(ctx context.Context, sess session.Session) {
	if e.recorder != nil {
		if err := e.recorder.SaveSession(ctx, sess); err != nil {
			e.logger.Warn("session snapshot not persisted", "session_id", sess.SessionID, "error", err)
			e.storeError("save_session")
		}
	}
	if e.OnSession != nil {
		e.OnSession(SessionEvent{
			SessionID: sess.SessionID,
			UserID:    sess.UserID,
			Status:    sess.Status,
			At:        e.now(),
		})
	}
}
