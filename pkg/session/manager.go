// Package session manages background observation sessions: bounded-duration
// tracking streams that feed location and prediction evidence into the engine.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether a status admits no further transitions
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// Config bounds one observation session
type Config struct {
	DurationMinutes         int     `json:"session_duration_minutes"`
	UpdateIntervalSeconds   int     `json:"update_interval_seconds"`
	MinDistanceFilterMeters float64 `json:"min_distance_filter_meters"`
}

// DefaultConfig returns the standard session bounds
func DefaultConfig() Config {
	return Config{
		DurationMinutes:         30,
		UpdateIntervalSeconds:   30,
		MinDistanceFilterMeters: 25,
	}
}

// Validate enforces the allowed configuration ranges
func (c Config) Validate() error {
	if c.DurationMinutes < 1 || c.DurationMinutes > 1440 {
		return fmt.Errorf("session duration must be 1-1440 minutes, got %d", c.DurationMinutes)
	}
	if c.UpdateIntervalSeconds < 1 || c.UpdateIntervalSeconds > 3600 {
		return fmt.Errorf("update interval must be 1-3600 seconds, got %d", c.UpdateIntervalSeconds)
	}
	if c.MinDistanceFilterMeters < 0 || c.MinDistanceFilterMeters > 1000 {
		return fmt.Errorf("distance filter must be 0-1000 meters, got %v", c.MinDistanceFilterMeters)
	}
	return nil
}

// Session is the externally visible state of one observation session
type Session struct {
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	Status              Status    `json:"status"`
	StartTime           time.Time `json:"start_time"`
	LastUpdate          time.Time `json:"last_update"`
	ExpiresAt           time.Time `json:"expires_at"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	LocationCount       int       `json:"location_count"`
	PredictionCount     int       `json:"prediction_count"`
	TotalDistanceMeters float64   `json:"total_distance_meters"`
	Config              Config    `json:"config"`
}

// Rejection reasons for soft-declined updates
const (
	ReasonTooSoon        = "too_soon"
	ReasonPaused         = "paused"
	ReasonStaleTimestamp = "stale_timestamp"
)

// UpdateResult reports the outcome of one location update. A declined update
// is not an error: the caller keeps streaming.
type UpdateResult struct {
	Accepted        bool    `json:"accepted"`
	Reason          string  `json:"reason,omitempty"`
	LocationCount   int     `json:"location_count"`
	PredictionCount int     `json:"prediction_count"`
	DistanceMeters  float64 `json:"distance_meters"`
}

// windowSize bounds the per-session prediction history so memory stays
// constant regardless of session length
const windowSize = 32

// windowEntry is one retained prediction observation
type windowEntry struct {
	prediction pkg.Prediction
	observedAt time.Time
}

// state is the internal session record; its mutex serializes all access to
// one session without blocking others
type state struct {
	mu           sync.Mutex
	session      Session
	lastLoc      *geo.Point
	lastSampleTS time.Time
	window       []windowEntry
}

// Manager owns the session table and the lifecycle state machine
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*state
	logger   *logx.Logger

	now func() time.Time
}

// NewManager creates an empty session manager
func NewManager(logger *logx.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*state),
		logger:   logger,
		now:      time.Now,
	}
}

// Start creates a new active session for a user
func (m *Manager) Start(userID string, cfg Config) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("session start: empty user id")
	}
	if err := cfg.Validate(); err != nil {
		return Session{}, fmt.Errorf("session start: %w", err)
	}

	now := m.now()
	sess := Session{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		Status:     StatusActive,
		StartTime:  now,
		LastUpdate: now,
		ExpiresAt:  now.Add(time.Duration(cfg.DurationMinutes) * time.Minute),
		Config:     cfg,
	}

	m.mu.Lock()
	m.sessions[sess.SessionID] = &state{session: sess}
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", sess.SessionID,
		"user_id", userID,
		"expires_at", sess.ExpiresAt,
	)
	return sess, nil
}

// lookup finds a session's state
func (m *Manager) lookup(sessionID string) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkg.ErrSessionNotFound, sessionID)
	}
	return st, nil
}

// expireLocked flips a session past its deadline to expired. Expiry is
// checked lazily on every access so no sweep is required for correctness.
// Caller holds st.mu.
func (m *Manager) expireLocked(st *state, now time.Time) {
	if !st.session.Status.terminal() && now.After(st.session.ExpiresAt) {
		st.session.Status = StatusExpired
		st.session.CompletedAt = now
	}
}

// Update applies one location sample (and optionally the prediction fused
// from its evidence) to an active session. Samples closer than the distance
// filter, older than the last accepted sample, or arriving while paused are
// declined softly.
func (m *Manager) Update(sessionID string, sample pkg.LocationSample, prediction *pkg.Prediction) (UpdateResult, error) {
	if err := pkg.ValidateCoordinate(sample.Lat, sample.Lng); err != nil {
		return UpdateResult{}, err
	}

	st, err := m.lookup(sessionID)
	if err != nil {
		return UpdateResult{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	m.expireLocked(st, now)
	if st.session.Status.terminal() {
		return UpdateResult{}, fmt.Errorf("%w: %s is %s", pkg.ErrSessionTerminated, sessionID, st.session.Status)
	}

	result := UpdateResult{
		LocationCount:   st.session.LocationCount,
		PredictionCount: st.session.PredictionCount,
	}

	if st.session.Status == StatusPaused {
		result.Reason = ReasonPaused
		return result, nil
	}
	if !sample.Timestamp.IsZero() && sample.Timestamp.Before(st.lastSampleTS) {
		// Duplicate or out-of-order delivery from the device stream
		result.Reason = ReasonStaleTimestamp
		return result, nil
	}

	point := geo.Point{Lat: sample.Lat, Lng: sample.Lng}
	var moved float64
	if st.lastLoc != nil {
		moved = geo.Distance(*st.lastLoc, point)
		if moved < st.session.Config.MinDistanceFilterMeters {
			result.Reason = ReasonTooSoon
			return result, nil
		}
		st.session.TotalDistanceMeters += moved
	}

	st.lastLoc = &point
	if !sample.Timestamp.IsZero() {
		st.lastSampleTS = sample.Timestamp
	}
	st.session.LocationCount++
	st.session.LastUpdate = now
	if prediction != nil {
		st.session.PredictionCount++
		st.window = append(st.window, windowEntry{prediction: *prediction, observedAt: now})
		if len(st.window) > windowSize {
			st.window = st.window[1:]
		}
	}

	result.Accepted = true
	result.LocationCount = st.session.LocationCount
	result.PredictionCount = st.session.PredictionCount
	result.DistanceMeters = moved
	return result, nil
}

// Pause suspends an active session
func (m *Manager) Pause(sessionID string) (Session, error) {
	return m.transition(sessionID, func(st *state) error {
		if st.session.Status != StatusActive {
			return fmt.Errorf("cannot pause %s session %s", st.session.Status, st.session.SessionID)
		}
		st.session.Status = StatusPaused
		return nil
	})
}

// Resume reactivates a paused session; counters are preserved
func (m *Manager) Resume(sessionID string) (Session, error) {
	return m.transition(sessionID, func(st *state) error {
		if st.session.Status != StatusPaused {
			return fmt.Errorf("cannot resume %s session %s", st.session.Status, st.session.SessionID)
		}
		st.session.Status = StatusActive
		return nil
	})
}

// Stop completes a session explicitly and returns its final state
func (m *Manager) Stop(sessionID string) (Session, error) {
	return m.transition(sessionID, func(st *state) error {
		st.session.Status = StatusCompleted
		st.session.CompletedAt = m.now()
		return nil
	})
}

// Cancel aborts a session without completing it
func (m *Manager) Cancel(sessionID string) (Session, error) {
	return m.transition(sessionID, func(st *state) error {
		st.session.Status = StatusCancelled
		st.session.CompletedAt = m.now()
		return nil
	})
}

// Extend pushes the expiry deadline forward on a live session
func (m *Manager) Extend(sessionID string, minutes int) (Session, error) {
	if minutes <= 0 {
		return Session{}, fmt.Errorf("session extend: minutes must be positive, got %d", minutes)
	}
	return m.transition(sessionID, func(st *state) error {
		st.session.ExpiresAt = st.session.ExpiresAt.Add(time.Duration(minutes) * time.Minute)
		return nil
	})
}

// transition applies fn to a live session under its lock, after lazy expiry
func (m *Manager) transition(sessionID string, fn func(*state) error) (Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	m.expireLocked(st, m.now())
	if st.session.Status.terminal() {
		return Session{}, fmt.Errorf("%w: %s is %s", pkg.ErrSessionTerminated, sessionID, st.session.Status)
	}
	if err := fn(st); err != nil {
		return Session{}, err
	}
	return st.session, nil
}

// Get returns the session's current state, applying lazy expiry
func (m *Manager) Get(sessionID string) (Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	m.expireLocked(st, m.now())
	return st.session, nil
}

// OptimalPrediction returns the highest-confidence prediction observed over
// the session's retained window, not merely the most recent one. The second
// return is false when the session has no predictions yet.
func (m *Manager) OptimalPrediction(sessionID string) (pkg.Prediction, bool, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return pkg.Prediction{}, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	m.expireLocked(st, m.now())

	if len(st.window) == 0 {
		return pkg.Prediction{}, false, nil
	}
	best := st.window[0]
	for _, entry := range st.window[1:] {
		if entry.prediction.Confidence > best.prediction.Confidence {
			best = entry
		}
	}
	return best.prediction, true, nil
}

// Reap flips every live session past its deadline to expired and returns how
// many were flipped. Terminal sessions are left untouched.
func (m *Manager) Reap(now time.Time) int {
	m.mu.RLock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	expired := 0
	for _, st := range states {
		st.mu.Lock()
		if !st.session.Status.terminal() && now.After(st.session.ExpiresAt) {
			st.session.Status = StatusExpired
			st.session.CompletedAt = now
			expired++
		}
		st.mu.Unlock()
	}

	if expired > 0 {
		m.logger.Info("expired sessions reaped", "count", expired)
	}
	return expired
}

// ActiveCount returns the number of sessions currently in a live state
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, st := range m.sessions {
		st.mu.Lock()
		if !st.session.Status.terminal() {
			count++
		}
		st.mu.Unlock()
	}
	return count
}
