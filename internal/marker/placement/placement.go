// Package placement runs the per-marker anchor lifecycle:
// Tracking -> PlacementInProgress -> Placed, with timeout abandonment out
// of Tracking. Anchor creation is two-phase: the machine issues an
// asynchronous request tagged with a one-shot token and holds the marker
// in PlacementInProgress until the completion callback resolves it.
package placement

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/keepout"
)

// State is the lifecycle state of one tracked marker.
type State int

const (
	StateTracking State = iota
	StateInProgress
	StatePlaced
)

func (s State) String() string {
	switch s {
	case StateTracking:
		return "tracking"
	case StateInProgress:
		return "in_progress"
	case StatePlaced:
		return "placed"
	default:
		return "unknown"
	}
}

// Record is the per-marker placement bookkeeping. Copies of it are
// returned by snapshot accessors.
type Record struct {
	MarkerID       string
	State          State
	StableFrames   int
	FirstSeen      time.Time
	LastSeen       time.Time
	LastPosition   r3.Vec
	LastRotation   geom.Quat
	LastConfidence float64
	AnchorHandle   string
	PendingToken   uuid.UUID
}

// CreateRequest is one asynchronous anchor-creation request. The token
// identifies the request in the later Resolve call and is never reused.
type CreateRequest struct {
	Token    uuid.UUID
	MarkerID string
	Position r3.Vec
	Rotation geom.Quat
}

// AnchorService is the external persistence collaborator. CreateAnchor
// must not block; its outcome arrives later via Machine.Resolve.
type AnchorService interface {
	CreateAnchor(req CreateRequest)
	EraseAnchor(handle string) error
}

// Observer receives anchor lifecycle notifications. It is supplied at
// construction; the machine never broadcasts through globals.
type Observer interface {
	AnchorPlaced(markerID, anchorHandle string)
	AnchorRemoved(markerID string)
}

// Machine owns the placement records for all markers. It is not
// goroutine-safe; the pipeline's single processing path is the only
// caller.
type Machine struct {
	cfg      *config.TuningConfig
	zones    *keepout.Registry
	layout   *marker.Layout
	service  AnchorService
	observer Observer

	records map[string]*Record
	pending map[uuid.UUID]string
}

// NewMachine returns an empty placement machine.
func NewMachine(cfg *config.TuningConfig, zones *keepout.Registry, layout *marker.Layout, service AnchorService, observer Observer) *Machine {
	return &Machine{
		cfg:      cfg,
		zones:    zones,
		layout:   layout,
		service:  service,
		observer: observer,
		records:  make(map[string]*Record),
		pending:  make(map[uuid.UUID]string),
	}
}

// Observe advances the marker's state machine for one tick. The pose must
// already have passed validation and smoothing; confidence is this tick's
// estimate for the marker.
func (m *Machine) Observe(pose marker.FilteredPose, confidence float64, now time.Time) {
	rec, ok := m.records[pose.MarkerID]
	if !ok {
		rec = &Record{
			MarkerID:     pose.MarkerID,
			State:        StateTracking,
			FirstSeen:    now,
			LastPosition: pose.Position,
			LastRotation: pose.Rotation,
		}
		m.records[pose.MarkerID] = rec
	}

	if rec.State == StatePlaced || rec.State == StateInProgress {
		rec.LastSeen = now
		return
	}

	// A candidate inside another marker's keep-out zone makes no
	// stability progress at all.
	if m.zones.Contains(pose.Position, pose.MarkerID) {
		rec.LastSeen = now
		return
	}

	moved := geom.Dist(pose.Position, rec.LastPosition) > m.cfg.GetMovementEpsilon()
	switch {
	case moved:
		rec.StableFrames = 0
	case confidence >= m.cfg.GetPlacementConfidenceThreshold():
		rec.StableFrames++
	default:
		rec.StableFrames = 0
	}

	rec.LastSeen = now
	rec.LastPosition = pose.Position
	rec.LastRotation = pose.Rotation
	rec.LastConfidence = confidence

	if rec.StableFrames >= m.cfg.GetRequiredStableFrames() &&
		rec.LastConfidence >= m.cfg.GetPlacementConfidenceThreshold() &&
		now.Sub(rec.FirstSeen) <= m.cfg.GetPlacementTimeout() {
		m.beginPlacement(rec, now)
	}
}

// beginPlacement inserts the oversized temporary zone synchronously, so a
// coincident marker observed later in the same tick is already excluded,
// then issues the asynchronous create.
func (m *Machine) beginPlacement(rec *Record, now time.Time) {
	m.zones.Upsert(rec.MarkerID, rec.LastPosition, m.zones.PendingRadiusFor(m.markerSize(rec.MarkerID)), false, now)

	token := uuid.New()
	rec.State = StateInProgress
	rec.PendingToken = token
	m.pending[token] = rec.MarkerID

	m.service.CreateAnchor(CreateRequest{
		Token:    token,
		MarkerID: rec.MarkerID,
		Position: rec.LastPosition,
		Rotation: rec.LastRotation,
	})
}

// Resolve completes an in-flight creation request. A token resolves at
// most once; unknown or stale tokens are ignored. On success the marker
// becomes Placed and its zone shrinks to final radius; on failure it
// returns to Tracking with its stable-frame count intact, permitting an
// immediate retry.
func (m *Machine) Resolve(token uuid.UUID, anchorHandle string, failed bool, now time.Time) {
	markerID, ok := m.pending[token]
	if !ok {
		return
	}
	delete(m.pending, token)

	rec, ok := m.records[markerID]
	if !ok || rec.State != StateInProgress || rec.PendingToken != token {
		return
	}
	rec.PendingToken = uuid.Nil

	if failed {
		rec.State = StateTracking
		m.zones.Remove(markerID)
		if m.observer != nil {
			m.observer.AnchorRemoved(markerID)
		}
		return
	}

	rec.State = StatePlaced
	rec.AnchorHandle = anchorHandle
	m.zones.Upsert(markerID, rec.LastPosition, m.zones.RadiusFor(m.markerSize(markerID)), true, now)
	if m.observer != nil {
		m.observer.AnchorPlaced(markerID, anchorHandle)
	}
}

// ResetStableFrames zeroes the marker's stability counter. The pipeline
// calls it when an observation fails validation: a rejected frame makes
// no placement progress.
func (m *Machine) ResetStableFrames(markerID string) {
	if rec, ok := m.records[markerID]; ok && rec.State == StateTracking {
		rec.StableFrames = 0
	}
}

// Sweep discards tracking state for markers that have fallen out of the
// observation stream past the eviction window once the placement timeout
// has elapsed. Placed and in-flight records are never swept.
func (m *Machine) Sweep(now time.Time) {
	evictAfter := m.cfg.GetTrackingEvictAfter()
	timeout := m.cfg.GetPlacementTimeout()
	for id, rec := range m.records {
		if rec.State != StateTracking {
			continue
		}
		if now.Sub(rec.LastSeen) > evictAfter && now.Sub(rec.FirstSeen) > timeout {
			delete(m.records, id)
		}
	}
	m.zones.SweepExpired(now)
}

// RestoreAnchor seeds a Placed record from a persisted anchor at startup
// and installs its confirmed keep-out zone.
func (m *Machine) RestoreAnchor(a marker.Anchor, now time.Time) {
	m.records[a.MarkerID] = &Record{
		MarkerID:     a.MarkerID,
		State:        StatePlaced,
		FirstSeen:    a.CreatedAt,
		LastSeen:     now,
		LastPosition: a.Position,
		LastRotation: a.Rotation,
		AnchorHandle: a.Handle,
	}
	m.zones.Upsert(a.MarkerID, a.Position, m.zones.RadiusFor(m.markerSize(a.MarkerID)), true, now)
}

// RemoveAnchor erases the marker's anchor from the persistence service,
// drops its zone and record, and notifies the observer.
func (m *Machine) RemoveAnchor(markerID string) error {
	rec, ok := m.records[markerID]
	if !ok || rec.State != StatePlaced {
		return nil
	}
	if err := m.service.EraseAnchor(rec.AnchorHandle); err != nil {
		return err
	}
	m.zones.Remove(markerID)
	delete(m.records, markerID)
	if m.observer != nil {
		m.observer.AnchorRemoved(markerID)
	}
	return nil
}

// Anchors returns the confirmed anchors, one per placed marker.
func (m *Machine) Anchors() []marker.Anchor {
	out := make([]marker.Anchor, 0, len(m.records))
	for _, rec := range m.records {
		if rec.State != StatePlaced {
			continue
		}
		out = append(out, marker.Anchor{
			MarkerID:  rec.MarkerID,
			Handle:    rec.AnchorHandle,
			Position:  rec.LastPosition,
			Rotation:  rec.LastRotation,
			CreatedAt: rec.FirstSeen,
		})
	}
	return out
}

// Records returns a snapshot copy of all placement records.
func (m *Machine) Records() []Record {
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// RecordFor returns a copy of the marker's record if one exists.
func (m *Machine) RecordFor(markerID string) (Record, bool) {
	rec, ok := m.records[markerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (m *Machine) markerSize(markerID string) float64 {
	if e, ok := m.layout.Entry(markerID); ok {
		return e.PhysicalSize
	}
	return 0
}
