// Package pipeline ties the marker stages together: per tick, raw
// observations are guarded, validated, smoothed and scored, the placement
// machine advances, completed anchor creations are applied, and the
// alignment solver re-evaluates the correspondence set.
//
// All per-marker state is owned by the single goroutine calling Tick. A
// read lock guards only the public snapshot accessors.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/alignment"
	"github.com/banshee-data/position.report/internal/marker/confidence"
	"github.com/banshee-data/position.report/internal/marker/keepout"
	"github.com/banshee-data/position.report/internal/marker/placement"
	"github.com/banshee-data/position.report/internal/marker/posefilter"
)

// AnchorStore is the persistence surface the engine needs. It is
// satisfied by storage/sqlite.Store; a nil store runs the engine fully
// in memory.
type AnchorStore interface {
	SaveAnchor(a marker.Anchor) error
	DeleteAnchor(handle string) error
	LoadAnchors() ([]marker.Anchor, error)
	SaveAlignment(fingerprint string, res alignment.Result) error
	LoadAlignment(fingerprint string) (alignment.Result, bool, error)
}

// completion is the outcome of one asynchronous anchor creation, queued
// until the next tick drains it.
type completion struct {
	token  uuid.UUID
	handle string
	failed bool
}

// Engine runs the full marker pipeline.
type Engine struct {
	cfg    *config.TuningConfig
	layout *marker.Layout
	store  AnchorStore

	hist      *posefilter.History
	validator *posefilter.Validator
	smoother  *posefilter.Smoother
	estimator *confidence.Estimator
	zones     *keepout.Registry
	machine   *placement.Machine
	solver    *alignment.Solver

	poses       map[string]*marker.FilteredPose
	confidences map[string]float64

	completions chan completion
	lastTick    time.Time

	mu sync.RWMutex
}

// NewEngine assembles a pipeline over the given layout. store may be nil
// for an in-memory session; observer may be nil when the caller does not
// need lifecycle notifications.
func NewEngine(cfg *config.TuningConfig, layout *marker.Layout, store AnchorStore, observer placement.Observer) *Engine {
	e := &Engine{
		cfg:         cfg,
		layout:      layout,
		store:       store,
		hist:        posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow()),
		poses:       make(map[string]*marker.FilteredPose),
		confidences: make(map[string]float64),
		completions: make(chan completion, 64),
	}
	e.validator = posefilter.NewValidator(cfg, e.hist)
	e.smoother = posefilter.NewSmoother(cfg)
	e.estimator = confidence.NewEstimator(cfg, e.hist)
	e.zones = keepout.NewRegistry(cfg)
	e.solver = alignment.NewSolver(cfg)
	e.machine = placement.NewMachine(cfg, e.zones, layout,
		&anchorCreator{store: store, completions: e.completions}, observer)
	return e
}

// RestorePersistedState loads anchors and, when its fingerprint matches
// the active layout, the cached alignment. Call once before the first
// Tick.
func (e *Engine) RestorePersistedState(now time.Time) error {
	if e.store == nil {
		return nil
	}

	anchors, err := e.store.LoadAnchors()
	if err != nil {
		return err
	}
	for _, a := range anchors {
		e.machine.RestoreAnchor(a, now)
	}
	if len(anchors) > 0 {
		Opsf("restored %d persisted anchors", len(anchors))
	}

	res, found, err := e.store.LoadAlignment(e.layout.Fingerprint())
	if err != nil {
		return err
	}
	if found {
		e.solver.Restore(res)
		Opsf("restored cached alignment: yaw=%.3f rad rms=%.3f over %d correspondences",
			res.YawRad, res.RMSError, res.Correspondences)
	}
	return nil
}

// Tick runs one detection cycle over the tick's observations. It returns
// false when the call arrives faster than the configured detection rate
// and was skipped; the display loop may run much faster than detection.
func (e *Engine) Tick(observations []marker.Observation, now time.Time) bool {
	minInterval := time.Duration(float64(time.Second) / e.cfg.GetDetectionTickRate())
	if !e.lastTick.IsZero() && now.Sub(e.lastTick) < minInterval {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTick = now

	for _, obs := range observations {
		e.processObservation(obs, now)
	}

	// Completed creations apply before correspondences are rebuilt, so
	// the solver never sees an in-flight or failed placement.
	e.drainCompletions(now)
	e.updateAlignment()
	e.machine.Sweep(now)
	return true
}

func (e *Engine) processObservation(obs marker.Observation, now time.Time) {
	if !obs.IsFinite() {
		Tracef("marker %s: dropped non-finite observation", obs.MarkerID)
		return
	}

	if !e.validator.Validate(obs.MarkerID, obs.Position, obs.Rotation, obs.Distance, now) {
		Diagf("marker %s: observation rejected at distance %.2f", obs.MarkerID, obs.Distance)
		e.machine.ResetStableFrames(obs.MarkerID)
		return
	}
	e.hist.Record(obs)

	pose, ok := e.poses[obs.MarkerID]
	if !ok {
		pose = &marker.FilteredPose{MarkerID: obs.MarkerID}
		e.poses[obs.MarkerID] = pose
	}

	dt := 0.0
	if !pose.LastUpdate.IsZero() {
		dt = obs.Timestamp.Sub(pose.LastUpdate).Seconds()
	}

	pose.FrameCount++
	// Initialization is monotonic: once flipped it never reverts while
	// the marker stays tracked.
	if !pose.Initialized && pose.FrameCount >= e.cfg.GetMinInitFrames() {
		pose.Initialized = true
		Diagf("marker %s: initialized after %d frames", obs.MarkerID, pose.FrameCount)
	}

	pos, rot := e.smoother.Smooth(*pose, obs, dt, obs.Distance)
	pose.RawPosition = obs.Position
	pose.RawRotation = obs.Rotation
	pose.Position = pos
	pose.Rotation = rot
	pose.LastUpdate = obs.Timestamp
	pose.LastDistance = obs.Distance

	conf := e.estimator.Estimate(*pose, now)
	e.confidences[obs.MarkerID] = conf
	Tracef("marker %s: pos=(%.3f,%.3f,%.3f) conf=%.2f", obs.MarkerID, pos.X, pos.Y, pos.Z, conf)

	e.machine.Observe(*pose, conf, now)
}

func (e *Engine) drainCompletions(now time.Time) {
	for {
		select {
		case c := <-e.completions:
			if c.failed {
				Opsf("anchor creation failed, reverting to tracking")
			}
			e.machine.Resolve(c.token, c.handle, c.failed, now)
		default:
			return
		}
	}
}

func (e *Engine) updateAlignment() {
	corrs := e.correspondences()
	if !e.solver.Update(corrs) {
		return
	}

	res, _ := e.solver.Current()
	Opsf("alignment updated: yaw=%.3f rad t=(%.3f,%.3f,%.3f) rms=%.3f over %d correspondences",
		res.YawRad, res.Translation.X, res.Translation.Y, res.Translation.Z,
		res.RMSError, res.Correspondences)

	if e.store != nil {
		if err := e.store.SaveAlignment(e.layout.Fingerprint(), res); err != nil {
			Opsf("failed to persist alignment: %v", err)
		}
	}
}

// correspondences pairs each confirmed anchor with its layout entry. An
// anchor whose marker is missing from the layout contributes nothing.
func (e *Engine) correspondences() []marker.Correspondence {
	anchors := e.machine.Anchors()
	corrs := make([]marker.Correspondence, 0, len(anchors))
	for _, a := range anchors {
		entry, ok := e.layout.Entry(a.MarkerID)
		if !ok {
			continue
		}
		corrs = append(corrs, marker.Correspondence{
			MarkerID: a.MarkerID,
			Local:    a.Position,
			Global:   entry.Position,
		})
	}
	return corrs
}

// FilteredPose returns a copy of the marker's filtered pose.
func (e *Engine) FilteredPose(markerID string) (marker.FilteredPose, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pose, ok := e.poses[markerID]
	if !ok {
		return marker.FilteredPose{}, false
	}
	return *pose, true
}

// Poses returns a snapshot of all filtered poses.
func (e *Engine) Poses() []marker.FilteredPose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]marker.FilteredPose, 0, len(e.poses))
	for _, p := range e.poses {
		out = append(out, *p)
	}
	return out
}

// Confidence returns the marker's most recent confidence estimate.
func (e *Engine) Confidence(markerID string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.confidences[markerID]
	return c, ok
}

// ConfidenceBreakdown recomputes the marker's confidence factors for
// the monitor's debug surface.
func (e *Engine) ConfidenceBreakdown(markerID string, now time.Time) (confidence.Breakdown, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pose, ok := e.poses[markerID]
	if !ok {
		return confidence.Breakdown{}, false
	}
	return e.estimator.Factors(*pose, now), true
}

// CurrentAlignment returns the accepted alignment, if any.
func (e *Engine) CurrentAlignment() (alignment.Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.solver.Current()
}

// DevicePoseInGlobalFrame maps a session-frame device pose into the
// global frame. It returns false while unaligned.
func (e *Engine) DevicePoseInGlobalFrame(pos r3.Vec, rot geom.Quat) (r3.Vec, geom.Quat, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.solver.DevicePoseInGlobalFrame(pos, rot)
}

// PlacementRecords returns a snapshot of all placement records.
func (e *Engine) PlacementRecords() []placement.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Records()
}

// Anchors returns the confirmed anchors.
func (e *Engine) Anchors() []marker.Anchor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Anchors()
}

// Zones returns a snapshot of the keep-out zones.
func (e *Engine) Zones() []keepout.Zone {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.zones.Zones()
}

// RemoveAnchor erases the marker's anchor and notifies the observer.
func (e *Engine) RemoveAnchor(markerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.RemoveAnchor(markerID)
}

// anchorCreator satisfies placement.AnchorService. Creation runs off the
// tick goroutine and reports back through the completions queue; the
// outcome is applied on a later tick.
type anchorCreator struct {
	store       AnchorStore
	completions chan<- completion
}

func (c *anchorCreator) CreateAnchor(req placement.CreateRequest) {
	go func() {
		handle := uuid.NewString()
		if c.store != nil {
			err := c.store.SaveAnchor(marker.Anchor{
				MarkerID:  req.MarkerID,
				Handle:    handle,
				Position:  req.Position,
				Rotation:  req.Rotation,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				Opsf("failed to persist anchor for marker %s: %v", req.MarkerID, err)
				c.completions <- completion{token: req.Token, failed: true}
				return
			}
		}
		c.completions <- completion{token: req.Token, handle: handle}
	}()
}

func (c *anchorCreator) EraseAnchor(handle string) error {
	if c.store == nil {
		return nil
	}
	return c.store.DeleteAnchor(handle)
}
