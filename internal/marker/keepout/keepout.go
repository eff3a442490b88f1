// Package keepout maintains spherical exclusion volumes around placed and
// in-flight anchors. The registry is what stops two spatially coincident
// markers from both starting an anchor placement: a zone goes in
// synchronously the moment placement begins, before any asynchronous
// creation call can return.
package keepout

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
)

// Zone is a spherical exclusion volume owned by one marker. Unconfirmed
// zones expire after a bounded age; confirmed zones never do.
type Zone struct {
	MarkerID  string
	Center    r3.Vec
	Radius    float64
	CreatedAt time.Time
	Confirmed bool
}

// Registry holds at most one zone per marker.
type Registry struct {
	cfg   *config.TuningConfig
	zones map[string]Zone
}

// NewRegistry returns an empty zone registry.
func NewRegistry(cfg *config.TuningConfig) *Registry {
	return &Registry{
		cfg:   cfg,
		zones: make(map[string]Zone),
	}
}

// RadiusFor computes the final zone radius for a marker of the given
// physical size, clamped to the configured bounds.
func (r *Registry) RadiusFor(markerSize float64) float64 {
	return clampRadius(markerSize*r.cfg.GetZoneRadiusMultiplier(),
		r.cfg.GetMinZoneRadius(), r.cfg.GetMaxZoneRadius())
}

// PendingRadiusFor computes the oversized radius used while an anchor
// creation is still in flight.
func (r *Registry) PendingRadiusFor(markerSize float64) float64 {
	return clampRadius(markerSize*r.cfg.GetZoneRadiusMultiplier()*r.cfg.GetPendingZoneScale(),
		r.cfg.GetMinZoneRadius(), r.cfg.GetMaxZoneRadius())
}

// Contains reports whether the point falls inside any zone not owned by
// excludeMarkerID.
func (r *Registry) Contains(p r3.Vec, excludeMarkerID string) bool {
	for id, z := range r.zones {
		if id == excludeMarkerID {
			continue
		}
		if geom.Dist(p, z.Center) <= z.Radius {
			return true
		}
	}
	return false
}

// Upsert installs or replaces the marker's zone.
func (r *Registry) Upsert(markerID string, center r3.Vec, radius float64, confirmed bool, now time.Time) {
	created := now
	if existing, ok := r.zones[markerID]; ok {
		created = existing.CreatedAt
	}
	r.zones[markerID] = Zone{
		MarkerID:  markerID,
		Center:    center,
		Radius:    radius,
		CreatedAt: created,
		Confirmed: confirmed,
	}
}

// Remove drops the marker's zone if present.
func (r *Registry) Remove(markerID string) {
	delete(r.zones, markerID)
}

// SweepExpired removes unconfirmed zones older than the pending-zone age
// limit and returns how many were dropped. Confirmed zones are exempt.
func (r *Registry) SweepExpired(now time.Time) int {
	maxAge := r.cfg.GetMaxPendingZoneAge()
	removed := 0
	for id, z := range r.zones {
		if z.Confirmed {
			continue
		}
		if now.Sub(z.CreatedAt) > maxAge {
			delete(r.zones, id)
			removed++
		}
	}
	return removed
}

// Zone returns the marker's zone if one exists.
func (r *Registry) Zone(markerID string) (Zone, bool) {
	z, ok := r.zones[markerID]
	return z, ok
}

// Zones returns a snapshot of all zones.
func (r *Registry) Zones() []Zone {
	out := make([]Zone, 0, len(r.zones))
	for _, z := range r.zones {
		out = append(out, z)
	}
	return out
}

func clampRadius(radius, min, max float64) float64 {
	if radius < min {
		return min
	}
	if radius > max {
		return max
	}
	return radius
}
