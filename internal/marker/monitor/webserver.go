// Package monitor exposes the pipeline's state over HTTP: JSON endpoints
// for poses, confidence, anchors and alignment, plus go-echarts debug
// charts.
package monitor

import (
	"context"
	"net/http"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/httputil"
	"github.com/banshee-data/position.report/internal/marker/pipeline"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/units"
	"github.com/banshee-data/position.report/internal/version"
)

// WebServer handles the HTTP monitoring interface for a running pipeline.
type WebServer struct {
	address string
	engine  *pipeline.Engine
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Engine  *pipeline.Engine
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		engine:  config.Engine,
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// Start begins the HTTP server in a goroutine and blocks until the
// context is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/markers", ws.handleMarkers)
	mux.HandleFunc("/api/marker", ws.handleMarker)
	mux.HandleFunc("/api/alignment", ws.handleAlignment)
	mux.HandleFunc("/api/anchors", ws.handleAnchors)
	mux.HandleFunc("/api/zones", ws.handleZones)
	mux.HandleFunc("/debug/charts/scene", ws.handleSceneChart)
	mux.HandleFunc("/debug/charts/confidence", ws.handleConfidenceChart)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

type vecJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func toVecJSON(v r3.Vec) vecJSON {
	return vecJSON{X: v.X, Y: v.Y, Z: v.Z}
}

type markerJSON struct {
	MarkerID    string  `json:"marker_id"`
	Position    vecJSON `json:"position"`
	RawPosition vecJSON `json:"raw_position"`
	Yaw         float64 `json:"yaw"`
	AngleUnits  string  `json:"angle_units"`
	Distance    float64 `json:"distance"`
	Confidence  float64 `json:"confidence"`
	Initialized bool    `json:"initialized"`
	FrameCount  int     `json:"frame_count"`
	LastUpdate  string  `json:"last_update"`
}

// angleUnits reads the optional angle_units query parameter, defaulting
// to radians.
func angleUnits(r *http.Request) (string, bool) {
	unit := r.URL.Query().Get("angle_units")
	if unit == "" {
		return units.Radians, true
	}
	return unit, units.IsValidAngleUnit(unit)
}

func (ws *WebServer) handleMarkers(w http.ResponseWriter, r *http.Request) {
	unit, ok := angleUnits(r)
	if !ok {
		httputil.BadRequest(w, "invalid angle_units")
		return
	}

	poses := ws.engine.Poses()
	out := make([]markerJSON, 0, len(poses))
	for _, p := range poses {
		conf, _ := ws.engine.Confidence(p.MarkerID)
		out = append(out, markerJSON{
			MarkerID:    p.MarkerID,
			Position:    toVecJSON(p.Position),
			RawPosition: toVecJSON(p.RawPosition),
			Yaw:         units.ConvertAngle(geom.Yaw(p.Rotation), unit),
			AngleUnits:  unit,
			Distance:    p.LastDistance,
			Confidence:  conf,
			Initialized: p.Initialized,
			FrameCount:  p.FrameCount,
			LastUpdate:  p.LastUpdate.UTC().Format(time.RFC3339Nano),
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (ws *WebServer) handleMarker(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("marker_id")
	if id == "" {
		httputil.BadRequest(w, "marker_id is required")
		return
	}
	unit, ok := angleUnits(r)
	if !ok {
		httputil.BadRequest(w, "invalid angle_units")
		return
	}

	pose, ok := ws.engine.FilteredPose(id)
	if !ok {
		httputil.NotFound(w, "unknown marker")
		return
	}
	conf, _ := ws.engine.Confidence(id)
	breakdown, _ := ws.engine.ConfidenceBreakdown(id, time.Now())

	httputil.WriteJSONOK(w, map[string]interface{}{
		"marker": markerJSON{
			MarkerID:    pose.MarkerID,
			Position:    toVecJSON(pose.Position),
			RawPosition: toVecJSON(pose.RawPosition),
			Yaw:         units.ConvertAngle(geom.Yaw(pose.Rotation), unit),
			AngleUnits:  unit,
			Distance:    pose.LastDistance,
			Confidence:  conf,
			Initialized: pose.Initialized,
			FrameCount:  pose.FrameCount,
			LastUpdate:  pose.LastUpdate.UTC().Format(time.RFC3339Nano),
		},
		"confidence_factors": breakdown,
	})
}

func (ws *WebServer) handleAlignment(w http.ResponseWriter, r *http.Request) {
	res, ok := ws.engine.CurrentAlignment()
	if !ok {
		httputil.WriteJSONOK(w, map[string]interface{}{"aligned": false})
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"aligned":   true,
		"alignment": res,
	})
}

type anchorJSON struct {
	MarkerID  string  `json:"marker_id"`
	Handle    string  `json:"handle"`
	Position  vecJSON `json:"position"`
	CreatedAt string  `json:"created_at"`
}

func (ws *WebServer) handleAnchors(w http.ResponseWriter, r *http.Request) {
	anchors := ws.engine.Anchors()
	out := make([]anchorJSON, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, anchorJSON{
			MarkerID:  a.MarkerID,
			Handle:    a.Handle,
			Position:  toVecJSON(a.Position),
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	httputil.WriteJSONOK(w, out)
}

type zoneJSON struct {
	MarkerID  string  `json:"marker_id"`
	Center    vecJSON `json:"center"`
	Radius    float64 `json:"radius"`
	Confirmed bool    `json:"confirmed"`
}

func (ws *WebServer) handleZones(w http.ResponseWriter, r *http.Request) {
	zones := ws.engine.Zones()
	out := make([]zoneJSON, 0, len(zones))
	for _, z := range zones {
		out = append(out, zoneJSON{
			MarkerID:  z.MarkerID,
			Center:    toVecJSON(z.Center),
			Radius:    z.Radius,
			Confirmed: z.Confirmed,
		})
	}
	httputil.WriteJSONOK(w, out)
}
