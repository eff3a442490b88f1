package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/position.report/internal/httputil"
)

// handleSceneChart renders an XY scatter (HTML) of filtered marker
// positions, confirmed anchors and keep-out zone centers in the session
// frame. Debugging-only endpoint, no auth.
func (ws *WebServer) handleSceneChart(w http.ResponseWriter, r *http.Request) {
	poses := ws.engine.Poses()
	anchors := ws.engine.Anchors()
	zones := ws.engine.Zones()

	if len(poses) == 0 && len(anchors) == 0 {
		httputil.NotFound(w, "no markers tracked yet")
		return
	}

	maxAbs := 1.0
	grow := func(x, y float64) {
		if v := math.Abs(x); v > maxAbs {
			maxAbs = v
		}
		if v := math.Abs(y); v > maxAbs {
			maxAbs = v
		}
	}

	poseData := make([]opts.ScatterData, 0, len(poses))
	for _, p := range poses {
		conf, _ := ws.engine.Confidence(p.MarkerID)
		poseData = append(poseData, opts.ScatterData{
			Name:  p.MarkerID,
			Value: []interface{}{p.Position.X, p.Position.Y, conf},
		})
		grow(p.Position.X, p.Position.Y)
	}

	anchorData := make([]opts.ScatterData, 0, len(anchors))
	for _, a := range anchors {
		anchorData = append(anchorData, opts.ScatterData{
			Name:  a.MarkerID,
			Value: []interface{}{a.Position.X, a.Position.Y, 1.0},
		})
		grow(a.Position.X, a.Position.Y)
	}

	zoneData := make([]opts.ScatterData, 0, len(zones))
	for _, z := range zones {
		zoneData = append(zoneData, opts.ScatterData{
			Name:  z.MarkerID,
			Value: []interface{}{z.Center.X, z.Center.Y, z.Radius},
		})
		grow(z.Center.X, z.Center.Y)
	}

	pad := maxAbs * 1.05

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Marker Scene", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Marker Scene (session frame)", Subtitle: fmt.Sprintf("markers=%d anchors=%d zones=%d", len(poses), len(anchors), len(zones))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("markers", poseData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	scatter.AddSeries("anchors", anchorData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12, Symbol: "diamond"}))
	scatter.AddSeries("zones", zoneData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 16, Symbol: "circle"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleConfidenceChart renders a stacked bar chart of per-marker
// confidence factors.
func (ws *WebServer) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	poses := ws.engine.Poses()
	if len(poses) == 0 {
		httputil.NotFound(w, "no markers tracked yet")
		return
	}

	now := time.Now()
	ids := make([]string, 0, len(poses))
	distance := make([]opts.BarData, 0, len(poses))
	validation := make([]opts.BarData, 0, len(poses))
	staleness := make([]opts.BarData, 0, len(poses))
	value := make([]opts.BarData, 0, len(poses))
	for _, p := range poses {
		b, ok := ws.engine.ConfidenceBreakdown(p.MarkerID, now)
		if !ok {
			continue
		}
		ids = append(ids, p.MarkerID)
		distance = append(distance, opts.BarData{Value: b.Distance})
		validation = append(validation, opts.BarData{Value: b.Validation})
		staleness = append(staleness, opts.BarData{Value: b.Staleness})
		value = append(value, opts.BarData{Value: b.Value})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Marker Confidence", Theme: "dark", Width: "1100px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Confidence factors by marker"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(ids)
	bar.AddSeries("distance", distance)
	bar.AddSeries("validation", validation)
	bar.AddSeries("staleness", staleness)
	bar.AddSeries("combined", value)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
