// Command pose-plot renders raw vs filtered marker pose trails from a
// markernav session database to PNG, one set of plots per marker: an XY
// trail overlay and a confidence timeline.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/position.report/internal/marker/storage/sqlite"
)

var (
	dbPath    = flag.String("db", "markers.db", "Path to the session sqlite database")
	outputDir = flag.String("out", "plots", "Output directory for PNG files")
	markerID  = flag.String("marker", "", "Plot a single marker id (default: all)")
)

func main() {
	flag.Parse()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	ids := []string{*markerID}
	if *markerID == "" {
		ids, err = store.PoseMarkerIDs()
		if err != nil {
			log.Fatalf("failed to list markers: %v", err)
		}
	}
	if len(ids) == 0 {
		log.Fatal("no pose samples in database")
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	for _, id := range ids {
		if err := plotMarker(store, id); err != nil {
			log.Fatalf("failed to plot marker %s: %v", id, err)
		}
	}
}

func plotMarker(store *sqlite.Store, id string) error {
	samples, err := store.PoseTrail(id)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		log.Printf("marker %s: no samples, skipping", id)
		return nil
	}

	if err := plotTrail(samples, id); err != nil {
		return err
	}
	if err := plotConfidence(samples, id); err != nil {
		return err
	}
	log.Printf("marker %s: plotted %d samples", id, len(samples))
	return nil
}

// plotTrail overlays the raw and filtered XY trails, showing how much
// jitter the validator and smoother remove.
func plotTrail(samples []sqlite.PoseSample, id string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Marker %s pose trail (raw vs filtered)", id)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	rawPts := make(plotter.XYs, len(samples))
	filtPts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		rawPts[i] = plotter.XY{X: s.Raw.X, Y: s.Raw.Y}
		filtPts[i] = plotter.XY{X: s.Filtered.X, Y: s.Filtered.Y}
	}

	rawLine, err := plotter.NewLine(rawPts)
	if err != nil {
		return err
	}
	rawLine.Color = color.RGBA{R: 200, G: 80, B: 80, A: 255}
	rawLine.Width = vg.Points(1)

	filtLine, err := plotter.NewLine(filtPts)
	if err != nil {
		return err
	}
	filtLine.Color = color.RGBA{R: 80, G: 120, B: 220, A: 255}
	filtLine.Width = vg.Points(2)

	p.Add(rawLine, filtLine)
	p.Legend.Add("raw", rawLine)
	p.Legend.Add("filtered", filtLine)

	out := filepath.Join(*outputDir, fmt.Sprintf("%s_trail.png", id))
	return p.Save(8*vg.Inch, 8*vg.Inch, out)
}

// plotConfidence draws the confidence timeline against sample index.
func plotConfidence(samples []sqlite.PoseSample, id string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Marker %s confidence", id)
	p.X.Label.Text = "sample"
	p.Y.Label.Text = "confidence"
	p.Y.Min = 0
	p.Y.Max = 1

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(i), Y: s.Confidence}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 40, G: 160, B: 90, A: 255}
	line.Width = vg.Points(1)

	p.Add(line)

	out := filepath.Join(*outputDir, fmt.Sprintf("%s_confidence.png", id))
	return p.Save(14*vg.Inch, 4*vg.Inch, out)
}
