// Command markernav replays a JSONL observation log through the marker
// pipeline, persisting anchors, filtered pose trails and the alignment
// cache to sqlite, and serves the monitoring HTTP interface while it
// runs.
//
// Each input line is one detection tick:
//
//	{"timestamp":"2026-03-01T12:00:00Z","observations":[
//	  {"marker_id":"m-1","position":[1,0,0.5],"rotation":[1,0,0,0],"distance":1.2,"quality":0.9}]}
//
// Rotation is a quaternion in (w, x, y, z) order.
//
// The migrate subcommand manages the sqlite schema out of band:
//
//	markernav -db markers.db migrate up
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/monitor"
	"github.com/banshee-data/position.report/internal/marker/pipeline"
	"github.com/banshee-data/position.report/internal/marker/storage/sqlite"
	"github.com/banshee-data/position.report/internal/timeutil"
	"github.com/banshee-data/position.report/internal/version"
)

var (
	layoutPath  = flag.String("layout", "", "Path to the known-marker layout JSON (required)")
	obsPath     = flag.String("observations", "", "Path to the JSONL observation log (required)")
	dbPath      = flag.String("db", "markers.db", "Path to the session sqlite database")
	listen      = flag.String("listen", ":8080", "Monitor HTTP listen address")
	tuningPath  = flag.String("tuning", "", "Tuning config JSON (default: walk up for config/tuning.defaults.json)")
	serveAfter  = flag.Bool("serve", false, "Keep serving the monitor after the replay finishes")
	pace        = flag.Bool("pace", false, "Replay at recorded speed instead of as fast as possible")
	migrations  = flag.String("migrations", "internal/marker/storage/sqlite/migrations", "Directory with versioned schema migrations (migrate subcommand)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	logDiag     = flag.Bool("v", false, "Enable diagnostic logging")
	logTrace    = flag.Bool("vv", false, "Enable trace logging (implies -v)")
)

type obsRecord struct {
	MarkerID string     `json:"marker_id"`
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // w, x, y, z
	Distance float64    `json:"distance"`
	Quality  float64    `json:"quality"`
}

type tickRecord struct {
	Timestamp    time.Time   `json:"timestamp"`
	Observations []obsRecord `json:"observations"`
}

// logObserver prints anchor lifecycle events to the ops stream.
type logObserver struct{}

func (logObserver) AnchorPlaced(markerID, handle string) {
	pipeline.Opsf("anchor placed for marker %s (handle %s)", markerID, handle)
}

func (logObserver) AnchorRemoved(markerID string) {
	pipeline.Opsf("anchor removed for marker %s", markerID)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("markernav %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if flag.Arg(0) == "migrate" {
		runMigrateCommand(flag.Args()[1:], *dbPath, *migrations)
		return
	}

	if *layoutPath == "" || *obsPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	writers := pipeline.LogWriters{Ops: os.Stderr}
	if *logDiag || *logTrace {
		writers.Diag = os.Stderr
	}
	if *logTrace {
		writers.Trace = os.Stderr
	}
	pipeline.SetLogWriters(writers)

	cfg := loadTuning()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid tuning config: %v", err)
	}

	layout, err := marker.LoadLayout(*layoutPath)
	if err != nil {
		log.Fatalf("failed to load layout: %v", err)
	}
	log.Printf("loaded layout with %d markers (fingerprint %.12s)", layout.Size(), layout.Fingerprint())

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	engine := pipeline.NewEngine(cfg, layout, store, logObserver{})
	if err := engine.RestorePersistedState(time.Now()); err != nil {
		log.Fatalf("failed to restore persisted state: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := monitor.NewWebServer(monitor.WebServerConfig{Address: *listen, Engine: engine})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := ws.Start(ctx); err != nil {
			log.Printf("monitor server error: %v", err)
		}
	}()

	if err := replay(ctx, engine, store); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	if res, ok := engine.CurrentAlignment(); ok {
		log.Printf("final alignment: yaw=%.3f rad t=(%.3f,%.3f,%.3f) rms=%.3f over %d correspondences",
			res.YawRad, res.Translation.X, res.Translation.Y, res.Translation.Z,
			res.RMSError, res.Correspondences)
	} else {
		log.Printf("no alignment reached (%d anchors placed)", len(engine.Anchors()))
	}

	if *serveAfter {
		log.Printf("replay finished; monitor still serving on %s", *listen)
		<-ctx.Done()
	} else {
		stop()
	}
	<-serverDone
}

func loadTuning() *config.TuningConfig {
	if *tuningPath == "" {
		return config.MustLoadDefaultConfig()
	}
	cfg, err := config.LoadTuningConfig(*tuningPath)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	return cfg
}

func replay(ctx context.Context, engine *pipeline.Engine, store *sqlite.Store) error {
	f, err := os.Open(*obsPath)
	if err != nil {
		return fmt.Errorf("failed to open observation log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	var clock timeutil.Clock = timeutil.RealClock{}
	var lastStamp time.Time

	ticks := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tick tickRecord
		if err := json.Unmarshal(line, &tick); err != nil {
			return fmt.Errorf("bad tick record on line %d: %w", ticks+1, err)
		}

		obs := make([]marker.Observation, 0, len(tick.Observations))
		for _, o := range tick.Observations {
			obs = append(obs, marker.Observation{
				MarkerID:  o.MarkerID,
				Position:  r3.Vec{X: o.Position[0], Y: o.Position[1], Z: o.Position[2]},
				Rotation:  geom.Quat{Real: o.Rotation[0], Imag: o.Rotation[1], Jmag: o.Rotation[2], Kmag: o.Rotation[3]},
				Distance:  o.Distance,
				Quality:   o.Quality,
				Timestamp: tick.Timestamp,
			})
		}

		if *pace && !lastStamp.IsZero() {
			if wait := tick.Timestamp.Sub(lastStamp); wait > 0 {
				clock.Sleep(wait)
			}
		}
		lastStamp = tick.Timestamp

		// Observation timestamps drive the engine clock, so a log replays
		// identically however fast this loop runs.
		if !engine.Tick(obs, tick.Timestamp) {
			continue
		}
		ticks++

		for _, p := range engine.Poses() {
			if !p.LastUpdate.Equal(tick.Timestamp) {
				continue
			}
			conf, _ := engine.Confidence(p.MarkerID)
			if err := store.RecordPose(sqlite.PoseSample{
				MarkerID:   p.MarkerID,
				Raw:        p.RawPosition,
				Filtered:   p.Position,
				Distance:   p.LastDistance,
				Confidence: conf,
				Timestamp:  tick.Timestamp,
			}); err != nil {
				pipeline.Opsf("failed to record pose sample: %v", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading observation log: %w", err)
	}

	log.Printf("replayed %d ticks", ticks)
	return nil
}
