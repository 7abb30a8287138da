// Command urbo runs a recognition session against a synthetic camera, a
// sensor bridge or recorded trace, and a POI catalogue or service. It
// serves the session API, metrics and debug pages over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/urbo/internal/buffer"
	"github.com/banshee-data/urbo/internal/config"
	"github.com/banshee-data/urbo/internal/engine"
	"github.com/banshee-data/urbo/internal/monitoring"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/poisource"
	"github.com/banshee-data/urbo/internal/recognition"
	"github.com/banshee-data/urbo/internal/sensorfeed"
	"github.com/banshee-data/urbo/internal/store"
	"github.com/banshee-data/urbo/internal/version"
)

var (
	configPath = flag.String("config", "", "Engine config JSON (defaults when empty)")
	listen     = flag.String("listen", ":8081", "HTTP listen address")
	dbPath     = flag.String("db", "urbo.db", "Feedback database path")
	imageDir   = flag.String("images", "snapshots", "Directory for tagged snapshot JPEGs (empty disables)")
	sensorPort = flag.String("sensor", "", "Serial port of the sensor bridge")
	baudRate   = flag.Int("baud", 115200, "Sensor bridge baud rate")
	tracePath  = flag.String("trace", "", "Recorded sensor trace to replay instead of -sensor")
	poiFile    = flag.String("pois", "", "POI catalogue JSON")
	poiURL     = flag.String("poi-url", "", "POI service base URL (overrides -pois)")
	votes      = flag.String("votes", "", "Scripted matcher confidences, e.g. eiffel=0.9,louvre=0.2")
	frameRate  = flag.Float64("fps", 10, "Synthetic camera frame rate")
	frameSize  = flag.String("frame", "320x240", "Synthetic frame size WxH")
	rotation   = flag.Int("rotation", 90, "Frame rotation in clockwise degrees")
	debugLog   = flag.Bool("debug", false, "Enable the diag log stream")
	traceLog   = flag.Bool("trace-log", false, "Enable the trace log stream")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run() error {
	var diag, trace io.Writer
	if *debugLog {
		diag = os.Stderr
	}
	if *traceLog {
		trace = os.Stderr
	}
	monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: diag, Trace: trace})
	monitoring.Opsf("starting %s", version.String())

	cfg := config.EmptyEngineConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadEngineConfig(*configPath); err != nil {
			return err
		}
	}

	geom, err := parseGeometry(*frameSize, *rotation)
	if err != nil {
		return err
	}
	confidences, err := parseVotes(*votes)
	if err != nil {
		return err
	}

	db, err := store.Open(*dbPath, *imageDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	src, err := poiSource()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var resolver *poisource.Resolver
	e, err := engine.New(engine.Params{
		Config:   cfg,
		Matcher:  engine.NewScriptedMatcher(confidences),
		Recorder: db,
		Listeners: engine.Listeners{
			OnState: func(s recognition.State) { monitoring.Opsf("state %s", s) },
			OnRecognition: func(s *recognition.Snapshot) {
				monitoring.Opsf("recognised %s in snapshot %d", s.Selected.Name, s.ID)
			},
			OnPoiRequest: func(r poi.Request) { resolver.Enqueue(r) },
			OnError:      func(err engine.Error) { monitoring.Opsf("session error: %v", err) },
		},
	})
	if err != nil {
		return err
	}
	defer e.Close()
	resolver = poisource.NewResolver(src, e, nil, poisource.ResolverOptions{
		RadiusM:           cfg.GetShortlistRadiusM() * 2,
		MaxAttempts:       3,
		Backoff:           time.Second,
		RequestsPerSecond: 2,
	})

	local, err := db.LocalPois(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local pois: %w", err)
	}
	for _, p := range local {
		e.AddLocalPoi(p)
	}
	monitoring.Opsf("restored %d local pois", len(local))

	mgr := buffer.NewMemoryManager(geom, 4, cfg.GetJPEGQuality())
	if err := e.InitLiveFeed(mgr); err != nil {
		return err
	}

	mux := http.NewServeMux()
	e.AttachAdminRoutes(mux)
	if err := db.AttachAdminRoutes(mux); err != nil {
		return err
	}
	mux.Handle("/metrics", e.MetricsHandler())
	newAPI(e).register(mux)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return resolver.Run(ctx) })
	g.Go(func() error { return runCamera(ctx, e, mgr, *frameRate) })

	switch {
	case *tracePath != "":
		f, err := os.Open(*tracePath)
		if err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		feed := sensorfeed.NewFeed(f, e, nil)
		feed.AttachAdminRoutes(mux)
		g.Go(func() error {
			defer feed.Close()
			return feed.Monitor(ctx)
		})
	case *sensorPort != "":
		port, err := sensorfeed.OpenSerial(*sensorPort, sensorfeed.PortOptions{BaudRate: *baudRate})
		if err != nil {
			return err
		}
		feed := sensorfeed.NewFeed(port, e, nil)
		feed.AttachAdminRoutes(mux)
		g.Go(func() error {
			defer feed.Close()
			return feed.Monitor(ctx)
		})
	default:
		monitoring.Opsf("no sensor source; inject readings at /debug/ or /api/sensors")
	}

	server := &http.Server{Addr: *listen, Handler: mux}
	g.Go(func() error {
		monitoring.Opsf("listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	e.StopLiveFeed()
	monitoring.Opsf("shut down")
	return err
}

func poiSource() (poisource.Source, error) {
	switch {
	case *poiURL != "":
		return poisource.NewHTTPSource(nil, strings.TrimRight(*poiURL, "/"), os.Getenv("URBO_POI_KEY")), nil
	case *poiFile != "":
		src, err := poisource.LoadStaticSource(*poiFile)
		if err != nil {
			return nil, err
		}
		monitoring.Opsf("loaded %d pois from %s", src.Len(), *poiFile)
		return src, nil
	}
	return poisource.NewStaticSource(nil), nil
}

// runCamera stands in for the camera: it fills frames with noise at fps
// and hands them to the engine.
func runCamera(ctx context.Context, e *engine.Engine, mgr *buffer.MemoryManager, fps float64) error {
	if fps <= 0 {
		return nil
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h, err := mgr.Capture(func(luma []byte) { rng.Read(luma) })
			if err != nil {
				monitoring.Tracef("camera: %v", err)
				continue
			}
			e.PushFrame(h)
		}
	}
}

func parseGeometry(size string, rotation int) (buffer.Geometry, error) {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return buffer.Geometry{}, fmt.Errorf("frame size must be WxH, got %q", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return buffer.Geometry{}, fmt.Errorf("frame width: %w", err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return buffer.Geometry{}, fmt.Errorf("frame height: %w", err)
	}
	g := buffer.Geometry{Width: width, Height: height, Rotation: rotation}
	if !g.Valid() {
		return g, fmt.Errorf("invalid frame geometry %+v", g)
	}
	return g, nil
}

// parseVotes reads "id=confidence" pairs separated by commas.
func parseVotes(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("vote %q must be id=confidence", pair)
		}
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("vote %q: %w", pair, err)
		}
		out[id] = c
	}
	return out, nil
}
