package engine

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/httputil"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/version"
)

// Status is the JSON body of the session debug route.
type Status struct {
	SessionID string    `json:"session_id"`
	Version   string    `json:"version"`
	Live      bool      `json:"live"`
	State     string    `json:"state"`
	PoiID     string    `json:"poi_id,omitempty"`
	InFlight  int64     `json:"in_flight,omitempty"`
	Shortlist int       `json:"shortlist"`
	Cache     poi.Stats `json:"cache"`
	Snapshots []int64   `json:"snapshots"`
}

// Status returns a debug summary of the session.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		SessionID: e.sessionID,
		Version:   version.String(),
		Live:      e.live,
		State:     e.machine.Current().ID.String(),
		PoiID:     e.machine.Current().PoiID,
		InFlight:  e.machine.InFlight(),
		Snapshots: append([]int64(nil), e.history...),
	}
	e.mu.Unlock()
	st.Shortlist = len(e.PoiShortlist(false))
	st.Cache = e.cache.Stats()
	return st
}

// AttachAdminRoutes mounts the session debug pages under /debug/.
func (e *Engine) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Session", e.sessionID)
	debug.KVFunc("Recognition state", func() any { return e.State().String() })
	debug.KVFunc("Shortlist size", func() any { return len(e.PoiShortlist(false)) })

	debug.HandleFunc("urbo", "recognition session status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, e.Status())
	})
	debug.Handle("urbo-metrics", "recognition session metrics", e.MetricsHandler())
	debug.HandleFunc("urbo-snapshot", "snapshot by id (?id=N), without the image", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			httputil.BadRequest(w, "id must be an integer")
			return
		}
		snap, ok := e.Snapshot(id)
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("snapshot %d not in history", id))
			return
		}
		httputil.WriteJSONOK(w, snap)
	})
	debug.HandleFunc("urbo-shortlist", "shortlist around the current location (chart)", e.handleShortlistChart)
}

// handleShortlistChart plots shortlisted POIs in metres east/north of the
// current location.
func (e *Engine) handleShortlistChart(w http.ResponseWriter, r *http.Request) {
	here, ok := e.CurrentLocation()
	if !ok {
		httputil.NotFound(w, "no location yet")
		return
	}
	list := e.PoiShortlist(true)

	data := make([]opts.ScatterData, 0, len(list))
	maxAbs := 1.0
	for _, p := range list {
		east := here.DistanceTo(geo.Location{Lat: here.Lat, Lon: p.Location.Lon})
		if p.Location.Lon < here.Lon {
			east = -east
		}
		north := here.DistanceTo(geo.Location{Lat: p.Location.Lat, Lon: here.Lon})
		if p.Location.Lat < here.Lat {
			north = -north
		}
		if a := math.Abs(east); a > maxAbs {
			maxAbs = a
		}
		if a := math.Abs(north); a > maxAbs {
			maxAbs = a
		}
		data = append(data, opts.ScatterData{Name: p.Name, Value: []interface{}{east, north}})
	}
	pad := maxAbs * 1.1

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "POI Shortlist", Theme: "dark", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "POI Shortlist", Subtitle: fmt.Sprintf("%s candidates=%d state=%s", here, len(list), e.State().ID)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "North (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("you", []opts.ScatterData{{Name: "you", Value: []interface{}{0, 0}}},
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	scatter.AddSeries("pois", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
