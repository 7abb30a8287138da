package main

import (
	"net/http"
	"strconv"

	"github.com/banshee-data/urbo/internal/engine"
	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/httputil"
	"github.com/banshee-data/urbo/internal/poi"
	"github.com/banshee-data/urbo/internal/recognition"
)

// api is the thin HTTP surface a UI uses to drive the session.
type api struct {
	e *engine.Engine
}

func newAPI(e *engine.Engine) *api { return &api{e: e} }

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", a.handleState)
	mux.HandleFunc("/api/shortlist", a.handleShortlist)
	mux.HandleFunc("/api/sensors", a.post(a.handleSensors))
	mux.HandleFunc("/api/snapshot", a.post(a.handleSnapshot))
	mux.HandleFunc("/api/confirm", a.post(a.handleConfirm))
	mux.HandleFunc("/api/reject", a.post(a.handleReject))
	mux.HandleFunc("/api/tag", a.post(a.handleTag))
	mux.HandleFunc("/api/poi-id", a.post(a.handlePoiID))
	mux.HandleFunc("/api/refresh", a.post(a.handleRefresh))
}

func (a *api) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

type stateResponse struct {
	State   recognition.State `json:"state"`
	Name    string            `json:"state_name"`
	Live    bool              `json:"live"`
	Sensors interface{}       `json:"sensors"`
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	st := a.e.State()
	httputil.WriteJSONOK(w, stateResponse{State: st, Name: st.ID.String(), Live: a.e.Live(), Sensors: a.e.Sensors()})
}

func (a *api) handleShortlist(w http.ResponseWriter, r *http.Request) {
	sorted := r.URL.Query().Get("sort") == "distance"
	list := a.e.PoiShortlist(sorted)
	if list == nil {
		list = poi.Shortlist{}
	}
	httputil.WriteJSONOK(w, list)
}

func formFloat(r *http.Request, key string) (float64, bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, true, err
}

func (a *api) handleSensors(w http.ResponseWriter, r *http.Request) {
	vals := map[string]float64{}
	for _, k := range []string{"heading", "pitch", "lat", "lon", "acc"} {
		f, ok, err := formFloat(r, k)
		if err != nil {
			httputil.BadRequest(w, k+" must be a number")
			return
		}
		if ok {
			vals[k] = f
		}
	}
	if v, ok := vals["heading"]; ok {
		a.e.PushHeading(v)
	}
	if v, ok := vals["pitch"]; ok {
		a.e.PushPitch(v)
	}
	lat, hasLat := vals["lat"]
	lon, hasLon := vals["lon"]
	if hasLat != hasLon {
		httputil.BadRequest(w, "lat and lon must come together")
		return
	}
	if hasLat {
		a.e.PushLocation(lat, lon, vals["acc"])
	}
	a.handleState(w, r)
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]bool{"accepted": a.e.TakeSnapshot()})
}

// snapshot resolves the ?id= parameter against the session history.
func (a *api) snapshot(w http.ResponseWriter, r *http.Request) (*recognition.Snapshot, bool) {
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "id must be an integer")
		return nil, false
	}
	snap, ok := a.e.Snapshot(id)
	if !ok {
		httputil.NotFound(w, "unknown snapshot")
		return nil, false
	}
	return snap, true
}

func (a *api) handleConfirm(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	res, err := a.e.ConfirmRecognition(snap)
	if err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (a *api) handleReject(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	if err := a.e.RejectRecognition(snap); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, a.e.State())
}

// handleTag labels a snapshot with a known POI (client_id), a new POI
// (name, lat, lon) or no POI at all.
func (a *api) handleTag(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	var p *poi.Poi
	if id := r.FormValue("client_id"); id != "" {
		if p = a.e.LookupPoi(id); p == nil {
			httputil.NotFound(w, "unknown client_id")
			return
		}
	} else if name := r.FormValue("name"); name != "" {
		lat, okLat, errLat := formFloat(r, "lat")
		lon, okLon, errLon := formFloat(r, "lon")
		loc := geo.Location{Lat: lat, Lon: lon}
		if errLat != nil || errLon != nil || !okLat || !okLon || !loc.Valid() {
			httputil.BadRequest(w, "a new poi needs a valid lat and lon")
			return
		}
		p = &poi.Poi{Name: name, Location: loc}
	}
	res, err := a.e.TagSnapshot(snap, p)
	if err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (a *api) handlePoiID(w http.ResponseWriter, r *http.Request) {
	clientID, serverID := r.FormValue("client_id"), r.FormValue("server_id")
	if clientID == "" || serverID == "" {
		httputil.BadRequest(w, "client_id and server_id are required")
		return
	}
	p, err := a.e.UpdatePoiID(clientID, serverID)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := a.e.ForceCacheRefresh()
	if err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"request_id": id})
}
