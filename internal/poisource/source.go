// Package poisource answers the engine's POI cache requests from a POI
// service or a local catalogue file.
package poisource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/urbo/internal/geo"
	"github.com/banshee-data/urbo/internal/httputil"
	"github.com/banshee-data/urbo/internal/poi"
)

// Response is the answer to one fetch.
type Response struct {
	Pois []poi.Poi
	// RetryAfter is the service's back-off hint for a failed fetch.
	RetryAfter time.Duration
}

// Source fetches the POIs around a location.
type Source interface {
	Fetch(ctx context.Context, loc geo.Location, radiusM float64) (Response, error)
}

// wirePoi is the POI shape shared by the service and catalogue files.
type wirePoi struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireResponse struct {
	Pois []wirePoi `json:"pois"`
}

func (w wirePoi) poi() (poi.Poi, error) {
	p := poi.Poi{
		ID:       w.ID,
		Name:     w.Name,
		Location: geo.Location{Lat: w.Lat, Lon: w.Lon},
		Metadata: w.Metadata,
	}
	if w.ID == "" {
		return p, fmt.Errorf("poi %q has no id", w.Name)
	}
	if !p.Location.Valid() {
		return p, fmt.Errorf("poi %s has invalid location %v,%v", w.ID, w.Lat, w.Lon)
	}
	return p, nil
}

// StaticSource serves a fixed catalogue, such as one loaded from disk.
type StaticSource struct {
	pois []poi.Poi
}

// NewStaticSource serves pois.
func NewStaticSource(pois []poi.Poi) *StaticSource {
	return &StaticSource{pois: append([]poi.Poi(nil), pois...)}
}

// LoadStaticSource reads a catalogue file of the form {"pois": [...]}.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read poi catalogue: %w", err)
	}
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse poi catalogue %s: %w", path, err)
	}
	pois := make([]poi.Poi, 0, len(w.Pois))
	for _, wp := range w.Pois {
		p, err := wp.poi()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pois = append(pois, p)
	}
	return NewStaticSource(pois), nil
}

// Len returns the catalogue size.
func (s *StaticSource) Len() int { return len(s.pois) }

// Fetch returns the catalogue entries within radiusM of loc, nearest
// first. A non-positive radius returns the whole catalogue.
func (s *StaticSource) Fetch(ctx context.Context, loc geo.Location, radiusM float64) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	type hit struct {
		p poi.Poi
		d float64
	}
	var hits []hit
	for _, p := range s.pois {
		d := loc.DistanceTo(p.Location)
		if radiusM > 0 && d > radiusM {
			continue
		}
		hits = append(hits, hit{p, d})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]poi.Poi, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return Response{Pois: out}, nil
}

// HTTPSource queries a POI service at GET {base}/v1/pois.
type HTTPSource struct {
	client  httputil.HTTPClient
	baseURL string
	apiKey  string
}

// NewHTTPSource returns a source for the service at baseURL. apiKey may
// be empty.
func NewHTTPSource(client httputil.HTTPClient, baseURL, apiKey string) *HTTPSource {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPSource{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (s *HTTPSource) Fetch(ctx context.Context, loc geo.Location, radiusM float64) (Response, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', 6, 64))
	if radiusM > 0 {
		q.Set("radius_m", strconv.FormatFloat(radiusM, 'f', 0, 64))
	}
	var header http.Header
	if s.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + s.apiKey}}
	}

	var w wireResponse
	if err := httputil.GetJSON(ctx, s.client, s.baseURL+"/v1/pois?"+q.Encode(), header, &w); err != nil {
		var resp Response
		var se *httputil.StatusError
		if errors.As(err, &se) {
			resp.RetryAfter = se.RetryAfter
		}
		return resp, fmt.Errorf("poi service: %w", err)
	}

	pois := make([]poi.Poi, 0, len(w.Pois))
	for _, wp := range w.Pois {
		p, err := wp.poi()
		if err != nil {
			return Response{}, fmt.Errorf("poi service: %w", err)
		}
		pois = append(pois, p)
	}
	return Response{Pois: pois}, nil
}
