// Package poi holds the POI model and the location-keyed candidate cache.
package poi

import (
	"errors"

	"github.com/banshee-data/urbo/internal/geo"
)

var (
	// ErrUnknownClientID is returned by UpdatePoiID for ids the cache has
	// never issued to a local POI.
	ErrUnknownClientID = errors.New("unknown client poi id")
	// ErrCacheRequestExpired is returned when a resolution arrives for an
	// unknown, expired or superseded request.
	ErrCacheRequestExpired = errors.New("poi cache request expired")
)

// Poi is a point of interest. Values published by the cache are shared
// read-only; updates produce a new value.
type Poi struct {
	// ClientID is assigned by the cache and is stable for a given server
	// id across refreshes.
	ClientID string `json:"client_id"`
	// ID is the server id; empty while the POI only exists locally.
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	Location geo.Location      `json:"location"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsClientOnly reports whether the POI has no server id yet.
func (p *Poi) IsClientOnly() bool { return p.ID == "" }

// Key identifies the POI for de-duplication and vote ordering.
func (p *Poi) Key() string {
	if p == nil {
		return ""
	}
	if p.ID != "" {
		return "s:" + p.ID
	}
	return "c:" + p.ClientID
}

func (p *Poi) clone() *Poi {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Shortlist is a read-only, point-in-time list of nearby candidates.
type Shortlist []*Poi

// Keys returns the POI keys in list order.
func (s Shortlist) Keys() []string {
	keys := make([]string, len(s))
	for i, p := range s {
		keys[i] = p.Key()
	}
	return keys
}
