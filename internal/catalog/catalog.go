// Package catalog enumerates the source imagery covering a region of
// interest. Enumeration is deterministic: the same region yields the same
// items in the same order, so a resumed run can re-enumerate instead of
// persisting the catalog.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Region is the geographic region of interest, a closed polygon of lon/lat
// coordinate pairs.
type Region struct {
	Name    string
	Polygon [][2]float64
}

// Bounds returns the region's bounding box as [minLon, minLat, maxLon, maxLat].
func (r Region) Bounds() [4]float64 {
	if len(r.Polygon) == 0 {
		return [4]float64{}
	}
	b := [4]float64{r.Polygon[0][0], r.Polygon[0][1], r.Polygon[0][0], r.Polygon[0][1]}
	for _, p := range r.Polygon[1:] {
		if p[0] < b[0] {
			b[0] = p[0]
		}
		if p[1] < b[1] {
			b[1] = p[1]
		}
		if p[0] > b[2] {
			b[2] = p[0]
		}
		if p[1] > b[3] {
			b[3] = p[1]
		}
	}
	return b
}

// SourceItem identifies one source image. Immutable once enumerated.
type SourceItem struct {
	ID         string
	URL        string
	Bounds     [4]float64 // minLon, minLat, maxLon, maxLat
	AcquiredAt time.Time
	GSD        float64 // ground sample distance, meters/pixel
}

// Enumerator streams the source items covering a region.
type Enumerator interface {
	Enumerate(ctx context.Context, region Region) (<-chan SourceItem, <-chan error)
}

// Config configures the enumerator.
type Config struct {
	Mode         string // "stac" | "local"
	Endpoint     string
	Collection   string
	AcquiredFrom string
	MaxGSD       float64
	SearchLimit  int
	LocalDir     string
}

var ErrInvalidCatalogMode = errors.New("invalid catalog mode")

// New constructs an enumerator based on the configured mode.
func New(cfg Config) (Enumerator, error) {
	switch cfg.Mode {
	case "stac":
		return newSTACEnumerator(cfg), nil
	case "local":
		return newLocalEnumerator(cfg.LocalDir), nil
	default:
		return nil, ErrInvalidCatalogMode
	}
}
