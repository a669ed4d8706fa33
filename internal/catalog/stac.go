package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// stacEnumerator searches a STAC API for imagery items intersecting the
// region polygon.
type stacEnumerator struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func newSTACEnumerator(cfg Config) *stacEnumerator {
	return &stacEnumerator{
		cfg: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: slog.Default().With("component", "catalog", "mode", "stac"),
	}
}

// searchRequest is the STAC API POST /search body.
type searchRequest struct {
	Collections []string                  `json:"collections"`
	Intersects  geoJSONPolygon            `json:"intersects"`
	Datetime    string                    `json:"datetime,omitempty"`
	Query       map[string]map[string]any `json:"query,omitempty"`
	Limit       int                       `json:"limit,omitempty"`
	Token       string                    `json:"token,omitempty"`
}

type geoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type searchResponse struct {
	Features []stacFeature `json:"features"`
	Links    []stacLink    `json:"links"`
}

type stacFeature struct {
	ID         string               `json:"id"`
	BBox       []float64            `json:"bbox"`
	Properties stacProperties       `json:"properties"`
	Assets     map[string]stacAsset `json:"assets"`
}

type stacProperties struct {
	Datetime time.Time `json:"datetime"`
	GSD      float64   `json:"gsd"`
}

type stacAsset struct {
	Href string `json:"href"`
	Type string `json:"type"`
}

type stacLink struct {
	Rel  string          `json:"rel"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Enumerate searches the catalog and streams the matching items. Items from
// older acquisition years are dropped when a newer year covers the region,
// and the survivors are emitted in ascending ID order.
func (e *stacEnumerator) Enumerate(ctx context.Context, region Region) (<-chan SourceItem, <-chan error) {
	itemCh := make(chan SourceItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(itemCh)
		defer close(errCh)

		items, err := e.search(ctx, region)
		if err != nil {
			errCh <- err
			return
		}

		items = newestYear(items)
		items = dedupeByURL(items)
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

		e.logger.Info("catalog search complete",
			"region", region.Name,
			"collection", e.cfg.Collection,
			"items", len(items))

		for _, item := range items {
			select {
			case itemCh <- item:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return itemCh, errCh
}

// search runs the paginated STAC search and collects every matching feature.
func (e *stacEnumerator) search(ctx context.Context, region Region) ([]SourceItem, error) {
	req := searchRequest{
		Collections: []string{e.cfg.Collection},
		Intersects: geoJSONPolygon{
			Type:        "Polygon",
			Coordinates: [][][2]float64{closedRing(region.Polygon)},
		},
		Limit: e.cfg.SearchLimit,
	}
	if e.cfg.AcquiredFrom != "" {
		req.Datetime = e.cfg.AcquiredFrom + "/.."
	}
	if e.cfg.MaxGSD > 0 {
		req.Query = map[string]map[string]any{
			"gsd": {"lte": e.cfg.MaxGSD},
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	var items []SourceItem
	for page := 0; ; page++ {
		resp, err := e.postSearch(ctx, body)
		if err != nil {
			return nil, err
		}

		for _, feat := range resp.Features {
			item, ok := featureToItem(feat)
			if !ok {
				e.logger.Warn("skipping feature without image asset", "feature", feat.ID)
				continue
			}
			items = append(items, item)
		}

		next := nextPageBody(resp.Links)
		if next == nil {
			break
		}
		body = next
	}

	return items, nil
}

// postSearch POSTs one search page, retrying transient server errors.
func (e *stacEnumerator) postSearch(ctx context.Context, body []byte) (*searchResponse, error) {
	const attempts = 3

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * 2 * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := e.doPost(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		e.logger.Warn("catalog search attempt failed",
			"attempt", attempt,
			"error", err)
	}

	return nil, fmt.Errorf("catalog search failed after %d attempts: %w", attempts, lastErr)
}

func (e *stacEnumerator) doPost(ctx context.Context, body []byte) (*searchResponse, error) {
	url := e.cfg.Endpoint + "/search"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/geo+json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("search %s: status %d: %s", url, httpResp.StatusCode, data)
	}

	var resp searchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &resp, nil
}

// nextPageBody returns the request body for the next result page, or nil when
// the last page has been consumed.
func nextPageBody(links []stacLink) []byte {
	for _, link := range links {
		if link.Rel == "next" && len(link.Body) > 0 {
			return link.Body
		}
	}
	return nil
}

// featureToItem converts one STAC feature, preferring the primary image asset.
func featureToItem(feat stacFeature) (SourceItem, bool) {
	asset, ok := feat.Assets["image"]
	if !ok {
		// Fall back to any GeoTIFF asset.
		keys := make([]string, 0, len(feat.Assets))
		for k := range feat.Assets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if a := feat.Assets[k]; isGeoTIFF(a.Type) {
				asset, ok = a, true
				break
			}
		}
	}
	if !ok || asset.Href == "" {
		return SourceItem{}, false
	}

	item := SourceItem{
		ID:         feat.ID,
		URL:        asset.Href,
		AcquiredAt: feat.Properties.Datetime,
		GSD:        feat.Properties.GSD,
	}
	if len(feat.BBox) >= 4 {
		item.Bounds = [4]float64{feat.BBox[0], feat.BBox[1], feat.BBox[2], feat.BBox[3]}
	}
	return item, true
}

func isGeoTIFF(mediaType string) bool {
	switch mediaType {
	case "image/tiff; application=geotiff",
		"image/tiff; application=geotiff; profile=cloud-optimized",
		"image/tiff":
		return true
	}
	return false
}

// newestYear keeps only items from the most recent acquisition year, so the
// basemap is not a patchwork of vintages where campaigns overlap.
func newestYear(items []SourceItem) []SourceItem {
	maxYear := 0
	for _, item := range items {
		if y := item.AcquiredAt.Year(); y > maxYear {
			maxYear = y
		}
	}

	out := items[:0]
	for _, item := range items {
		if item.AcquiredAt.Year() == maxYear {
			out = append(out, item)
		}
	}
	return out
}

// dedupeByURL drops items whose asset URL was already seen; the catalog can
// return the same underlying image under multiple feature IDs.
func dedupeByURL(items []SourceItem) []SourceItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, item := range items {
		if seen[item.URL] {
			continue
		}
		seen[item.URL] = true
		out = append(out, item)
	}
	return out
}

// closedRing ensures the polygon ring is closed as GeoJSON requires.
func closedRing(polygon [][2]float64) [][2]float64 {
	if len(polygon) == 0 {
		return polygon
	}
	first, last := polygon[0], polygon[len(polygon)-1]
	if first == last {
		return polygon
	}
	ring := make([][2]float64, 0, len(polygon)+1)
	ring = append(ring, polygon...)
	ring = append(ring, first)
	return ring
}
