package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/geotiler/mosaic/internal/catalog"
	"github.com/geotiler/mosaic/internal/fetch"
	"github.com/geotiler/mosaic/internal/metrics"
	"github.com/geotiler/mosaic/internal/progress"
	"github.com/geotiler/mosaic/internal/raster"
	"github.com/geotiler/mosaic/internal/tilestore"
)

// fakeEnumerator streams a fixed item list.
type fakeEnumerator struct {
	items []catalog.SourceItem
	err   error
}

func (f *fakeEnumerator) Enumerate(ctx context.Context, region catalog.Region) (<-chan catalog.SourceItem, <-chan error) {
	itemCh := make(chan catalog.SourceItem)
	errCh := make(chan error, 1)
	go func() {
		defer close(itemCh)
		defer close(errCh)
		for _, item := range f.items {
			select {
			case itemCh <- item:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errCh <- f.err
		}
	}()
	return itemCh, errCh
}

// fakeFetcher stages a dummy file, failing scripted attempts first.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	dests     map[string]string
	failFirst map[string]int // item ID -> number of leading transient failures
	permanent map[string]bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:     make(map[string]int),
		dests:     make(map[string]string),
		failFirst: make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, item catalog.SourceItem, destPath string) error {
	f.mu.Lock()
	f.calls[item.ID]++
	f.dests[item.ID] = destPath
	n := f.calls[item.ID]
	f.mu.Unlock()

	if f.permanent[item.ID] {
		return fmt.Errorf("fetch %s: status 404: %w", item.URL, fetch.ErrPermanent)
	}
	if n <= f.failFirst[item.ID] {
		return fmt.Errorf("fetch %s: connection reset: %w", item.URL, fetch.ErrTransient)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("raw raster "+item.ID), 0644)
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) stagedDest(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dests[id]
}

// fakeWarper copies src to dst.
type fakeWarper struct{}

func (fakeWarper) Warp(ctx context.Context, src, dst string, params raster.WarpParams) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// fakeEncoder writes a real single-tile MBTiles set per item. The tile
// coordinate is derived from the item index so item sets never collide unless
// a test wants them to.
type fakeEncoder struct {
	tiles func(itemID string) []fakeTile
}

type fakeTile struct {
	zoom, column, row int
	data              []byte
}

func (f *fakeEncoder) Encode(ctx context.Context, src, dst string, params raster.EncodeParams) error {
	itemID := strings.TrimSuffix(filepath.Base(src), "_warped.tif")
	set, err := tilestore.Create(dst, nil)
	if err != nil {
		return err
	}
	defer set.Close()
	for _, tile := range f.tiles(itemID) {
		if _, err := set.InsertIfAbsent(ctx, tile.zoom, tile.column, tile.row, tile.data); err != nil {
			return err
		}
	}
	return nil
}

func testItems(ids ...string) []catalog.SourceItem {
	items := make([]catalog.SourceItem, len(ids))
	for i, id := range ids {
		items[i] = catalog.SourceItem{ID: id, URL: "https://img.example/" + id + ".tif"}
	}
	return items
}

// oneTilePerItem assigns each item a distinct base-zoom coordinate.
func oneTilePerItem(zoom int) func(string) []fakeTile {
	var mu sync.Mutex
	coords := make(map[string]int)
	return func(itemID string) []fakeTile {
		mu.Lock()
		idx, ok := coords[itemID]
		if !ok {
			idx = len(coords)
			coords[itemID] = idx
		}
		mu.Unlock()
		return []fakeTile{{zoom, idx, 0, []byte("tile-" + itemID)}}
	}
}

type testEnv struct {
	opts      Options
	fetcher   *fakeFetcher
	encoder   *fakeEncoder
	archive   *tilestore.Archive
	store     progress.Store
	enumItems []catalog.SourceItem
}

func newTestEnv(t *testing.T, ids ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	archive, err := tilestore.Create(filepath.Join(dir, "basemap.mbtiles"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { archive.Close() })

	return &testEnv{
		opts: Options{
			Region:          catalog.Region{Name: "test"},
			Collection:      "naip",
			StagingDir:      filepath.Join(dir, "staging"),
			Workers:         2,
			MaxRetries:      3,
			RetryBackoff:    time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			WarpTargetSRS:   "EPSG:3857",
			WarpResolutionM: 1,
			WarpResampling:  "lanczos",
			TileFormat:      "png",
			TileQuality:     6,
			MinZoom:         16, // no overview levels unless a test lowers it
			MaxZoom:         16,
			TileResampling:  "cubic",
		},
		fetcher:   newFakeFetcher(),
		encoder:   &fakeEncoder{tiles: oneTilePerItem(16)},
		archive:   archive,
		store:     progress.NewMemory(),
		enumItems: testItems(ids...),
	}
}

func (e *testEnv) run(t *testing.T) (*Report, error) {
	t.Helper()
	p := New(e.opts,
		&fakeEnumerator{items: e.enumItems},
		e.fetcher,
		fakeWarper{},
		e.encoder,
		e.archive,
		e.store,
	)
	return p.Run(context.Background())
}

func TestRunProcessesAllItems(t *testing.T) {
	env := newTestEnv(t, "a", "b", "c")

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.ItemsProcessed != 3 || report.ItemsFailed != 0 {
		t.Errorf("report = processed %d, failed %d; want 3 processed", report.ItemsProcessed, report.ItemsFailed)
	}
	if report.TilesInserted != 3 {
		t.Errorf("TilesInserted = %d, want 3", report.TilesInserted)
	}

	total, err := env.archive.TotalTiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("archive has %d tiles, want 3", total)
	}

	for _, id := range []string{"a", "b", "c"} {
		rec, ok := env.store.Get(id)
		if !ok || rec.Status != progress.StatusSucceeded {
			t.Errorf("item %s progress = %+v, want succeeded", id, rec)
		}
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t, "a", "b", "c")
	env.fetcher.failFirst["b"] = 2 // fails twice, succeeds on third attempt

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.ItemsProcessed != 3 {
		t.Fatalf("ItemsProcessed = %d, want 3", report.ItemsProcessed)
	}
	if got := env.fetcher.callCount("b"); got != 3 {
		t.Errorf("item b fetched %d times, want 3", got)
	}
	rec, _ := env.store.Get("b")
	if rec.Attempts != 3 || rec.Status != progress.StatusSucceeded {
		t.Errorf("item b record = %+v, want succeeded with 3 attempts", rec)
	}

	total, err := env.archive.TotalTiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("archive has %d tiles, want union of 3 with no duplicates", total)
	}
}

func TestRunMarksExhaustedItemsFailed(t *testing.T) {
	env := newTestEnv(t, "a")
	env.fetcher.failFirst["a"] = 99 // never succeeds

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run should not abort on item failure: %v", err)
	}

	if report.ItemsFailed != 1 {
		t.Fatalf("ItemsFailed = %d, want 1", report.ItemsFailed)
	}
	if len(report.Failures) != 1 || report.Failures[0].Attempts != 3 {
		t.Errorf("Failures = %+v, want one failure with 3 attempts", report.Failures)
	}
	if got := env.fetcher.callCount("a"); got != 3 {
		t.Errorf("item a fetched %d times, want max retries 3", got)
	}
	rec, _ := env.store.Get("a")
	if rec.Status != progress.StatusFailed {
		t.Errorf("record = %+v, want failed", rec)
	}
	if !strings.Contains(rec.LastError, "connection reset") {
		t.Errorf("LastError = %q, want transport error preserved", rec.LastError)
	}
}

func TestRunPermanentFailureSkipsRetries(t *testing.T) {
	env := newTestEnv(t, "a")
	env.fetcher.permanent["a"] = true

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.ItemsFailed != 1 {
		t.Fatalf("ItemsFailed = %d, want 1", report.ItemsFailed)
	}
	if got := env.fetcher.callCount("a"); got != 1 {
		t.Errorf("permanent failure fetched %d times, want 1 (no retry)", got)
	}
	rec, _ := env.store.Get("a")
	if rec.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", rec.Attempts)
	}
}

func TestRunResumeSkipsSettledItems(t *testing.T) {
	env := newTestEnv(t, "done", "broken", "new")
	env.store.Upsert("done", progress.StatusSucceeded, 1, "")
	env.store.Upsert("broken", progress.StatusFailed, 3, "status 404")

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.ItemsSkipped != 1 {
		t.Errorf("ItemsSkipped = %d, want 1", report.ItemsSkipped)
	}
	if report.ItemsProcessed != 1 {
		t.Errorf("ItemsProcessed = %d, want 1 (only the new item)", report.ItemsProcessed)
	}
	if report.ItemsFailed != 1 {
		t.Errorf("ItemsFailed = %d, want prior failure surfaced", report.ItemsFailed)
	}
	if env.fetcher.callCount("done") != 0 || env.fetcher.callCount("broken") != 0 {
		t.Error("settled items must not be fetched again")
	}
}

func TestRunResumePreservesAttempts(t *testing.T) {
	env := newTestEnv(t, "a")
	// A crash mid-attempt left this record behind.
	env.store.Upsert("a", progress.StatusInProgress, 2, "killed")

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.ItemsProcessed != 1 {
		t.Fatalf("ItemsProcessed = %d, want 1", report.ItemsProcessed)
	}
	// One attempt budget left out of three.
	if got := env.fetcher.callCount("a"); got != 1 {
		t.Errorf("item a fetched %d times, want 1", got)
	}
	rec, _ := env.store.Get("a")
	if rec.Attempts != 3 || rec.Status != progress.StatusSucceeded {
		t.Errorf("record = %+v, want succeeded with attempts carried to 3", rec)
	}
}

func TestRunMergeIsIdempotentAcrossResume(t *testing.T) {
	env := newTestEnv(t, "a", "b")

	if _, err := env.run(t); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Force b to be reprocessed, as after a crash between merge commit and
	// the succeeded upsert.
	env.store.Upsert("b", progress.StatusInProgress, 1, "")

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if report.TilesInserted != 0 {
		t.Errorf("TilesInserted = %d, want 0 (replayed merge skips)", report.TilesInserted)
	}
	total, _ := env.archive.TotalTiles(context.Background())
	if total != 2 {
		t.Errorf("archive has %d tiles, want 2 (no duplicates)", total)
	}
}

func TestRunAbortsOnCorruptTileSet(t *testing.T) {
	env := newTestEnv(t, "a")

	// Encoder that emits conflicting data at one coordinate.
	corrupt := func(dst string) error {
		db, err := sql.Open("sqlite3", dst)
		if err != nil {
			return err
		}
		defer db.Close()
		stmts := []string{
			`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
			`CREATE TABLE metadata (name TEXT, value TEXT)`,
			`INSERT INTO tiles VALUES (16, 0, 0, x'01')`,
			`INSERT INTO tiles VALUES (16, 0, 0, x'02')`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}

	p := New(env.opts,
		&fakeEnumerator{items: env.enumItems},
		env.fetcher,
		fakeWarper{},
		encodeFunc(func(ctx context.Context, src, dst string, params raster.EncodeParams) error {
			return corrupt(dst)
		}),
		env.archive,
		env.store,
	)

	_, err := p.Run(context.Background())
	if !errors.Is(err, tilestore.ErrCorrupt) {
		t.Fatalf("Run error = %v, want ErrCorrupt abort", err)
	}
}

type encodeFunc func(ctx context.Context, src, dst string, params raster.EncodeParams) error

func (f encodeFunc) Encode(ctx context.Context, src, dst string, params raster.EncodeParams) error {
	return f(ctx, src, dst, params)
}

func TestRunEnumerationFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	p := New(env.opts,
		&fakeEnumerator{err: errors.New("catalog unreachable")},
		env.fetcher,
		fakeWarper{},
		env.encoder,
		env.archive,
		env.store,
	)

	_, err := p.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "catalog unreachable") {
		t.Fatalf("Run error = %v, want enumeration failure", err)
	}
}

func TestRunBuildsOverviews(t *testing.T) {
	env := newTestEnv(t, "a", "b")
	env.opts.MinZoom = 1
	env.opts.MaxZoom = 2
	env.opts.OverviewResampling = "nearest"

	// Two real png children of parent (1, 0, 0).
	tile := func(c color.RGBA) []byte {
		img := image.NewRGBA(image.Rect(0, 0, 256, 256))
		for y := 0; y < 256; y++ {
			for x := 0; x < 256; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		var buf bytes.Buffer
		png.Encode(&buf, img)
		return buf.Bytes()
	}
	env.encoder = &fakeEncoder{tiles: func(itemID string) []fakeTile {
		if itemID == "a" {
			return []fakeTile{{2, 0, 0, tile(color.RGBA{R: 0xff, A: 0xff})}}
		}
		return []fakeTile{{2, 1, 1, tile(color.RGBA{G: 0xff, A: 0xff})}}
	}}

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.OverviewTiles != 1 {
		t.Errorf("OverviewTiles = %d, want 1 parent", report.OverviewTiles)
	}
	if report.MinZoom != 1 || report.MaxZoom != 2 {
		t.Errorf("zoom range = %d-%d, want 1-2", report.MinZoom, report.MaxZoom)
	}
	if _, ok, _ := env.archive.GetTile(context.Background(), 1, 0, 0); !ok {
		t.Error("overview parent tile missing")
	}
}

func TestRunCleansStagingDir(t *testing.T) {
	env := newTestEnv(t, "a", "b")

	if _, err := env.run(t); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := os.ReadDir(env.opts.StagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("staging dir not empty after run: %v", names)
	}
}

func TestRunConfinesStagedFilesToStagingDir(t *testing.T) {
	const id = "../../escape/evil"
	env := newTestEnv(t, id)

	report, err := env.run(t)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.ItemsProcessed != 1 {
		t.Fatalf("ItemsProcessed = %d, want 1", report.ItemsProcessed)
	}

	dest := env.fetcher.stagedDest(id)
	rel, err := filepath.Rel(env.opts.StagingDir, dest)
	if err != nil {
		t.Fatalf("Rel(%q, %q): %v", env.opts.StagingDir, dest, err)
	}
	if filepath.Dir(rel) != "." || strings.HasPrefix(rel, "..") {
		t.Errorf("staged path %q escapes the staging directory", dest)
	}
	if _, statErr := os.Stat(filepath.Join(env.opts.StagingDir, "..", "..", "escape")); !os.IsNotExist(statErr) {
		t.Error("item ID traversal created a directory outside staging")
	}
}

// syncBuffer makes a bytes.Buffer safe for concurrent worker logging.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunAttachesCorrelationIDsToItemLogs(t *testing.T) {
	var out syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&out, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	env := newTestEnv(t, "a")
	env.fetcher.failFirst["a"] = 1

	if _, err := env.run(t); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	logs := out.String()
	if !strings.Contains(logs, `"correlation_id":`) {
		t.Errorf("item logs missing correlation_id:\n%s", logs)
	}
	if !strings.Contains(logs, `"msg":"retrying item"`) {
		t.Errorf("retry should be logged with item context:\n%s", logs)
	}
	if !strings.Contains(logs, `"msg":"item merged"`) {
		t.Errorf("merge should be logged with item context:\n%s", logs)
	}
}

func TestRunExportsPipelineMetrics(t *testing.T) {
	m := metrics.Init("pipelinetest")

	env := newTestEnv(t, "a", "b", "c")
	if _, err := env.run(t); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := testutil.ToFloat64(m.ItemsProcessed.WithLabelValues("test", "naip")); got != 3 {
		t.Errorf("items_processed_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.TilesMerged.WithLabelValues("test", "naip")); got != 3 {
		t.Errorf("tiles_merged_total = %v, want 3", got)
	}
	// Both occupancy gauges must drain back to zero once the run finishes.
	if got := testutil.ToFloat64(m.InFlightItems); got != 0 {
		t.Errorf("in_flight_items = %v, want 0 after run", got)
	}
	if got := testutil.ToFloat64(m.MergePending); got != 0 {
		t.Errorf("merge_pending = %v, want 0 after run", got)
	}
}

func TestBackoffDelayBoundsAndGrowth(t *testing.T) {
	base := time.Second
	cap := 2 * time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(base, cap, attempt)
		if d < time.Duration(float64(base)*0.5) {
			t.Errorf("attempt %d: delay %v below jitter floor", attempt, d)
		}
		if d > time.Duration(float64(cap)*1.5) {
			t.Errorf("attempt %d: delay %v above jittered cap", attempt, d)
		}
	}

	if backoffDelay(0, cap, 3) != 0 {
		t.Error("zero base should disable backoff")
	}
}
