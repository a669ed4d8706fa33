// Package pipeline orchestrates a basemap build: enumerate the source items
// covering the region, stage and tile-encode each one through a bounded
// worker pool, and fold the resulting tile sets into the cumulative archive
// through a single merge owner. All durable state lives in the progress store
// and the archive itself, so a killed run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geotiler/mosaic/internal/catalog"
	"github.com/geotiler/mosaic/internal/fetch"
	"github.com/geotiler/mosaic/internal/logging"
	"github.com/geotiler/mosaic/internal/metrics"
	"github.com/geotiler/mosaic/internal/progress"
	"github.com/geotiler/mosaic/internal/raster"
	"github.com/geotiler/mosaic/internal/tilestore"
)

// Pipeline wires the stages of one basemap build together.
type Pipeline struct {
	opts       Options
	enumerator catalog.Enumerator
	fetcher    fetch.Fetcher
	warper     raster.Warper
	encoder    raster.TileEncoder
	archive    *tilestore.Archive
	store      progress.Store
	logger     *slog.Logger
}

// New assembles a pipeline. The archive handle must not be shared with any
// other writer for the duration of the run.
func New(
	opts Options,
	enumerator catalog.Enumerator,
	fetcher fetch.Fetcher,
	warper raster.Warper,
	encoder raster.TileEncoder,
	archive *tilestore.Archive,
	store progress.Store,
) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Pipeline{
		opts:       opts,
		enumerator: enumerator,
		fetcher:    fetcher,
		warper:     warper,
		encoder:    encoder,
		archive:    archive,
		store:      store,
		logger:     logging.Component("pipeline"),
	}
}

// outcome is one item's terminal result within this run.
type outcome struct {
	id       string
	status   progress.Status
	skipped  bool
	attempts int
	lastErr  string
	inserted int64
	tilesDup int64
}

// Run executes the build and returns its report. A non-nil error means the
// run aborted (corruption, enumeration failure, cancellation); item-level
// failures are reported, not returned.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "region", p.opts.Region.Name)

	report := &Report{
		RunID:   runID,
		Region:  p.opts.Region.Name,
		Started: time.Now().UTC(),
	}

	if err := os.MkdirAll(p.opts.StagingDir, 0755); err != nil {
		return report, fmt.Errorf("create staging directory: %w", err)
	}

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	taskCh := make(chan task, p.opts.Workers*2)
	mergeCh := make(chan mergeRequest)
	outcomeCh := make(chan outcome)

	var producers sync.WaitGroup

	// Dispatcher: enumerate, apply resume rules, feed the pool.
	producers.Add(1)
	go func() {
		defer producers.Done()
		defer close(taskCh)
		p.dispatch(ctx, abort, taskCh, outcomeCh)
	}()

	// Bounded worker pool.
	for i := 0; i < p.opts.Workers; i++ {
		producers.Add(1)
		go func(workerID int) {
			defer producers.Done()
			wlog := logging.WorkerLogger(workerID).With("run_id", runID)
			wlog.Debug("worker started")
			for t := range taskCh {
				if m := metrics.Get(); m != nil {
					m.SetWorkerQueueDepth(float64(len(taskCh)))
					m.IncInFlightItems()
				}
				out, fatal := p.processItem(ctx, t, mergeCh)
				if m := metrics.Get(); m != nil {
					m.DecInFlightItems()
				}
				if fatal != nil {
					abort(fatal)
				}
				if out != nil {
					select {
					case outcomeCh <- *out:
					case <-ctx.Done():
					}
				}
			}
			wlog.Debug("worker stopped")
		}(i)
	}

	// Single merge owner: the archive has exactly one writer.
	mergeOwnerDone := make(chan struct{})
	go func() {
		defer close(mergeOwnerDone)
		p.mergeOwner(mergeCh)
	}()

	go func() {
		producers.Wait()
		close(mergeCh)
		close(outcomeCh)
	}()

	for out := range outcomeCh {
		p.recordOutcome(report, out)
	}
	<-mergeOwnerDone

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		report.Finished = time.Now().UTC()
		return report, cause
	}
	if err := ctx.Err(); err != nil {
		report.Finished = time.Now().UTC()
		return report, err
	}

	if err := p.finish(ctx, logger, report); err != nil {
		return report, err
	}

	report.Finished = time.Now().UTC()
	logger.Info("run complete",
		"processed", report.ItemsProcessed,
		"skipped", report.ItemsSkipped,
		"failed", report.ItemsFailed,
		"tiles_inserted", report.TilesInserted,
		"total_tiles", report.TotalTiles)
	return report, nil
}

// dispatch streams enumerated items into the worker pool, short-circuiting
// items the progress store already settled.
func (p *Pipeline) dispatch(ctx context.Context, abort context.CancelCauseFunc, taskCh chan<- task, outcomeCh chan<- outcome) {
	itemCh, errCh := p.enumerator.Enumerate(ctx, p.opts.Region)

	for item := range itemCh {
		rec, known := p.store.Get(item.ID)
		switch {
		case known && rec.Status == progress.StatusSucceeded:
			select {
			case outcomeCh <- outcome{id: item.ID, status: progress.StatusSucceeded, skipped: true}:
			case <-ctx.Done():
				return
			}
			continue
		case known && rec.Status == progress.StatusFailed:
			// Terminal from an earlier run; surface it without retrying.
			select {
			case outcomeCh <- outcome{
				id:       item.ID,
				status:   progress.StatusFailed,
				attempts: rec.Attempts,
				lastErr:  rec.LastError,
			}:
			case <-ctx.Done():
				return
			}
			continue
		}

		t := task{item: item}
		if known {
			t.priorAttempts = rec.Attempts
		}
		select {
		case taskCh <- t:
			if m := metrics.Get(); m != nil {
				m.SetWorkerQueueDepth(float64(len(taskCh)))
			}
		case <-ctx.Done():
			return
		}
	}

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		abort(fmt.Errorf("enumerate region %s: %w", p.opts.Region.Name, err))
	}
}

// processItem drives one item through its attempts. The returned fatal error,
// if any, aborts the whole run.
func (p *Pipeline) processItem(ctx context.Context, t task, mergeCh chan<- mergeRequest) (*outcome, error) {
	id := t.item.ID
	mlabels := metrics.Labels{Region: p.opts.Region.Name, Collection: p.opts.Collection}

	// One correlation ID spans all of an item's attempts within this run, so
	// the log lines of a retried item can be pulled together.
	correlationID := logging.GenerateCorrelationID()

	var lastErr error
	attempt := t.priorAttempts

	for attempt < p.opts.MaxRetries {
		attempt++
		alog := logging.ItemLogger(correlationID, id, attempt)

		if attempt > t.priorAttempts+1 {
			delay := backoffDelay(p.opts.RetryBackoff, p.opts.MaxBackoff, attempt-1)
			alog.Info("retrying item", "backoff", delay)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(metrics.Labels{Region: p.opts.Region.Name, Stage: "item"})
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil
			}
		}

		// Persist the attempt before the first external call so a crash here
		// is visible on resume.
		if err := p.store.Upsert(id, progress.StatusInProgress, attempt, errString(lastErr)); err != nil {
			return nil, fmt.Errorf("persist progress for %s: %w", id, err)
		}

		inserted, dup, err := p.attempt(ctx, alog, t.item, mergeCh)
		if err == nil {
			if uerr := p.store.Upsert(id, progress.StatusSucceeded, attempt, ""); uerr != nil {
				return nil, fmt.Errorf("persist progress for %s: %w", id, uerr)
			}
			if m := metrics.Get(); m != nil {
				m.IncItemsProcessed(mlabels)
				m.AddTilesMerged(mlabels, float64(inserted))
				m.AddTilesSkipped(mlabels, float64(dup))
			}
			return &outcome{
				id:       id,
				status:   progress.StatusSucceeded,
				attempts: attempt,
				inserted: inserted,
				tilesDup: dup,
			}, nil
		}

		if errors.Is(err, tilestore.ErrCorrupt) {
			// Not an item problem: the archive or encoder produced
			// inconsistent data. Nothing sane can continue.
			return nil, err
		}
		if ctx.Err() != nil {
			// Shutdown: leave the in_progress record for resume.
			return nil, nil
		}

		lastErr = err
		alog.Warn("attempt failed",
			"permanent", fetch.IsPermanent(err),
			"error", err)

		if fetch.IsPermanent(err) {
			break
		}
		// Unknown classifications count as transient.
	}

	if err := p.store.Upsert(id, progress.StatusFailed, attempt, errString(lastErr)); err != nil {
		return nil, fmt.Errorf("persist progress for %s: %w", id, err)
	}
	if m := metrics.Get(); m != nil {
		m.IncItemsFailed(mlabels)
	}
	return &outcome{
		id:       id,
		status:   progress.StatusFailed,
		attempts: attempt,
		lastErr:  errString(lastErr),
	}, nil
}

// attempt runs one fetch → warp → encode → merge chain. Staged files are
// removed whatever the result; a retry starts clean.
func (p *Pipeline) attempt(ctx context.Context, logger *slog.Logger, item catalog.SourceItem, mergeCh chan<- mergeRequest) (inserted, dup int64, err error) {
	// All staged paths derive from the sanitized item name; catalog IDs never
	// reach the filesystem directly.
	rawPath := fetch.StagingPath(p.opts.StagingDir, item.ID)
	warpedPath := strings.TrimSuffix(rawPath, ".tif") + "_warped.tif"
	tileSetPath := strings.TrimSuffix(rawPath, ".tif") + ".mbtiles"
	defer func() {
		os.Remove(rawPath)
		os.Remove(warpedPath)
		tilestore.Remove(tileSetPath)
	}()

	mlabels := metrics.Labels{Region: p.opts.Region.Name, Collection: p.opts.Collection}

	start := time.Now()
	if err := p.fetcher.Fetch(ctx, item, rawPath); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncFetchErrors(metrics.Labels{Region: p.opts.Region.Name, Class: errClass(err)})
		}
		return 0, 0, fmt.Errorf("fetch %s: %w", item.ID, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveFetchDuration(mlabels, time.Since(start).Seconds())
	}

	start = time.Now()
	err = p.warper.Warp(ctx, rawPath, warpedPath, raster.WarpParams{
		TargetSRS:   p.opts.WarpTargetSRS,
		ResolutionM: p.opts.WarpResolutionM,
		Resampling:  p.opts.WarpResampling,
		NoData:      p.opts.WarpNoData,
	})
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncEngineErrors(metrics.Labels{Region: p.opts.Region.Name, Stage: "warp"})
		}
		return 0, 0, fmt.Errorf("warp %s: %w", item.ID, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveWarpDuration(mlabels, time.Since(start).Seconds())
	}

	// A stale tile set from an interrupted attempt must not be appended to.
	if err := tilestore.Remove(tileSetPath); err != nil {
		return 0, 0, fmt.Errorf("clear stale tile set for %s: %w", item.ID, err)
	}

	start = time.Now()
	err = p.encoder.Encode(ctx, warpedPath, tileSetPath, raster.EncodeParams{
		Format:     p.opts.TileFormat,
		Quality:    p.opts.TileQuality,
		MinZoom:    p.opts.MaxZoom,
		MaxZoom:    p.opts.MaxZoom,
		Resampling: p.opts.TileResampling,
	})
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncEngineErrors(metrics.Labels{Region: p.opts.Region.Name, Stage: "encode"})
		}
		return 0, 0, fmt.Errorf("encode %s: %w", item.ID, err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveEncodeDuration(mlabels, time.Since(start).Seconds())
	}

	req := mergeRequest{
		itemID:      item.ID,
		tileSetPath: tileSetPath,
		done:        make(chan mergeResult, 1),
	}
	select {
	case mergeCh <- req:
		if m := metrics.Get(); m != nil {
			m.IncMergePending()
		}
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	res := <-req.done
	if res.err != nil {
		return 0, 0, fmt.Errorf("merge %s: %w", item.ID, res.err)
	}

	logger.Info("item merged",
		"tiles_inserted", res.inserted,
		"tiles_skipped", res.skipped)
	return res.inserted, res.skipped, nil
}

// mergeOwner serializes all archive writes. Every request gets exactly one
// reply.
func (p *Pipeline) mergeOwner(mergeCh <-chan mergeRequest) {
	for req := range mergeCh {
		start := time.Now()
		// Merges run to completion even during shutdown; a half-applied
		// transaction would be rolled back by sqlite anyway, but finishing
		// keeps the progress store and archive in step.
		stats, err := p.archive.MergeFrom(context.Background(), req.tileSetPath)
		if m := metrics.Get(); m != nil {
			m.DecMergePending()
			if err == nil {
				m.ObserveMergeDuration(
					metrics.Labels{Region: p.opts.Region.Name, Collection: p.opts.Collection},
					time.Since(start).Seconds())
			}
		}
		req.done <- mergeResult{inserted: stats.Inserted, skipped: stats.Skipped, err: err}
	}
}

func (p *Pipeline) recordOutcome(report *Report, out outcome) {
	switch {
	case out.skipped:
		report.ItemsSkipped++
		if m := metrics.Get(); m != nil {
			m.IncItemsSkipped(metrics.Labels{Region: p.opts.Region.Name, Collection: p.opts.Collection})
		}
	case out.status == progress.StatusSucceeded:
		report.ItemsProcessed++
		report.TilesInserted += out.inserted
		report.TilesSkipped += out.tilesDup
	case out.status == progress.StatusFailed:
		report.ItemsFailed++
		report.Failures = append(report.Failures, Failure{
			ID:        out.id,
			Attempts:  out.attempts,
			LastError: out.lastErr,
		})
	}
}

// finish regenerates overviews, fixes up archive metadata and optionally
// compacts. Runs strictly after all merges: the archive handle is exclusive
// here.
func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, report *Report) error {
	if report.ItemsProcessed > 0 {
		stats, err := p.archive.BuildOverviews(ctx, tilestore.OverviewParams{
			MinZoom:    p.opts.MinZoom,
			Format:     p.opts.TileFormat,
			Quality:    p.opts.OverviewQuality,
			Resampling: p.opts.OverviewResampling,
		})
		if err != nil {
			return fmt.Errorf("build overviews: %w", err)
		}
		report.OverviewTiles = stats.TilesWritten
		logger.Info("overviews regenerated", "levels", stats.Levels, "tiles", stats.TilesWritten)
	}

	minZoom, maxZoom, err := p.archive.ZoomRange(ctx)
	if err != nil {
		return err
	}
	report.MinZoom, report.MaxZoom = minZoom, maxZoom

	total, err := p.archive.TotalTiles(ctx)
	if err != nil {
		return err
	}
	report.TotalTiles = total

	if p.opts.Compact && report.ItemsProcessed > 0 {
		logger.Info("compacting archive")
		if err := p.archive.Compact(ctx); err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errClass(err error) string {
	switch {
	case fetch.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
