// Command mosaic builds a cumulative aerial-imagery basemap for a configured
// region: it enumerates the source images, reprojects and tile-encodes each
// one, and merges the results into a single MBTiles archive. Interrupted runs
// resume from the progress file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/geotiler/mosaic/internal/catalog"
	"github.com/geotiler/mosaic/internal/config"
	"github.com/geotiler/mosaic/internal/fetch"
	"github.com/geotiler/mosaic/internal/logging"
	"github.com/geotiler/mosaic/internal/metrics"
	"github.com/geotiler/mosaic/internal/pipeline"
	"github.com/geotiler/mosaic/internal/progress"
	"github.com/geotiler/mosaic/internal/publish"
	"github.com/geotiler/mosaic/internal/raster"
	"github.com/geotiler/mosaic/internal/tilestore"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		outputPath  = flag.String("output", "", "Archive output path (overrides config)")
		workers     = flag.Int("workers", 0, "Worker pool size (overrides config)")
		maxRetries  = flag.Int("max-retries", 0, "Attempts per item (overrides config)")
		resume      = flag.Bool("resume", true, "Resume from the progress file")
		fresh       = flag.Bool("fresh", false, "Discard progress and archive, start over")
		logFormat   = flag.String("log-format", "", "Log format: json or text (overrides config)")
		logLevel    = flag.String("log-level", "", "Log level (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus listen address (enables metrics)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("mosaic", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *outputPath != "" {
		cfg.Run.OutputPath = *outputPath
	}
	if *workers > 0 {
		cfg.Run.Workers = *workers
	}
	if *maxRetries > 0 {
		cfg.Run.MaxRetries = *maxRetries
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = *metricsAddr
	}
	if *fresh || !*resume {
		cfg.Run.Resume = false
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	logger := logging.Component("main")
	logger.Info("starting mosaic",
		"version", version,
		"region", cfg.Region.Name,
		"workers", cfg.Run.Workers,
		"output", cfg.Run.OutputPath)

	if cfg.Metrics.Enabled {
		metrics.Init("mosaic")
		go func() {
			logger.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := build(ctx, cfg, logger, *fresh)
	if err != nil {
		logger.Error("run aborted", "error", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

// build runs the pipeline and optional publication. It returns whether any
// item ended failed. With freshArchive the existing archive is deleted, not
// just the progress state.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger, freshArchive bool) (bool, error) {
	if freshArchive {
		if err := tilestore.Remove(cfg.Run.OutputPath); err != nil {
			return false, fmt.Errorf("remove stale archive: %w", err)
		}
	}

	store, err := progress.Open(cfg.Run.ProgressPath, !cfg.Run.Resume)
	if err != nil {
		return false, fmt.Errorf("open progress store: %w", err)
	}
	defer store.Close()

	enumerator, err := catalog.New(catalog.Config{
		Mode:         cfg.Catalog.Mode,
		Endpoint:     cfg.Catalog.Endpoint,
		Collection:   cfg.Catalog.Collection,
		AcquiredFrom: cfg.Catalog.AcquiredFrom,
		MaxGSD:       cfg.Catalog.MaxGSD,
		SearchLimit:  cfg.Catalog.SearchLimit,
		LocalDir:     cfg.Catalog.LocalDir,
	})
	if err != nil {
		return false, fmt.Errorf("create enumerator: %w", err)
	}

	archive, err := tilestore.Create(cfg.Run.OutputPath, archiveMetadata(cfg))
	if err != nil {
		return false, fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	engine := raster.NewEngine()
	pipe := pipeline.New(
		pipelineOptions(cfg),
		enumerator,
		fetch.New(fetch.Config{AttemptTimeout: cfg.Fetch.AttemptTimeout}),
		engine,
		engine,
		archive,
		store,
	)

	report, err := pipe.Run(ctx)
	if err != nil {
		return report != nil && report.ItemsFailed > 0, err
	}

	for _, f := range report.Failures {
		logger.Warn("item failed",
			"item", f.ID,
			"attempts", f.Attempts,
			"error", f.LastError)
	}

	if cfg.Publish.Enabled {
		if perr := publishArchive(ctx, cfg, report); perr != nil {
			// The local archive is complete; publication can be rerun.
			logger.Error("publish failed", "error", perr)
		}
	}

	return report.ItemsFailed > 0, nil
}

func publishArchive(ctx context.Context, cfg config.Config, report *pipeline.Report) error {
	pub, err := publish.New(publish.Config{
		Backend:    cfg.Publish.Backend,
		Bucket:     cfg.Publish.Bucket,
		Prefix:     cfg.Publish.Prefix,
		LocalDir:   cfg.Publish.LocalDir,
		S3Region:   cfg.Publish.S3Region,
		S3Endpoint: cfg.Publish.S3Endpoint,
	})
	if err != nil {
		return err
	}
	return pub.Publish(ctx, cfg.Run.OutputPath, publish.Manifest{
		Version:        version,
		RunID:          report.RunID,
		Region:         report.Region,
		Collection:     cfg.Catalog.Collection,
		GeneratedAt:    report.Finished,
		ItemsProcessed: report.ItemsProcessed,
		ItemsSkipped:   report.ItemsSkipped,
		ItemsFailed:    report.ItemsFailed,
		MinZoom:        report.MinZoom,
		MaxZoom:        report.MaxZoom,
		TotalTiles:     report.TotalTiles,
	})
}

func pipelineOptions(cfg config.Config) pipeline.Options {
	return pipeline.Options{
		Region: catalog.Region{
			Name:    cfg.Region.Name,
			Polygon: cfg.Region.Polygon,
		},
		Collection:         cfg.Catalog.Collection,
		StagingDir:         cfg.Fetch.StagingDir,
		Workers:            cfg.Run.Workers,
		MaxRetries:         cfg.Run.MaxRetries,
		RetryBackoff:       cfg.Run.RetryBackoff,
		MaxBackoff:         cfg.Run.MaxBackoff,
		WarpTargetSRS:      cfg.Warp.TargetSRS,
		WarpResolutionM:    cfg.Warp.ResolutionM,
		WarpResampling:     cfg.Warp.Resampling,
		WarpNoData:         cfg.Warp.NoData,
		TileFormat:         cfg.Tiles.Format,
		TileQuality:        cfg.Tiles.Quality,
		MinZoom:            cfg.Tiles.MinZoom,
		MaxZoom:            cfg.Tiles.MaxZoom,
		TileResampling:     cfg.Tiles.Resampling,
		OverviewResampling: cfg.Overviews.Resampling,
		OverviewQuality:    cfg.Overviews.Quality,
		Compact:            cfg.Run.Compact,
	}
}

// archiveMetadata seeds the MBTiles metadata table readers expect. Zoom
// range metadata is maintained by the merge and overview steps, not seeded.
func archiveMetadata(cfg config.Config) map[string]string {
	region := catalog.Region{Name: cfg.Region.Name, Polygon: cfg.Region.Polygon}
	meta := map[string]string{
		"name":    cfg.Region.Name,
		"type":    "baselayer",
		"version": "1",
		"format":  formatName(cfg.Tiles.Format),
	}
	if len(cfg.Region.Polygon) > 0 {
		b := region.Bounds()
		meta["bounds"] = fmt.Sprintf("%g,%g,%g,%g", b[0], b[1], b[2], b[3])
	}
	return meta
}

func formatName(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
