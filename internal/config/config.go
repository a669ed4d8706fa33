// Package config loads the mosaic run configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a mosaic run.
type Config struct {
	Region    RegionConfig   `yaml:"region"`
	Catalog   CatalogConfig  `yaml:"catalog"`
	Fetch     FetchConfig    `yaml:"fetch"`
	Warp      WarpConfig     `yaml:"warp"`
	Tiles     TilesConfig    `yaml:"tiles"`
	Overviews OverviewConfig `yaml:"overviews"`
	Run       RunConfig      `yaml:"run"`
	Publish   PublishConfig  `yaml:"publish"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// RegionConfig describes the geographic region of interest as a closed
// polygon of lon/lat coordinate pairs.
type RegionConfig struct {
	Name    string       `yaml:"name"`
	Polygon [][2]float64 `yaml:"polygon"`
}

// CatalogConfig configures the source imagery enumerator.
type CatalogConfig struct {
	Mode         string  `yaml:"mode"` // "stac" | "local"
	Endpoint     string  `yaml:"endpoint"`
	Collection   string  `yaml:"collection"`
	AcquiredFrom string  `yaml:"acquired_from"` // RFC3339 lower bound
	MaxGSD       float64 `yaml:"max_gsd"`       // meters/pixel upper bound, 0 = any
	SearchLimit  int     `yaml:"search_limit"`
	LocalDir     string  `yaml:"local_dir"`
}

// FetchConfig configures raster downloads.
type FetchConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	StagingDir     string        `yaml:"staging_dir"`
}

// WarpConfig holds the parameters handed to the external reprojection engine.
type WarpConfig struct {
	TargetSRS   string  `yaml:"target_srs"`
	ResolutionM float64 `yaml:"resolution_m"`
	Resampling  string  `yaml:"resampling"`
	NoData      string  `yaml:"nodata"`
}

// TilesConfig holds the parameters handed to the external tile encoder.
type TilesConfig struct {
	Format     string `yaml:"format"` // "jpeg" | "png"
	Quality    int    `yaml:"quality"`
	MinZoom    int    `yaml:"min_zoom"`
	MaxZoom    int    `yaml:"max_zoom"`
	Resampling string `yaml:"resampling"`
}

// OverviewConfig configures derived overview regeneration.
type OverviewConfig struct {
	Resampling string `yaml:"resampling"` // "nearest" | "bilinear" | "catmullrom"
	Quality    int    `yaml:"quality"`    // JPEG quality for overview tiles
}

// RunConfig configures the orchestration loop.
type RunConfig struct {
	OutputPath   string        `yaml:"output_path"`
	ProgressPath string        `yaml:"progress_path"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Resume       bool          `yaml:"resume"`
	Compact      bool          `yaml:"compact"`
}

// PublishConfig configures optional archive publication.
type PublishConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // "local" | "s3" | "gcs"
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	LocalDir   string `yaml:"local_dir"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration defaults applied before file and
// environment values.
func Default() Config {
	return Config{
		Catalog: CatalogConfig{
			Mode:         "stac",
			Endpoint:     "https://planetarycomputer.microsoft.com/api/stac/v1",
			Collection:   "naip",
			AcquiredFrom: "2020-01-01T00:00:00Z",
			SearchLimit:  100,
		},
		Fetch: FetchConfig{
			AttemptTimeout: 5 * time.Minute,
			StagingDir:     "./output/staging",
		},
		Warp: WarpConfig{
			TargetSRS:   "EPSG:3857",
			ResolutionM: 1.0,
			Resampling:  "lanczos",
			NoData:      "0",
		},
		Tiles: TilesConfig{
			Format:     "jpeg",
			Quality:    100,
			MinZoom:    1,
			MaxZoom:    16,
			Resampling: "cubic",
		},
		Overviews: OverviewConfig{
			Resampling: "bilinear",
			Quality:    90,
		},
		Run: RunConfig{
			OutputPath:   "./output/basemap.mbtiles",
			ProgressPath: "./output/progress.json",
			Workers:      4,
			MaxRetries:   3,
			RetryBackoff: time.Second,
			MaxBackoff:   2 * time.Minute,
			Resume:       true,
			Compact:      true,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Load reads configuration from the given YAML file (if non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MOSAIC_OUTPUT_PATH"); v != "" {
		cfg.Run.OutputPath = v
	}
	if v := os.Getenv("MOSAIC_PROGRESS_PATH"); v != "" {
		cfg.Run.ProgressPath = v
	}
	if v := os.Getenv("MOSAIC_STAGING_DIR"); v != "" {
		cfg.Fetch.StagingDir = v
	}
	if v := os.Getenv("MOSAIC_STAC_ENDPOINT"); v != "" {
		cfg.Catalog.Endpoint = v
	}
	if v := os.Getenv("MOSAIC_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Run.Workers = parsed
		}
	}
	if v := os.Getenv("MOSAIC_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Run.MaxRetries = parsed
		}
	}
	if v := os.Getenv("MOSAIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Catalog.Mode {
	case "stac":
		if c.Catalog.Endpoint == "" {
			return fmt.Errorf("catalog: endpoint required for stac mode")
		}
		if len(c.Region.Polygon) < 3 {
			return fmt.Errorf("region: polygon needs at least 3 coordinates, got %d", len(c.Region.Polygon))
		}
	case "local":
		if c.Catalog.LocalDir == "" {
			return fmt.Errorf("catalog: local_dir required for local mode")
		}
	default:
		return fmt.Errorf("catalog: unknown mode %q", c.Catalog.Mode)
	}

	if c.Tiles.MinZoom < 0 || c.Tiles.MaxZoom < c.Tiles.MinZoom {
		return fmt.Errorf("tiles: invalid zoom range %d-%d", c.Tiles.MinZoom, c.Tiles.MaxZoom)
	}
	switch c.Tiles.Format {
	case "jpeg", "png":
	default:
		return fmt.Errorf("tiles: unknown format %q", c.Tiles.Format)
	}

	if c.Run.Workers < 1 {
		return fmt.Errorf("run: workers must be >= 1, got %d", c.Run.Workers)
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run: max_retries must be >= 0, got %d", c.Run.MaxRetries)
	}
	if c.Run.OutputPath == "" {
		return fmt.Errorf("run: output_path required")
	}

	if c.Publish.Enabled {
		switch c.Publish.Backend {
		case "local":
			if c.Publish.LocalDir == "" {
				return fmt.Errorf("publish: local_dir required for local backend")
			}
		case "s3", "gcs":
			if c.Publish.Bucket == "" {
				return fmt.Errorf("publish: bucket required for %s backend", c.Publish.Backend)
			}
		default:
			return fmt.Errorf("publish: unknown backend %q", c.Publish.Backend)
		}
	}

	return nil
}
