// Package raster is the boundary to the external raster engine. Reprojection
// and tile encoding both shell out to GDAL; this package owns the argument
// construction and error surfacing, and nothing else. Failures carry the
// engine's stderr so operators can see what the engine saw.
package raster

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// WarpParams configures one reprojection.
type WarpParams struct {
	TargetSRS   string  // e.g. "EPSG:3857"
	ResolutionM float64 // target pixel size in target-SRS units
	Resampling  string  // lanczos, cubic, bilinear, near
	NoData      string  // optional nodata value, e.g. "0"
}

// EncodeParams configures one tile encoding run.
type EncodeParams struct {
	Format     string // "jpeg" | "png"
	Quality    int    // jpeg quality or png zlib level
	MinZoom    int
	MaxZoom    int
	Resampling string
}

// Warper reprojects a source raster into the tiling grid's SRS.
type Warper interface {
	Warp(ctx context.Context, src, dst string, params WarpParams) error
}

// TileEncoder cuts a reprojected raster into a tile set.
type TileEncoder interface {
	Encode(ctx context.Context, src, dst string, params EncodeParams) error
}

// runner abstracts command execution for tests.
type runner interface {
	Run(ctx context.Context, name string, args []string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) error {
	// Cancellation takes effect between engine calls, never mid-call: a
	// killed gdalwarp/gdal_translate leaves a truncated output file behind,
	// and the staged artifacts are cheaper to finish than to re-stage on
	// resume. So the context gates starting the process, not its lifetime.
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

// Engine is the GDAL implementation of Warper and TileEncoder.
type Engine struct {
	run runner
}

// NewEngine returns an engine shelling out to gdalwarp and gdal_translate.
func NewEngine() *Engine {
	return &Engine{run: execRunner{}}
}

// Warp reprojects src into dst.
func (e *Engine) Warp(ctx context.Context, src, dst string, params WarpParams) error {
	args := warpArgs(src, dst, params)
	if err := e.run.Run(ctx, "gdalwarp", args); err != nil {
		return fmt.Errorf("warp %s: %w", src, err)
	}
	return nil
}

// Encode cuts src into an MBTiles tile set at dst.
func (e *Engine) Encode(ctx context.Context, src, dst string, params EncodeParams) error {
	args := encodeArgs(src, dst, params)
	if err := e.run.Run(ctx, "gdal_translate", args); err != nil {
		return fmt.Errorf("encode %s: %w", src, err)
	}
	return nil
}

// warpArgs builds the gdalwarp invocation. -tap aligns output pixels to the
// target resolution grid so adjacent items tile without seams.
func warpArgs(src, dst string, params WarpParams) []string {
	res := strconv.FormatFloat(params.ResolutionM, 'f', -1, 64)
	args := []string{
		"-t_srs", params.TargetSRS,
		"-tr", res, res,
		"-tap",
		"-r", params.Resampling,
	}
	if params.NoData != "" {
		args = append(args, "-dstnodata", params.NoData)
	}
	args = append(args,
		"-of", "GTiff",
		"-co", "COMPRESS=DEFLATE",
		"-co", "TILED=YES",
		"-overwrite",
		src, dst,
	)
	return args
}

// encodeArgs builds the gdal_translate MBTiles invocation.
func encodeArgs(src, dst string, params EncodeParams) []string {
	format := strings.ToUpper(params.Format)
	if format == "JPEG" {
		format = "JPG"
	}

	args := []string{
		"-of", "MBTILES",
		"-co", "TILE_FORMAT=" + format,
	}
	if params.Format == "jpeg" {
		args = append(args, "-co", "QUALITY="+strconv.Itoa(params.Quality))
	} else {
		args = append(args, "-co", "ZLEVEL="+strconv.Itoa(params.Quality))
	}
	args = append(args,
		"-co", "RESAMPLING="+strings.ToUpper(params.Resampling),
		"-co", "MINZOOM="+strconv.Itoa(params.MinZoom),
		"-co", "MAXZOOM="+strconv.Itoa(params.MaxZoom),
		src, dst,
	)
	return args
}
