package tilestore

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

const tileSize = 256

// OverviewParams configures overview regeneration.
type OverviewParams struct {
	MinZoom    int    // regenerate down to this level
	Format     string // "jpeg" | "png"
	Quality    int    // jpeg quality; ignored for png
	Resampling string // nearest, bilinear, catmullrom
}

// OverviewStats reports one regeneration pass.
type OverviewStats struct {
	TilesWritten int64
	Levels       int
}

// BuildOverviews regenerates every zoom level below the base level down to
// params.MinZoom, parent by parent from the level beneath it. Existing
// overview tiles are overwritten: after new base tiles land, stale parents
// must not survive. The archive handle must be the only writer while this
// runs.
//
// Regeneration is deterministic: identical child tiles produce byte-identical
// parents.
func (a *Archive) BuildOverviews(ctx context.Context, params OverviewParams) (OverviewStats, error) {
	scaler, err := scalerFor(params.Resampling)
	if err != nil {
		return OverviewStats{}, err
	}

	_, baseZoom, err := a.ZoomRange(ctx)
	if err != nil {
		return OverviewStats{}, err
	}

	var stats OverviewStats
	logger := a.logger.With("op", "overviews")

	for zoom := baseZoom - 1; zoom >= params.MinZoom; zoom-- {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		written, err := a.buildLevel(ctx, zoom, scaler, params)
		if err != nil {
			return stats, fmt.Errorf("build overview level %d: %w", zoom, err)
		}
		stats.TilesWritten += written
		stats.Levels++

		logger.Info("overview level regenerated",
			"zoom", zoom,
			"tiles", written)
	}

	if stats.Levels > 0 {
		if err := a.widenMinZoom(ctx, params.MinZoom); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// buildLevel regenerates every parent tile at the given zoom from its
// children one level down.
func (a *Archive) buildLevel(ctx context.Context, zoom int, scaler xdraw.Scaler, params OverviewParams) (int64, error) {
	parents, err := a.parentCoords(ctx, zoom)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, p := range parents {
		data, err := a.composeParent(ctx, zoom, p[0], p[1], scaler, params)
		if err != nil {
			return written, err
		}

		_, err = a.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			zoom, p[0], p[1], data)
		if err != nil {
			return written, fmt.Errorf("write overview tile %d/%d/%d: %w", zoom, p[0], p[1], err)
		}
		written++
	}
	return written, nil
}

// parentCoords lists the parent coordinates at zoom covered by any child at
// zoom+1, in deterministic (column, row) order.
func (a *Archive) parentCoords(ctx context.Context, zoom int) ([][2]int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT DISTINCT tile_column / 2, tile_row / 2
		FROM tiles WHERE zoom_level = ?
		ORDER BY 1, 2`, zoom+1)
	if err != nil {
		return nil, fmt.Errorf("list parents at zoom %d: %w", zoom, err)
	}
	defer rows.Close()

	var out [][2]int
	for rows.Next() {
		var c, r int
		if err := rows.Scan(&c, &r); err != nil {
			return nil, err
		}
		out = append(out, [2]int{c, r})
	}
	return out, rows.Err()
}

// composeParent builds one parent tile from its up-to-4 children: composite
// at native resolution, then downsample to one tile.
//
// Rows are TMS, so child row 2r+1 is the northern pair and lands in the top
// half of the parent image.
func (a *Archive) composeParent(ctx context.Context, zoom, column, row int, scaler xdraw.Scaler, params OverviewParams) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, 2*tileSize, 2*tileSize))
	if params.Format == "jpeg" {
		fillOpaque(canvas)
	}

	quadrants := []struct {
		childColumn, childRow int
		rect                  image.Rectangle
	}{
		{2 * column, 2*row + 1, image.Rect(0, 0, tileSize, tileSize)},                          // NW
		{2*column + 1, 2*row + 1, image.Rect(tileSize, 0, 2*tileSize, tileSize)},              // NE
		{2 * column, 2 * row, image.Rect(0, tileSize, tileSize, 2*tileSize)},                  // SW
		{2*column + 1, 2 * row, image.Rect(tileSize, tileSize, 2*tileSize, 2*tileSize)},       // SE
	}

	for _, q := range quadrants {
		data, ok, err := a.GetTile(ctx, zoom+1, q.childColumn, q.childRow)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		child, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable tile %d/%d/%d: %v",
				ErrCorrupt, zoom+1, q.childColumn, q.childRow, err)
		}
		scaler.Scale(canvas, q.rect, child, child.Bounds(), xdraw.Src, nil)
	}

	parent := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	scaler.Scale(parent, parent.Bounds(), canvas, canvas.Bounds(), xdraw.Src, nil)

	return encodeTile(parent, params)
}

func encodeTile(img image.Image, params OverviewParams) ([]byte, error) {
	var buf bytes.Buffer
	switch params.Format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png tile: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: params.Quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg tile: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func fillOpaque(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{A: 0xff})
		}
	}
}

// scalerFor maps a configured resampling name to a scaler.
func scalerFor(name string) (xdraw.Scaler, error) {
	switch name {
	case "nearest":
		return xdraw.NearestNeighbor, nil
	case "bilinear", "":
		return xdraw.BiLinear, nil
	case "catmullrom":
		return xdraw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown overview resampling %q", name)
	}
}

// widenMinZoom lowers the metadata minzoom to cover freshly built overview
// levels.
func (a *Archive) widenMinZoom(ctx context.Context, minZoom int) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return a.widenZoomLocked(ctx, conn, "minzoom", minZoom, false)
}
