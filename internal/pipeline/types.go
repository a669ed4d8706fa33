package pipeline

import (
	"time"

	"github.com/geotiler/mosaic/internal/catalog"
)

// Options configures one pipeline run.
type Options struct {
	Region     catalog.Region
	Collection string

	StagingDir string

	Workers    int
	MaxRetries int // total attempts per item

	RetryBackoff time.Duration // first retry delay
	MaxBackoff   time.Duration // backoff ceiling

	WarpTargetSRS   string
	WarpResolutionM float64
	WarpResampling  string
	WarpNoData      string

	TileFormat     string
	TileQuality    int
	MinZoom        int
	MaxZoom        int
	TileResampling string

	OverviewResampling string
	OverviewQuality    int

	Compact bool
}

// Failure describes one item that exhausted its attempts or failed
// permanently.
type Failure struct {
	ID        string `json:"id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Report summarizes a completed run. A run with failures still leaves a
// valid, resumable archive; the exit policy is the caller's.
type Report struct {
	RunID    string    `json:"run_id"`
	Region   string    `json:"region"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	ItemsProcessed int `json:"items_processed"`
	ItemsSkipped   int `json:"items_skipped"`
	ItemsFailed    int `json:"items_failed"`

	TilesInserted int64 `json:"tiles_inserted"`
	TilesSkipped  int64 `json:"tiles_skipped"`
	OverviewTiles int64 `json:"overview_tiles"`

	MinZoom    int   `json:"min_zoom"`
	MaxZoom    int   `json:"max_zoom"`
	TotalTiles int64 `json:"total_tiles"`

	Failures []Failure `json:"failures,omitempty"`
}

// task is one unit of work handed to a worker.
type task struct {
	item catalog.SourceItem
	// attempts already consumed in earlier runs, from the progress store.
	priorAttempts int
}

// mergeRequest asks the merge owner to fold one encoded tile set in.
type mergeRequest struct {
	itemID      string
	tileSetPath string
	done        chan mergeResult
}

type mergeResult struct {
	inserted int64
	skipped  int64
	err      error
}
