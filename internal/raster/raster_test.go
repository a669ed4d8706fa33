package raster

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner records invocations instead of executing them.
type fakeRunner struct {
	name string
	args []string
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) error {
	f.name = name
	f.args = args
	return f.err
}

func TestWarpArgs(t *testing.T) {
	fake := &fakeRunner{}
	engine := &Engine{run: fake}

	err := engine.Warp(context.Background(), "/stage/item.tif", "/stage/item_3857.tif", WarpParams{
		TargetSRS:   "EPSG:3857",
		ResolutionM: 1.0,
		Resampling:  "lanczos",
		NoData:      "0",
	})
	if err != nil {
		t.Fatalf("Warp failed: %v", err)
	}

	if fake.name != "gdalwarp" {
		t.Errorf("command = %q, want gdalwarp", fake.name)
	}

	got := strings.Join(fake.args, " ")
	for _, want := range []string{
		"-t_srs EPSG:3857",
		"-tr 1 1",
		"-tap",
		"-r lanczos",
		"-dstnodata 0",
		"-overwrite",
		"/stage/item.tif /stage/item_3857.tif",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("warp args missing %q:\n%s", want, got)
		}
	}
}

func TestWarpArgsOmitsNoDataWhenUnset(t *testing.T) {
	fake := &fakeRunner{}
	engine := &Engine{run: fake}

	engine.Warp(context.Background(), "a.tif", "b.tif", WarpParams{
		TargetSRS:   "EPSG:3857",
		ResolutionM: 0.5,
		Resampling:  "cubic",
	})

	got := strings.Join(fake.args, " ")
	if strings.Contains(got, "-dstnodata") {
		t.Errorf("warp args should omit -dstnodata:\n%s", got)
	}
	if !strings.Contains(got, "-tr 0.5 0.5") {
		t.Errorf("warp args missing fractional resolution:\n%s", got)
	}
}

func TestEncodeArgsJPEG(t *testing.T) {
	fake := &fakeRunner{}
	engine := &Engine{run: fake}

	err := engine.Encode(context.Background(), "/stage/item_3857.tif", "/stage/item.mbtiles", EncodeParams{
		Format:     "jpeg",
		Quality:    100,
		MinZoom:    16,
		MaxZoom:    16,
		Resampling: "cubic",
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if fake.name != "gdal_translate" {
		t.Errorf("command = %q, want gdal_translate", fake.name)
	}

	got := strings.Join(fake.args, " ")
	for _, want := range []string{
		"-of MBTILES",
		"-co TILE_FORMAT=JPG",
		"-co QUALITY=100",
		"-co RESAMPLING=CUBIC",
		"-co MINZOOM=16",
		"-co MAXZOOM=16",
		"/stage/item_3857.tif /stage/item.mbtiles",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("encode args missing %q:\n%s", want, got)
		}
	}
}

func TestEncodeArgsPNG(t *testing.T) {
	fake := &fakeRunner{}
	engine := &Engine{run: fake}

	engine.Encode(context.Background(), "a.tif", "a.mbtiles", EncodeParams{
		Format:     "png",
		Quality:    6,
		MinZoom:    12,
		MaxZoom:    12,
		Resampling: "bilinear",
	})

	got := strings.Join(fake.args, " ")
	if !strings.Contains(got, "-co TILE_FORMAT=PNG") {
		t.Errorf("encode args missing PNG format:\n%s", got)
	}
	if !strings.Contains(got, "-co ZLEVEL=6") {
		t.Errorf("png encode should set ZLEVEL, not QUALITY:\n%s", got)
	}
	if strings.Contains(got, "QUALITY=") {
		t.Errorf("png encode must not set QUALITY:\n%s", got)
	}
}

func TestRunnerChecksContextBeforeStarting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled context must stop the engine call before the process
	// starts; a running engine invocation is never interrupted.
	err := execRunner{}.Run(ctx, "gdalwarp", []string{"-t_srs", "EPSG:3857"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("canceled context should return context.Canceled, got: %v", err)
	}
}

func TestEngineErrorsCarryContext(t *testing.T) {
	fake := &fakeRunner{err: errors.New("exit status 1: ERROR 4: unsupported SRS")}
	engine := &Engine{run: fake}

	err := engine.Warp(context.Background(), "bad.tif", "out.tif", WarpParams{
		TargetSRS:   "EPSG:999999",
		ResolutionM: 1,
		Resampling:  "near",
	})
	if err == nil {
		t.Fatal("Warp should propagate engine failure")
	}
	if !strings.Contains(err.Error(), "unsupported SRS") {
		t.Errorf("error should carry engine stderr, got: %v", err)
	}
	if !strings.Contains(err.Error(), "bad.tif") {
		t.Errorf("error should name the source, got: %v", err)
	}
}
