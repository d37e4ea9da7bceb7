package raster

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/services"
)

const stageName = "convert"

// Kind declares whether raster values are continuous or categorical. It
// selects the reprojection and overview resampling method.
type Kind string

const (
	KindContinuous  Kind = "continuous"
	KindCategorical Kind = "categorical"
)

// Options controls COG conversion.
type Options struct {
	TargetCRS        string
	Resampling       string
	LabelResampling  string
	OverviewBudgetPx int
	BlockSize        int
	Compression      string
	JPEGQuality      int
	Threads          string

	GDALInfo      string
	GDALWarp      string
	GDALTranslate string
}

// OptionsFromConfig maps the [raster] config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TargetCRS:        cfg.Raster.TargetCRS,
		Resampling:       cfg.Raster.Resampling,
		LabelResampling:  cfg.Raster.LabelResampling,
		OverviewBudgetPx: cfg.Raster.OverviewBudgetPx,
		BlockSize:        cfg.Raster.BlockSize,
		Compression:      cfg.Raster.Compression,
		JPEGQuality:      cfg.Raster.JPEGQuality,
		Threads:          cfg.Raster.GDALThreads,
		GDALInfo:         cfg.GDALInfoBinary(),
		GDALWarp:         cfg.GDALWarpBinary(),
		GDALTranslate:    cfg.GDALTranslateBinary(),
	}
}

// ResamplingFor returns the resampling method used for kind.
func (o Options) ResamplingFor(kind Kind) string {
	if kind == KindCategorical {
		if o.LabelResampling != "" {
			return o.LabelResampling
		}
		return "nearest"
	}
	if o.Resampling != "" {
		return o.Resampling
	}
	return "cubic"
}

// Result describes a converted COG.
type Result struct {
	Path        string
	SizeBytes   int64
	Width       int
	Height      int
	BBox        BBox
	CRS         string
	Bands       int
	PixelSize   [2]float64
	BlockSize   [2]int
	Overviews   []int
	Resampling  string
	Reprojected bool
}

// Details returns the raster description persisted with the COG artifact.
func (r *Result) Details() map[string]any {
	return map[string]any{
		"driver":      "COG",
		"crs":         r.CRS,
		"bands":       r.Bands,
		"pixel_size":  []float64{r.PixelSize[0], r.PixelSize[1]},
		"block_size":  []int{r.BlockSize[0], r.BlockSize[1]},
		"overviews":   r.Overviews,
		"bbox":        []float64{r.BBox.MinX, r.BBox.MinY, r.BBox.MaxX, r.BBox.MaxY},
		"resampling":  r.Resampling,
		"reprojected": r.Reprojected,
	}
}

// Option configures the converter.
type Option func(*Converter)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Converter) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger sets the converter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Converter wraps the GDAL command line tools.
type Converter struct {
	opts   Options
	exec   Executor
	logger *slog.Logger
}

// NewConverter constructs a converter.
func NewConverter(opts Options, options ...Option) *Converter {
	if opts.OverviewBudgetPx <= 0 {
		opts.OverviewBudgetPx = 512
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = 512
	}
	if opts.Compression == "" {
		opts.Compression = "deflate"
	}
	if opts.GDALInfo == "" {
		opts.GDALInfo = "gdalinfo"
	}
	if opts.GDALWarp == "" {
		opts.GDALWarp = "gdalwarp"
	}
	if opts.GDALTranslate == "" {
		opts.GDALTranslate = "gdal_translate"
	}
	c := &Converter{
		opts:   opts,
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Options returns the converter configuration.
func (c *Converter) Options() Options {
	return c.opts
}

// Inspect runs gdalinfo on path. A file GDAL reports it cannot decode is
// CorruptInput; a missing, unrunnable or killed gdalinfo is ExternalTool.
func (c *Converter) Inspect(ctx context.Context, path string) (*Info, error) {
	out, err := c.exec.Run(ctx, c.opts.GDALInfo, []string{"-json", path})
	if err != nil {
		return nil, c.toolError(ctx, "gdalinfo", err)
	}
	info, err := ParseInfo(out)
	if err != nil {
		return nil, services.Wrap(services.ErrCorruptInput, stageName, "gdalinfo", "unreadable metadata", err)
	}
	return info, nil
}

// Convert writes a COG for input at output. The output directory must exist.
func (c *Converter) Convert(ctx context.Context, input, output string, kind Kind) (*Result, error) {
	logger := logging.WithContext(ctx, c.logger)

	info, err := c.Inspect(ctx, input)
	if err != nil {
		return nil, err
	}
	if !info.HasCRS() {
		return nil, services.Wrap(services.ErrUnsupportedFormat, stageName, "inspect", "no coordinate reference system", nil)
	}
	if info.Bands == 0 || info.Width <= 0 || info.Height <= 0 {
		return nil, services.Wrap(services.ErrUnsupportedFormat, stageName, "inspect", "no raster bands", nil)
	}

	resampling := c.opts.ResamplingFor(kind)
	source := input
	reproject := c.needsReprojection(info)
	if reproject {
		warped := strings.TrimSuffix(output, filepath.Ext(output)) + ".warped.tif"
		defer os.Remove(warped)
		logger.Info("reprojecting raster",
			logging.String("from", info.CRS()),
			logging.String("to", c.opts.TargetCRS),
			logging.String("resampling", resampling),
		)
		if _, err := c.exec.Run(ctx, c.opts.GDALWarp, c.warpArgs(input, warped, resampling)); err != nil {
			return nil, c.toolError(ctx, "gdalwarp", err)
		}
		if info, err = c.Inspect(ctx, warped); err != nil {
			return nil, err
		}
		source = warped
	}

	levels := OverviewLevels(info.Width, info.Height, c.opts.OverviewBudgetPx)
	if _, err := c.exec.Run(ctx, c.opts.GDALTranslate, c.translateArgs(source, output, resampling, len(levels))); err != nil {
		return nil, c.toolError(ctx, "gdal_translate", err)
	}

	outInfo, err := c.Inspect(ctx, output)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "verify output", "converted file unreadable", err)
	}
	stat, err := os.Stat(output)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "verify output", "missing output", err)
	}

	result := &Result{
		Path:        output,
		SizeBytes:   stat.Size(),
		Width:       outInfo.Width,
		Height:      outInfo.Height,
		BBox:        outInfo.BBox,
		CRS:         outInfo.CRS(),
		Bands:       outInfo.Bands,
		PixelSize:   outInfo.PixelSize,
		BlockSize:   outInfo.BlockSize,
		Overviews:   levels,
		Resampling:  resampling,
		Reprojected: reproject,
	}
	if result.CRS == "" {
		result.CRS = c.opts.TargetCRS
	}
	logger.Info("raster converted",
		logging.String("output", output),
		logging.Int64("size_bytes", result.SizeBytes),
		logging.Int("width", result.Width),
		logging.Int("height", result.Height),
		logging.Int("overview_levels", len(levels)),
	)
	return result, nil
}

// Describe reports an existing COG at path without rewriting it. It is used
// to reuse a conversion kept from an earlier attempt.
func (c *Converter) Describe(ctx context.Context, path string, kind Kind) (*Result, error) {
	info, err := c.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(info.Layout, "COG") {
		return nil, services.Wrap(services.ErrUnsupportedFormat, stageName, "describe", "existing output is not a COG", nil)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "describe", "missing output", err)
	}
	levels := make([]int, 0, len(info.Overviews))
	for _, ov := range info.Overviews {
		if ov[0] > 0 {
			levels = append(levels, int(math.Round(float64(info.Width)/float64(ov[0]))))
		}
	}
	return &Result{
		Path:       path,
		SizeBytes:  stat.Size(),
		Width:      info.Width,
		Height:     info.Height,
		BBox:       info.BBox,
		CRS:        info.CRS(),
		Bands:      info.Bands,
		PixelSize:  info.PixelSize,
		BlockSize:  info.BlockSize,
		Overviews:  levels,
		Resampling: c.opts.ResamplingFor(kind),
	}, nil
}

func (c *Converter) needsReprojection(info *Info) bool {
	target := strings.TrimSpace(c.opts.TargetCRS)
	if target == "" {
		return false
	}
	return !strings.EqualFold(info.CRS(), target)
}

func (c *Converter) warpArgs(input, output, resampling string) []string {
	args := []string{
		"-overwrite",
		"-t_srs", c.opts.TargetCRS,
		"-r", resampling,
		"-of", "GTiff",
		"-co", "TILED=YES",
		"-co", "BLOCKXSIZE=" + strconv.Itoa(c.opts.BlockSize),
		"-co", "BLOCKYSIZE=" + strconv.Itoa(c.opts.BlockSize),
		"-co", "COMPRESS=DEFLATE",
		"-co", "PREDICTOR=2",
		"-co", "BIGTIFF=IF_SAFER",
	}
	if c.opts.Threads != "" {
		args = append(args, "-multi", "-wo", "NUM_THREADS="+c.opts.Threads)
	}
	return append(args, input, output)
}

func (c *Converter) translateArgs(input, output, resampling string, overviewCount int) []string {
	args := []string{
		"-of", "COG",
		"-co", "COMPRESS=" + strings.ToUpper(c.opts.Compression),
		"-co", "BLOCKSIZE=" + strconv.Itoa(c.opts.BlockSize),
		"-co", "BIGTIFF=IF_SAFER",
		"-co", "RESAMPLING=" + resampling,
		"-co", "OVERVIEW_RESAMPLING=" + resampling,
	}
	switch strings.ToLower(c.opts.Compression) {
	case "jpeg", "webp":
		if c.opts.JPEGQuality > 0 {
			args = append(args, "-co", "QUALITY="+strconv.Itoa(c.opts.JPEGQuality))
		}
	case "deflate", "lzw", "zstd":
		args = append(args, "-co", "PREDICTOR=YES")
	}
	if overviewCount > 0 {
		args = append(args, "-co", "OVERVIEWS=IGNORE_EXISTING", "-co", "OVERVIEW_COUNT="+strconv.Itoa(overviewCount))
	} else {
		args = append(args, "-co", "OVERVIEWS=NONE")
	}
	if c.opts.Threads != "" {
		args = append(args, "-co", "NUM_THREADS="+c.opts.Threads)
	}
	return append(args, input, output)
}

func (c *Converter) toolError(ctx context.Context, tool string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !decodeFailure(err) {
		return services.Wrap(services.ErrExternalTool, stageName, tool, "", err)
	}
	return services.Wrap(services.ErrCorruptInput, stageName, tool, "input could not be decoded", err)
}

// decodeFailure reports whether err is a tool that ran to completion and
// rejected its input. Start failures and signals never qualify.
func decodeFailure(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		return false
	}
	return looksCorrupt(err.Error())
}

func looksCorrupt(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"tiffreadencoded", "read error", "not recognized as a supported file format", "truncated", "ireadblock failed"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
