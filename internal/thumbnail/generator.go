package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/raster"
	"tessera/internal/services"
)

const stageName = "thumbnail"

// Options controls preview rendering.
type Options struct {
	Width         int
	Height        int
	Format        string
	Quality       int
	GDALTranslate string
}

// OptionsFromConfig maps the [thumbnail] config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Width:         cfg.Thumbnail.Width,
		Height:        cfg.Thumbnail.Height,
		Format:        cfg.Thumbnail.Format,
		Quality:       cfg.Thumbnail.Quality,
		GDALTranslate: cfg.GDALTranslateBinary(),
	}
}

// Extension returns the file extension for the configured format.
func (o Options) Extension() string {
	if o.Format == "png" {
		return ".png"
	}
	return ".jpg"
}

// Inspector reads raster structure.
type Inspector interface {
	Inspect(ctx context.Context, path string) (*raster.Info, error)
}

// Result describes a rendered thumbnail.
type Result struct {
	Path        string
	SizeBytes   int64
	Width       int
	Height      int
	SourceLevel int
	SourceSize  [2]int
}

// Option configures the generator.
type Option func(*Generator)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec raster.Executor) Option {
	return func(g *Generator) {
		if exec != nil {
			g.exec = exec
		}
	}
}

// WithLogger sets the generator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Generator renders thumbnails from the lowest-resolution overview.
type Generator struct {
	opts      Options
	inspector Inspector
	exec      raster.Executor
	logger    *slog.Logger
}

// NewGenerator constructs a generator. inspector is usually the raster
// converter so both stages share one gdalinfo executor.
func NewGenerator(opts Options, inspector Inspector, exec raster.Executor, options ...Option) *Generator {
	if opts.Width <= 0 {
		opts.Width = 256
	}
	if opts.Height <= 0 {
		opts.Height = 256
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	if opts.GDALTranslate == "" {
		opts.GDALTranslate = "gdal_translate"
	}
	g := &Generator{
		opts:      opts,
		inspector: inspector,
		exec:      exec,
		logger:    logging.NewNop(),
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// Options returns the generator configuration.
func (g *Generator) Options() Options {
	return g.opts
}

// Generate writes a thumbnail for source at output.
func (g *Generator) Generate(ctx context.Context, source, output string) (*Result, error) {
	logger := logging.WithContext(ctx, g.logger)

	info, err := g.inspector.Inspect(ctx, source)
	if err != nil {
		return nil, err
	}
	if info.Width <= 0 || info.Height <= 0 || info.Bands == 0 {
		return nil, services.Wrap(services.ErrEmptyRaster, stageName, "inspect", "raster has zero extent", nil)
	}

	level, size := info.SmallestOverview()
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "mkdir", filepath.Dir(output), err)
	}
	preview := strings.TrimSuffix(output, filepath.Ext(output)) + ".preview.png"
	defer os.Remove(preview)
	if _, err := g.exec.Run(ctx, g.opts.GDALTranslate, previewArgs(info, level, source, preview)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.Wrap(services.ErrExternalTool, stageName, "gdal_translate", "extract overview", err)
	}

	img, err := decodePNG(preview)
	if err != nil {
		return nil, services.Wrap(services.ErrCorruptInput, stageName, "decode preview", "", err)
	}
	if !hasValidPixels(img) {
		return nil, services.Wrap(services.ErrEmptyRaster, stageName, "mask", "no valid pixels after nodata masking", nil)
	}

	canvas := g.render(img)
	if err := g.encode(canvas, output); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "encode", "", err)
	}
	stat, err := os.Stat(output)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "encode", "missing output", err)
	}

	logger.Info("thumbnail generated",
		logging.String("output", output),
		logging.Int("overview_level", level),
		logging.Int("source_width", size[0]),
		logging.Int("source_height", size[1]),
	)
	return &Result{
		Path:        output,
		SizeBytes:   stat.Size(),
		Width:       g.opts.Width,
		Height:      g.opts.Height,
		SourceLevel: level,
		SourceSize:  size,
	}, nil
}

func previewArgs(info *raster.Info, level int, source, preview string) []string {
	args := []string{"-of", "PNG", "-q"}
	if level >= 0 {
		args = append(args, "-ovr", strconv.Itoa(level))
	}
	bands := 1
	if info.Bands >= 3 {
		bands = 3
	}
	for b := 1; b <= bands; b++ {
		args = append(args, "-b", strconv.Itoa(b))
	}
	args = append(args, "-b", "mask")
	if !strings.EqualFold(info.BandType, "Byte") && info.BandType != "" {
		args = append(args, "-ot", "Byte", "-scale")
	}
	return append(args, source, preview)
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func hasValidPixels(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Empty() {
		return false
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a > 0 {
				return true
			}
		}
	}
	return false
}

// render scales img to fit the canvas, preserving aspect ratio and centring it.
func (g *Generator) render(img image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, g.opts.Width, g.opts.Height))
	if g.opts.Format != "png" {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	src := img.Bounds()
	scale := min(float64(g.opts.Width)/float64(src.Dx()), float64(g.opts.Height)/float64(src.Dy()))
	w := max(1, int(float64(src.Dx())*scale))
	h := max(1, int(float64(src.Dy())*scale))
	offX := (g.opts.Width - w) / 2
	offY := (g.opts.Height - h) / 2
	target := image.Rect(offX, offY, offX+w, offY+h)
	draw.CatmullRom.Scale(canvas, target, img, src, draw.Over, nil)
	return canvas
}

func (g *Generator) encode(img image.Image, output string) error {
	tmp := output + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	switch g.opts.Format {
	case "png":
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: g.opts.Quality})
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, output)
}
