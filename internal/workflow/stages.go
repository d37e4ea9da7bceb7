package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/fileutil"
	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/metrics"
	"tessera/internal/raster"
	"tessera/internal/scratch"
	"tessera/internal/segmentation"
	"tessera/internal/services"
	"tessera/internal/stage"
	"tessera/internal/thumbnail"
	"tessera/internal/transfer"
)

// RemotePrefix marks a dataset raw path that lives in the archive rather
// than on the worker's filesystem.
const RemotePrefix = "remote:"

// BuildStages wires the stage handlers from cfg. runner overrides the GDAL
// and segmentation command runner when non-nil.
func BuildStages(cfg *config.Config, logger *slog.Logger, collectors *metrics.Collectors, runner raster.Executor, transferOpts ...transfer.Option) StageSet {
	if logger == nil {
		logger = logging.NewNop()
	}
	if runner == nil {
		runner = raster.NewCommandExecutor()
	}
	converter := raster.NewConverter(raster.OptionsFromConfig(cfg),
		raster.WithExecutor(runner),
		raster.WithLogger(logging.NewComponentLogger(logger, "raster")),
	)
	archive := transfer.NewClient(transfer.OptionsFromConfig(cfg),
		append([]transfer.Option{transfer.WithLogger(logging.NewComponentLogger(logger, "transfer"))}, transferOpts...)...,
	)
	generator := thumbnail.NewGenerator(thumbnail.OptionsFromConfig(cfg), converter, runner,
		thumbnail.WithLogger(logging.NewComponentLogger(logger, "thumbnail")),
	)

	set := StageSet{
		Convert:   NewConvertStage(converter, archive, cfg.Raster.SkipExisting, logger),
		Thumbnail: NewThumbnailStage(generator),
		Transfer:  NewTransferStage(archive, collectors),
	}
	segmenter := segmentation.New(segmentation.OptionsFromConfig(cfg), runner, logging.NewComponentLogger(logger, "segmentation"))
	if segmenter.Enabled() {
		set.Segmentation = NewSegmentationStage(segmenter, cfg.Segmentation.Command)
	}
	return set
}

// ConvertStage fetches the raw upload into scratch and converts it to a COG.
type ConvertStage struct {
	converter    *raster.Converter
	archive      *transfer.Client
	skipExisting bool
	logger       *slog.Logger
}

// NewConvertStage constructs the convert stage. archive serves raw paths
// prefixed with RemotePrefix.
func NewConvertStage(converter *raster.Converter, archive *transfer.Client, skipExisting bool, logger *slog.Logger) *ConvertStage {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ConvertStage{converter: converter, archive: archive, skipExisting: skipExisting, logger: logger}
}

func cogPath(job *stage.Job) string {
	return filepath.Join(job.WorkDir, job.Stem()+"_cog.tif")
}

// Prepare copies the raw upload into the claim's scratch directory. It is
// skipped when a kept conversion will be reused.
func (s *ConvertStage) Prepare(ctx context.Context, job *stage.Job) error {
	if s.skipExisting {
		s.adoptKept(ctx, job)
		if _, err := os.Stat(cogPath(job)); err == nil {
			logging.WithContext(ctx, s.logger).Info("existing conversion found; fetch deferred",
				logging.String("output", cogPath(job)),
			)
			return nil
		}
	}
	return s.fetch(ctx, job)
}

// adoptKept copies the newest conversion kept by an earlier claim of the same
// entry into job.WorkDir. The earlier directory is left for the scratch sweep.
func (s *ConvertStage) adoptKept(ctx context.Context, job *stage.Job) {
	target := cogPath(job)
	if _, err := os.Stat(target); err == nil {
		return
	}
	dirs, err := scratch.ListDirectories(filepath.Dir(job.WorkDir))
	if err != nil {
		return
	}
	var kept string
	var newest time.Time
	for _, dir := range dirs {
		if dir.EntryID != job.Entry.ID || dir.Path == job.WorkDir {
			continue
		}
		candidate := filepath.Join(dir.Path, filepath.Base(target))
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if kept == "" || info.ModTime().After(newest) {
			kept, newest = candidate, info.ModTime()
		}
	}
	if kept == "" {
		return
	}
	logger := logging.WithContext(ctx, s.logger)
	if _, err := fileutil.CopyFileVerified(kept, target); err != nil {
		_ = os.Remove(target)
		logger.Debug("kept conversion not adopted", logging.String("source", kept), logging.Error(err))
		return
	}
	logger.Info("adopted conversion kept by earlier attempt", logging.String("source", kept))
}

func (s *ConvertStage) fetch(ctx context.Context, job *stage.Job) error {
	raw := strings.TrimSpace(job.Dataset.RawPath)
	target := filepath.Join(job.WorkDir, "raw", filepath.Base(job.Dataset.Filename))

	if rel, ok := strings.CutPrefix(raw, RemotePrefix); ok {
		if s.archive == nil {
			return services.Wrap(services.ErrConfiguration, "fetch", "download", "no archive configured for remote raw path", nil)
		}
		if _, err := s.archive.Download(ctx, s.archive.RemotePath(strings.TrimPrefix(rel, "/")), target); err != nil {
			return err
		}
	} else {
		if _, err := fileutil.CopyFileVerified(raw, target); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return services.Wrap(services.ErrMissingInput, "fetch", "copy", raw, err)
			}
			return services.Wrap(services.ErrTransient, "fetch", "copy", raw, err)
		}
	}
	job.Source = target
	return nil
}

// Execute converts the fetched source.
func (s *ConvertStage) Execute(ctx context.Context, job *stage.Job) error {
	logger := logging.WithContext(ctx, s.logger)
	output := cogPath(job)
	kind := raster.Kind(job.Dataset.Kind)
	if kind == "" {
		kind = raster.KindContinuous
	}

	var result *raster.Result
	if s.skipExisting {
		if _, err := os.Stat(output); err == nil {
			described, err := s.converter.Describe(ctx, output, kind)
			if err == nil {
				logger.Info("reusing existing conversion", logging.String("output", output))
				result = described
			} else {
				logging.WarnWithContext(logger, "existing conversion unusable; converting again", "conversion_reuse_failed",
					logging.String("output", output),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "the kept file is replaced"),
				)
				_ = os.Remove(output)
			}
		}
	}
	if result == nil {
		if job.Source == "" {
			if err := s.fetch(ctx, job); err != nil {
				return err
			}
		}
		converted, err := s.converter.Convert(ctx, job.Source, output, kind)
		if err != nil {
			return err
		}
		result = converted
	}

	job.COG = output
	details := result.Details()
	details["kind"] = string(kind)
	job.AddArtifact(stage.Artifact{
		Kind:      metastore.ArtifactCOG,
		LocalPath: output,
		SizeBytes: result.SizeBytes,
		Width:     result.Width,
		Height:    result.Height,
		Details:   details,
	})
	return nil
}

// HealthCheck verifies the GDAL tools are on PATH.
func (s *ConvertStage) HealthCheck(context.Context) stage.Health {
	opts := s.converter.Options()
	return binaryHealth(StageConvert, opts.GDALInfo, opts.GDALWarp, opts.GDALTranslate)
}

// ThumbnailStage renders the preview image.
type ThumbnailStage struct {
	generator *thumbnail.Generator
}

// NewThumbnailStage constructs the thumbnail stage.
func NewThumbnailStage(generator *thumbnail.Generator) *ThumbnailStage {
	return &ThumbnailStage{generator: generator}
}

// Prepare checks that a raster is available to preview.
func (s *ThumbnailStage) Prepare(_ context.Context, job *stage.Job) error {
	if job.COG == "" && job.Source == "" {
		return services.Wrap(services.ErrTransient, StageThumbnail, "prepare", "no raster available", nil)
	}
	return nil
}

// Execute renders the thumbnail from the converted raster, or the source when
// conversion produced nothing.
func (s *ThumbnailStage) Execute(ctx context.Context, job *stage.Job) error {
	source := job.COG
	if source == "" {
		source = job.Source
	}
	opts := s.generator.Options()
	output := filepath.Join(job.WorkDir, "thumbnails", job.Stem()+opts.Extension())
	result, err := s.generator.Generate(ctx, source, output)
	if err != nil {
		return err
	}
	job.AddArtifact(stage.Artifact{
		Kind:      metastore.ArtifactThumbnail,
		LocalPath: result.Path,
		SizeBytes: result.SizeBytes,
		Width:     result.Width,
		Height:    result.Height,
		Details: map[string]any{
			"format":         opts.Format,
			"overview_level": result.SourceLevel,
			"source_size":    []int{result.SourceSize[0], result.SourceSize[1]},
		},
	})
	return nil
}

// HealthCheck verifies gdal_translate is on PATH.
func (s *ThumbnailStage) HealthCheck(context.Context) stage.Health {
	return binaryHealth(StageThumbnail, s.generator.Options().GDALTranslate)
}

// SegmentationStage triggers the external label command.
type SegmentationStage struct {
	segmenter *segmentation.Segmenter
	command   string
}

// NewSegmentationStage constructs the segmentation stage.
func NewSegmentationStage(segmenter *segmentation.Segmenter, command string) *SegmentationStage {
	return &SegmentationStage{segmenter: segmenter, command: command}
}

// Prepare requires the converted raster.
func (s *SegmentationStage) Prepare(_ context.Context, job *stage.Job) error {
	if job.COG == "" {
		return services.Wrap(services.ErrTransient, StageSegmentation, "prepare", "no converted raster", nil)
	}
	return nil
}

// Execute runs the command and records the label artifact.
func (s *SegmentationStage) Execute(ctx context.Context, job *stage.Job) error {
	output := filepath.Join(job.WorkDir, job.Stem()+"_labels.gpkg")
	result, err := s.segmenter.Run(ctx, job.COG, output)
	if err != nil {
		return err
	}
	job.AddArtifact(stage.Artifact{
		Kind:      metastore.ArtifactLabel,
		LocalPath: result.Path,
		SizeBytes: result.SizeBytes,
		Details: map[string]any{
			"command":          filepath.Base(s.command),
			"duration_seconds": result.Duration.Seconds(),
		},
	})
	return nil
}

// HealthCheck verifies the configured command is on PATH.
func (s *SegmentationStage) HealthCheck(context.Context) stage.Health {
	return binaryHealth(StageSegmentation, s.command)
}

// TransferStage archives every artifact produced so far.
type TransferStage struct {
	client  *transfer.Client
	metrics *metrics.Collectors
}

// NewTransferStage constructs the transfer stage.
func NewTransferStage(client *transfer.Client, collectors *metrics.Collectors) *TransferStage {
	return &TransferStage{client: client, metrics: collectors}
}

// Prepare requires at least one artifact.
func (s *TransferStage) Prepare(_ context.Context, job *stage.Job) error {
	if len(job.Artifacts) == 0 {
		return services.Wrap(services.ErrTransient, StageTransfer, "prepare", "no artifacts to archive", nil)
	}
	return nil
}

// Execute uploads each artifact and records where it landed.
func (s *TransferStage) Execute(ctx context.Context, job *stage.Job) error {
	for i := range job.Artifacts {
		artifact := &job.Artifacts[i]
		remote := s.client.RemotePath(ArchivePath(job, artifact))
		result, err := s.client.Upload(ctx, artifact.LocalPath, remote)
		if err != nil {
			return err
		}
		artifact.RemotePath = result.RemotePath
		artifact.SizeBytes = result.SizeBytes
		artifact.Checksum = result.Checksum
		s.metrics.ObserveTransfer(result.SizeBytes - result.Resumed)
	}
	return nil
}

// HealthCheck dials the archive.
func (s *TransferStage) HealthCheck(ctx context.Context) stage.Health {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.Check(ctx); err != nil {
		return stage.Unhealthy(StageTransfer, err.Error())
	}
	return stage.Healthy(StageTransfer)
}

// ArchivePath returns the archive location of artifact relative to the
// remote root.
func ArchivePath(job *stage.Job, artifact *stage.Artifact) string {
	stem := job.Stem()
	id := job.Dataset.ID
	switch artifact.Kind {
	case metastore.ArtifactCOG:
		return path.Join("cogs", id, stem+"_cog.tif")
	case metastore.ArtifactThumbnail:
		return path.Join("thumbnails", id, stem+filepath.Ext(artifact.LocalPath))
	case metastore.ArtifactLabel:
		return path.Join("labels", id, stem+"_labels.gpkg")
	default:
		return path.Join(string(artifact.Kind), id, filepath.Base(artifact.LocalPath))
	}
}

func binaryHealth(name string, binaries ...string) stage.Health {
	var missing []string
	for _, binary := range binaries {
		if _, err := exec.LookPath(binary); err != nil {
			missing = append(missing, binary)
		}
	}
	if len(missing) > 0 {
		return stage.Unhealthy(name, fmt.Sprintf("missing on PATH: %s", strings.Join(missing, ", ")))
	}
	return stage.Healthy(name)
}
