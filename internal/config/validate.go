package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	continuousResampling = map[string]struct{}{
		"bilinear": {}, "cubic": {}, "cubicspline": {}, "lanczos": {}, "average": {},
	}
	categoricalResampling = map[string]struct{}{
		"nearest": {}, "mode": {},
	}
	compressionProfiles = map[string]struct{}{
		"deflate": {}, "lzw": {}, "zstd": {}, "jpeg": {}, "webp": {},
	}
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRaster(); err != nil {
		return err
	}
	if err := c.validateThumbnail(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validateSegmentation(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver (or set TESSERA_STORE_DSN)")
		}
	default:
		return fmt.Errorf("store.driver: unsupported value %q (want sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.StaleTimeoutSeconds <= 0 {
		return errors.New("queue.stale_timeout_seconds must be positive")
	}
	if c.Queue.BackoffBaseSeconds < 0 {
		return errors.New("queue.backoff_base_seconds must be non-negative")
	}
	if c.Queue.BackoffCapSeconds < c.Queue.BackoffBaseSeconds {
		return errors.New("queue.backoff_cap_seconds must be >= queue.backoff_base_seconds")
	}
	return nil
}

func (c *Config) validateRaster() error {
	if c.Raster.TargetCRS == "" {
		return errors.New("raster.target_crs must be set")
	}
	if _, ok := continuousResampling[c.Raster.Resampling]; !ok {
		return fmt.Errorf("raster.resampling: %q is not a continuous resampling method", c.Raster.Resampling)
	}
	if _, ok := categoricalResampling[c.Raster.LabelResampling]; !ok {
		return fmt.Errorf("raster.label_resampling: %q is not a categorical resampling method", c.Raster.LabelResampling)
	}
	if c.Raster.OverviewBudgetPx < 16 {
		return errors.New("raster.overview_budget_px must be at least 16")
	}
	if c.Raster.BlockSize < 16 || c.Raster.BlockSize%16 != 0 {
		return errors.New("raster.block_size must be a positive multiple of 16")
	}
	if _, ok := compressionProfiles[c.Raster.Compression]; !ok {
		return fmt.Errorf("raster.compression: unsupported value %q", c.Raster.Compression)
	}
	if c.Raster.JPEGQuality < 1 || c.Raster.JPEGQuality > 100 {
		return errors.New("raster.jpeg_quality must be between 1 and 100")
	}
	return nil
}

func (c *Config) validateThumbnail() error {
	if c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0 {
		return errors.New("thumbnail.width and thumbnail.height must be positive")
	}
	switch c.Thumbnail.Format {
	case "jpeg", "png":
	default:
		return fmt.Errorf("thumbnail.format: unsupported value %q (want jpeg or png)", c.Thumbnail.Format)
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		return errors.New("thumbnail.quality must be between 1 and 100")
	}
	return nil
}

func (c *Config) validateTransfer() error {
	if !c.TransferEnabled() {
		return nil
	}
	if c.Transfer.Username == "" {
		return errors.New("transfer.username is required when transfer.host is set")
	}
	if c.Transfer.PrivateKeyPath == "" {
		return errors.New("transfer.private_key_path is required when transfer.host is set")
	}
	if c.Transfer.RemoteRoot == "" || !strings.HasPrefix(c.Transfer.RemoteRoot, "/") {
		return errors.New("transfer.remote_root must be an absolute remote path")
	}
	if c.Transfer.Port <= 0 || c.Transfer.Port > 65535 {
		return fmt.Errorf("transfer.port: invalid value %d", c.Transfer.Port)
	}
	if c.Transfer.IntegrityRetries < 0 {
		return errors.New("transfer.integrity_retries must be non-negative")
	}
	return nil
}

func (c *Config) validateSegmentation() error {
	if c.Segmentation.Enabled && c.Segmentation.Command == "" {
		return errors.New("segmentation.command is required when segmentation is enabled")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
