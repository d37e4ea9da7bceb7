package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeRaster()
	c.normalizeThumbnail()
	if err := c.normalizeTransfer(); err != nil {
		return err
	}
	c.normalizeWorkers()
	c.normalizeSegmentation()
	c.normalizeNotify()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		c.Paths.ScratchDir = defaultScratchDir
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return fmt.Errorf("paths.scratch_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if c.Store.Driver == "postgresql" || c.Store.Driver == "pgx" {
		c.Store.Driver = "postgres"
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		if value, ok := os.LookupEnv("TESSERA_STORE_DSN"); ok {
			c.Store.DSN = value
		}
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	if c.Store.Driver == "sqlite" {
		if c.Store.DSN == "" {
			c.Store.DSN = filepath.Join(c.Paths.LogDir, "tessera.db")
		} else if !strings.HasPrefix(c.Store.DSN, "file:") && c.Store.DSN != ":memory:" {
			expanded, err := expandPath(c.Store.DSN)
			if err != nil {
				return fmt.Errorf("store.dsn: %w", err)
			}
			c.Store.DSN = expanded
		}
	}
	if c.Store.BusyTimeoutMS <= 0 {
		c.Store.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if c.Queue.PollIntervalSeconds <= 0 {
		c.Queue.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if c.Queue.PollMaxIntervalSeconds < c.Queue.PollIntervalSeconds {
		c.Queue.PollMaxIntervalSeconds = c.Queue.PollIntervalSeconds
	}
	if c.Queue.ErrorRetryIntervalSeconds <= 0 {
		c.Queue.ErrorRetryIntervalSeconds = defaultErrorRetrySeconds
	}
	if c.Queue.SweepIntervalSeconds <= 0 {
		c.Queue.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if c.Queue.StoreFailureLimit <= 0 {
		c.Queue.StoreFailureLimit = defaultStoreFailureLimit
	}
}

func (c *Config) normalizeRaster() {
	c.Raster.TargetCRS = strings.ToUpper(strings.TrimSpace(c.Raster.TargetCRS))
	c.Raster.Resampling = strings.ToLower(strings.TrimSpace(c.Raster.Resampling))
	if c.Raster.Resampling == "" {
		c.Raster.Resampling = defaultResampling
	}
	c.Raster.LabelResampling = strings.ToLower(strings.TrimSpace(c.Raster.LabelResampling))
	if c.Raster.LabelResampling == "" {
		c.Raster.LabelResampling = defaultLabelResampling
	}
	c.Raster.Compression = strings.ToLower(strings.TrimSpace(c.Raster.Compression))
	if c.Raster.Compression == "" {
		c.Raster.Compression = defaultCompression
	}
	c.Raster.GDALThreads = strings.TrimSpace(c.Raster.GDALThreads)
	if c.Raster.GDALThreads == "" {
		c.Raster.GDALThreads = defaultGDALThreads
	}
}

func (c *Config) normalizeThumbnail() {
	c.Thumbnail.Format = strings.ToLower(strings.TrimSpace(c.Thumbnail.Format))
	switch c.Thumbnail.Format {
	case "", "jpg":
		c.Thumbnail.Format = defaultThumbnailFormat
	}
}

func (c *Config) normalizeTransfer() error {
	c.Transfer.Host = strings.TrimSpace(c.Transfer.Host)
	c.Transfer.Username = strings.TrimSpace(c.Transfer.Username)
	if c.Transfer.Port == 0 {
		c.Transfer.Port = defaultSSHPort
	}
	var err error
	if c.Transfer.PrivateKeyPath, err = expandPath(strings.TrimSpace(c.Transfer.PrivateKeyPath)); err != nil {
		return fmt.Errorf("transfer.private_key_path: %w", err)
	}
	if c.Transfer.KnownHostsPath, err = expandPath(strings.TrimSpace(c.Transfer.KnownHostsPath)); err != nil {
		return fmt.Errorf("transfer.known_hosts_path: %w", err)
	}
	if c.Transfer.Passphrase == "" {
		if value, ok := os.LookupEnv("TESSERA_SSH_PASSPHRASE"); ok {
			c.Transfer.Passphrase = value
		}
	}
	root := strings.TrimSpace(c.Transfer.RemoteRoot)
	switch {
	case c.Transfer.Host == "":
		// No archive host: artifacts are archived on a local or mounted filesystem.
		if root == "" {
			root = defaultLocalArchiveDir
		}
		if root, err = expandPath(root); err != nil {
			return fmt.Errorf("transfer.remote_root: %w", err)
		}
	case root != "":
		root = path.Clean(root)
	}
	c.Transfer.RemoteRoot = root
	if c.Transfer.DialTimeoutSeconds <= 0 {
		c.Transfer.DialTimeoutSeconds = defaultDialTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeWorkers() {
	c.Workers.WorkerID = strings.TrimSpace(c.Workers.WorkerID)
	if c.Workers.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "worker"
		}
		c.Workers.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.Workers.Convert <= 0 {
		c.Workers.Convert = runtime.NumCPU() / 2
		if c.Workers.Convert < 1 {
			c.Workers.Convert = 1
		}
	}
	if c.Workers.Transfer <= 0 {
		c.Workers.Transfer = defaultTransferWorkers
	}
	if c.Workers.MaxInFlight <= 0 {
		c.Workers.MaxInFlight = c.Workers.Convert + c.Workers.Transfer
	}
}

func (c *Config) normalizeSegmentation() {
	c.Segmentation.Command = strings.TrimSpace(c.Segmentation.Command)
	if c.Segmentation.TimeoutSeconds <= 0 {
		c.Segmentation.TimeoutSeconds = defaultSegmentationTimeout
	}
}

func (c *Config) normalizeNotify() {
	c.Notify.RedisAddr = strings.TrimSpace(c.Notify.RedisAddr)
	if c.Notify.RedisPassword == "" {
		if value, ok := os.LookupEnv("TESSERA_REDIS_PASSWORD"); ok {
			c.Notify.RedisPassword = value
		}
	}
	c.Notify.Channel = strings.TrimSpace(c.Notify.Channel)
	if c.Notify.Channel == "" {
		c.Notify.Channel = defaultNotifyChannel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
