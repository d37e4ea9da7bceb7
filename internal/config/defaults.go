package config

const (
	defaultConfigPath             = "~/.config/tessera/config.toml"
	defaultScratchDir             = "~/.local/share/tessera/scratch"
	defaultLogDir                 = "~/.local/share/tessera/logs"
	defaultLocalArchiveDir        = "~/.local/share/tessera/archive"
	defaultAPIBind                = "127.0.0.1:7590"
	defaultStoreDriver            = "sqlite"
	defaultBusyTimeoutMS          = 5000
	defaultMaxAttempts            = 3
	defaultStaleTimeoutSeconds    = 3600
	defaultBackoffBaseSeconds     = 30
	defaultBackoffCapSeconds      = 1800
	defaultPollIntervalSeconds    = 5
	defaultPollMaxIntervalSeconds = 60
	defaultErrorRetrySeconds      = 10
	defaultSweepIntervalSeconds   = 60
	defaultStoreFailureLimit      = 5
	defaultTargetCRS              = "EPSG:3857"
	defaultResampling             = "cubic"
	defaultLabelResampling        = "nearest"
	defaultOverviewBudgetPx       = 512
	defaultBlockSize              = 512
	defaultCompression            = "deflate"
	defaultJPEGQuality            = 75
	defaultGDALThreads            = "ALL_CPUS"
	defaultThumbnailSize          = 256
	defaultThumbnailFormat        = "jpeg"
	defaultThumbnailQuality       = 85
	defaultSSHPort                = 22
	defaultDialTimeoutSeconds     = 15
	defaultIntegrityRetries       = 1
	defaultTransferWorkers        = 2
	defaultSegmentationTimeout    = 3600
	defaultNotifyChannel          = "tessera:queue"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ScratchDir: defaultScratchDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Store: Store{
			Driver:        defaultStoreDriver,
			BusyTimeoutMS: defaultBusyTimeoutMS,
		},
		Queue: Queue{
			MaxAttempts:               defaultMaxAttempts,
			StaleTimeoutSeconds:       defaultStaleTimeoutSeconds,
			BackoffBaseSeconds:        defaultBackoffBaseSeconds,
			BackoffCapSeconds:         defaultBackoffCapSeconds,
			PollIntervalSeconds:       defaultPollIntervalSeconds,
			PollMaxIntervalSeconds:    defaultPollMaxIntervalSeconds,
			ErrorRetryIntervalSeconds: defaultErrorRetrySeconds,
			SweepIntervalSeconds:      defaultSweepIntervalSeconds,
			StoreFailureLimit:         defaultStoreFailureLimit,
		},
		Raster: Raster{
			TargetCRS:        defaultTargetCRS,
			Resampling:       defaultResampling,
			LabelResampling:  defaultLabelResampling,
			OverviewBudgetPx: defaultOverviewBudgetPx,
			BlockSize:        defaultBlockSize,
			Compression:      defaultCompression,
			JPEGQuality:      defaultJPEGQuality,
			GDALThreads:      defaultGDALThreads,
		},
		Thumbnail: Thumbnail{
			Width:   defaultThumbnailSize,
			Height:  defaultThumbnailSize,
			Format:  defaultThumbnailFormat,
			Quality: defaultThumbnailQuality,
		},
		Transfer: Transfer{
			Port:               defaultSSHPort,
			DialTimeoutSeconds: defaultDialTimeoutSeconds,
			VerifyChecksum:     true,
			IntegrityRetries:   defaultIntegrityRetries,
		},
		Workers: Workers{
			Transfer: defaultTransferWorkers,
		},
		Segmentation: Segmentation{
			TimeoutSeconds: defaultSegmentationTimeout,
		},
		Notify: Notify{
			Channel: defaultNotifyChannel,
		},
		Metrics: Metrics{Enabled: true},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
