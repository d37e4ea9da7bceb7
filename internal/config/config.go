package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	ScratchDir string `toml:"scratch_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Store selects the metadata store backend.
type Store struct {
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// Queue contains retry, backoff, and polling policy for the work queue.
type Queue struct {
	MaxAttempts               int `toml:"max_attempts"`
	StaleTimeoutSeconds       int `toml:"stale_timeout_seconds"`
	BackoffBaseSeconds        int `toml:"backoff_base_seconds"`
	BackoffCapSeconds         int `toml:"backoff_cap_seconds"`
	PollIntervalSeconds       int `toml:"poll_interval_seconds"`
	PollMaxIntervalSeconds    int `toml:"poll_max_interval_seconds"`
	ErrorRetryIntervalSeconds int `toml:"error_retry_interval_seconds"`
	SweepIntervalSeconds      int `toml:"sweep_interval_seconds"`
	StoreFailureLimit         int `toml:"store_failure_limit"`
}

// Raster contains conversion parameters for Cloud-Optimized GeoTIFF output.
type Raster struct {
	TargetCRS        string `toml:"target_crs"`
	Resampling       string `toml:"resampling"`
	LabelResampling  string `toml:"label_resampling"`
	OverviewBudgetPx int    `toml:"overview_budget_px"`
	BlockSize        int    `toml:"block_size"`
	Compression      string `toml:"compression"`
	JPEGQuality      int    `toml:"jpeg_quality"`
	SkipExisting     bool   `toml:"skip_existing"`
	GDALThreads      string `toml:"gdal_threads"`
}

// Thumbnail contains preview image dimensions and encoding.
type Thumbnail struct {
	Width   int    `toml:"width"`
	Height  int    `toml:"height"`
	Format  string `toml:"format"`
	Quality int    `toml:"quality"`
}

// Transfer contains the remote archive connection settings.
type Transfer struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Username           string `toml:"username"`
	PrivateKeyPath     string `toml:"private_key_path"`
	Passphrase         string `toml:"passphrase"`
	KnownHostsPath     string `toml:"known_hosts_path"`
	RemoteRoot         string `toml:"remote_root"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
	VerifyChecksum     bool   `toml:"verify_checksum"`
	IntegrityRetries   int    `toml:"integrity_retries"`
}

// Workers contains worker identity and per-stage pool sizes.
type Workers struct {
	WorkerID    string `toml:"worker_id"`
	Convert     int    `toml:"convert"`
	Transfer    int    `toml:"transfer"`
	MaxInFlight int    `toml:"max_in_flight"`
}

// Segmentation configures the optional external label-prediction stage.
type Segmentation struct {
	Enabled        bool     `toml:"enabled"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Notify configures the optional Redis wake-up channel.
type Notify struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Channel       string `toml:"channel"`
}

// Metrics toggles the Prometheus endpoint on the status API.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Tessera.
//
// Configuration sections by subsystem:
//   - Paths: scratch and log directories, status API bind address
//   - Store: metadata store driver and DSN
//   - Queue: retry limits, backoff, stale-claim timeout, polling
//   - Raster, Thumbnail: conversion parameters
//   - Transfer: remote archive over SSH/SFTP
//   - Workers: worker identity and stage pool sizes
//   - Segmentation: optional external label stage
//   - Notify: Redis wake-up channel
//   - Metrics, Logging: observability
type Config struct {
	Paths        Paths        `toml:"paths"`
	Store        Store        `toml:"store"`
	Queue        Queue        `toml:"queue"`
	Raster       Raster       `toml:"raster"`
	Thumbnail    Thumbnail    `toml:"thumbnail"`
	Transfer     Transfer     `toml:"transfer"`
	Workers      Workers      `toml:"workers"`
	Segmentation Segmentation `toml:"segmentation"`
	Notify       Notify       `toml:"notify"`
	Metrics      Metrics      `toml:"metrics"`
	Logging      Logging      `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tessera.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for worker operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.ScratchDir, c.Paths.LogDir}
	if !c.TransferEnabled() && c.Transfer.RemoteRoot != "" {
		dirs = append(dirs, c.Transfer.RemoteRoot)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ScratchDirFor returns the scratch directory for one claim of an entry.
// Two claims of the same entry never share a directory.
func (c *Config) ScratchDirFor(entryID int64, claimToken string) string {
	name := fmt.Sprintf("entry-%d", entryID)
	if token := strings.ReplaceAll(claimToken, "-", ""); token != "" {
		if len(token) > 8 {
			token = token[:8]
		}
		name += "-" + token
	}
	return filepath.Join(c.Paths.ScratchDir, name)
}

// StaleTimeout returns the claim age after which processing entries are reclaimed.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Queue.StaleTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Queue.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the upper bound applied to retry delays.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Queue.BackoffCapSeconds) * time.Second
}

// TransferEnabled reports whether a remote SSH archive is configured. Without
// one, artifacts are archived under Transfer.RemoteRoot on the local filesystem.
func (c *Config) TransferEnabled() bool {
	return strings.TrimSpace(c.Transfer.Host) != ""
}

// GDALInfoBinary returns the gdalinfo executable name.
func (c *Config) GDALInfoBinary() string {
	return "gdalinfo"
}

// GDALWarpBinary returns the gdalwarp executable name.
func (c *Config) GDALWarpBinary() string {
	return "gdalwarp"
}

// GDALTranslateBinary returns the gdal_translate executable name.
func (c *Config) GDALTranslateBinary() string {
	return "gdal_translate"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
