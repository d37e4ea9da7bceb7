package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"tessera/internal/config"
	"tessera/internal/deps"
	"tessera/internal/metastore"
	"tessera/internal/transfer"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckStore pings the metadata store and reports its schema version.
func CheckStore(ctx context.Context, store *metastore.Store) Result {
	const name = "Metadata store"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := store.CheckHealth(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s %s (error: %s)", health.Dialect, health.Location, summarizeError(err))}
	}
	version := "unversioned"
	if n := len(health.SchemaVersions); n > 0 {
		version = health.SchemaVersions[n-1]
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s %s (schema %s)", health.Dialect, health.Location, version)}
}

// CheckArchive dials the SFTP archive and ensures the remote root exists.
func CheckArchive(ctx context.Context, cfg *config.Config) Result {
	const name = "Archive"

	client := transfer.NewClient(transfer.OptionsFromConfig(cfg))
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Check(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", client.Target(), summarizeError(err))}
	}
	return Result{Name: name, Passed: true, Detail: client.Target()}
}

// CheckRedis pings the notification server.
func CheckRedis(ctx context.Context, cfg *config.Config) Result {
	const name = "Redis notifications"

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Notify.RedisAddr,
		Password: cfg.Notify.RedisPassword,
		DB:       cfg.Notify.RedisDB,
	})
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", cfg.Notify.RedisAddr, summarizeError(err))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s channel %s", cfg.Notify.RedisAddr, cfg.Notify.Channel)}
}

// CheckSystemDeps evaluates the external commands the configured pipeline
// runs. Both the daemon and the CLI status command use this list.
func CheckSystemDeps(ctx context.Context, cfg *config.Config) []deps.Status {
	version := []string{"--version"}
	requirements := []deps.Requirement{
		{
			Name:        "gdalinfo",
			Command:     cfg.GDALInfoBinary(),
			Description: "Required for raster inspection",
			VersionArgs: version,
		},
		{
			Name:        "gdalwarp",
			Command:     cfg.GDALWarpBinary(),
			Description: "Required for reprojection",
		},
		{
			Name:        "gdal_translate",
			Command:     cfg.GDALTranslateBinary(),
			Description: "Required for COG and preview output",
		},
	}
	if cfg.Segmentation.Enabled {
		requirements = append(requirements, deps.Requirement{
			Name:        "segmentation",
			Command:     cfg.Segmentation.Command,
			Description: "Produces label layers from converted rasters",
			Optional:    true,
		})
	}
	return deps.CheckBinaries(ctx, requirements)
}

// summarizeError produces a human-readable summary for check failures.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return strings.TrimSpace(err.Error())
}
