package preflight

import (
	"context"

	"tessera/internal/config"
	"tessera/internal/metastore"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// store may be nil when the caller has not opened one.
func RunAll(ctx context.Context, cfg *config.Config, store *metastore.Store) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	if store != nil {
		results = append(results, CheckStore(ctx, store))
	}

	if cfg.TransferEnabled() {
		results = append(results, CheckArchive(ctx, cfg))
	} else {
		results = append(results, CheckDirectoryAccess("Local archive", cfg.Transfer.RemoteRoot))
	}

	if cfg.Notify.RedisAddr != "" {
		results = append(results, CheckRedis(ctx, cfg))
	}

	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, result := range results {
		if !result.Passed {
			out = append(out, result)
		}
	}
	return out
}
