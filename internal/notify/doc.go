// Package notify carries queue wake-up events between enqueuers and workers.
//
// The default implementation publishes JSON events on a Redis pub/sub channel
// configured in config.toml and degrades to a no-op when no Redis address is
// set. Workers treat events only as a hint to poll early: the queue in the
// metadata store stays the source of truth, so a lost message costs at most one
// poll interval.
package notify
