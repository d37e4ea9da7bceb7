// Command tessera is the operator CLI for the raster processing pipeline.
//
// It registers uploads, inspects and repairs the work queue, runs pipeline
// attempts in the foreground, and reports dependency health. Commands open
// the metadata store directly, so they work whether or not a daemon is
// running. `tessera daemon start|stop` manage a background tesserad through its
// lock and pid files, and `tessera daemon status` queries its status API.
package main
