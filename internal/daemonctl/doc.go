// Package daemonctl starts and stops a background tesserad process using the
// per-worker lock and pid files the daemon maintains in the log directory.
package daemonctl
