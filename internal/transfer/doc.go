// Package transfer copies derived artifacts to the remote archive and pulls
// raw uploads back from it.
//
// The archive is reached over SSH/SFTP with key authentication, or, when no
// host is configured, through a directory on a local or mounted filesystem.
// Uploads are written to a ".part-<claim>" file next to the target that only
// the owning claim resumes, verified by size and SHA256, and renamed into
// place. Integrity mismatches are retried from scratch a
// configurable number of times before the failure escalates to the caller.
package transfer
