// Package preflight provides readiness checks for the external services,
// commands, and filesystem paths a Tessera worker depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failed check so an
//     operator sees a misconfigured archive before the first retry burns.
//   - The CLI "tessera status" command renders the same results alongside the
//     dependency table from CheckSystemDeps.
//
// Each check is gated by its config section: the SFTP archive is only dialed
// when transfer.host is set and Redis only when notify.redis_addr is set.
package preflight
