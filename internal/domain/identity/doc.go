// Package identity holds the registry of hosted bots.
//
// An Identity is the logical registration a client creates once and then
// drives through start/stop/restart. It outlives any particular sandbox
// instance: the sandbox reference and epoch change on every start, the ID
// and work directory never do.
//
// Identities are never removed. Work directories are created on registration
// and left in place for the life of the process.
//
// Example Usage:
//
//	reg := identity.NewRegistry("/var/lib/nighthost/uploads")
//	ident, err := reg.Create(identity.PlanFree, identity.RuntimePython)
//	snapshot, err := reg.Get(ident.ID)
package identity
