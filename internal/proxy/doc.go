// Package proxy owns per-instance dispatch.
//
// Ownership boundary:
// - one storage record per proxy, never shared
// - per-call resolution of the beacon's current implementation
// - commit-or-discard of each call's writes and notifications
//
// Call lifecycle:
// - resolve -> clone record -> execute -> commit -> publish
//
// - a failed execute discards the working copy and its buffered events.
//
// Proxy does not own the implementation choice; the beacon does.
package proxy
