// Package logic owns the implementation boundary that proxies dispatch into.
//
// Ownership boundary:
// - implementation metadata, operation specs, and the Execute contract
// - the error taxonomy surfaced to callers
// - the registry that resolves an implementation id to behavior
// - core capability handlers shared by every variant
//
// Implementations are stateless. Each call runs against a working copy of
// one proxy's record; the proxy commits it only when Execute returns nil.
package logic
