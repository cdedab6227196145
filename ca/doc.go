// Package ca defines the common connectivity-abstraction contract shared by
// every transport adapter: endpoint addressing, the adapter lifecycle
// surface, the upper-layer notification surface, and the status error
// taxonomy. The session layer above only ever talks to these interfaces —
// it never imports edr, le, ip, or anything transport concrete.
package ca
