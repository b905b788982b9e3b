// Package proxy implements the listener side of bitproxy: the per-connection
// session that parses a proxy request, authenticates it, dials the origin and
// relays bytes, plus the accept loop and listener plumbing around it.
//
// Sessions run one goroutine each, with two more for the relay legs. Nothing
// is shared between sessions except the read-only Config and its Metrics.
package proxy
