package dnscache

// Package dnscache implements a host/port-aware DNS cache with background
// liveness checking.
//
// Each (host, port) pair owns a bucket of candidate IPs. Get picks one at
// random so concurrent callers spread across a round-robin record set, and
// MarkDown removes an IP that turned out to be unreachable on that port. A
// periodic sweep evicts idle entries by TTL and probes freshly resolved
// addresses with a short TCP connect, marking down the ones that fail.
