package proxy

// Package proxy implements the tecproxy listener-side HTTP forward proxy.
//
// It contains the CONNECT tunnel (hijack, cache-aware dial with retry,
// bidirectional relay), the conventional non-CONNECT proxy path, and shared
// connection plumbing such as keepalive listeners.
