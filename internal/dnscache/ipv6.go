package dnscache

import "net"

// HasIPv6 reports whether this host has IPv6 connectivity, checked by a UDP
// "connect" (which sends no packets, only consults the routing table).
// Intended to be called once at startup and passed into Config.IPv6.
func HasIPv6() bool {
	conn, err := net.Dial("udp6", "[2001:4860:4860::8888]:53")
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
