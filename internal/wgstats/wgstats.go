// Package wgstats parses `wg show <iface> dump` output captured from a
// remote server into peer and transfer statistics.
package wgstats

import (
	"strconv"
	"strings"
	"time"
)

// ActiveHandshakeWindow is how recent a peer's latest handshake must be
// for the peer to count as active. WireGuard rekeys every ~2 minutes, so
// 3 minutes tolerates one missed exchange.
const ActiveHandshakeWindow = 3 * time.Minute

// DumpStats summarizes one interface dump.
type DumpStats struct {
	TotalPeers       int
	ActivePeers      int
	BytesReceived    int64
	BytesTransmitted int64
}

// ParseDump parses dump output. The first line is interface info; each
// following line is one peer:
//
//	pubkey psk endpoint allowed-ips latest-handshake rx tx keepalive
//
// Malformed lines are skipped rather than failing the whole dump.
func ParseDump(dump string, now time.Time) DumpStats {
	var stats DumpStats
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return stats
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 7 {
			continue
		}
		stats.TotalPeers++

		if handshake, err := strconv.ParseInt(fields[4], 10, 64); err == nil && handshake > 0 {
			if now.Sub(time.Unix(handshake, 0)) <= ActiveHandshakeWindow {
				stats.ActivePeers++
			}
		}
		if rx, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			stats.BytesReceived += rx
		}
		if tx, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
			stats.BytesTransmitted += tx
		}
	}
	return stats
}
