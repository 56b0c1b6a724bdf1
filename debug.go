package livetorrent

import (
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

var debugSpewConfig = &spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// DebugString renders a human-oriented dump of the session's live state:
// stats, per-peer counters, the lock-order debugger, and the inflight
// piece table. It is meant for an operator pasting output into a bug
// report, not for machine parsing.
func (s *LiveSession) DebugString() string {
	var b strings.Builder

	fmt.Fprintf(&b, "session %s (info_hash %x)\n", s.info.Name, s.info.InfoHash)
	fmt.Fprintf(&b, "stats: %s\n", debugSpewConfig.Sdump(s.StatsSnapshot()))
	fmt.Fprintf(&b, "speed: %s\n", s.speed.String())
	fmt.Fprintf(&b, "locking: %s\n", globalLockOrder.DebugInfo())

	fmt.Fprintf(&b, "peers (all):\n")
	for _, p := range s.PerPeerStatsSnapshot(FilterAllPeers) {
		fmt.Fprintf(&b, "  %s\n", debugSpewConfig.Sdump(p))
	}

	fmt.Fprintf(&b, "inflight pieces: %s\n", debugSpewConfig.Sdump(s.ledger.InflightSnapshot()))

	return b.String()
}
