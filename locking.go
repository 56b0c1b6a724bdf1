package livetorrent

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/anacrolix/missinggo/v2/panicif"
)

// lockOrderDebug enforces the mandatory lock-ordering contract: always
// acquire a peer entry's lock (L2) before the piece ledger's lock (L1);
// never acquire L2 while already holding L1. This costs a goroutine-id
// lookup per ledger-lock acquisition, so it is compiled in but only does
// real work when enabled.
//
// Modelled on the goroutine-ownership tracking lockWithDeferreds uses for
// its own single-owner debug mode.
type lockOrderDebug struct {
	enabled bool

	mu          sync.Mutex
	ledgerOwner map[int64]int // goroutine id -> ledger lock depth held
}

var globalLockOrder = &lockOrderDebug{}

// EnableLockOrderDebug turns on the L2-before-L1 ordering assertion. Off by
// default because the goroutine-id lookup is not free.
func EnableLockOrderDebug(enabled bool) {
	globalLockOrder.enabled = enabled
}

func (d *lockOrderDebug) onLedgerLock() {
	if !d.enabled {
		return
	}
	gid := currentGoroutineID()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ledgerOwner == nil {
		d.ledgerOwner = make(map[int64]int)
	}
	d.ledgerOwner[gid]++
}

func (d *lockOrderDebug) onLedgerUnlock() {
	if !d.enabled {
		return
	}
	gid := currentGoroutineID()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledgerOwner[gid]--
	if d.ledgerOwner[gid] <= 0 {
		delete(d.ledgerOwner, gid)
	}
}

// assertMayAcquirePeerLock panics if the calling goroutine currently holds
// the ledger lock: acquiring a peer-entry lock at that point would violate
// the mandatory "peer before ledger" ordering.
func (d *lockOrderDebug) assertMayAcquirePeerLock() {
	if !d.enabled {
		return
	}
	gid := currentGoroutineID()
	d.mu.Lock()
	depth := d.ledgerOwner[gid]
	d.mu.Unlock()
	panicif.True(depth > 0)
}

func currentGoroutineID() int64 {
	const prefix = "goroutine "
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	line := strings.TrimPrefix(string(buf[:n]), prefix)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return -1
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// DebugInfo describes the lock-order debugger's current state, for
// inclusion in Session.DebugString().
func (d *lockOrderDebug) DebugInfo() string {
	if !d.enabled {
		return "lock order debug disabled"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%d goroutines currently hold the ledger lock", len(d.ledgerOwner))
}
