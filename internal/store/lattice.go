package store

import "github.com/cleargate/reconciliation-service/internal/domain"

// latticeDecision is the pure status-lattice rule shared by every ledger
// backend. Backends differ only in how they serialize access to the current
// row; the decision itself must be identical everywhere.
//
//	pending  -> terminal            applied
//	same     -> same                no-op (idempotent repeat)
//	terminal -> different terminal  conflict, unless override from another source
//	terminal -> pending             no-op (stale replay)
func latticeDecision(currentStatus, currentSource, newStatus, source string, allowOverride bool) (applied, conflict bool) {
	switch {
	case newStatus == currentStatus:
		return false, false
	case currentStatus == domain.StatusPending && domain.IsTerminalStatus(newStatus):
		return true, false
	case domain.IsTerminalStatus(currentStatus) && domain.IsTerminalStatus(newStatus):
		if allowOverride && source != currentSource {
			return true, false
		}
		return false, true
	default:
		return false, false
	}
}
