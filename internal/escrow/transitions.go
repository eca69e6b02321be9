package escrow

import "github.com/freeflowlabs/escrow-backend/pkg/enums"

// allowedTransitions is the full status graph for escrow transactions.
// Terminal states have no outgoing edges.
var allowedTransitions = map[enums.EscrowStatus][]enums.EscrowStatus{
	enums.EscrowStatusPending: {
		enums.EscrowStatusFunded,
		enums.EscrowStatusActive,
		enums.EscrowStatusCancelled,
	},
	enums.EscrowStatusFunded: {
		enums.EscrowStatusActive,
		enums.EscrowStatusDisputed,
		enums.EscrowStatusRefunded,
	},
	enums.EscrowStatusActive: {
		enums.EscrowStatusDisputed,
		enums.EscrowStatusReleased,
		enums.EscrowStatusRefunded,
	},
	enums.EscrowStatusDisputed: {
		enums.EscrowStatusActive,
		enums.EscrowStatusReleased,
		enums.EscrowStatusRefunded,
	},
}

// CanTransition reports whether the escrow status graph permits from→to.
func CanTransition(from, to enums.EscrowStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
