package milestones

import "github.com/freeflowlabs/escrow-backend/pkg/enums"

// allowedTransitions is the milestone lifecycle graph. A rejected milestone
// may be resubmitted; paid is terminal. The submitted→paid edge is the
// objection-deadline auto-release path.
var allowedTransitions = map[enums.MilestoneStatus][]enums.MilestoneStatus{
	enums.MilestoneStatusPending: {
		enums.MilestoneStatusSubmitted,
	},
	enums.MilestoneStatusSubmitted: {
		enums.MilestoneStatusApproved,
		enums.MilestoneStatusRejected,
		enums.MilestoneStatusPaid,
	},
	enums.MilestoneStatusApproved: {
		enums.MilestoneStatusPaid,
	},
	enums.MilestoneStatusRejected: {
		enums.MilestoneStatusSubmitted,
	},
}

// CanTransition reports whether the milestone graph permits from→to.
func CanTransition(from, to enums.MilestoneStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
