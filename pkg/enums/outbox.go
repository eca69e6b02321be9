package enums

import "fmt"

// OutboxEventType maps to the event_type_enum enum in Postgres.
type OutboxEventType string

const (
	OutboxEventTypeEscrowCreated     OutboxEventType = "escrow.created"
	OutboxEventTypeEscrowFunded      OutboxEventType = "escrow.funded"
	OutboxEventTypeEscrowReleased    OutboxEventType = "escrow.released"
	OutboxEventTypeEscrowRefunded    OutboxEventType = "escrow.refunded"
	OutboxEventTypeEscrowCancelled   OutboxEventType = "escrow.cancelled"
	OutboxEventTypeMilestoneSubmitted OutboxEventType = "milestone.submitted"
	OutboxEventTypeMilestoneApproved OutboxEventType = "milestone.approved"
	OutboxEventTypeMilestoneRejected OutboxEventType = "milestone.rejected"
	OutboxEventTypeMilestonePaid     OutboxEventType = "milestone.paid"
	OutboxEventTypeDisputeOpened     OutboxEventType = "dispute.opened"
	OutboxEventTypeDisputeResolved   OutboxEventType = "dispute.resolved"
)

var validOutboxEventTypes = []OutboxEventType{
	OutboxEventTypeEscrowCreated,
	OutboxEventTypeEscrowFunded,
	OutboxEventTypeEscrowReleased,
	OutboxEventTypeEscrowRefunded,
	OutboxEventTypeEscrowCancelled,
	OutboxEventTypeMilestoneSubmitted,
	OutboxEventTypeMilestoneApproved,
	OutboxEventTypeMilestoneRejected,
	OutboxEventTypeMilestonePaid,
	OutboxEventTypeDisputeOpened,
	OutboxEventTypeDisputeResolved,
}

// IsValid reports whether the value is a known OutboxEventType.
func (t OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// OutboxAggregateType maps to the aggregate_type_enum enum in Postgres.
type OutboxAggregateType string

const (
	OutboxAggregateTypeEscrow    OutboxAggregateType = "escrow"
	OutboxAggregateTypeMilestone OutboxAggregateType = "milestone"
	OutboxAggregateTypeDispute   OutboxAggregateType = "dispute"
)

var validOutboxAggregateTypes = []OutboxAggregateType{
	OutboxAggregateTypeEscrow,
	OutboxAggregateTypeMilestone,
	OutboxAggregateTypeDispute,
}

// IsValid reports whether the value is a known OutboxAggregateType.
func (t OutboxAggregateType) IsValid() bool {
	for _, candidate := range validOutboxAggregateTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into an OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
