package deliveries

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
)

// Service registers deliverables and answers access checks. Decisions are
// recomputed from current escrow state on every call; a dispute opened after
// a grant revokes access on the next check.
type Service interface {
	Register(ctx context.Context, input RegisterInput) (*models.FileDelivery, error)
	CheckAccess(ctx context.Context, userID, deliveryID uuid.UUID) (*Decision, error)
}

type service struct {
	repo       Repository
	escrowRepo escrow.Repository
}

// RegisterInput binds a deliverable to an escrow, optionally to one milestone.
type RegisterInput struct {
	EscrowID     uuid.UUID
	MilestoneID  *uuid.UUID
	RegisteredBy uuid.UUID
}

// Decision is the gate's answer for one user and delivery. Reason is set
// only when access is denied.
type Decision struct {
	DeliveryID uuid.UUID         `json:"delivery_id"`
	State      enums.AccessState `json:"state"`
	Reason     pkgerrors.Code    `json:"reason,omitempty"`
}

// Granted reports whether the deliverable is unlocked for the requester.
func (d Decision) Granted() bool {
	return d.State == enums.AccessStateUnlocked
}

// NewService builds the file access gate.
func NewService(repo Repository, escrowRepo escrow.Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("delivery repository required")
	}
	if escrowRepo == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	return &service{repo: repo, escrowRepo: escrowRepo}, nil
}

func (s *service) Register(ctx context.Context, input RegisterInput) (*models.FileDelivery, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.RegisteredBy == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	txn, err := s.escrowRepo.FindTransaction(ctx, input.EscrowID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
	}
	if !txn.IsParty(input.RegisteredBy) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only a party can register a delivery")
	}
	if input.MilestoneID != nil {
		if !milestoneBelongs(txn, *input.MilestoneID) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone does not belong to this escrow")
		}
	}

	delivery := &models.FileDelivery{
		EscrowID:     txn.ID,
		MilestoneID:  input.MilestoneID,
		RegisteredBy: input.RegisteredBy,
	}
	if err := s.repo.Create(ctx, delivery); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "register delivery")
	}
	return delivery, nil
}

func (s *service) CheckAccess(ctx context.Context, userID, deliveryID uuid.UUID) (*Decision, error) {
	if deliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	delivery, err := s.repo.FindByID(ctx, deliveryID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load delivery")
	}
	txn, err := s.escrowRepo.FindTransaction(ctx, delivery.EscrowID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
	}
	if !txn.IsParty(userID) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "requester is not a party to this escrow")
	}

	// A dispute revokes access regardless of any earlier grant.
	if txn.Status == enums.EscrowStatusDisputed {
		return &Decision{
			DeliveryID: delivery.ID,
			State:      enums.AccessStateLocked,
			Reason:     pkgerrors.CodeAccessRevoked,
		}, nil
	}

	if txn.Status == enums.EscrowStatusReleased || s.milestonePaid(txn, delivery.MilestoneID) {
		return &Decision{
			DeliveryID: delivery.ID,
			State:      enums.AccessStateUnlocked,
		}, nil
	}

	return &Decision{
		DeliveryID: delivery.ID,
		State:      enums.AccessStateLocked,
		Reason:     pkgerrors.CodePaymentNotConfirmed,
	}, nil
}

func (s *service) milestonePaid(txn *models.EscrowTransaction, milestoneID *uuid.UUID) bool {
	if milestoneID == nil {
		return false
	}
	for _, m := range txn.Milestones {
		if m.ID == *milestoneID {
			return m.Status == enums.MilestoneStatusPaid
		}
	}
	return false
}

func milestoneBelongs(txn *models.EscrowTransaction, milestoneID uuid.UUID) bool {
	for _, m := range txn.Milestones {
		if m.ID == milestoneID {
			return true
		}
	}
	return false
}
