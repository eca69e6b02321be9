package disputes

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
)

// Repository persists dispute cases. The open-case partial unique index on
// escrow_id is the storage-level guarantee that at most one case freezes an
// escrow at a time.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, disputeCase *models.DisputeCase) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.DisputeCase, error)
	ListByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]models.DisputeCase, error)
	Close(ctx context.Context, disputeCase *models.DisputeCase) error
	HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a dispute repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, disputeCase *models.DisputeCase) error {
	if disputeCase.ID == uuid.Nil {
		disputeCase.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(disputeCase).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.DisputeCase, error) {
	var disputeCase models.DisputeCase
	if err := r.db.WithContext(ctx).First(&disputeCase, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &disputeCase, nil
}

func (r *repository) ListByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]models.DisputeCase, error) {
	var cases []models.DisputeCase
	if err := r.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("opened_at ASC").
		Find(&cases).Error; err != nil {
		return nil, err
	}
	return cases, nil
}

func (r *repository) Close(ctx context.Context, disputeCase *models.DisputeCase) error {
	return r.db.WithContext(ctx).
		Model(&models.DisputeCase{}).
		Where("id = ?", disputeCase.ID).
		Select("resolution", "split_percent", "resolution_note", "closed_at").
		Updates(disputeCase).Error
}

// HasOpenDispute reports whether an open case covers the given scope. A
// transaction-wide case (nil milestone) covers every milestone; passing a zero
// milestone id asks about the escrow as a whole.
func (r *repository) HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&models.DisputeCase{}).
		Where("escrow_id = ? AND closed_at IS NULL", escrowID)
	if milestoneID != uuid.Nil {
		query = query.Where("milestone_id IS NULL OR milestone_id = ?", milestoneID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
