package release

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
)

// Repository persists the audit trail of release authorization attempts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, request *models.ReleaseRequest) error
	ListByMilestoneID(ctx context.Context, milestoneID uuid.UUID) ([]models.ReleaseRequest, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a release request repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, request *models.ReleaseRequest) error {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *repository) ListByMilestoneID(ctx context.Context, milestoneID uuid.UUID) ([]models.ReleaseRequest, error) {
	var requests []models.ReleaseRequest
	if err := r.db.WithContext(ctx).
		Where("milestone_id = ?", milestoneID).
		Order("created_at ASC").
		Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}
