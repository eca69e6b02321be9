package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/release"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

const defaultSweepBatchSize = 100

// AutoReleaseJobParams configure the auto-release sweep.
type AutoReleaseJobParams struct {
	Logger    *logger.Logger
	Escrows   escrow.Repository
	Release   release.Service
	BatchSize int
}

// NewAutoReleaseJob builds the job that releases submitted milestones whose
// objection window elapsed without a buyer verdict. Each candidate goes
// through the normal authorizer policy, so a dispute opened between the scan
// and the release still denies it.
func NewAutoReleaseJob(params AutoReleaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Escrows == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if params.Release == nil {
		return nil, fmt.Errorf("release service required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &autoReleaseJob{
		logg:      params.Logger,
		escrows:   params.Escrows,
		release:   params.Release,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

type autoReleaseJob struct {
	logg      *logger.Logger
	escrows   escrow.Repository
	release   release.Service
	batchSize int
	now       func() time.Time
}

func (j *autoReleaseJob) Name() string { return "auto-release" }

func (j *autoReleaseJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC()
	milestones, err := j.escrows.ListSubmittedPastDeadline(ctx, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("scan milestones past deadline: %w", err)
	}

	// One milestone at a time; a losing CAS retry on one escrow must not
	// hold up the rest of the sweep.
	var errs error
	released := 0
	for _, milestone := range milestones {
		logCtx := j.logg.WithMilestoneID(ctx, milestone.ID.String())
		_, err := j.release.Authorize(ctx, release.AuthorizeInput{MilestoneID: milestone.ID})
		switch {
		case err == nil:
			released++
		case j.isBenignDenial(err):
			j.logg.Info(j.logg.WithField(logCtx, "denial", err.Error()), "auto-release denied by policy")
		default:
			j.logg.Error(logCtx, "auto-release failed", err)
			errs = multierr.Append(errs, fmt.Errorf("milestone %s: %w", milestone.ID, err))
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":  len(milestones),
		"released": released,
	})
	j.logg.Info(logCtx, "auto-release sweep complete")
	return errs
}

// isBenignDenial filters outcomes that are expected under concurrency: a
// dispute raced in, a buyer acted between scan and release, or another worker
// already paid the milestone.
func (j *autoReleaseJob) isBenignDenial(err error) bool {
	for _, code := range []pkgerrors.Code{
		pkgerrors.CodeDisputeBlocksRelease,
		pkgerrors.CodeNotYetApprovable,
		pkgerrors.CodeDuplicateRelease,
		pkgerrors.CodeInvalidTransition,
	} {
		if pkgerrors.HasCode(err, code) {
			return true
		}
	}
	return false
}
