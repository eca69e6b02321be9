package release

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []outbox.DomainEvent
}

func (f *fakeOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeOutbox) hasEvent(eventType enums.OutboxEventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range f.events {
		if event.EventType == eventType {
			return true
		}
	}
	return false
}

type fakeDisputeChecker struct {
	open bool
}

func (f *fakeDisputeChecker) HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error) {
	return f.open, nil
}

func setupReleaseTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS escrow_transactions (
  id TEXT PRIMARY KEY,
  buyer_id TEXT NOT NULL,
  seller_id TEXT NOT NULL,
  project_title TEXT NOT NULL,
  total_amount INTEGER NOT NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  version INTEGER NOT NULL DEFAULT 1,
  objection_secs INTEGER NOT NULL,
  split_percent INTEGER NOT NULL DEFAULT 50,
  created_at DATETIME,
  updated_at DATETIME,
  terminal_at DATETIME
);
CREATE TABLE IF NOT EXISTS escrow_milestones (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  order_index INTEGER NOT NULL,
  title TEXT NOT NULL,
  description TEXT,
  amount INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  objection_deadline DATETIME,
  rejection_reason TEXT,
  approval_note TEXT,
  paid_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (escrow_id, order_index)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  milestone_id TEXT,
  type TEXT NOT NULL,
  amount INTEGER NOT NULL,
  currency TEXT NOT NULL,
  provider_event_id TEXT,
  idempotency_key TEXT,
  reason TEXT,
  created_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_provider_event
  ON ledger_entries (provider_event_id) WHERE provider_event_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_idempotency_key
  ON ledger_entries (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_milestone_release
  ON ledger_entries (milestone_id, type) WHERE type = 'release' AND milestone_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS release_requests (
  id TEXT PRIMARY KEY,
  milestone_id TEXT NOT NULL,
  requested_by TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  approvals TEXT,
  required_approvals INTEGER NOT NULL DEFAULT 1,
  resolved_at DATETIME,
  created_at DATETIME
);
`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

type releaseFixture struct {
	svc      Service
	escrows  escrow.Repository
	requests Repository
	ledger   ledger.Service
	disputes *fakeDisputeChecker
	sink     *fakeOutbox
	db       *gorm.DB
}

func setupService(t *testing.T) *releaseFixture {
	t.Helper()

	db := setupReleaseTestDB(t)
	escrows := escrow.NewRepository(db)
	requests := NewRepository(db)
	disputes := &fakeDisputeChecker{}
	sink := &fakeOutbox{}

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db))
	require.NoError(t, err)

	svc, err := NewService(escrows, requests, disputes, ledgerSvc, &testTxRunner{db: db}, sink, config.EscrowConfig{
		ObjectionWindow:     7 * 24 * time.Hour,
		DefaultSplitPercent: 50,
		MaxWriteRetries:     3,
	})
	require.NoError(t, err)

	return &releaseFixture{
		svc:      svc,
		escrows:  escrows,
		requests: requests,
		ledger:   ledgerSvc,
		disputes: disputes,
		sink:     sink,
		db:       db,
	}
}

// seedFundedEscrow creates an active escrow with a full deposit and the
// requested milestone statuses.
func seedFundedEscrow(t *testing.T, f *releaseFixture, statuses ...enums.MilestoneStatus) *models.EscrowTransaction {
	t.Helper()
	ctx := context.Background()

	var total int64
	txn := &models.EscrowTransaction{
		BuyerID:       uuid.New(),
		SellerID:      uuid.New(),
		ProjectTitle:  "API integration",
		Currency:      enums.CurrencyUSD,
		Status:        enums.EscrowStatusActive,
		Version:       1,
		ObjectionSecs: int64((7 * 24 * time.Hour) / time.Second),
		SplitPercent:  50,
	}
	for i, status := range statuses {
		amount := int64(10000 * (i + 1))
		total += amount
		txn.Milestones = append(txn.Milestones, models.EscrowMilestone{
			OrderIndex: i,
			Title:      "Milestone",
			Amount:     amount,
			Status:     status,
		})
	}
	txn.TotalAmount = total
	require.NoError(t, f.escrows.CreateTransaction(ctx, txn))

	_, err := f.ledger.RecordDeposit(ctx, ledger.RecordDepositInput{
		EscrowID:        txn.ID,
		Amount:          total,
		Currency:        enums.CurrencyUSD,
		ProviderEventID: "seed-" + txn.ID.String(),
	})
	require.NoError(t, err)
	return txn
}

func TestReleaseIdempotencyKeyIsStable(t *testing.T) {
	id := uuid.New()
	require.Equal(t, ReleaseIdempotencyKey(id), ReleaseIdempotencyKey(id))
	require.NotEqual(t, ReleaseIdempotencyKey(id), ReleaseIdempotencyKey(uuid.New()))
}

func TestAuthorize_ApprovedMilestone(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved, enums.MilestoneStatusPending)
	milestone := txn.Milestones[0]

	result, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: milestone.ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.NoError(t, err)
	require.Equal(t, enums.MilestoneStatusPaid, result.Milestone.Status)
	require.NotNil(t, result.Milestone.PaidAt)
	require.False(t, result.Final)
	require.Equal(t, enums.EscrowStatusActive, result.Transaction.Status)
	require.True(t, f.sink.hasEvent(enums.OutboxEventTypeMilestonePaid))
	require.False(t, f.sink.hasEvent(enums.OutboxEventTypeEscrowReleased))

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, milestone.Amount, balance.Released)

	requests, err := f.requests.ListByMilestoneID(ctx, milestone.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, ReleaseIdempotencyKey(milestone.ID), requests[0].IdempotencyKey)
}

func TestAuthorize_FinalMilestoneClosesEscrow(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusPaid, enums.MilestoneStatusApproved)
	result, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: txn.Milestones[1].ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.NoError(t, err)
	require.True(t, result.Final)
	require.Equal(t, enums.EscrowStatusReleased, result.Transaction.Status)
	require.NotNil(t, result.Transaction.TerminalAt)
	require.True(t, f.sink.hasEvent(enums.OutboxEventTypeEscrowReleased))
}

func TestAuthorize_AutoReleaseAfterDeadline(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusSubmitted)
	milestone := txn.Milestones[0]

	future := time.Now().Add(time.Hour)
	milestone.ObjectionDeadline = &future
	require.NoError(t, f.escrows.UpdateMilestone(ctx, &milestone))

	// Deadline in the future: buyer silence has not elapsed yet.
	_, err := f.svc.Authorize(ctx, AuthorizeInput{MilestoneID: milestone.ID})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotYetApprovable))

	past := time.Now().Add(-time.Minute)
	milestone.Status = enums.MilestoneStatusSubmitted
	milestone.ObjectionDeadline = &past
	require.NoError(t, f.escrows.UpdateMilestone(ctx, &milestone))

	result, err := f.svc.Authorize(ctx, AuthorizeInput{MilestoneID: milestone.ID})
	require.NoError(t, err)
	require.Equal(t, enums.MilestoneStatusPaid, result.Milestone.Status)
}

func TestAuthorize_PendingMilestoneDenied(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusPending)
	_, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: txn.Milestones[0].ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotYetApprovable))
}

func TestAuthorize_DisputeBlocksRelease(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved)
	f.disputes.open = true

	_, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: txn.Milestones[0].ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDisputeBlocksRelease))

	// No funds moved and the milestone state is untouched.
	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Released)
}

func TestAuthorize_FrozenTransactionDenied(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved)
	require.NoError(t, f.escrows.UpdateTransactionStatus(ctx, txn.ID, 1, enums.EscrowStatusDisputed, nil))

	_, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: txn.Milestones[0].ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDisputeBlocksRelease))
}

func TestAuthorize_SecondAttemptDenied(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved, enums.MilestoneStatusPending)
	milestone := txn.Milestones[0]

	_, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: milestone.ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.NoError(t, err)

	// A retry sees the milestone already paid; funds cannot move twice.
	_, err = f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: milestone.ID,
		RequestedBy: txn.BuyerID,
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotYetApprovable))

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, milestone.Amount, balance.Released)
}

// Parallel authorizations on one milestone must collapse to a single ledger
// release: the version guard and the unique release index together let
// exactly one attempt win.
func TestAuthorize_ConcurrentAttemptsSingleRelease(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	// Pin the pool to one connection so every goroutine shares the same
	// in-memory database.
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved, enums.MilestoneStatusPending)
	milestone := txn.Milestones[0]

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Authorize(ctx, AuthorizeInput{
				MilestoneID: milestone.ID,
				RequestedBy: txn.BuyerID,
				ActorRole:   enums.ActorRoleBuyer,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		denied := pkgerrors.HasCode(err, pkgerrors.CodeNotYetApprovable) ||
			pkgerrors.HasCode(err, pkgerrors.CodeDuplicateRelease) ||
			pkgerrors.HasCode(err, pkgerrors.CodeVersionConflict)
		require.True(t, denied, "unexpected error: %v", err)
	}
	require.Equal(t, 1, won)

	entries, err := f.ledger.Entries(ctx, txn.ID)
	require.NoError(t, err)
	var releases int
	for _, entry := range entries {
		if entry.Type == enums.LedgerEntryTypeRelease {
			releases++
		}
	}
	require.Equal(t, 1, releases)

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, milestone.Amount, balance.Released)
}

func TestAuthorize_StrangerDenied(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedFundedEscrow(t, f, enums.MilestoneStatusApproved)
	_, err := f.svc.Authorize(ctx, AuthorizeInput{
		MilestoneID: txn.Milestones[0].ID,
		RequestedBy: uuid.New(),
		ActorRole:   enums.ActorRoleBuyer,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnauthorizedActor))
}
