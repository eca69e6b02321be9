package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: "outbox-test",
		Level:       zerolog.ErrorLevel,
		Output:      io.Discard,
	})
}

type testDB struct {
	conn *gorm.DB
}

func (d *testDB) Ping(ctx context.Context) error { return nil }

func (d *testDB) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.conn.WithContext(ctx).Transaction(fn)
}

func setupOutboxTestDB(t *testing.T) *testDB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`
	require.NoError(t, conn.Exec(schema).Error)
	return &testDB{conn: conn}
}

type fakePublisher struct {
	published []*gcppubsub.Message
	err       error
}

type fakeResult struct {
	id  string
	err error
}

func (r *fakeResult) Get(ctx context.Context) (string, error) { return r.id, r.err }

func (p *fakePublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p.err != nil {
		return &fakeResult{err: p.err}
	}
	p.published = append(p.published, msg)
	return &fakeResult{id: uuid.NewString()}
}

type fakePubSub struct{}

func (f *fakePubSub) Ping(ctx context.Context) error        { return nil }
func (f *fakePubSub) EscrowPublisher() *gcppubsub.Publisher { return nil }

func newTestService(t *testing.T, db *testDB, pub *fakePublisher) *Service {
	t.Helper()

	cfg := &config.Config{
		Outbox: config.OutboxConfig{BatchSize: 10, PollIntervalMS: 10, MaxAttempts: 3},
	}
	svc, err := NewService(ServiceParams{
		Config:           cfg,
		Logger:           testLogger(),
		DB:               db,
		PubSub:           &fakePubSub{},
		Repository:       outbox.NewRepository(db.conn),
		PublisherFactory: func() publisher { return pub },
	})
	require.NoError(t, err)
	return svc
}

func seedEvent(t *testing.T, db *testDB, eventType enums.OutboxEventType) models.OutboxEvent {
	t.Helper()

	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"escrow_id":"` + uuid.NewString() + `"}`),
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.OutboxAggregateTypeEscrow,
		AggregateID:   uuid.New(),
		Payload:       payload,
	}
	require.NoError(t, db.conn.Create(&event).Error)
	return event
}

func TestProcessBatch_PublishesAndMarks(t *testing.T) {
	db := setupOutboxTestDB(t)
	pub := &fakePublisher{}
	svc := newTestService(t, db, pub)

	seedEvent(t, db, enums.OutboxEventTypeEscrowCreated)
	seedEvent(t, db, enums.OutboxEventTypeMilestonePaid)

	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, pub.published, 2)

	// Attributes let consumers route on type without decoding the payload.
	require.Equal(t, string(enums.OutboxEventTypeEscrowCreated), pub.published[0].Attributes["event_type"])
	require.NotEmpty(t, pub.published[0].Attributes["event_id"])

	var unpublished int64
	require.NoError(t, db.conn.Model(&models.OutboxEvent{}).Where("published_at IS NULL").Count(&unpublished).Error)
	require.Zero(t, unpublished)

	// An empty follow-up cycle reports nothing processed.
	processed, err = svc.processBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessBatch_FailureIncrementsAttempts(t *testing.T) {
	db := setupOutboxTestDB(t)
	pub := &fakePublisher{err: errors.New("topic unavailable")}
	svc := newTestService(t, db, pub)

	event := seedEvent(t, db, enums.OutboxEventTypeDisputeOpened)

	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	var row models.OutboxEvent
	require.NoError(t, db.conn.First(&row, "id = ?", event.ID).Error)
	require.Nil(t, row.PublishedAt)
	require.Equal(t, 1, row.AttemptCount)
	require.NotNil(t, row.LastError)
	require.Contains(t, *row.LastError, "topic unavailable")
}

func TestProcessBatch_StopsRetryingAtMaxAttempts(t *testing.T) {
	db := setupOutboxTestDB(t)
	pub := &fakePublisher{err: errors.New("topic unavailable")}
	svc := newTestService(t, db, pub)

	seedEvent(t, db, enums.OutboxEventTypeEscrowFunded)

	for i := 0; i < 3; i++ {
		processed, err := svc.processBatch(context.Background())
		require.NoError(t, err)
		require.True(t, processed)
	}

	// The row has exhausted its attempts and falls out of the fetch window.
	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}
