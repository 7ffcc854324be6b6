package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/repository"
	"github.com/example/ridepool/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (r *recordingPublisher) PublishMsg(msg *nats.Msg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingPublisher) published() []*nats.Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*nats.Msg(nil), r.msgs...)
}

type flakyPublisher struct {
	base    MsgPublisher
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func fastConfig() WorkerConfig {
	return WorkerConfig{PollInterval: 10 * time.Millisecond, BatchSize: 10, RetryMax: 5, RetryBackoff: time.Millisecond}
}

func TestPublishWithRetryRecoversFromOutage(t *testing.T) {
	rec := &recordingPublisher{}
	worker := NewWorker(nil, &flakyPublisher{base: rec, failFor: 3}, zap.NewNop(), fastConfig())

	err := worker.publishWithRetry(context.Background(), record{ID: 7, Topic: "ride.notifications", Payload: []byte(`{"retry":true}`)})
	require.NoError(t, err)

	msgs := rec.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "ride.notifications", msgs[0].Subject)
	require.Equal(t, []byte(`{"retry":true}`), msgs[0].Data)
	require.Equal(t, "outbox-7", msgs[0].Header.Get(nats.MsgIdHdr))
}

func TestPublishWithRetryGivesUp(t *testing.T) {
	rec := &recordingPublisher{}
	cfg := fastConfig()
	cfg.RetryMax = 2
	worker := NewWorker(nil, &flakyPublisher{base: rec, failFor: 10}, zap.NewNop(), cfg)

	err := worker.publishWithRetry(context.Background(), record{ID: 1, Topic: "ride.notifications"})
	require.Error(t, err)
	require.Empty(t, rec.published())

	err = worker.publishWithRetry(context.Background(), record{ID: 2})
	require.Error(t, err)
}

func TestRunRequiresDependencies(t *testing.T) {
	worker := NewWorker(nil, nil, nil, WorkerConfig{})
	require.Error(t, worker.Run(context.Background()))
}

func seedNotifications(t *testing.T, repo *repository.PostgresRepository, n int) []domain.Notification {
	t.Helper()
	out := make([]domain.Notification, 0, n)
	for i := 0; i < n; i++ {
		created, err := repo.CreateNotification(context.Background(), domain.Notification{
			SenderID:   uuid.New(),
			ReceiverID: uuid.New(),
			Type:       domain.NotificationBookingAccepted,
			Message:    "Your booking has been accepted by the driver.",
		})
		require.NoError(t, err)
		out = append(out, created)
	}
	return out
}

func countUnpublished(t *testing.T, worker *Worker) int {
	t.Helper()
	var n int
	require.NoError(t, worker.db.QueryRowContext(context.Background(), `SELECT count(*) FROM outbox WHERE published = false`).Scan(&n))
	return n
}

func TestWorkerRelaysNotificationOutbox(t *testing.T) {
	db := testutil.NewMigratedDB(t)
	repo := repository.NewPostgresRepository(db, nil, "")
	seeded := seedNotifications(t, repo, 2)

	rec := &recordingPublisher{}
	worker := NewWorker(db, rec, zap.NewNop(), fastConfig())

	n, err := worker.processOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	msgs := rec.published()
	require.Len(t, msgs, 2)
	for i, msg := range msgs {
		require.Equal(t, repository.DefaultNotificationTopic, msg.Subject)
		var got domain.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		require.Equal(t, seeded[i].ID, got.ID)
		require.Equal(t, seeded[i].ReceiverID, got.ReceiverID)
	}
	require.Zero(t, countUnpublished(t, worker))

	n, err = worker.processOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, rec.published(), 2)
}

func TestWorkerKeepsRowsWhenPublishFails(t *testing.T) {
	db := testutil.NewMigratedDB(t)
	repo := repository.NewPostgresRepository(db, nil, "")
	seedNotifications(t, repo, 1)

	cfg := fastConfig()
	cfg.RetryMax = 2
	worker := NewWorker(db, &flakyPublisher{base: &recordingPublisher{}, failFor: 100}, zap.NewNop(), cfg)

	_, err := worker.processOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, countUnpublished(t, worker))
}

func TestWorkerRunDrainsOutbox(t *testing.T) {
	db := testutil.NewMigratedDB(t)
	repo := repository.NewPostgresRepository(db, nil, "")
	seedNotifications(t, repo, 3)

	rec := &recordingPublisher{}
	worker := NewWorker(db, &flakyPublisher{base: rec, failFor: 2}, zap.NewNop(), fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		var n int
		err := db.QueryRowContext(context.Background(), `SELECT count(*) FROM outbox WHERE published = false`).Scan(&n)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Len(t, rec.published(), 3)
}
