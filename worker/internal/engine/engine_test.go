package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	retryCounts []int
	failed      map[uuid.UUID]string
	markErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failed: make(map[uuid.UUID]string)}
}

func (s *fakeStore) SetRetryCount(_ context.Context, _ uuid.UUID, count int) error {
	s.retryCounts = append(s.retryCounts, count)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.failed[id] = reason
	return nil
}

type fakeHandler struct {
	stage  string
	handle func(ctx context.Context, taskID uuid.UUID, msg queue.TaskMessage) error
	calls  int
}

func (h *fakeHandler) Stage() string { return h.stage }
func (h *fakeHandler) Topic() string { return h.stage }

func (h *fakeHandler) Handle(ctx context.Context, taskID uuid.UUID, msg queue.TaskMessage) error {
	h.calls++
	return h.handle(ctx, taskID, msg)
}

type fakeAcker struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAcker) Ack(_ uint64, _ bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func delivery(t *testing.T, taskID uuid.UUID, acker *fakeAcker) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(queue.TaskMessage{TaskID: taskID.String(), Stage: queue.StageAudio})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, Body: body}
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		return errors.New("connection refused")
	}

	err := eng.dispatch(context.Background(), h, uuid.New(), queue.TaskMessage{})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, h.calls, "transient errors get the full budget")
	assert.Equal(t, []int{1, 2, 3}, store.retryCounts)
}

func TestDispatchPermanentErrorStopsImmediately(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		return Permanent(errors.New("unknown language"))
	}

	err := eng.dispatch(context.Background(), h, uuid.New(), queue.TaskMessage{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, h.calls, "permanent errors must not be retried")
}

func TestDispatchResetsRetryCountAfterRecovery(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "text"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		if h.calls < 2 {
			return errors.New("timeout")
		}
		return nil
	}

	err := eng.dispatch(context.Background(), h, uuid.New(), queue.TaskMessage{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.calls)
	assert.Equal(t, []int{1, 0}, store.retryCounts, "counter records the failure then resets")
}

func TestProcessAcksOnSuccess(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error { return nil }

	acker := &fakeAcker{}
	eng.process(context.Background(), h, delivery(t, uuid.New(), acker))

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
	assert.Empty(t, store.failed)
}

func TestProcessFailsTaskThenAcks(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		return errors.New("stt unavailable")
	}

	taskID := uuid.New()
	acker := &fakeAcker{}
	eng.process(context.Background(), h, delivery(t, taskID, acker))

	assert.True(t, acker.acked, "exhausted message must be acked, not requeued")
	require.Contains(t, store.failed, taskID)
	assert.Contains(t, store.failed[taskID], "audio", "reason names the failing stage")
	assert.Contains(t, store.failed[taskID], "3 attempts")
	assert.Contains(t, store.failed[taskID], "stt unavailable")
}

func TestProcessRequeuesWhenMarkFailedFails(t *testing.T) {
	store := newFakeStore()
	store.markErr = errors.New("database down")
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		return Permanent(errors.New("bad payload"))
	}

	acker := &fakeAcker{}
	eng.process(context.Background(), h, delivery(t, uuid.New(), acker))

	assert.False(t, acker.acked)
	assert.True(t, acker.nacked)
	assert.True(t, acker.requeued, "failure must not be dropped while unrecorded")
}

func TestProcessAcksWhenTaskRowIsMissing(t *testing.T) {
	store := newFakeStore()
	store.markErr = taskstore.ErrNotFound
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "text"}
	h.handle = func(_ context.Context, taskID uuid.UUID, _ queue.TaskMessage) error {
		return Permanent(fmt.Errorf("task %s not found: %w", taskID, taskstore.ErrNotFound))
	}

	acker := &fakeAcker{}
	eng.process(context.Background(), h, delivery(t, uuid.New(), acker))

	assert.Equal(t, 1, h.calls, "a missing task must not burn the retry budget")
	assert.True(t, acker.acked)
	assert.False(t, acker.nacked, "a message for a dead task must not be requeued")
	assert.Empty(t, store.failed)
}

func TestProcessDropsMalformedMessage(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	h := &fakeHandler{stage: "audio"}
	h.handle = func(context.Context, uuid.UUID, queue.TaskMessage) error {
		t.Fatal("handler must not run for malformed messages")
		return nil
	}

	acker := &fakeAcker{}
	eng.process(context.Background(), h, amqp.Delivery{Acknowledger: acker, Body: []byte("not json")})

	assert.True(t, acker.acked)
	assert.Empty(t, store.failed)
}

type fakeBatchHandler struct {
	rounds [][]error
	seen   [][]uuid.UUID
}

func (h *fakeBatchHandler) Stage() string { return "package" }
func (h *fakeBatchHandler) Topic() string { return "text_packaging" }

func (h *fakeBatchHandler) HandleBatch(_ context.Context, taskIDs []uuid.UUID, _ []queue.TaskMessage) []error {
	h.seen = append(h.seen, append([]uuid.UUID(nil), taskIDs...))
	round := h.rounds[0]
	h.rounds = h.rounds[1:]
	return round
}

func TestProcessBatchRetriesOnlyFailedSubset(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	idA, idB, idC := uuid.New(), uuid.New(), uuid.New()
	ackA, ackB, ackC := &fakeAcker{}, &fakeAcker{}, &fakeAcker{}

	h := &fakeBatchHandler{
		rounds: [][]error{
			{nil, errors.New("minio timeout"), errors.New("minio timeout")},
			{nil, nil},
		},
	}

	eng.processBatch(context.Background(), h, []amqp.Delivery{
		delivery(t, idA, ackA),
		delivery(t, idB, ackB),
		delivery(t, idC, ackC),
	})

	require.Len(t, h.seen, 2)
	assert.Equal(t, []uuid.UUID{idA, idB, idC}, h.seen[0])
	assert.Equal(t, []uuid.UUID{idB, idC}, h.seen[1], "second round only carries the failures")

	assert.True(t, ackA.acked)
	assert.True(t, ackB.acked)
	assert.True(t, ackC.acked)
	assert.Empty(t, store.failed)
}

func TestProcessBatchExhaustedItemFailsTask(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	taskID := uuid.New()
	acker := &fakeAcker{}

	h := &fakeBatchHandler{
		rounds: [][]error{
			{errors.New("minio timeout")},
			{errors.New("minio timeout")},
			{errors.New("minio timeout")},
		},
	}

	eng.processBatch(context.Background(), h, []amqp.Delivery{delivery(t, taskID, acker)})

	require.Len(t, h.seen, 3)
	assert.True(t, acker.acked)
	require.Contains(t, store.failed, taskID)
	assert.Contains(t, store.failed[taskID], "3 attempts")
	assert.Equal(t, []int{1, 2, 3}, store.retryCounts)
}

func TestProcessBatchPermanentErrorSkipsRetries(t *testing.T) {
	store := newFakeStore()
	eng := New(nil, store, zap.NewNop())

	taskID := uuid.New()
	acker := &fakeAcker{}

	h := &fakeBatchHandler{
		rounds: [][]error{
			{Permanent(errors.New("task not translated"))},
		},
	}

	eng.processBatch(context.Background(), h, []amqp.Delivery{delivery(t, taskID, acker)})

	require.Len(t, h.seen, 1)
	assert.True(t, acker.acked)
	assert.Contains(t, store.failed, taskID)
}

type fakeSizer struct {
	size  int
	calls int
	check func()
}

func (s *fakeSizer) BatchSize(context.Context) int {
	s.calls++
	if s.check != nil {
		s.check()
	}
	return s.size
}

func TestCollectSamplesSizeAfterFirstDelivery(t *testing.T) {
	eng := New(nil, newFakeStore(), zap.NewNop())

	msgs := make(chan amqp.Delivery, 4)
	for i := 0; i < 4; i++ {
		msgs <- delivery(t, uuid.New(), &fakeAcker{})
	}

	sizer := &fakeSizer{size: 2}
	sizer.check = func() {
		assert.Len(t, msgs, 3, "the first delivery is consumed before the size is sampled")
	}

	batch, ok := eng.collect(context.Background(), msgs, sizer)
	require.True(t, ok)
	assert.Len(t, batch, 2)
	assert.Equal(t, 1, sizer.calls)
}

func TestCollectClampsSizeToOne(t *testing.T) {
	eng := New(nil, newFakeStore(), zap.NewNop())

	msgs := make(chan amqp.Delivery, 2)
	msgs <- delivery(t, uuid.New(), &fakeAcker{})
	msgs <- delivery(t, uuid.New(), &fakeAcker{})

	batch, ok := eng.collect(context.Background(), msgs, &fakeSizer{size: 0})
	require.True(t, ok)
	assert.Len(t, batch, 1)
}

func TestPermanentWrapsNilAsNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("wrapped"))))
}
