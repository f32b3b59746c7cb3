package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// maxAttempts is the per-message processing budget, counting the first
	// attempt. Attempts run back to back with no delay; transient faults
	// either clear immediately or the task fails and the message is acked.
	maxAttempts = 3

	// batchFlushTimeout bounds how long a partially filled batch waits for
	// more deliveries before it is processed anyway.
	batchFlushTimeout = 500 * time.Millisecond

	// batchPrefetch is the channel prefetch for batch consumers. It only has
	// to stay ahead of the largest batch the sizer can ask for.
	batchPrefetch = 64
)

// TaskStore is the task state the engine itself touches: the retry counter
// and the terminal failure transition. Everything else belongs to handlers.
type TaskStore interface {
	SetRetryCount(ctx context.Context, id uuid.UUID, count int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Handler processes one message at a time for a pipeline stage.
type Handler interface {
	Stage() string
	Topic() string
	Handle(ctx context.Context, taskID uuid.UUID, msg queue.TaskMessage) error
}

// BatchHandler processes a batch of messages in one call. The returned slice
// is positional: errs[i] is the outcome for msgs[i], nil meaning success.
type BatchHandler interface {
	Stage() string
	Topic() string
	HandleBatch(ctx context.Context, taskIDs []uuid.UUID, msgs []queue.TaskMessage) []error
}

// BatchSizer decides how many deliveries the next batch may hold.
type BatchSizer interface {
	BatchSize(ctx context.Context) int
}

// Engine owns the consume-retry-ack loop shared by all stages. Handlers get
// the decoded message and nothing else; acking, the retry budget and the
// failure transition all live here so every stage behaves identically.
type Engine struct {
	conn   *queue.Connection
	store  TaskStore
	logger *zap.Logger
}

// New creates a new engine.
func New(conn *queue.Connection, store TaskStore, logger *zap.Logger) *Engine {
	return &Engine{conn: conn, store: store, logger: logger}
}

// Run consumes the handler's topic one message at a time until ctx is done.
func (e *Engine) Run(ctx context.Context, h Handler) error {
	ch, err := e.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	queueName, err := queue.DeclareTopic(ch, h.Topic())
	if err != nil {
		return err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	e.logger.Info("Started consumer",
		zap.String("stage", h.Stage()),
		zap.String("queue", queueName),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping consumer", zap.String("stage", h.Stage()))
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer channel closed for stage %s", h.Stage())
			}
			e.process(ctx, h, msg)
		}
	}
}

// process runs one delivery through the retry budget and settles it. The
// message is only acked once its outcome is recorded in the store, so a crash
// in between redelivers rather than loses work.
func (e *Engine) process(ctx context.Context, h Handler, msg amqp.Delivery) {
	taskID, taskMsg, err := decode(msg.Body)
	if err != nil {
		// Undecodable messages can never succeed. Drop them rather than
		// blocking the queue.
		e.logger.Error("Dropping malformed message",
			zap.String("stage", h.Stage()),
			zap.Error(err),
		)
		_ = msg.Ack(false)
		return
	}

	err = e.dispatch(ctx, h, taskID, taskMsg)
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	e.settleFailure(ctx, h.Stage(), taskID, msg, err)
}

// dispatch invokes the handler up to maxAttempts times. Each failed attempt
// is recorded on the task; a permanent error stops retrying immediately.
func (e *Engine) dispatch(ctx context.Context, h Handler, taskID uuid.UUID, msg queue.TaskMessage) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = h.Handle(ctx, taskID, msg)
		if lastErr == nil {
			if attempt > 1 {
				if err := e.store.SetRetryCount(ctx, taskID, 0); err != nil {
					e.logger.Warn("Failed to reset retry count",
						zap.String("task_id", taskID.String()),
						zap.Error(err),
					)
				}
			}
			return nil
		}

		e.logger.Warn("Stage attempt failed",
			zap.String("stage", h.Stage()),
			zap.String("task_id", taskID.String()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if err := e.store.SetRetryCount(ctx, taskID, attempt); err != nil {
			e.logger.Warn("Failed to record retry count",
				zap.String("task_id", taskID.String()),
				zap.Error(err),
			)
		}

		if IsPermanent(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// settleFailure marks the task failed and then acks. If the failure itself
// cannot be recorded, the delivery is requeued so the outcome is not lost.
// A task with no row at all is the exception: there is nothing to record
// against and a requeue would redeliver the same dead message forever, so it
// is acked away like a malformed one.
func (e *Engine) settleFailure(ctx context.Context, stage string, taskID uuid.UUID, msg amqp.Delivery, cause error) {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	if err := e.store.MarkFailed(ctx, taskID, reason); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			e.logger.Error("Dropping message for unknown task",
				zap.String("stage", stage),
				zap.String("task_id", taskID.String()),
				zap.Error(cause),
			)
			_ = msg.Ack(false)
			return
		}
		e.logger.Error("Failed to mark task failed, requeueing",
			zap.String("stage", stage),
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
		return
	}

	e.logger.Error("Task failed",
		zap.String("stage", stage),
		zap.String("task_id", taskID.String()),
		zap.Error(cause),
	)
	_ = msg.Ack(false)
}

// RunBatch consumes the handler's topic in batches sized by the sizer until
// ctx is done. Each delivery is still settled individually, so one bad task
// never holds up the rest of its batch.
func (e *Engine) RunBatch(ctx context.Context, h BatchHandler, sizer BatchSizer) error {
	ch, err := e.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	queueName, err := queue.DeclareTopic(ch, h.Topic())
	if err != nil {
		return err
	}

	if err := ch.Qos(batchPrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	e.logger.Info("Started batch consumer",
		zap.String("stage", h.Stage()),
		zap.String("queue", queueName),
	)

	for {
		batch, ok := e.collect(ctx, msgs, sizer)
		if !ok {
			if ctx.Err() != nil {
				e.logger.Info("Stopping batch consumer", zap.String("stage", h.Stage()))
				return nil
			}
			return fmt.Errorf("consumer channel closed for stage %s", h.Stage())
		}
		if len(batch) == 0 {
			continue
		}
		e.processBatch(ctx, h, batch)
	}
}

// collect blocks for the first delivery, samples the batch size, then drains
// until the batch is full or the flush timeout fires. The sample happens
// after the first delivery arrives so an idle wait on the queue cannot leave
// the memory reading stale. ok is false when the consumer should stop.
func (e *Engine) collect(ctx context.Context, msgs <-chan amqp.Delivery, sizer BatchSizer) ([]amqp.Delivery, bool) {
	var batch []amqp.Delivery
	select {
	case <-ctx.Done():
		return nil, false
	case msg, ok := <-msgs:
		if !ok {
			return nil, false
		}
		batch = append(batch, msg)
	}

	size := sizer.BatchSize(ctx)
	if size < 1 {
		size = 1
	}

	flush := time.NewTimer(batchFlushTimeout)
	defer flush.Stop()
	for len(batch) < size {
		select {
		case <-ctx.Done():
			return batch, true
		case <-flush.C:
			return batch, true
		case msg, ok := <-msgs:
			if !ok {
				return batch, true
			}
			batch = append(batch, msg)
		}
	}
	return batch, true
}

type batchItem struct {
	delivery amqp.Delivery
	taskID   uuid.UUID
	msg      queue.TaskMessage
}

// processBatch runs up to maxAttempts rounds, shrinking the batch to the
// still-failing subset each round.
func (e *Engine) processBatch(ctx context.Context, h BatchHandler, batch []amqp.Delivery) {
	pending := make([]batchItem, 0, len(batch))
	for _, d := range batch {
		taskID, taskMsg, err := decode(d.Body)
		if err != nil {
			e.logger.Error("Dropping malformed message",
				zap.String("stage", h.Stage()),
				zap.Error(err),
			)
			_ = d.Ack(false)
			continue
		}
		pending = append(pending, batchItem{delivery: d, taskID: taskID, msg: taskMsg})
	}

	for round := 1; round <= maxAttempts && len(pending) > 0; round++ {
		taskIDs := make([]uuid.UUID, len(pending))
		taskMsgs := make([]queue.TaskMessage, len(pending))
		for i, item := range pending {
			taskIDs[i] = item.taskID
			taskMsgs[i] = item.msg
		}

		errs := h.HandleBatch(ctx, taskIDs, taskMsgs)

		var failed []batchItem
		for i, item := range pending {
			err := errs[i]
			if err == nil {
				if round > 1 {
					if serr := e.store.SetRetryCount(ctx, item.taskID, 0); serr != nil {
						e.logger.Warn("Failed to reset retry count",
							zap.String("task_id", item.taskID.String()),
							zap.Error(serr),
						)
					}
				}
				_ = item.delivery.Ack(false)
				continue
			}

			e.logger.Warn("Batch item failed",
				zap.String("stage", h.Stage()),
				zap.String("task_id", item.taskID.String()),
				zap.Int("attempt", round),
				zap.Error(err),
			)
			if serr := e.store.SetRetryCount(ctx, item.taskID, round); serr != nil {
				e.logger.Warn("Failed to record retry count",
					zap.String("task_id", item.taskID.String()),
					zap.Error(serr),
				)
			}

			if IsPermanent(err) {
				e.settleFailure(ctx, h.Stage(), item.taskID, item.delivery, err)
				continue
			}
			if round == maxAttempts {
				exhausted := fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
				e.settleFailure(ctx, h.Stage(), item.taskID, item.delivery, exhausted)
				continue
			}
			failed = append(failed, item)
		}
		pending = failed
	}
}

func decode(body []byte) (uuid.UUID, queue.TaskMessage, error) {
	var msg queue.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return uuid.Nil, queue.TaskMessage{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	taskID, err := uuid.Parse(msg.TaskID)
	if err != nil {
		return uuid.Nil, queue.TaskMessage{}, fmt.Errorf("invalid task_id: %w", err)
	}
	return taskID, msg, nil
}
