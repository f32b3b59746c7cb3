package orchestrator

import (
	"context"
	"fmt"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"
)

// QueuePublisher describes the minimal queue publisher behaviour the
// orchestrator depends on.
type QueuePublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// TaskOrchestrator exposes the orchestration operations used by the API layer.
type TaskOrchestrator interface {
	StartTask(ctx context.Context, task *taskstore.Task) error
}

// Orchestrator dispatches the initial pipeline message for a new task. Audio
// tasks enter through the recognition stage; text tasks skip it and go
// straight to per-language translation.
type Orchestrator struct {
	publisher QueuePublisher
	topics    Topics
}

// Topics names the entry topics the orchestrator publishes to.
type Topics struct {
	Audio string
	Text  string
}

var _ TaskOrchestrator = (*Orchestrator)(nil)

// New builds an Orchestrator.
func New(publisher QueuePublisher, topics Topics) *Orchestrator {
	return &Orchestrator{publisher: publisher, topics: topics}
}

// StartTask publishes the message(s) that put the task on the pipeline.
func (o *Orchestrator) StartTask(ctx context.Context, task *taskstore.Task) error {
	switch task.Type {
	case taskstore.TypeAudio:
		msg, err := queue.NewAudioMessage(task.ID, queue.AudioPayload{
			SourceAudioRef:  task.SourceAudioKey,
			ReferenceText:   task.ReferenceText,
			TargetLanguages: task.TargetLanguages,
		})
		if err != nil {
			return fmt.Errorf("build audio message: %w", err)
		}
		if err := o.publisher.Publish(ctx, o.topics.Audio, msg); err != nil {
			return fmt.Errorf("publish audio message: %w", err)
		}
		return nil

	case taskstore.TypeText:
		for _, lang := range task.TargetLanguages {
			msg, err := queue.NewTextMessage(task.ID, lang)
			if err != nil {
				return fmt.Errorf("build text message: %w", err)
			}
			if err := o.publisher.Publish(ctx, o.topics.Text, msg); err != nil {
				return fmt.Errorf("publish text message for %s: %w", lang, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}
