package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/engine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TranslationHandler runs the translation stage for one language per message.
// The handler that commits the final missing language wins the completion
// race and is the only one to publish the packaging trigger.
type TranslationHandler struct {
	deps Deps
}

// NewTranslationHandler creates the translation stage handler.
func NewTranslationHandler(deps Deps) *TranslationHandler {
	return &TranslationHandler{deps: deps}
}

func (h *TranslationHandler) Stage() string {
	return queue.StageText
}

func (h *TranslationHandler) Topic() string {
	return h.deps.Topics.Text
}

func (h *TranslationHandler) Handle(ctx context.Context, taskID uuid.UUID, msg queue.TaskMessage) error {
	var payload queue.TextPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return engine.Permanent(fmt.Errorf("failed to parse text payload: %w", err))
	}
	if !taskstore.ValidLanguage(payload.Language) {
		return engine.Permanent(fmt.Errorf("unsupported target language %s", payload.Language))
	}

	task, err := loadTask(ctx, h.deps.Store, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		h.deps.Logger.Info("Skipping terminal task",
			zap.String("task_id", taskID.String()),
			zap.String("status", string(task.Status)),
		)
		return nil
	}

	if _, done := task.Translations[payload.Language]; done {
		// Redelivery of already-committed work. The only loose end worth
		// re-checking is a completion trigger that never made it out.
		return h.republishTrigger(ctx, task)
	}

	sourceText, source, err := translationInput(task)
	if err != nil {
		return err
	}

	translated, err := h.deps.Translator.Translate(ctx, sourceText, payload.Language)
	if err != nil {
		return fmt.Errorf("translation to %s failed: %w", payload.Language, err)
	}

	completedNow := false
	_, err = h.deps.Store.Update(ctx, taskID, func(t *taskstore.Task) error {
		completedNow = false
		if t.Status.Terminal() {
			return taskstore.ErrNoChange
		}
		if _, done := t.Translations[payload.Language]; done {
			return taskstore.ErrNoChange
		}
		if t.Translations == nil {
			t.Translations = make(map[string]taskstore.Translation)
		}
		t.Translations[payload.Language] = taskstore.Translation{
			Text:   translated,
			Source: source,
		}
		if t.TranslationsComplete() {
			t.Status = taskstore.StatusTranslated
			completedNow = true
		} else {
			t.Status = taskstore.StatusTranslating
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.deps.Logger.Info("Translation committed",
		zap.String("task_id", taskID.String()),
		zap.String("language", payload.Language),
		zap.Bool("completed_set", completedNow),
	)

	if completedNow {
		if err := h.deps.Publisher.Publish(ctx, h.deps.Topics.Package, queue.NewPackageMessage(taskID)); err != nil {
			return fmt.Errorf("failed to publish packaging trigger: %w", err)
		}
	}
	return nil
}

// republishTrigger re-emits the packaging trigger when the set is complete
// but no package exists yet. This closes the crash window between committing
// the final translation and publishing; duplicates are absorbed by the
// packaging stage's idempotency.
func (h *TranslationHandler) republishTrigger(ctx context.Context, task *taskstore.Task) error {
	if task.Status != taskstore.StatusTranslated || task.PackedFileKey != nil {
		return nil
	}
	if err := h.deps.Publisher.Publish(ctx, h.deps.Topics.Package, queue.NewPackageMessage(task.ID)); err != nil {
		return fmt.Errorf("failed to republish packaging trigger: %w", err)
	}
	return nil
}

// translationInput picks the source text: the original text for text tasks,
// the recognition result for audio tasks.
func translationInput(task *taskstore.Task) (string, taskstore.Source, error) {
	if task.Type == taskstore.TypeText {
		if task.Text == "" {
			return "", "", engine.Permanent(fmt.Errorf("text task %s has no text", task.ID))
		}
		return task.Text, taskstore.SourceText, nil
	}
	if task.STTResult == nil {
		// The fan-out only happens after recognition commits, so a missing
		// result here is transient read skew at worst.
		return "", "", fmt.Errorf("task %s has no recognition result yet", task.ID)
	}
	return task.STTResult.Text, taskstore.SourceAudio, nil
}
