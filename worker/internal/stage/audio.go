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

// AudioHandler runs the recognition stage: it fetches the source audio,
// transcribes it, scores the transcription and fans out one translation
// message per target language.
type AudioHandler struct {
	deps Deps
}

// NewAudioHandler creates the audio stage handler.
func NewAudioHandler(deps Deps) *AudioHandler {
	return &AudioHandler{deps: deps}
}

func (h *AudioHandler) Stage() string {
	return queue.StageAudio
}

func (h *AudioHandler) Topic() string {
	return h.deps.Topics.Audio
}

// Handle is re-runnable: a redelivery after a crash picks up from whatever
// the store already records, re-emitting the fan-out if needed. The text
// handlers are no-ops for languages already translated, so duplicate fan-out
// messages are harmless.
func (h *AudioHandler) Handle(ctx context.Context, taskID uuid.UUID, msg queue.TaskMessage) error {
	var payload queue.AudioPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return engine.Permanent(fmt.Errorf("failed to parse audio payload: %w", err))
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

	if task.STTResult == nil {
		task, err = h.recognize(ctx, task, payload)
		if err != nil {
			return err
		}
		if task == nil {
			// Another writer moved the task to a terminal state.
			return nil
		}
	}

	return h.fanOut(ctx, task)
}

// recognize transcribes and scores the audio, recording the result on the
// task. It returns nil when the task went terminal underneath us.
func (h *AudioHandler) recognize(ctx context.Context, task *taskstore.Task, payload queue.AudioPayload) (*taskstore.Task, error) {
	task, err := h.deps.Store.Update(ctx, task.ID, func(t *taskstore.Task) error {
		if t.Status.Terminal() {
			return taskstore.ErrNoChange
		}
		if t.Status != taskstore.StatusPending {
			return taskstore.ErrNoChange
		}
		t.Status = taskstore.StatusAudioProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, nil
	}

	audioRef := payload.SourceAudioRef
	if audioRef == "" {
		audioRef = task.SourceAudioKey
	}

	exists, err := h.deps.Storage.ObjectExists(ctx, audioRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check source audio: %w", err)
	}
	if !exists {
		return nil, engine.Permanent(fmt.Errorf("source audio %s not found", audioRef))
	}

	audio, err := h.deps.Storage.GetObject(ctx, audioRef)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source audio: %w", err)
	}
	defer audio.Close()

	text, err := h.deps.STT.Recognize(ctx, audio, task.SourceLanguage, task.ReferenceText)
	if err != nil {
		return nil, fmt.Errorf("recognition failed: %w", err)
	}
	if text == "" {
		return nil, fmt.Errorf("recognition produced empty text")
	}

	result := &taskstore.STTResult{Text: text, Score: 1.0, Acceptable: true}
	if task.ReferenceText != "" {
		verdict, err := h.deps.Scorer.Score(ctx, text, task.ReferenceText)
		if err != nil {
			return nil, fmt.Errorf("scoring failed: %w", err)
		}
		result.Score = verdict.TotalScore
		result.Acceptable = verdict.Acceptable

		h.deps.Logger.Info("Recognition scored",
			zap.String("task_id", task.ID.String()),
			zap.Float64("score", verdict.TotalScore),
			zap.Bool("acceptable", verdict.Acceptable),
		)
	}

	task, err = h.deps.Store.Update(ctx, task.ID, func(t *taskstore.Task) error {
		if t.Status.Terminal() {
			return taskstore.ErrNoChange
		}
		if t.STTResult != nil {
			return taskstore.ErrNoChange
		}
		t.STTResult = result
		t.Status = taskstore.StatusSTTDone
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, nil
	}

	// A sub-threshold score under the fail policy ends the task here. Under
	// the annotate policy the score rides along on the task and the pipeline
	// continues.
	if !result.Acceptable && h.deps.Scoring.Policy == "fail" {
		return nil, engine.Permanent(fmt.Errorf(
			"recognition score %.2f below threshold %.2f", result.Score, h.deps.Scoring.Threshold,
		))
	}

	return task, nil
}

// fanOut publishes one translation message per still-missing language, then
// moves the task into translating.
func (h *AudioHandler) fanOut(ctx context.Context, task *taskstore.Task) error {
	if task.TranslationsComplete() {
		return nil
	}

	for _, lang := range task.TargetLanguages {
		if _, done := task.Translations[lang]; done {
			continue
		}
		msg, err := queue.NewTextMessage(task.ID, lang)
		if err != nil {
			return fmt.Errorf("failed to build text message: %w", err)
		}
		if err := h.deps.Publisher.Publish(ctx, h.deps.Topics.Text, msg); err != nil {
			return fmt.Errorf("failed to publish text message for %s: %w", lang, err)
		}
	}

	h.deps.Logger.Info("Fanned out translation work",
		zap.String("task_id", task.ID.String()),
		zap.Int("languages", len(task.TargetLanguages)),
	)

	_, err := h.deps.Store.Update(ctx, task.ID, func(t *taskstore.Task) error {
		if t.Status != taskstore.StatusSTTDone {
			return taskstore.ErrNoChange
		}
		t.Status = taskstore.StatusTranslating
		return nil
	})
	return err
}
