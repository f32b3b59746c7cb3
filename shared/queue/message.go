package queue

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Stage tags carried by queue messages.
const (
	StageAudio   = "audio"
	StageText    = "text"
	StagePackage = "package"
)

// TaskMessage is the envelope every topic shares. The payload is
// stage-specific; the packaging trigger carries none at all, the handler
// reads the full task state from the store instead.
type TaskMessage struct {
	TaskID  string          `json:"task_id"`
	Stage   string          `json:"stage"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AudioPayload is the audio-topic payload.
type AudioPayload struct {
	SourceAudioRef  string   `json:"source_audio_ref"`
	ReferenceText   string   `json:"reference_text,omitempty"`
	TargetLanguages []string `json:"target_languages"`
}

// TextPayload is the text-topic payload. It names only the target language;
// the recognized text is fetched from the task store by the handler so a
// delayed delivery never carries stale data.
type TextPayload struct {
	Language string `json:"language"`
}

// NewAudioMessage builds the message that starts the pipeline for a task.
func NewAudioMessage(taskID uuid.UUID, payload AudioPayload) (TaskMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TaskMessage{}, err
	}
	return TaskMessage{TaskID: taskID.String(), Stage: StageAudio, Payload: raw}, nil
}

// NewTextMessage builds one unit of translation work for a single language.
func NewTextMessage(taskID uuid.UUID, language string) (TaskMessage, error) {
	raw, err := json.Marshal(TextPayload{Language: language})
	if err != nil {
		return TaskMessage{}, err
	}
	return TaskMessage{TaskID: taskID.String(), Stage: StageText, Payload: raw}, nil
}

// NewPackageMessage builds the packaging trigger for a task.
func NewPackageMessage(taskID uuid.UUID) TaskMessage {
	return TaskMessage{TaskID: taskID.String(), Stage: StagePackage}
}
