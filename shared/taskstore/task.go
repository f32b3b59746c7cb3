package taskstore

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle status of a task. Transitions only move
// forward, except that failed and cancelled are reachable from any
// non-terminal status. Terminal statuses are absorbing.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAudioProcessing Status = "audio_processing"
	StatusSTTDone         Status = "stt_done"
	StatusTranslating     Status = "translating"
	StatusTranslated      Status = "translated"
	StatusPackaging       Status = "packaging"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Type distinguishes audio tasks (speech first) from plain text tasks.
type Type string

const (
	TypeAudio Type = "audio"
	TypeText  Type = "text"
)

// Source marks where a translation's input text came from.
type Source string

const (
	SourceText  Source = "TEXT"
	SourceAudio Source = "AUDIO"
)

// STTResult is the recognition output, written once by the audio stage.
type STTResult struct {
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Acceptable bool    `json:"acceptable"`
}

// Translation is one per-language result. Entries are add-only.
type Translation struct {
	Text   string   `json:"text"`
	Source Source   `json:"source"`
	Score  *float64 `json:"score,omitempty"`
}

// Task is the unit of work tracking one source through to its final package.
// ID, Type, SourceAudioKey, SourceLanguage, ReferenceText, Text and
// TargetLanguages are immutable after creation.
type Task struct {
	ID              uuid.UUID
	Type            Type
	Status          Status
	Version         int
	SourceAudioKey  string
	SourceLanguage  string
	ReferenceText   string
	Text            string
	TargetLanguages []string
	STTResult       *STTResult
	Translations    map[string]Translation
	RetryCount      int
	FailureReason   *string
	PackedFileKey   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// TranslationsComplete reports whether every target language has a result.
func (t *Task) TranslationsComplete() bool {
	for _, lang := range t.TargetLanguages {
		if _, ok := t.Translations[lang]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to mutate independently.
func (t *Task) Clone() *Task {
	c := *t
	c.TargetLanguages = append([]string(nil), t.TargetLanguages...)
	if t.STTResult != nil {
		stt := *t.STTResult
		c.STTResult = &stt
	}
	if t.Translations != nil {
		c.Translations = make(map[string]Translation, len(t.Translations))
		for lang, tr := range t.Translations {
			if tr.Score != nil {
				score := *tr.Score
				tr.Score = &score
			}
			c.Translations[lang] = tr
		}
	}
	if t.FailureReason != nil {
		reason := *t.FailureReason
		c.FailureReason = &reason
	}
	if t.PackedFileKey != nil {
		key := *t.PackedFileKey
		c.PackedFileKey = &key
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// PackageRecord mirrors the translation_packages row written by the
// packaging stage.
type PackageRecord struct {
	PackageID uuid.UUID
	TaskID    uuid.UUID
	FilePath  string
	Languages []string
	CreatedAt time.Time
}
