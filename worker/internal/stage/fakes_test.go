package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"lingopack/shared/config"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/score"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memStore is an in-memory TaskStore with the same mutate semantics as the
// real one: mutations run against a clone and ErrNoChange leaves the task
// untouched.
type memStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*taskstore.Task
	packages map[uuid.UUID]*taskstore.PackageRecord
}

func newMemStore(tasks ...*taskstore.Task) *memStore {
	s := &memStore{
		tasks:    make(map[uuid.UUID]*taskstore.Task),
		packages: make(map[uuid.UUID]*taskstore.PackageRecord),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return s
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memStore) Update(_ context.Context, id uuid.UUID, mutate func(*taskstore.Task) error) (*taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	next := t.Clone()
	if err := mutate(next); err != nil {
		if err == taskstore.ErrNoChange {
			return t.Clone(), nil
		}
		return nil, err
	}
	next.Version = t.Version + 1
	next.UpdatedAt = time.Now()
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *memStore) CreatePackageRecord(_ context.Context, rec *taskstore.PackageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.packages[rec.TaskID]; exists {
		return nil
	}
	s.packages[rec.TaskID] = rec
	return nil
}

func (s *memStore) task(id uuid.UUID) *taskstore.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

type published struct {
	topic string
	msg   interface{}
}

type memPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *memPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, msg: message})
	return nil
}

func (p *memPublisher) onTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) PutObject(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStorage) GetObject(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStorage) PresignedGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://minio.test/" + key, nil
}

func (s *memStorage) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

type stubSTT struct {
	text string
	err  error
}

func (s *stubSTT) Recognize(context.Context, io.Reader, string, string) (string, error) {
	return s.text, s.err
}

// failSTT fails the test if recognition is ever attempted.
type failSTT struct {
	t *testing.T
}

func (s *failSTT) Recognize(context.Context, io.Reader, string, string) (string, error) {
	s.t.Fatal("Recognize must not be called")
	return "", nil
}

type stubScorer struct {
	result *score.Result
	err    error
}

func (s *stubScorer) Score(context.Context, string, string) (*score.Result, error) {
	return s.result, s.err
}

// failTranslator fails the test if translation is ever attempted.
type failTranslator struct {
	t *testing.T
}

func (s *failTranslator) Translate(context.Context, string, string) (string, error) {
	s.t.Fatal("Translate must not be called")
	return "", nil
}

type stubTranslator struct {
	err error
}

func (s *stubTranslator) Translate(_ context.Context, text, targetLang string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "[" + targetLang + "] " + text, nil
}

func testTopics() config.TopicsConfig {
	return config.TopicsConfig{
		Audio:   "audio_processing",
		Text:    "text_translation",
		Package: "text_packaging",
	}
}

func testDeps(store *memStore, storage *memStorage, pub *memPublisher) Deps {
	return Deps{
		Store:     store,
		Storage:   storage,
		Publisher: pub,
		Topics:    testTopics(),
		Scoring:   config.ScorerConfig{Threshold: 0.8, Policy: config.ScorePolicyAnnotate},
		Logger:    zap.NewNop(),
	}
}

func bytesReader(s string) io.Reader {
	return strings.NewReader(s)
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func audioTask(langs ...string) *taskstore.Task {
	return &taskstore.Task{
		ID:              uuid.New(),
		Type:            taskstore.TypeAudio,
		Status:          taskstore.StatusPending,
		Version:         1,
		SourceAudioKey:  "audio/source.wav",
		SourceLanguage:  "zh-CN",
		TargetLanguages: langs,
		Translations:    map[string]taskstore.Translation{},
	}
}
