package stage

import (
	"context"
	"fmt"
	"testing"

	"lingopack/shared/queue"
	"lingopack/shared/taskstore"
	"lingopack/worker/internal/engine"
	"lingopack/worker/internal/pack"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func translatedTask(langs ...string) *taskstore.Task {
	task := audioTask(langs...)
	task.Status = taskstore.StatusTranslated
	task.STTResult = &taskstore.STTResult{Text: "hello world", Score: 0.95, Acceptable: true}
	for _, lang := range langs {
		task.Translations[lang] = taskstore.Translation{
			Text:   "[" + lang + "] hello world",
			Source: taskstore.SourceAudio,
		}
	}
	return task
}

func TestPackagingHandlerPacksTask(t *testing.T) {
	task := translatedTask("en-US", "ja-JP")
	store := newMemStore(task)
	storage := newMemStorage()

	h := NewPackagingHandler(testDeps(store, storage, &memPublisher{}))
	errs := h.HandleBatch(context.Background(), []uuid.UUID{task.ID}, []queue.TaskMessage{queue.NewPackageMessage(task.ID)})
	require.Len(t, errs, 1)
	require.NoError(t, errs[0])

	got := store.task(task.ID)
	assert.Equal(t, taskstore.StatusCompleted, got.Status)
	require.NotNil(t, got.PackedFileKey)
	require.NotNil(t, got.CompletedAt)

	key := fmt.Sprintf("packs/%s.mltr", task.ID)
	assert.Equal(t, key, *got.PackedFileKey)

	artifact, ok := storage.object(key)
	require.True(t, ok, "artifact must be uploaded")
	r, err := pack.NewReader(artifact)
	require.NoError(t, err)
	text, err := r.QueryText(task.ID.String(), "ja-JP")
	require.NoError(t, err)
	assert.Equal(t, "[ja-JP] hello world", text)

	// The recognized source text rides along under the source language.
	srcText, err := r.QueryText(task.ID.String(), "zh-CN")
	require.NoError(t, err)
	assert.Equal(t, "hello world", srcText)

	rec := store.packages[task.ID]
	require.NotNil(t, rec)
	assert.Equal(t, key, rec.FilePath)
	assert.ElementsMatch(t, []string{"en-US", "ja-JP"}, rec.Languages)
}

func TestPackagingHandlerDuplicateTriggerConverges(t *testing.T) {
	task := translatedTask("en-US")
	store := newMemStore(task)
	storage := newMemStorage()

	h := NewPackagingHandler(testDeps(store, storage, &memPublisher{}))
	ids := []uuid.UUID{task.ID}
	msgs := []queue.TaskMessage{queue.NewPackageMessage(task.ID)}

	require.NoError(t, h.HandleBatch(context.Background(), ids, msgs)[0])
	first := store.task(task.ID)

	require.NoError(t, h.HandleBatch(context.Background(), ids, msgs)[0])
	second := store.task(task.ID)

	assert.Equal(t, first.Version, second.Version, "a duplicate trigger must not rewrite the task")
	assert.Equal(t, *first.PackedFileKey, *second.PackedFileKey)
}

func TestPackagingHandlerBatchIsolatesFailures(t *testing.T) {
	good := translatedTask("en-US")
	bad := translatedTask("en-US")
	bad.Status = taskstore.StatusTranslating // trigger arrived for an unfinished task
	store := newMemStore(good, bad)
	storage := newMemStorage()

	h := NewPackagingHandler(testDeps(store, storage, &memPublisher{}))
	errs := h.HandleBatch(context.Background(),
		[]uuid.UUID{good.ID, bad.ID},
		[]queue.TaskMessage{queue.NewPackageMessage(good.ID), queue.NewPackageMessage(bad.ID)},
	)

	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	require.Error(t, errs[1])
	assert.True(t, engine.IsPermanent(errs[1]))
	assert.Equal(t, taskstore.StatusCompleted, store.task(good.ID).Status)
}

func TestPackagingHandlerUnknownTaskIsPermanent(t *testing.T) {
	store := newMemStore()
	h := NewPackagingHandler(testDeps(store, newMemStorage(), &memPublisher{}))

	ghost := uuid.New()
	errs := h.HandleBatch(context.Background(),
		[]uuid.UUID{ghost},
		[]queue.TaskMessage{queue.NewPackageMessage(ghost)},
	)

	require.Error(t, errs[0])
	assert.True(t, engine.IsPermanent(errs[0]), "a trigger for a missing task must not be retried")
}

func TestPackagingHandlerSkipsTerminalTasks(t *testing.T) {
	cancelled := translatedTask("en-US")
	cancelled.Status = taskstore.StatusCancelled
	store := newMemStore(cancelled)
	storage := newMemStorage()

	h := NewPackagingHandler(testDeps(store, storage, &memPublisher{}))
	errs := h.HandleBatch(context.Background(),
		[]uuid.UUID{cancelled.ID},
		[]queue.TaskMessage{queue.NewPackageMessage(cancelled.ID)},
	)

	require.NoError(t, errs[0])
	assert.Equal(t, taskstore.StatusCancelled, store.task(cancelled.ID).Status)
	_, ok := storage.object(fmt.Sprintf("packs/%s.mltr", cancelled.ID))
	assert.False(t, ok, "no artifact for a cancelled task")
}

func TestPackagingHandlerArtifactIsDeterministic(t *testing.T) {
	task := translatedTask("en-US", "ja-JP", "fr-FR")
	storeA := newMemStore(task)
	storeB := newMemStore(task)
	storageA := newMemStorage()
	storageB := newMemStorage()

	hA := NewPackagingHandler(testDeps(storeA, storageA, &memPublisher{}))
	hB := NewPackagingHandler(testDeps(storeB, storageB, &memPublisher{}))

	ids := []uuid.UUID{task.ID}
	msgs := []queue.TaskMessage{queue.NewPackageMessage(task.ID)}
	require.NoError(t, hA.HandleBatch(context.Background(), ids, msgs)[0])
	require.NoError(t, hB.HandleBatch(context.Background(), ids, msgs)[0])

	key := fmt.Sprintf("packs/%s.mltr", task.ID)
	a, _ := storageA.object(key)
	b, _ := storageB.object(key)
	assert.Equal(t, a, b, "packing the same task twice yields identical bytes")
}
