package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task not found")
	// ErrVersionConflict is returned when a conditional update lost the race
	// against a concurrent writer. Callers re-read and retry their logic
	// against fresh state rather than re-applying the stale mutation.
	ErrVersionConflict = errors.New("task version conflict")
	// ErrNoChange is returned by a mutation to signal the update is a no-op,
	// e.g. an idempotency guard found the task already past the stage.
	ErrNoChange = errors.New("no change")
)

// maxUpdateRetries bounds the read-mutate-CAS loop under contention.
const maxUpdateRetries = 5

const taskColumns = `id, type, status, version, source_audio_key, source_language, reference_text, text,
	target_languages, stt_result, translations, retry_count, failure_reason, packed_file_key,
	created_at, updated_at, completed_at`

// Store is the durable, transactional record of task identity, status and
// accumulated results. All cross-worker coordination goes through its atomic
// conditional updates; there is no other shared mutable state.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a new task store.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Create inserts a new task. The caller supplies identity and the immutable
// request fields; status starts pending at version 1.
func (s *Store) Create(ctx context.Context, t *Task) error {
	targetLangs, err := json.Marshal(t.TargetLanguages)
	if err != nil {
		return fmt.Errorf("failed to marshal target languages: %w", err)
	}

	now := time.Now()
	t.Status = StatusPending
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	query := `
		INSERT INTO tasks (id, type, status, version, source_audio_key, source_language, reference_text, text,
			target_languages, translations, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '{}', 0, $10, $11)
	`
	if _, err := s.db.ExecContext(ctx, query,
		t.ID, t.Type, t.Status, t.Version, t.SourceAudioKey, t.SourceLanguage, t.ReferenceText, t.Text,
		targetLangs, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t             Task
		sourceKey     sql.NullString
		sourceLang    sql.NullString
		referenceText sql.NullString
		text          sql.NullString
		targetLangs   []byte
		sttResult     []byte
		translations  []byte
		failureReason sql.NullString
		packedFileKey sql.NullString
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.Version, &sourceKey, &sourceLang, &referenceText, &text,
		&targetLangs, &sttResult, &translations, &t.RetryCount, &failureReason, &packedFileKey,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.SourceAudioKey = sourceKey.String
	t.SourceLanguage = sourceLang.String
	t.ReferenceText = referenceText.String
	t.Text = text.String
	if failureReason.Valid {
		t.FailureReason = &failureReason.String
	}
	if packedFileKey.Valid {
		t.PackedFileKey = &packedFileKey.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal(targetLangs, &t.TargetLanguages); err != nil {
		return nil, fmt.Errorf("failed to decode target languages: %w", err)
	}
	if len(sttResult) > 0 {
		t.STTResult = &STTResult{}
		if err := json.Unmarshal(sttResult, t.STTResult); err != nil {
			return nil, fmt.Errorf("failed to decode stt result: %w", err)
		}
	}
	t.Translations = make(map[string]Translation)
	if len(translations) > 0 {
		if err := json.Unmarshal(translations, &t.Translations); err != nil {
			return nil, fmt.Errorf("failed to decode translations: %w", err)
		}
	}

	return &t, nil
}

// ConditionalUpdate applies mutate to a copy of current and writes the mutable
// columns guarded by current.Version. It returns ErrVersionConflict when a
// concurrent writer got there first, and the unchanged task when the mutation
// reports ErrNoChange.
func (s *Store) ConditionalUpdate(ctx context.Context, current *Task, mutate func(*Task) error) (*Task, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}

	var sttResult []byte
	if next.STTResult != nil {
		var err error
		sttResult, err = json.Marshal(next.STTResult)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stt result: %w", err)
		}
	}
	translations, err := json.Marshal(next.Translations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal translations: %w", err)
	}

	now := time.Now()
	query := `
		UPDATE tasks
		SET status = $1, stt_result = $2, translations = $3, retry_count = $4, failure_reason = $5,
			packed_file_key = $6, completed_at = $7, updated_at = $8, version = version + 1
		WHERE id = $9 AND version = $10
	`
	res, err := s.db.ExecContext(ctx, query,
		next.Status, nullBytes(sttResult), translations, next.RetryCount, next.FailureReason,
		next.PackedFileKey, next.CompletedAt, now, next.ID, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrVersionConflict
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// Update runs a read-mutate-CAS loop until the mutation commits against fresh
// state. Mutations must be written against the task passed in, not captured
// state, because they re-run after every conflict.
func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate func(*Task) error) (*Task, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := s.ConditionalUpdate(ctx, task, mutate)
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Debug("task version conflict, retrying",
				zap.String("task_id", id.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("task %s: %w after %d attempts", id, ErrVersionConflict, maxUpdateRetries)
}

// MarkFailed moves a non-terminal task to failed with the given reason.
// Terminal tasks are left untouched.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.Update(ctx, id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrNoChange
		}
		t.Status = StatusFailed
		t.FailureReason = &reason
		return nil
	})
	return err
}

// Cancel moves a non-terminal task to cancelled. It reports whether the task
// was actually cancelled by this call.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled := false
	_, err := s.Update(ctx, id, func(t *Task) error {
		cancelled = false
		if t.Status.Terminal() {
			return ErrNoChange
		}
		t.Status = StatusCancelled
		cancelled = true
		return nil
	})
	return cancelled, err
}

// SetRetryCount records the per-stage retry counter. The counter is a
// transient observability field, so it deliberately bypasses the version
// guard and never bumps the version.
func (s *Store) SetRetryCount(ctx context.Context, id uuid.UUID, count int) error {
	query := `UPDATE tasks SET retry_count = $1, updated_at = $2 WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, query, count, time.Now(), id); err != nil {
		return fmt.Errorf("failed to set retry count: %w", err)
	}
	return nil
}

// CreatePackageRecord inserts the package row for a task. Reprocessing after
// a crash re-runs the insert, so it is a no-op when the row already exists.
func (s *Store) CreatePackageRecord(ctx context.Context, rec *PackageRecord) error {
	languages, err := json.Marshal(rec.Languages)
	if err != nil {
		return fmt.Errorf("failed to marshal package languages: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO translation_packages (package_id, task_id, file_path, languages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.PackageID, rec.TaskID, rec.FilePath, languages, now, now,
	); err != nil {
		return fmt.Errorf("failed to insert package record: %w", err)
	}
	return nil
}

// GetPackageRecord fetches the package row for a task, if any.
func (s *Store) GetPackageRecord(ctx context.Context, taskID uuid.UUID) (*PackageRecord, error) {
	query := `SELECT package_id, task_id, file_path, languages, created_at FROM translation_packages WHERE task_id = $1`

	var (
		rec       PackageRecord
		languages []byte
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&rec.PackageID, &rec.TaskID, &rec.FilePath, &languages, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan package record: %w", err)
	}
	if err := json.Unmarshal(languages, &rec.Languages); err != nil {
		return nil, fmt.Errorf("failed to decode package languages: %w", err)
	}
	return &rec, nil
}

// nullBytes maps an empty JSON blob to SQL NULL.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
