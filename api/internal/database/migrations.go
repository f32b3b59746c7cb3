package database

import (
	"database/sql"
	"fmt"
)

// Migrate runs database migrations.
func Migrate(db *sql.DB) error {
	migrations := []string{
		createExtensions,
		createTasksTable,
		createTranslationPackagesTable,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const createExtensions = `
CREATE EXTENSION IF NOT EXISTS pgcrypto;
`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    type VARCHAR(10) NOT NULL DEFAULT 'audio',
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    version INTEGER NOT NULL DEFAULT 1,
    source_audio_key VARCHAR(255),
    source_language VARCHAR(10),
    reference_text TEXT,
    text TEXT,
    target_languages JSONB NOT NULL DEFAULT '[]',
    stt_result JSONB,
    translations JSONB NOT NULL DEFAULT '{}',
    retry_count INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT,
    packed_file_key VARCHAR(255),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

const createTranslationPackagesTable = `
CREATE TABLE IF NOT EXISTS translation_packages (
    package_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    task_id UUID NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
    file_path VARCHAR(255) NOT NULL,
    languages JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_translation_packages_task_id ON translation_packages(task_id);
`
