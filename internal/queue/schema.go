package queue

import (
	"context"
	"fmt"

	"carequeue/internal/db"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  data TEXT NOT NULL,
  scheduled_for TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  result TEXT,
  error TEXT,
  processed_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  attempt INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id, attempt)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  data TEXT NOT NULL,
  scheduled_for TIMESTAMPTZ NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  result TEXT,
  error TEXT,
  processed_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  attempt INTEGER NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  error TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id, attempt)`,
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, conn *db.DB) error {
	stmts := sqliteSchema
	if conn.Dialect == db.Postgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}
