package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migrations are applied in order; index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE candidates (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX idx_candidates_phone ON candidates(tenant_id, phone);

	CREATE TABLE candidate_lists (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE list_members (
		tenant_id TEXT NOT NULL,
		list_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, list_id, candidate_id)
	);

	CREATE TABLE jobs (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE questions (
		tenant_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		ideal_answer TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, job_id, position)
	);

	CREATE TABLE selections (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		list_id TEXT NOT NULL DEFAULT '',
		criteria_tag TEXT NOT NULL DEFAULT '',
		criteria_city TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE interviews (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		selection_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL DEFAULT '',
		candidate_phone TEXT NOT NULL,
		status TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		answered INTEGER NOT NULL DEFAULT 0,
		average_score REAL NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_interviews_phone ON interviews(tenant_id, candidate_phone);

	CREATE TABLE answers (
		interview_id TEXT NOT NULL REFERENCES interviews(id),
		question_index INTEGER NOT NULL,
		message_id TEXT NOT NULL,
		question TEXT NOT NULL,
		transcript TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		audio_path TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (interview_id, question_index)
	);

	CREATE TABLE opt_outs (
		tenant_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, phone)
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for version := current + 1; version <= len(migrations); version++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[version-1]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		s.logger.Info("schema migrated", zap.Int("version", version))
	}

	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}
