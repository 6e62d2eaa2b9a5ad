package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS sagas (
	id                 TEXT PRIMARY KEY,
	saga_name          TEXT NOT NULL,
	status             TEXT NOT NULL,
	tenant_id          TEXT NOT NULL,
	business_unit_id   TEXT NOT NULL,
	correlation_id     TEXT NOT NULL,
	payment_id         TEXT NOT NULL,
	saga_data          JSONB,
	error_message      TEXT,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	failed_at          TIMESTAMPTZ,
	compensated_at     TIMESTAMPTZ,
	current_step_index INT NOT NULL DEFAULT 0,
	version            INT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS saga_steps (
	id                    TEXT PRIMARY KEY,
	saga_id               TEXT NOT NULL REFERENCES sagas(id),
	step_name             TEXT NOT NULL,
	step_type             TEXT NOT NULL,
	status                TEXT NOT NULL,
	sequence              INT NOT NULL,
	service_name          TEXT NOT NULL,
	endpoint              TEXT NOT NULL,
	compensation_endpoint TEXT,
	input_data            JSONB,
	output_data           JSONB,
	error_data            JSONB,
	error_message         TEXT,
	retry_count           INT NOT NULL DEFAULT 0,
	max_retries           INT NOT NULL DEFAULT 0,
	timeout_seconds       INT NOT NULL DEFAULT 30,
	optional              BOOLEAN NOT NULL DEFAULT FALSE,
	compensation_step     BOOLEAN NOT NULL DEFAULT FALSE,
	started_at            TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ,
	failed_at             TIMESTAMPTZ,
	compensated_at        TIMESTAMPTZ,
	tenant_id             TEXT NOT NULL,
	business_unit_id      TEXT NOT NULL,
	correlation_id        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_steps_saga_id ON saga_steps(saga_id);

CREATE TABLE IF NOT EXISTS saga_events (
	id               TEXT PRIMARY KEY,
	saga_id          TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	event_data       JSONB,
	tenant_id        TEXT NOT NULL,
	business_unit_id TEXT NOT NULL,
	correlation_id   TEXT NOT NULL,
	occurred_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_events_saga_id ON saga_events(saga_id);

CREATE TABLE IF NOT EXISTS saga_templates (
	id               TEXT PRIMARY KEY,
	template_name    TEXT NOT NULL UNIQUE,
	description      TEXT,
	step_definitions JSONB NOT NULL,
	version          INT NOT NULL
);

CREATE TABLE IF NOT EXISTS saga_idempotency_keys (
	idempotency_key TEXT PRIMARY KEY,
	saga_id         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the saga tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
