// Package prdb exports functions and structs for creating, reading, and
// updating privacy requests and their satellite records (execution logs,
// request tasks, manual tasks, audit logs) in postgres.
//
// Functions take an sqlx.ExtContext so they run equally inside or outside a
// transaction; callers own transaction boundaries.
package prdb

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ethyca/fides-engine/src/internal/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS privacy_requests (
		id TEXT PRIMARY KEY,
		external_id TEXT,
		policy_key TEXT NOT NULL,
		status TEXT NOT NULL,
		verification_code_hash TEXT,
		verification_attempts INT NOT NULL DEFAULT 0,
		started_processing_at TIMESTAMPTZ,
		finished_processing_at TIMESTAMPTZ,
		paused_at TIMESTAMPTZ,
		canceled_at TIMESTAMPTZ,
		reviewed_at TIMESTAMPTZ,
		identity_verified_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS provided_identities (
		id TEXT PRIMARY KEY,
		privacy_request_id TEXT NOT NULL REFERENCES privacy_requests(id),
		field_name TEXT NOT NULL,
		encrypted_value BYTEA NOT NULL,
		hashed_value TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_provided_identities_hashed_value
		ON provided_identities (hashed_value)`,
	// Execution logs reference the request id without a foreign key so they
	// survive request deletion (compliance retention).
	`CREATE TABLE IF NOT EXISTS execution_logs (
		id BIGSERIAL PRIMARY KEY,
		privacy_request_id TEXT NOT NULL,
		dataset_name TEXT NOT NULL,
		collection_name TEXT NOT NULL,
		action_type TEXT NOT NULL,
		status TEXT NOT NULL,
		fields_affected JSONB,
		message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_execution_logs_request
		ON execution_logs (privacy_request_id)`,
	`CREATE TABLE IF NOT EXISTS request_tasks (
		id TEXT PRIMARY KEY,
		privacy_request_id TEXT NOT NULL REFERENCES privacy_requests(id),
		collection_address TEXT NOT NULL,
		action_type TEXT NOT NULL,
		status TEXT NOT NULL,
		upstream JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (privacy_request_id, collection_address, action_type)
	)`,
	`CREATE TABLE IF NOT EXISTS connection_configs (
		key TEXT PRIMARY KEY,
		connection_type TEXT NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		access_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS manual_tasks (
		id TEXT PRIMARY KEY,
		connection_key TEXT NOT NULL UNIQUE REFERENCES connection_configs(key),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS manual_task_configs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES manual_tasks(id),
		action_type TEXT NOT NULL,
		is_current BOOLEAN NOT NULL DEFAULT TRUE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		fields JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS manual_task_instances (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES manual_tasks(id),
		config_id TEXT NOT NULL REFERENCES manual_task_configs(id),
		privacy_request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS manual_task_submissions (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES manual_task_instances(id),
		field_key TEXT NOT NULL,
		value JSONB,
		submitted_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		privacy_request_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS privacy_request_errors (
		id BIGSERIAL PRIMARY KEY,
		privacy_request_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS policy_webhooks (
		id TEXT PRIMARY KEY,
		policy_key TEXT NOT NULL,
		direction TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		two_way BOOLEAN NOT NULL DEFAULT FALSE,
		order_index INT NOT NULL DEFAULT 0
	)`,
}

// SetupDatabase applies the schema.  Statements are idempotent so this is
// safe to run at every startup.
func SetupDatabase(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	return nil
}
