package db

import (
	"context"
	"fmt"
)

// schema returns the DDL for the client's driver. Column types differ only
// where a driver has no portable equivalent.
func schema(driver string) []string {
	text, bigText, boolean := "TEXT", "TEXT", "BOOLEAN"
	if driver == DriverMySQL {
		text, bigText, boolean = "VARCHAR(255)", "LONGTEXT", "TINYINT(1)"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
    run_id VARCHAR(64) PRIMARY KEY,
    skill_id VARCHAR(128) NOT NULL,
    workflow_id VARCHAR(128) NOT NULL,
    mode VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    user_id ` + text + ` NOT NULL DEFAULT '',
    input ` + bigText + `,
    successes INTEGER NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    report ` + bigText + `,
    markdown ` + bigText + `,
    created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS run_outcomes (
    run_id VARCHAR(64) NOT NULL,
    task_index INTEGER NOT NULL,
    task_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    error_kind VARCHAR(64) NOT NULL DEFAULT '',
    error_message ` + bigText + `,
    elapsed_ms BIGINT NOT NULL DEFAULT 0,
    started ` + boolean + ` NOT NULL,
    PRIMARY KEY (run_id, task_index)
)`,
	}
}

// Migrate creates the run tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema(c.db.DriverName()) {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
