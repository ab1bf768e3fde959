package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/synthesis"
)

// RunRow is a row of the runs table.
type RunRow struct {
	RunID      string    `db:"run_id" json:"run_id"`
	SkillID    string    `db:"skill_id" json:"skill_id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Mode       string    `db:"mode" json:"mode"`
	Status     string    `db:"status" json:"status"`
	UserID     string    `db:"user_id" json:"user_id,omitempty"`
	Input      string    `db:"input" json:"input,omitempty"`
	Successes  int       `db:"successes" json:"successes"`
	Total      int       `db:"total" json:"total"`
	StartedAt  time.Time `db:"started_at" json:"started_at"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	Report     string    `db:"report" json:"-"`
	Markdown   string    `db:"markdown" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// OutcomeRow is a row of the run_outcomes table.
type OutcomeRow struct {
	RunID     string `db:"run_id" json:"run_id"`
	TaskIndex int    `db:"task_index" json:"task_index"`
	TaskID    string `db:"task_id" json:"task_id"`
	Status    string `db:"status" json:"status"`
	ErrorKind string `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMsg  string `db:"error_message" json:"error_message,omitempty"`
	ElapsedMS int64  `db:"elapsed_ms" json:"elapsed_ms"`
	Started   bool   `db:"started" json:"started"`
}

const insertRunSQL = `INSERT INTO runs (run_id, skill_id, workflow_id, mode, status, user_id, input, successes, total, started_at, duration_ms, report, markdown, created_at)
VALUES (:run_id, :skill_id, :workflow_id, :mode, :status, :user_id, :input, :successes, :total, :started_at, :duration_ms, :report, :markdown, :created_at)`

const insertOutcomeSQL = `INSERT INTO run_outcomes (run_id, task_index, task_id, status, error_kind, error_message, elapsed_ms, started)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const selectRunSQL = `SELECT run_id, skill_id, workflow_id, mode, status, user_id, input, successes, total, started_at, duration_ms, report, markdown, created_at
FROM runs WHERE run_id = ?`

const listRunsSQL = `SELECT run_id, skill_id, workflow_id, mode, status, user_id, input, successes, total, started_at, duration_ms, created_at
FROM runs ORDER BY started_at DESC LIMIT ?`

const selectOutcomesSQL = `SELECT run_id, task_index, task_id, status, error_kind, error_message, elapsed_ms, started
FROM run_outcomes WHERE run_id = ? ORDER BY task_index ASC`

// SaveRun writes the run and its outcomes in one transaction.
func (c *Client) SaveRun(ctx context.Context, rec *runstore.Record, outcomes []execution.TaskOutcome) error {
	if rec == nil || rec.RunID == "" {
		return errors.New("record requires a run id")
	}
	row := RunRow{
		RunID:      rec.RunID,
		SkillID:    rec.SkillID,
		WorkflowID: rec.WorkflowID,
		Mode:       rec.Mode,
		Status:     string(rec.Status),
		UserID:     rec.UserID,
		Input:      rec.Input,
		StartedAt:  rec.StartedAt.UTC(),
		DurationMS: rec.DurationMS,
		Markdown:   rec.Markdown,
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Report != nil {
		row.Successes = rec.Report.Successes
		row.Total = rec.Report.Total
		data, err := json.Marshal(rec.Report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		row.Report = string(data)
	}

	return c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertRunSQL, row); err != nil {
			return fmt.Errorf("failed to insert run %s: %w", rec.RunID, err)
		}
		query := tx.Rebind(insertOutcomeSQL)
		for _, o := range outcomes {
			if _, err := tx.ExecContext(ctx, query,
				rec.RunID, o.Index, o.TaskID, o.Status.String(), o.ErrorKind, o.Error,
				o.Elapsed.Milliseconds(), o.Started,
			); err != nil {
				return fmt.Errorf("failed to insert outcome %s: %w", o.TaskID, err)
			}
		}
		return nil
	})
}

// GetRun loads one run as a record, or runstore.ErrNotFound.
func (c *Client) GetRun(ctx context.Context, runID string) (*runstore.Record, error) {
	var row RunRow
	if err := c.db.GetContext(ctx, &row, c.db.Rebind(selectRunSQL), runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, runstore.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	rec := &runstore.Record{
		RunID:      row.RunID,
		SkillID:    row.SkillID,
		WorkflowID: row.WorkflowID,
		Mode:       row.Mode,
		Status:     execution.OverallStatus(row.Status),
		UserID:     row.UserID,
		Input:      row.Input,
		StartedAt:  row.StartedAt,
		DurationMS: row.DurationMS,
		Markdown:   row.Markdown,
	}
	if row.Report != "" {
		var report synthesis.Report
		if err := json.Unmarshal([]byte(row.Report), &report); err != nil {
			return nil, fmt.Errorf("failed to decode report for %s: %w", runID, err)
		}
		rec.Report = &report
	}
	return rec, nil
}

// ListRuns returns the newest runs first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RunRow
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(listRunsSQL), limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return rows, nil
}

// GetOutcomes returns the outcomes of one run in submission order.
func (c *Client) GetOutcomes(ctx context.Context, runID string) ([]OutcomeRow, error) {
	var rows []OutcomeRow
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(selectOutcomesSQL), runID); err != nil {
		return nil, fmt.Errorf("failed to load outcomes for %s: %w", runID, err)
	}
	return rows, nil
}
