package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/regeneration"
)

// CreateRun inserts an open run record.
func (s *Store) CreateRun(ctx context.Context, run *regeneration.Run) error {
	toRegen, err := json.Marshal(nonNil(run.ArtifactsToRegenerate))
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	const q = `INSERT INTO regeneration_runs (id, project_id, trigger_artifact_id, strategy, to_regenerate_json, started_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		run.ID, run.ProjectID, run.TriggerArtifactID, string(run.SelectedStrategy), string(toRegen), toMillis(run.StartedAt),
	); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CompleteRun writes the final state of a run.
func (s *Store) CompleteRun(ctx context.Context, run *regeneration.Run) error {
	toRegen, err := json.Marshal(nonNil(run.ArtifactsToRegenerate))
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	regenerated, err := json.Marshal(nonNil(run.ArtifactsRegenerated))
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	skipped, err := json.Marshal(nonNil(run.ArtifactsSkipped))
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	var completed sql.NullInt64
	if run.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toMillis(*run.CompletedAt), Valid: true}
	}

	const q = `UPDATE regeneration_runs SET
	to_regenerate_json = ?,
	regenerated_json = ?,
	skipped_json = ?,
	completed_at = ?,
	duration_ms = ?,
	success = ?,
	error_message = ?
WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(toRegen), string(regenerated), string(skipped), completed,
		run.DurationMs, run.Success, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete run: run %s not found", run.ID)
	}
	return nil
}

const runColumns = `id, project_id, trigger_artifact_id, strategy, to_regenerate_json, regenerated_json, skipped_json, started_at, completed_at, duration_ms, success, error_message`

// GetRun returns a run, or nil if it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*regeneration.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM regeneration_runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a project's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, projectID string) ([]*regeneration.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM regeneration_runs WHERE project_id = ? ORDER BY started_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*regeneration.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*regeneration.Run, error) {
	var (
		r           regeneration.Run
		strategy    string
		toRegen     string
		regenerated string
		skipped     string
		started     int64
		completed   sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.TriggerArtifactID, &strategy, &toRegen, &regenerated, &skipped,
		&started, &completed, &r.DurationMs, &r.Success, &r.ErrorMessage); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{toRegen, &r.ArtifactsToRegenerate}, {regenerated, &r.ArtifactsRegenerated}, {skipped, &r.ArtifactsSkipped}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode run lists: %w", err)
		}
	}
	r.SelectedStrategy = impact.Strategy(strategy)
	r.StartedAt = fromMillis(started)
	r.CompletedAt = nullTime(completed)
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
