package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// CreateProject inserts state and a pending row for every gate.
func (s *Store) CreateProject(ctx context.Context, state *project.State, gates []*workflowspec.GateSpec) error {
	if err := state.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal project state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO projects (id, name, slug, current_phase, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		state.ID, state.Name, state.Slug, string(state.CurrentPhase), string(data),
		toMillis(state.CreatedAt), toMillis(state.UpdatedAt),
	); err != nil {
		return fmt.Errorf("create project: %w", err)
	}

	const gq = `INSERT INTO approval_gates (project_id, gate_name, phase, status, blocking) VALUES (?, ?, ?, ?, ?)`
	for _, g := range gates {
		if _, err := tx.ExecContext(ctx, gq, state.ID, g.Name, string(g.Phase), string(project.GatePending), g.Blocking); err != nil {
			return fmt.Errorf("create gate %s: %w", g.Name, err)
		}
		state.ApprovalGateStatuses[g.Name] = project.GatePending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project: %w", err)
	}
	return nil
}

// GetProject loads a project. Gate statuses come from the gate table.
func (s *Store) GetProject(ctx context.Context, id string) (*project.State, error) {
	const q = `SELECT state_json FROM projects WHERE id = ?`

	var data string
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", project.ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}

	var state project.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode project state: %w", err)
	}
	if state.ArtifactVersions == nil {
		state.ArtifactVersions = make(map[workflowspec.PhaseName]int)
	}

	gates, err := s.GetProjectGates(ctx, id)
	if err != nil {
		return nil, err
	}
	state.ApprovalGateStatuses = make(map[string]project.GateStatus, len(gates))
	for _, g := range gates {
		state.ApprovalGateStatuses[g.Name] = g.Status
	}
	return &state, nil
}

// SaveProject overwrites the stored state.
func (s *Store) SaveProject(ctx context.Context, state *project.State) error {
	state.UpdatedAt = s.now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal project state: %w", err)
	}

	const q = `UPDATE projects SET current_phase = ?, state_json = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(state.CurrentPhase), string(data), toMillis(state.UpdatedAt), state.ID)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", project.ErrProjectNotFound, state.ID)
	}
	return nil
}

// ProjectSummary is a row of ListProjects.
type ProjectSummary struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Slug         string                 `json:"slug"`
	CurrentPhase workflowspec.PhaseName `json:"current_phase"`
}

// ListProjects returns every project, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	const q = `SELECT id, name, slug, current_phase FROM projects ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var p ProjectSummary
		var phase string
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &phase); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CurrentPhase = workflowspec.PhaseName(phase)
		out = append(out, p)
	}
	return out, rows.Err()
}
