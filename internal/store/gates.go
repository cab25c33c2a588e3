package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// GetProjectGates returns every gate of a project ordered by name.
func (s *Store) GetProjectGates(ctx context.Context, projectID string) ([]project.Gate, error) {
	const q = `SELECT gate_name, phase, status, blocking, decided_by, decided_at
FROM approval_gates WHERE project_id = ? ORDER BY gate_name`

	rows, err := s.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var out []project.Gate
	for rows.Next() {
		var (
			g       project.Gate
			phase   string
			status  string
			decided sql.NullInt64
		)
		if err := rows.Scan(&g.Name, &phase, &status, &g.Blocking, &g.DecidedBy, &decided); err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		g.Phase = workflowspec.PhaseName(phase)
		g.Status = project.GateStatus(status)
		g.DecidedAt = nullTime(decided)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CanProceedFromPhase reports whether every blocking gate declared for phase
// is approved. When it is not, the first pending blocking gate is named.
func (s *Store) CanProceedFromPhase(ctx context.Context, projectID string, phase workflowspec.PhaseName) (bool, string, error) {
	const q = `SELECT gate_name FROM approval_gates
WHERE project_id = ? AND phase = ? AND blocking = 1 AND status != ?
ORDER BY gate_name LIMIT 1`

	var gate string
	err := s.db.QueryRowContext(ctx, q, projectID, string(phase), string(project.GateApproved)).Scan(&gate)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return true, "", nil
	case err != nil:
		return false, "", fmt.Errorf("check gates: %w", err)
	}
	return false, gate, nil
}

// SetGateStatus records a decision on a gate.
func (s *Store) SetGateStatus(ctx context.Context, projectID, gate string, status project.GateStatus, actor string) error {
	var decided sql.NullInt64
	if status != project.GatePending {
		decided = sql.NullInt64{Int64: toMillis(s.now()), Valid: true}
	}

	const q = `UPDATE approval_gates SET status = ?, decided_by = ?, decided_at = ? WHERE project_id = ? AND gate_name = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), actor, decided, projectID, gate)
	if err != nil {
		return fmt.Errorf("set gate status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", project.ErrGateNotFound, gate)
	}
	return nil
}
