package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

// Snapshot records the artifacts of a completed phase and returns the
// snapshot id.
func (s *Store) Snapshot(ctx context.Context, projectID string, phase workflowspec.PhaseName, artifacts, metadata map[string]string, commitRef string) (int64, error) {
	arts, err := json.Marshal(artifacts)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot metadata: %w", err)
	}

	const q = `INSERT INTO phase_snapshots (project_id, phase, artifacts_json, metadata_json, commit_ref, checksum, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, projectID, string(phase), string(arts), string(meta), commitRef, checksum(artifacts), toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the most recent snapshot of phase, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, projectID string, phase workflowspec.PhaseName) (*project.Snapshot, error) {
	const q = `SELECT id, project_id, phase, artifacts_json, metadata_json, commit_ref, checksum, created_at
FROM phase_snapshots
WHERE project_id = ? AND phase = ?
ORDER BY id DESC
LIMIT 1`

	var (
		snap    project.Snapshot
		p       string
		arts    string
		meta    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, q, projectID, string(phase)).Scan(
		&snap.ID, &snap.ProjectID, &p, &arts, &meta, &snap.CommitRef, &snap.Checksum, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(arts), &snap.Artifacts); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	snap.Phase = workflowspec.PhaseName(p)
	snap.CreatedAt = fromMillis(created)
	return &snap, nil
}

// checksum hashes artifact names and contents in name order.
func checksum(artifacts map[string]string) string {
	names := make([]string, 0, len(artifacts))
	for n := range artifacts {
		names = append(names, n)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
		h.Write([]byte(artifacts[n]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
