package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
)

// SaveChange persists a detected change.
func (s *Store) SaveChange(ctx context.Context, change *impact.ArtifactChange) error {
	sections, err := json.Marshal(change.ChangedSections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}
	ts := change.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	const q = `INSERT INTO artifact_changes (project_id, artifact_name, old_hash, new_hash, impact_level, sections_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q,
		change.ProjectID, change.ArtifactName, change.OldHash, change.NewHash,
		string(change.ImpactLevel), string(sections), toMillis(ts),
	); err != nil {
		return fmt.Errorf("save change: %w", err)
	}
	return nil
}

// LatestChange returns the most recent change to artifact, or nil if none
// has been recorded.
func (s *Store) LatestChange(ctx context.Context, projectID, artifact string) (*impact.ArtifactChange, error) {
	const q = `SELECT project_id, artifact_name, old_hash, new_hash, impact_level, sections_json, created_at
FROM artifact_changes
WHERE project_id = ? AND artifact_name = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`

	var (
		c        impact.ArtifactChange
		level    string
		sections string
		created  int64
	)
	err := s.db.QueryRowContext(ctx, q, projectID, artifact).Scan(
		&c.ProjectID, &c.ArtifactName, &c.OldHash, &c.NewHash, &level, &sections, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest change: %w", err)
	}
	if err := json.Unmarshal([]byte(sections), &c.ChangedSections); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	c.ImpactLevel = impact.Level(level)
	c.HasChanges = c.OldHash != c.NewHash
	c.Timestamp = fromMillis(created)
	return &c, nil
}
