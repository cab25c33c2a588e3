package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/impact"
	"github.com/fyrsmithlabs/orchestrd/internal/project"
	"github.com/fyrsmithlabs/orchestrd/internal/workflowspec"
)

const artifactColumns = `project_id, phase, filename, content, hash, original_hash, version, updated_at`

// SaveArtifact stores generated content. The version is bumped and the
// original hash reset, so the new content counts as unedited.
func (s *Store) SaveArtifact(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename, content string) (*project.Artifact, error) {
	hash := impact.Hash(content)
	now := s.now()

	const q = `INSERT INTO artifacts (` + artifactColumns + `)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(project_id, phase, filename) DO UPDATE SET
	content = excluded.content,
	hash = excluded.hash,
	original_hash = excluded.original_hash,
	version = artifacts.version + 1,
	updated_at = excluded.updated_at
RETURNING version`

	var version int
	if err := s.db.QueryRowContext(ctx, q, projectID, string(phase), filename, content, hash, hash, toMillis(now)).Scan(&version); err != nil {
		return nil, fmt.Errorf("save artifact %s/%s: %w", phase, filename, err)
	}
	return &project.Artifact{
		ProjectID:    projectID,
		Phase:        phase,
		Filename:     filename,
		Content:      content,
		Hash:         hash,
		OriginalHash: hash,
		Version:      version,
		UpdatedAt:    now,
	}, nil
}

// EditArtifact records a user edit. The original hash is kept so later
// remediation can tell the content was changed by hand. The previous
// content is returned.
func (s *Store) EditArtifact(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename, content string) (previous string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const sel = `SELECT content FROM artifacts WHERE project_id = ? AND phase = ? AND filename = ?`
	if err := tx.QueryRowContext(ctx, sel, projectID, string(phase), filename).Scan(&previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s/%s", project.ErrArtifactNotFound, phase, filename)
		}
		return "", fmt.Errorf("read artifact: %w", err)
	}

	const upd = `UPDATE artifacts SET content = ?, hash = ?, updated_at = ? WHERE project_id = ? AND phase = ? AND filename = ?`
	if _, err := tx.ExecContext(ctx, upd, content, impact.Hash(content), toMillis(s.now()), projectID, string(phase), filename); err != nil {
		return "", fmt.Errorf("edit artifact: %w", err)
	}
	return previous, tx.Commit()
}

// ReadArtifact returns one artifact.
func (s *Store) ReadArtifact(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename string) (*project.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = ? AND phase = ? AND filename = ?`
	a, err := scanArtifact(s.db.QueryRowContext(ctx, q, projectID, string(phase), filename))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", project.ErrArtifactNotFound, phase, filename)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return a, nil
}

// FindArtifact returns the most recently written artifact named filename,
// whichever phase produced it.
func (s *Store) FindArtifact(ctx context.Context, projectID, filename string) (*project.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = ? AND filename = ? ORDER BY updated_at DESC LIMIT 1`
	a, err := scanArtifact(s.db.QueryRowContext(ctx, q, projectID, filename))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", project.ErrArtifactNotFound, filename)
		}
		return nil, fmt.Errorf("find artifact: %w", err)
	}
	return a, nil
}

// ArtifactExists reports whether the artifact has been written.
func (s *Store) ArtifactExists(ctx context.Context, projectID string, phase workflowspec.PhaseName, filename string) (bool, error) {
	const q = `SELECT 1 FROM artifacts WHERE project_id = ? AND phase = ? AND filename = ?`
	var one int
	err := s.db.QueryRowContext(ctx, q, projectID, string(phase), filename).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check artifact: %w", err)
	}
	return true, nil
}

// ListArtifacts returns a phase's artifacts ordered by filename. An empty
// phase lists the whole project.
func (s *Store) ListArtifacts(ctx context.Context, projectID string, phase workflowspec.PhaseName) ([]*project.Artifact, error) {
	q := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = ?`
	args := []any{projectID}
	if phase != "" {
		q += ` AND phase = ?`
		args = append(args, string(phase))
	}
	q += ` ORDER BY phase, filename`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*project.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*project.Artifact, error) {
	var (
		a       project.Artifact
		phase   string
		updated int64
	)
	if err := row.Scan(&a.ProjectID, &phase, &a.Filename, &a.Content, &a.Hash, &a.OriginalHash, &a.Version, &updated); err != nil {
		return nil, err
	}
	a.Phase = workflowspec.PhaseName(phase)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

// RecordVersion appends a version audit record.
func (s *Store) RecordVersion(ctx context.Context, v project.ArtifactVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	const q = `INSERT INTO artifact_versions (project_id, phase, filename, version, hash, run_id, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, v.ProjectID, string(v.Phase), v.Filename, v.Version, v.Hash, v.RunID, v.Reason, toMillis(v.CreatedAt)); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}

// Versions returns the version history of filename, oldest first.
func (s *Store) Versions(ctx context.Context, projectID, filename string) ([]project.ArtifactVersion, error) {
	const q = `SELECT project_id, phase, filename, version, hash, run_id, reason, created_at
FROM artifact_versions WHERE project_id = ? AND filename = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, projectID, filename)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []project.ArtifactVersion
	for rows.Next() {
		var (
			v       project.ArtifactVersion
			phase   string
			created int64
		)
		if err := rows.Scan(&v.ProjectID, &phase, &v.Filename, &v.Version, &v.Hash, &v.RunID, &v.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Phase = workflowspec.PhaseName(phase)
		v.CreatedAt = fromMillis(created)
		out = append(out, v)
	}
	return out, rows.Err()
}
