package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit(t *testing.T) {
	root := t.TempDir()
	when := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	c := NewCommitter(Config{RepoRoot: root}, WithClock(func() time.Time { return when }))
	ctx := context.Background()

	first, err := c.Commit(ctx, "todo-app", "SPEC", map[string]string{
		"PRD.md":        "# PRD\n",
		"api-spec.json": "{}",
	}, "product_manager", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, first.CommitHash, 40)
	assert.Equal(t, "master", first.Branch)

	data, err := os.ReadFile(filepath.Join(root, "todo-app", "PRD.md"))
	require.NoError(t, err)
	assert.Equal(t, "# PRD\n", string(data))

	// Unchanged content does not create a commit.
	again, err := c.Commit(ctx, "todo-app", "SPEC", map[string]string{"PRD.md": "# PRD\n"}, "product_manager", time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.CommitHash, again.CommitHash)

	second, err := c.Commit(ctx, "todo-app", "SPEC", map[string]string{"PRD.md": "# PRD v2\n"}, "product_manager", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, first.CommitHash, second.CommitHash)

	repo, err := git.PlainOpen(filepath.Join(root, "todo-app"))
	require.NoError(t, err)
	commit, err := repo.CommitObject(plumbing.NewHash(second.CommitHash))
	require.NoError(t, err)
	assert.Equal(t, "orchestrd", commit.Author.Name)
	assert.Contains(t, commit.Message, "SPEC: 1 artifact(s) by product_manager in 1s")
	assert.Contains(t, commit.Message, "- PRD.md")
}

func TestCommit_RejectsUnsafeNames(t *testing.T) {
	c := NewCommitter(Config{RepoRoot: t.TempDir()})

	_, err := c.Commit(context.Background(), "../escape", "SPEC", nil, "pm", 0)
	assert.Error(t, err)

	_, err = c.Commit(context.Background(), "todo-app", "SPEC", map[string]string{"../x.md": "x"}, "pm", 0)
	assert.Error(t, err)
}
