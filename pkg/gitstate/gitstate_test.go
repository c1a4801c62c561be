package gitstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOriginRepo creates a bare repository on local disk and seeds its
// default branch with a single commit, so a Store can Open it the same
// way it would a GitHub-hosted repository (grounded on the teacher's
// pkg/git/utils_test.go pattern of exercising git operations against a
// throwaway on-disk repository rather than a live remote).
func newOriginRepo(t *testing.T, defaultBranch string) string {
	t.Helper()
	dir := t.TempDir()
	bareDir := filepath.Join(dir, "origin.git")

	_, err := git.PlainInit(bareDir, true)
	require.NoError(t, err)

	workDir := filepath.Join(dir, "seed")
	wt, err := git.PlainInit(workDir, false)
	require.NoError(t, err)

	w, err := wt.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "README.md"), []byte("seed"), 0o644))
	_, err = w.Add("README.md")
	require.NoError(t, err)
	sig := &object.Signature{Name: "seed", Email: "seed@example.com"}
	_, err = w.Commit("seed", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	head, err := wt.Head()
	require.NoError(t, err)
	branchRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(defaultBranch), head.Hash())
	require.NoError(t, wt.Storer.SetReference(branchRef))
	require.NoError(t, wt.Storer.RemoveReference(plumbing.HEAD))
	require.NoError(t, wt.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef.Name())))

	_, err = wt.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{bareDir}})
	require.NoError(t, err)
	require.NoError(t, wt.Push(&git.PushOptions{RemoteName: "origin"}))

	return bareDir
}

func openStore(t *testing.T, repoURL, defaultBranch string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{RepoURL: repoURL, DefaultBranch: defaultBranch})
	require.NoError(t, err)
	return s
}

func TestCreateFileThenGetContents(t *testing.T) {
	origin := newOriginRepo(t, "main")
	s := openStore(t, origin, "main")
	ctx := context.Background()

	require.NoError(t, s.CreateFile(ctx, "main", "new/artifact.meta.txt", []byte("hello"), "stage artifact"))

	got, err := s.GetContents("main", "new/artifact.meta.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestGetContentsMissingReturnsNotFound(t *testing.T) {
	origin := newOriginRepo(t, "main")
	s := openStore(t, origin, "main")

	_, err := s.GetContents("main", "does/not/exist")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMoveFileIsIdempotent(t *testing.T) {
	origin := newOriginRepo(t, "main")
	s := openStore(t, origin, "main")
	ctx := context.Background()

	require.NoError(t, s.CreateFile(ctx, "main", "staged/x.meta.txt", []byte("data"), "stage"))
	require.NoError(t, s.MoveFile(ctx, "main", "staged/x.meta.txt", "approved/x.meta.txt", "approve"))

	_, err := s.GetContents("main", "staged/x.meta.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
	got, err := s.GetContents("main", "approved/x.meta.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	// Re-running a move whose source is already gone must succeed, not error
	// (spec.md §4.4's idempotent-move requirement).
	require.NoError(t, s.MoveFile(ctx, "main", "staged/x.meta.txt", "approved/x.meta.txt", "approve again"))
}

func TestListDirAndBranchLifecycle(t *testing.T) {
	origin := newOriginRepo(t, "main")
	s := openStore(t, origin, "main")
	ctx := context.Background()

	require.NoError(t, s.CreateFile(ctx, "main", "staged/a.meta.txt", []byte("a"), "stage a"))
	require.NoError(t, s.CreateFile(ctx, "main", "staged/b.meta.txt", []byte("b"), "stage b"))

	entries, err := s.ListDir("main", "staged")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.meta.txt", entries[0].Name)
	assert.Equal(t, "b.meta.txt", entries[1].Name)

	exists, err := s.BranchExists("eessi-sw-PR-42-SEQ-1")
	require.NoError(t, err)
	assert.False(t, exists)

	sha, err := s.DefaultBranchSHA()
	require.NoError(t, err)
	require.NoError(t, s.CreateBranch(ctx, "eessi-sw-PR-42-SEQ-1", sha))

	exists, err = s.BranchExists("eessi-sw-PR-42-SEQ-1")
	require.NoError(t, err)
	assert.True(t, exists)

	branches, err := s.ListBranches()
	require.NoError(t, err)
	assert.Contains(t, branches, "eessi-sw-PR-42-SEQ-1")

	require.NoError(t, s.DeleteBranch(ctx, "eessi-sw-PR-42-SEQ-1"))
	exists, err = s.BranchExists("eessi-sw-PR-42-SEQ-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMergeIntoBranchBringsHeadTreeOntoBase(t *testing.T) {
	origin := newOriginRepo(t, "main")
	s := openStore(t, origin, "main")
	ctx := context.Background()

	sha, err := s.DefaultBranchSHA()
	require.NoError(t, err)
	require.NoError(t, s.CreateBranch(ctx, "approval", sha))
	require.NoError(t, s.CreateFile(ctx, "approval", "approved/x.meta.txt", []byte("payload"), "propose"))

	require.NoError(t, s.MergeIntoBranch(ctx, "approval", "main", "merge approval"))

	got, err := s.GetContents("main", "approved/x.meta.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}
