// Package gitstate is the git-backed state store (spec.md §4.4): the
// directory tree of a staging repository (new/staged/approved/rejected/
// ingested, per pkg/path) IS the system's durable state, and every mutation
// is a single atomic commit pushed to a branch.
//
// Generalizes the teacher's pkg/git (a local shell-out wrapper around the
// git CLI bound to a single on-disk clone) into an API-driven, in-memory
// git client: the working tree lives in a go-git memfs.Filesystem backed by
// a memory.Storage, so every operation is a plain Go call against go-git's
// object model rather than an exec.Command invocation, and nothing touches
// the local disk.
package gitstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eessi/ingestion-controlplane/pkg/logger"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrNotFound is returned by GetContents/ListDir when the requested path
// does not exist at the resolved branch tip. MoveFile does not return it:
// an already-absent source path counts as already moved.
var ErrNotFound = errors.New("gitstate: not found")

// Config configures a Store's connection to a single GitHub repository.
type Config struct {
	// RepoURL is the HTTPS clone URL, e.g. "https://github.com/owner/repo".
	RepoURL string
	// Token is a GitHub personal access token used as the HTTP basic auth
	// password; the username is the conventional "x-access-token".
	Token string
	// DefaultBranch is used by DefaultBranchSHA and as the base ref cloned
	// at Open.
	DefaultBranch string
}

// FileChange describes one file's desired content within a MultiFileCommit.
// A nil Content deletes the path.
type FileChange struct {
	Content []byte
}

// Store is an API-driven client over a single repository's git state,
// backed by an in-memory clone rather than a working directory on disk.
type Store struct {
	repo *git.Repository
	auth *http.BasicAuth
	cfg  Config
}

// Open clones cfg.RepoURL into an in-memory repository. The clone fetches
// all branches (NoCheckout: true — a Store only ever reads via the commit
// tree, never a checked-out worktree) so that ListDir/GetContents can
// resolve any branch, not just the default one.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	auth := &http.BasicAuth{Username: "x-access-token", Password: cfg.Token}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:        cfg.RepoURL,
		Auth:       auth,
		NoCheckout: true,
		Tags:       git.NoTags,
	})
	if err != nil {
		logger.Log(ctx, slog.LevelError, "failed to clone staging repository", logger.Err(err), slog.String("repo", cfg.RepoURL))
		return nil, fmt.Errorf("cloning %s: %w", cfg.RepoURL, err)
	}

	if err := fetchAllBranches(ctx, repo, auth); err != nil {
		return nil, err
	}

	return &Store{repo: repo, auth: auth, cfg: cfg}, nil
}

func fetchAllBranches(ctx context.Context, repo *git.Repository, auth *http.BasicAuth) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       auth,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		logger.Log(ctx, slog.LevelError, "failed to fetch branches", logger.Err(err))
		return fmt.Errorf("fetching branches: %w", err)
	}
	return nil
}

func (s *Store) remoteRef(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName("origin", branch)
}

// resolveTree returns the commit tree and commit hash at the tip of branch.
func (s *Store) resolveTree(branch string) (*object.Tree, plumbing.Hash, error) {
	ref, err := s.repo.Reference(s.remoteRef(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, plumbing.ZeroHash, fmt.Errorf("%w: branch %q", ErrNotFound, branch)
		}
		return nil, plumbing.ZeroHash, fmt.Errorf("resolving branch %q: %w", branch, err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("loading commit %s: %w", ref.Hash(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("loading tree for commit %s: %w", ref.Hash(), err)
	}
	return tree, ref.Hash(), nil
}

// GetContents returns the raw blob content of path at the tip of branch.
func (s *Store) GetContents(branch, filePath string) ([]byte, error) {
	tree, _, err := s.resolveTree(branch)
	if err != nil {
		return nil, err
	}
	entry, err := tree.FindEntry(filePath)
	if err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, filePath, branch)
		}
		return nil, fmt.Errorf("finding %s: %w", filePath, err)
	}
	blob, err := object.GetBlob(s.repo.Storer, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("loading blob %s: %w", filePath, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening blob reader %s: %w", filePath, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", filePath, err)
	}
	return data, nil
}

// DirEntry is one immediate child of a directory listed by ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ListDir lists the immediate children of dirPath at the tip of branch. An
// empty dirPath lists the repository root.
func (s *Store) ListDir(branch, dirPath string) ([]DirEntry, error) {
	tree, _, err := s.resolveTree(branch)
	if err != nil {
		return nil, err
	}

	dirPath = strings.Trim(dirPath, "/")
	if dirPath != "" {
		subtree, err := tree.Tree(dirPath)
		if err != nil {
			if errors.Is(err, object.ErrDirectoryNotFound) || errors.Is(err, object.ErrEntryNotFound) {
				return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, dirPath, branch)
			}
			return nil, fmt.Errorf("finding dir %s: %w", dirPath, err)
		}
		tree = subtree
	}

	entries := make([]DirEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		entries = append(entries, DirEntry{Name: e.Name, IsDir: e.Mode == filemodeDir})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// CreateFile commits filePath with content as a new file on branch.
func (s *Store) CreateFile(ctx context.Context, branch, filePath string, content []byte, msg string) error {
	return s.MultiFileCommit(ctx, branch, map[string]FileChange{filePath: {Content: content}}, msg)
}

// UpdateFile commits a new version of filePath on branch.
func (s *Store) UpdateFile(ctx context.Context, branch, filePath string, content []byte, msg string) error {
	return s.MultiFileCommit(ctx, branch, map[string]FileChange{filePath: {Content: content}}, msg)
}

// DeleteFile commits the removal of filePath from branch.
func (s *Store) DeleteFile(ctx context.Context, branch, filePath string, msg string) error {
	return s.MultiFileCommit(ctx, branch, map[string]FileChange{filePath: {Content: nil}}, msg)
}

// MoveFile moves oldPath to newPath on branch as a single commit (spec.md
// §4.4's "MAY optimise with a tree commit" allowance). A missing oldPath is
// tolerated and treated as already-moved, so repeated calls are idempotent.
func (s *Store) MoveFile(ctx context.Context, branch, oldPath, newPath, msg string) error {
	content, err := s.GetContents(branch, oldPath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Log(ctx, slog.LevelDebug, "move source already absent, treating as moved",
				slog.String("branch", branch), slog.String("from", oldPath), slog.String("to", newPath))
			return nil
		}
		return err
	}
	return s.MultiFileCommit(ctx, branch, map[string]FileChange{
		oldPath: {Content: nil},
		newPath: {Content: content},
	}, msg)
}

// MultiFileCommit applies every change in files to the tip of branch as a
// single commit, then advances the branch ref and pushes. The ref only
// advances after the new tree and commit objects are durably written to the
// storer, so a concurrent reader either observes the old ref (old tree, all
// old files) or the new ref (new tree, all new files) — never a partial
// tree. This is the atomicity boundary spec.md §4.4 requires of a
// "directory move" or grouped multi-file update.
func (s *Store) MultiFileCommit(ctx context.Context, branch string, files map[string]FileChange, msg string) error {
	if len(files) == 0 {
		return errors.New("gitstate: MultiFileCommit requires at least one file change")
	}

	tree, parentHash, err := s.resolveTree(branch)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	root := newTreeBuilder(s.repo.Storer, tree)
	for p, change := range files {
		p = strings.Trim(p, "/")
		if change.Content == nil {
			root.remove(p)
			continue
		}
		blobHash, err := writeBlob(s.repo.Storer, change.Content)
		if err != nil {
			return fmt.Errorf("writing blob %s: %w", p, err)
		}
		root.set(p, blobHash)
	}

	newTreeHash, err := root.save()
	if err != nil {
		return fmt.Errorf("saving tree: %w", err)
	}

	var parents []plumbing.Hash
	if parentHash != plumbing.ZeroHash {
		parents = []plumbing.Hash{parentHash}
	}
	commitHash, err := s.writeCommit(newTreeHash, parents, msg)
	if err != nil {
		return err
	}

	return s.advanceAndPush(ctx, branch, commitHash)
}

func (s *Store) writeCommit(treeHash plumbing.Hash, parents []plumbing.Hash, msg string) (plumbing.Hash, error) {
	sig := object.Signature{
		Name:  "eessi-ingestion-controlplane",
		Email: "ingestion-controlplane@eessi-hpc.org",
		When:  time.Now(),
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("storing commit: %w", err)
	}
	return hash, nil
}

// advanceAndPush sets the local remote-tracking ref to commitHash and
// pushes the local branch ref to origin/branch.
func (s *Store) advanceAndPush(ctx context.Context, branch string, commitHash plumbing.Hash) error {
	localRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), commitHash)
	if err := s.repo.Storer.SetReference(localRef); err != nil {
		return fmt.Errorf("setting local ref %s: %w", branch, err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("+%s:refs/heads/%s", localRef.Name(), branch))
	err := s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       s.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		logger.Log(ctx, slog.LevelError, "failed to push branch", logger.Err(err), slog.String("branch", branch))
		return fmt.Errorf("pushing branch %s: %w", branch, err)
	}

	remoteRef := plumbing.NewHashReference(s.remoteRef(branch), commitHash)
	if err := s.repo.Storer.SetReference(remoteRef); err != nil {
		return fmt.Errorf("updating remote-tracking ref %s: %w", branch, err)
	}

	logger.Log(ctx, slog.LevelDebug, "advanced branch", slog.String("branch", branch), slog.String("commit", commitHash.String()))
	return nil
}

// ListBranches returns every remote-tracking branch name known to the
// store, used by pkg/state's sequence-number allocator to discover
// existing approval branches for a (sourceRepo, sourcePR) grouping key
// (spec.md §4.5), grounded on
// original_source/eessitarball.py's find_next_sequence_number, which
// scans get_git_refs() the same way.
func (s *Store) ListBranches() ([]string, error) {
	refs, err := s.repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	defer refs.Close()

	const prefix = "refs/remotes/origin/"
	var branches []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if strings.HasPrefix(name, prefix) {
			branches = append(branches, strings.TrimPrefix(name, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterating references: %w", err)
	}
	return branches, nil
}

// BranchExists reports whether branch has a remote-tracking ref.
func (s *Store) BranchExists(branch string) (bool, error) {
	_, err := s.repo.Reference(s.remoteRef(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolving branch %q: %w", branch, err)
	}
	return true, nil
}

// DefaultBranchSHA returns the commit hash at the tip of the configured
// default branch.
func (s *Store) DefaultBranchSHA() (string, error) {
	ref, err := s.repo.Reference(s.remoteRef(s.cfg.DefaultBranch), true)
	if err != nil {
		return "", fmt.Errorf("resolving default branch %q: %w", s.cfg.DefaultBranch, err)
	}
	return ref.Hash().String(), nil
}

// CreateBranch creates branch pointing at fromSHA (or the default branch's
// tip if fromSHA is empty) and pushes it to origin.
func (s *Store) CreateBranch(ctx context.Context, branch, fromSHA string) error {
	var hash plumbing.Hash
	if fromSHA == "" {
		sha, err := s.DefaultBranchSHA()
		if err != nil {
			return err
		}
		hash = plumbing.NewHash(sha)
	} else {
		hash = plumbing.NewHash(fromSHA)
	}
	return s.advanceAndPush(ctx, branch, hash)
}

// DeleteBranch removes branch locally and on origin.
func (s *Store) DeleteBranch(ctx context.Context, branch string) error {
	refName := plumbing.NewBranchReferenceName(branch)
	refSpec := config.RefSpec(fmt.Sprintf(":%s", refName))
	err := s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       s.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("deleting remote branch %s: %w", branch, err)
	}
	if err := s.repo.Storer.RemoveReference(s.remoteRef(branch)); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("removing local ref %s: %w", branch, err)
	}
	logger.Log(ctx, slog.LevelInfo, "deleted branch", slog.String("branch", branch))
	return nil
}

// MergeIntoBranch merges head into base as a theirs-wins merge: the
// resulting tree is exactly head's tree, recorded with two parents (base's
// tip and head's tip) so history reflects the merge. This is sufficient
// under this system's single-writer-per-branch invariant (spec.md §5); see
// DESIGN.md for the Open Question this resolves.
func (s *Store) MergeIntoBranch(ctx context.Context, head, base, msg string) error {
	headTree, headHash, err := s.resolveTree(head)
	if err != nil {
		return err
	}
	_, baseHash, err := s.resolveTree(base)
	if err != nil {
		return err
	}

	commitHash, err := s.writeCommit(headTree.Hash, []plumbing.Hash{baseHash, headHash}, msg)
	if err != nil {
		return err
	}
	return s.advanceAndPush(ctx, base, commitHash)
}

const filemodeDir = 0o40000
