package gitrepo

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

// WorkbenchOptions describes the pull request a workbench operates on
type WorkbenchOptions struct {
	// Seeds is the shared seed storage
	Seeds *SeedStorage
	// RepoName is the repository name ("owner/repo")
	RepoName string
	// URL is the authenticated clone URL
	URL string
	// Token authenticates remote operations
	Token string
	// TargetBranch is the branch the change integrates into
	TargetBranch string
	// HeadRef is the remote ref holding the PR head (for example
	// "pull/17/head" on GitHub or "merge-requests/17/head" on GitLab)
	HeadRef string
	// HeadHash is the PR head commit
	HeadHash forge.Hash
}

// ExecWorkbench is the production Workbench: a throwaway local clone built
// from the seed storage, driven through the git binary.
type ExecWorkbench struct {
	opts WorkbenchOptions
	dir  string
	env  []string

	cleanup func()
	closed  bool
}

// NewWorkbench materializes a working clone for the pull request. The clone
// starts from the local seed and fetches only the target branch and the PR
// head from the remote.
func NewWorkbench(ctx context.Context, opts WorkbenchOptions) (*ExecWorkbench, error) {
	seed, err := opts.Seeds.Materialize(ctx, opts.RepoName, opts.URL, opts.Token)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "mergebot-wb-*")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGitClone, "cannot create workbench directory", err)
	}
	env, cleanup, err := credentialEnv(opts.Token)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	wb := &ExecWorkbench{opts: opts, dir: dir, env: env, cleanup: cleanup}

	if _, err := runGit(ctx, "", nil, "clone", "--no-checkout", seed, dir); err != nil {
		wb.Close()
		return nil, err
	}
	if _, err := runGit(ctx, dir, nil, "remote", "set-url", "origin", opts.URL); err != nil {
		wb.Close()
		return nil, err
	}
	refspecs := []string{
		"fetch", "--no-tags", "origin",
		"+refs/heads/" + opts.TargetBranch + ":refs/remotes/origin/" + opts.TargetBranch,
	}
	if opts.HeadRef != "" {
		refspecs = append(refspecs, "+"+opts.HeadRef+":refs/heads/workbench-head")
	}
	if _, err := runGit(ctx, dir, env, refspecs...); err != nil {
		wb.Close()
		return nil, errors.Wrap(errors.ErrCodeGitFetch,
			"cannot fetch pull request refs for "+opts.RepoName, err)
	}
	// The head ref may lag the hash the forge reported; fetch the commit
	// itself if it is not yet present.
	if opts.HeadHash != "" {
		if _, err := runGit(ctx, dir, nil, "cat-file", "-e",
			opts.HeadHash.String()+"^{commit}"); err != nil {
			if _, err := runGit(ctx, dir, env, "fetch", "--no-tags", "origin",
				opts.HeadHash.String()); err != nil {
				wb.Close()
				return nil, errors.Wrap(errors.ErrCodeGitFetch,
					"cannot fetch head commit "+opts.HeadHash.Abbreviate(), err)
			}
		}
	}
	return wb, nil
}

// TargetHead returns the current remote head of the target branch
func (w *ExecWorkbench) TargetHead(ctx context.Context) (forge.Hash, error) {
	if _, err := runGit(ctx, w.dir, w.env, "fetch", "--no-tags", "origin",
		"+refs/heads/"+w.opts.TargetBranch+":refs/remotes/origin/"+w.opts.TargetBranch); err != nil {
		return "", errors.Wrap(errors.ErrCodeGitFetch,
			"cannot fetch target branch "+w.opts.TargetBranch, err)
	}
	res, err := runGit(ctx, w.dir, nil, "rev-parse",
		"refs/remotes/origin/"+w.opts.TargetBranch)
	if err != nil {
		return "", err
	}
	return forge.Hash(res.stdout), nil
}

// mergeTree merges the PR head onto the target and returns the resulting
// tree id. Conflicts are reported via the bool, not as an error.
func (w *ExecWorkbench) mergeTree(ctx context.Context, target forge.Hash) (string, bool, error) {
	res, err := runGit(ctx, w.dir, nil, "merge-tree", "--write-tree",
		target.String(), w.opts.HeadHash.String())
	if err != nil {
		// Exit status 1 means the merge produced conflicts
		if res != nil && res.exitCode == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	// First output line is the tree oid
	tree := res.stdout
	if idx := strings.IndexByte(tree, '\n'); idx >= 0 {
		tree = tree[:idx]
	}
	return tree, true, nil
}

// CanApply reports whether the change applies onto the given target head
// without conflicts
func (w *ExecWorkbench) CanApply(ctx context.Context, target forge.Hash) (bool, error) {
	_, clean, err := w.mergeTree(ctx, target)
	return clean, err
}

// CreateCandidate squashes the change onto the target head as a single
// commit with the composed message and the given identities.
func (w *ExecWorkbench) CreateCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*Candidate, error) {
	tree, clean, err := w.mergeTree(ctx, target)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, errors.New(errors.ErrCodeGitConflict,
			"the change conflicts with the target branch at "+target.Abbreviate())
	}

	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
	}
	res, err := runGitStdin(ctx, w.dir, env, strings.Join(message, "\n")+"\n",
		"commit-tree", tree, "-p", target.String())
	if err != nil {
		return nil, err
	}
	hash := forge.Hash(res.stdout)

	// The squash counts as a rebase when the PR branch was not already
	// based on the current target head.
	rebased := false
	if _, err := runGit(ctx, w.dir, nil, "merge-base", "--is-ancestor",
		target.String(), w.opts.HeadHash.String()); err != nil {
		rebased = true
	}

	logger.Debug("candidate commit constructed",
		zap.String("repository", w.opts.RepoName),
		zap.String("hash", hash.Abbreviate()),
		zap.Bool("rebased", rebased))
	return &Candidate{
		Hash:    hash,
		Digest:  forge.CommitDigest(message, author),
		Message: message,
		Rebased: rebased,
	}, nil
}

// CreateMergeCandidate constructs a merge commit for a declared merge
// change: the merged tree with the target head as first parent and the PR
// head as second, preserving the source branch history.
func (w *ExecWorkbench) CreateMergeCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*Candidate, error) {
	tree, clean, err := w.mergeTree(ctx, target)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, errors.New(errors.ErrCodeGitConflict,
			"the change conflicts with the target branch at "+target.Abbreviate())
	}

	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
	}
	res, err := runGitStdin(ctx, w.dir, env, strings.Join(message, "\n")+"\n",
		"commit-tree", tree, "-p", target.String(), "-p", w.opts.HeadHash.String())
	if err != nil {
		return nil, err
	}
	hash := forge.Hash(res.stdout)

	logger.Debug("merge candidate constructed",
		zap.String("repository", w.opts.RepoName),
		zap.String("hash", hash.Abbreviate()))
	return &Candidate{
		Hash:    hash,
		Digest:  forge.CommitDigest(message, author),
		Message: message,
	}, nil
}

// Push publishes the candidate to the target branch, rejected unless the
// remote head still equals expected.
func (w *ExecWorkbench) Push(ctx context.Context, c *Candidate, expected forge.Hash) error {
	lease := fmt.Sprintf("--force-with-lease=refs/heads/%s:%s",
		w.opts.TargetBranch, expected.String())
	res, err := runGit(ctx, w.dir, w.env, "push", lease, "origin",
		c.Hash.String()+":refs/heads/"+w.opts.TargetBranch)
	if err != nil {
		if res != nil && (strings.Contains(res.stderr, "[rejected]") ||
			strings.Contains(res.stderr, "stale info") ||
			strings.Contains(res.stderr, "fetch first")) {
			return errors.Wrap(errors.ErrCodePushRejected,
				"the target branch moved past "+expected.Abbreviate(), err)
		}
		return err
	}
	logger.Info("candidate pushed",
		zap.String("repository", w.opts.RepoName),
		zap.String("branch", w.opts.TargetBranch),
		zap.String("hash", c.Hash.Abbreviate()))
	return nil
}

// FindByDigest walks the target branch history looking for a commit whose
// digest matches; used by crash recovery to detect a push that landed.
func (w *ExecWorkbench) FindByDigest(ctx context.Context, digest string, limit int) (forge.Hash, bool, error) {
	if _, err := w.TargetHead(ctx); err != nil {
		return "", false, err
	}
	res, err := runGit(ctx, w.dir, nil, "log",
		fmt.Sprintf("--max-count=%d", limit),
		"--format=%H%x1f%an%x1f%ae%x1f%B%x1e",
		"refs/remotes/origin/"+w.opts.TargetBranch)
	if err != nil {
		return "", false, err
	}
	for _, record := range strings.Split(res.stdout, "\x1e") {
		record = strings.TrimLeft(record, "\n")
		fields := strings.SplitN(record, "\x1f", 4)
		if len(fields) != 4 {
			continue
		}
		message := strings.Split(strings.TrimRight(fields[3], "\n"), "\n")
		author := forge.Identity{Name: fields[1], Email: fields[2]}
		if forge.CommitDigest(message, author) == digest {
			return forge.Hash(fields[0]), true, nil
		}
	}
	return "", false, nil
}

// Close removes the working clone
func (w *ExecWorkbench) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cleanup != nil {
		w.cleanup()
	}
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("cannot remove workbench directory",
			zap.String("path", w.dir), zap.Error(err))
	}
	return nil
}
