package memforge

import (
	"context"
	"fmt"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/pkg/errors"
)

// Workbench is an in-memory gitrepo.Workbench bound to one pull request.
// CreateCandidate and Push manipulate the repository's branch lists directly;
// conflicts are simulated via Repository.SetConflict.
type Workbench struct {
	repo *Repository
	prID string
}

// Workbench returns a workbench for the given pull request
func (r *Repository) Workbench(prID string) *Workbench {
	return &Workbench{repo: r, prID: prID}
}

// TargetHead returns the current head of the PR's target branch
func (w *Workbench) TargetHead(ctx context.Context) (forge.Hash, error) {
	w.repo.mu.Lock()
	pr, ok := w.repo.prs[w.prID]
	if !ok {
		w.repo.mu.Unlock()
		return "", errors.New(errors.ErrCodeForgeNotFound, "pull request "+w.prID+" not found")
	}
	branch := pr.TargetBranch
	w.repo.mu.Unlock()
	return w.repo.BranchHead(ctx, branch)
}

// CanApply reports whether the PR's diff applies onto the target head
func (w *Workbench) CanApply(ctx context.Context, target forge.Hash) (bool, error) {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	return !w.repo.conflicts[w.prID], nil
}

// CreateCandidate constructs the candidate commit in memory
func (w *Workbench) CreateCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*gitrepo.Candidate, error) {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	if w.repo.conflicts[w.prID] {
		return nil, errors.New(errors.ErrCodeGitConflict, "merge conflict applying pull request onto target")
	}
	pr, ok := w.repo.prs[w.prID]
	if !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "pull request "+w.prID+" not found")
	}
	w.repo.nextHash++
	hash := forge.Hash(fmt.Sprintf("%040x", w.repo.nextHash))
	c := &forge.Commit{
		Hash:      hash,
		Message:   append([]string(nil), message...),
		Author:    author,
		Committer: committer,
		Parents:   []forge.Hash{target},
	}
	w.repo.commits[hash] = c

	// Candidate is rebased when the target moved past the base the PR was
	// approved against; the memory model approximates this by checking
	// whether the target branch grew since the PR head was created.
	hashes := w.repo.branches[pr.TargetBranch]
	rebased := len(hashes) > 1

	digest := forge.CommitDigest(message, author)
	w.repo.digests[hash] = digest
	return &gitrepo.Candidate{
		Hash:    hash,
		Digest:  digest,
		Message: append([]string(nil), message...),
		Rebased: rebased,
	}, nil
}

// CreateMergeCandidate constructs a two-parent merge commit in memory,
// second parent the PR head
func (w *Workbench) CreateMergeCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*gitrepo.Candidate, error) {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	if w.repo.conflicts[w.prID] {
		return nil, errors.New(errors.ErrCodeGitConflict, "merge conflict applying pull request onto target")
	}
	pr, ok := w.repo.prs[w.prID]
	if !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "pull request "+w.prID+" not found")
	}
	w.repo.nextHash++
	hash := forge.Hash(fmt.Sprintf("%040x", w.repo.nextHash))
	c := &forge.Commit{
		Hash:      hash,
		Message:   append([]string(nil), message...),
		Author:    author,
		Committer: committer,
		Parents:   []forge.Hash{target, pr.HeadHash},
	}
	w.repo.commits[hash] = c

	digest := forge.CommitDigest(message, author)
	w.repo.digests[hash] = digest
	return &gitrepo.Candidate{
		Hash:    hash,
		Digest:  digest,
		Message: append([]string(nil), message...),
	}, nil
}

// Push appends the candidate to the target branch when the head matches expected
func (w *Workbench) Push(ctx context.Context, c *gitrepo.Candidate, expected forge.Hash) error {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	if err := w.repo.injectLocked("push"); err != nil {
		return err
	}
	pr, ok := w.repo.prs[w.prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+w.prID+" not found")
	}
	hashes := w.repo.branches[pr.TargetBranch]
	if len(hashes) == 0 || hashes[len(hashes)-1] != expected {
		return errors.New(errors.ErrCodePushRejected, "target branch head moved")
	}
	w.repo.branches[pr.TargetBranch] = append(hashes, c.Hash)
	return nil
}

// FindByDigest walks back at most limit commits from the target head
func (w *Workbench) FindByDigest(ctx context.Context, digest string, limit int) (forge.Hash, bool, error) {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()
	pr, ok := w.repo.prs[w.prID]
	if !ok {
		return "", false, errors.New(errors.ErrCodeForgeNotFound, "pull request "+w.prID+" not found")
	}
	hashes := w.repo.branches[pr.TargetBranch]
	for i := len(hashes) - 1; i >= 0 && len(hashes)-1-i < limit; i-- {
		if w.repo.digests[hashes[i]] == digest {
			return hashes[i], true, nil
		}
	}
	return "", false, nil
}

// Close is a no-op for the in-memory workbench
func (w *Workbench) Close() error { return nil }
