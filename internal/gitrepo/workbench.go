// Package gitrepo provides git plumbing for the bot: seed storage (a local
// cache of bare clones shared across work items), scoped working trees, and
// the Workbench used by the integration protocol to construct and push
// candidate commits.
package gitrepo

import (
	"context"

	"github.com/mergebot/mergebot/internal/forge"
)

// Candidate is a locally constructed commit awaiting a compare-and-set push
// to the target branch.
type Candidate struct {
	// Hash of the constructed commit
	Hash forge.Hash
	// Digest identifies the change across re-creations (see forge.CommitDigest)
	Digest string
	// Message is the composed commit message, line by line
	Message []string
	// Rebased is true when the target moved after approval and the diff was
	// re-applied on the new head without conflicts
	Rebased bool
}

// Workbench materializes a pull request against its target branch and
// performs the commit construction steps of the integration protocol.
// Implementations: the exec-git workbench in this package, and the in-memory
// workbench in memforge used by tests.
type Workbench interface {
	// TargetHead returns the current head of the target branch
	TargetHead(ctx context.Context) (forge.Hash, error)

	// CanApply reports whether the PR's effective diff applies onto the given
	// target head without conflicts
	CanApply(ctx context.Context, target forge.Hash) (bool, error)

	// CreateCandidate rebases the PR's effective diff onto the target head and
	// constructs the candidate commit with the given message and identities.
	// A conflict yields an error with code ErrCodeGitConflict.
	CreateCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*Candidate, error)

	// CreateMergeCandidate lands a declared merge pull request as a merge
	// commit: first parent the target head, second parent the PR head, so
	// the source branch commits stay reachable.
	CreateMergeCandidate(ctx context.Context, target forge.Hash, message []string, author, committer forge.Identity) (*Candidate, error)

	// Push publishes the candidate to the target branch with a compare-and-set
	// constraint: the push is rejected with ErrCodePushRejected if the target
	// head no longer equals expected.
	Push(ctx context.Context, c *Candidate, expected forge.Hash) error

	// FindByDigest walks back at most limit commits from the target head
	// looking for a commit whose digest matches; used by crash recovery.
	FindByDigest(ctx context.Context, digest string, limit int) (forge.Hash, bool, error)

	// Close releases the working area. Closing twice is safe; deletion of
	// temporary trees is best-effort.
	Close() error
}
