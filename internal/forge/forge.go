package forge

import (
	"context"
	"time"
)

// Repository is the narrow interface the bot core uses to observe and
// mutate a hosted repository. All operations are retriable: they must be
// side-effect-free on retry failure before the final mutation.
type Repository interface {
	// Name returns the repository name ("owner/repo")
	Name() string

	// URL returns the clone URL of the repository
	URL() string

	// ForgeName returns the hosting forge name (github, gitlab, gitea, mem)
	ForgeName() string

	// BotUser returns the username the bot acts as on this forge
	BotUser() string

	// PullRequests lists pull requests updated since the given time
	PullRequests(ctx context.Context, updatedSince time.Time) ([]*PullRequest, error)

	// PullRequest fetches a pull request by id
	PullRequest(ctx context.Context, id string) (*PullRequest, error)

	// CreatePullRequest opens a new pull request (used by /backport)
	CreatePullRequest(ctx context.Context, targetBranch, sourceBranch, title, body string) (*PullRequest, error)

	// AddComment posts a comment on a pull request
	AddComment(ctx context.Context, prID, body string) (*Comment, error)

	// UpdateComment replaces the body of an existing PR comment
	UpdateComment(ctx context.Context, prID, commentID, body string) error

	// SetBody replaces the PR body
	SetBody(ctx context.Context, prID, body string) error

	// SetTitle replaces the PR title
	SetTitle(ctx context.Context, prID, title string) error

	// AddLabel adds a label to the PR; adding an existing label is a no-op
	AddLabel(ctx context.Context, prID, label string) error

	// RemoveLabel removes a label from the PR; removing an absent label is a no-op
	RemoveLabel(ctx context.Context, prID, label string) error

	// ClosePullRequest transitions the PR to the closed state
	ClosePullRequest(ctx context.Context, prID string) error

	// SetCheck creates or updates a status check keyed by name and commit hash
	SetCheck(ctx context.Context, prID string, check *CheckStatus) error

	// Checks returns the status checks for a PR at the given head
	Checks(ctx context.Context, prID string, head Hash) ([]*CheckStatus, error)

	// BranchHead resolves the current head of a branch
	BranchHead(ctx context.Context, branch string) (Hash, error)

	// CreateBranch creates a branch pointing at the given commit
	CreateBranch(ctx context.Context, name string, target Hash) error

	// CreateTag creates a tag pointing at the given commit
	CreateTag(ctx context.Context, name string, target Hash) error

	// Commit fetches commit metadata by hash
	Commit(ctx context.Context, hash Hash) (*Commit, error)

	// CommitComments lists commit comments on mainline branches created since
	// the given time
	CommitComments(ctx context.Context, since time.Time) ([]*CommitComment, error)

	// AddCommitComment posts a comment on a commit
	AddCommitComment(ctx context.Context, hash Hash, body string) (*Comment, error)

	// FileContents reads a file at a ref; used for census data and .jcheck/conf
	FileContents(ctx context.Context, path, ref string) ([]byte, error)
}

// Forge resolves repositories on a hosting service
type Forge interface {
	// Name returns the forge name (github, gitlab, gitea)
	Name() string

	// Repository resolves a hosted repository by name ("owner/repo")
	Repository(name string) (Repository, error)
}
