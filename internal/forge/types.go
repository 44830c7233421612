// Package forge defines the consumed interface to hosted source forges.
// Different forges (GitHub, GitLab, Gitea) implement this interface; the
// bot core only mutates pull requests through it.
package forge

import (
	"strings"
	"time"
)

// Hash is a git commit hash
type Hash string

// Abbreviate returns the short form of the hash
func (h Hash) Abbreviate() string {
	s := string(h)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// String returns the full hash
func (h Hash) String() string {
	return string(h)
}

// PR states
const (
	PRStateOpen   = "open"
	PRStateClosed = "closed"
)

// Review states
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewComment          = "commented"
)

// Check states for status checks
const (
	CheckInProgress = "in_progress"
	CheckSuccess    = "success"
	CheckFailure    = "failure"
)

// Identity is a git author or committer identity
type Identity struct {
	Name  string
	Email string
}

// String formats the identity as "Name <email>"
func (i Identity) String() string {
	return i.Name + " <" + i.Email + ">"
}

// Comment is a comment on a pull request or commit
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is a code review on a pull request
type Review struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	State     string    `json:"state"` // approved, changes_requested, commented
	Hash      Hash      `json:"hash"`  // head hash the review was given at
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the observable state of a pull request on the forge.
// The bot never stores PR state locally; this snapshot is re-fetched on
// every work item run.
type PullRequest struct {
	ID           string    `json:"id"`
	Repo         string    `json:"repo"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Author       string    `json:"author"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	HeadHash     Hash      `json:"head_hash"`
	State        string    `json:"state"` // open, closed
	Draft        bool      `json:"draft"`
	Labels       []string  `json:"labels"`
	Reviews      []Review  `json:"reviews"`
	Comments     []Comment `json:"comments"`
	ChangedFiles []string  `json:"changed_files"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOpen reports whether the PR is open
func (pr *PullRequest) IsOpen() bool {
	return pr.State == PRStateOpen
}

// HasLabel reports whether the PR carries the given label
func (pr *PullRequest) HasLabel(label string) bool {
	for _, l := range pr.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsMergePR reports whether the PR is a declared merge-PR, identified by
// its title starting with "Merge <repo>:<branch>"
func (pr *PullRequest) IsMergePR() bool {
	return strings.HasPrefix(pr.Title, "Merge ")
}

// Commit is a commit on the forge-hosted repository
type Commit struct {
	Hash      Hash     `json:"hash"`
	Message   []string `json:"message"` // message lines
	Author    Identity `json:"author"`
	Committer Identity `json:"committer"`
	Parents   []Hash   `json:"parents"`
}

// Title returns the first message line
func (c *Commit) Title() string {
	if len(c.Message) == 0 {
		return ""
	}
	return c.Message[0]
}

// CommitComment is a comment attached to a commit on a mainline branch.
// Commit comments carry commands for merged-commit workflows.
type CommitComment struct {
	Comment
	CommitHash Hash `json:"commit_hash"`
}

// CheckStatus is a status check result attached to a PR at a specific head.
// It becomes stale when the head hash changes.
type CheckStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"` // in_progress, success, failure
	Hash     Hash   `json:"hash"`
	Summary  string `json:"summary"`
	Metadata string `json:"metadata"`
}
