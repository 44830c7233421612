package command

import (
	"context"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/internal/labeler"
	"github.com/mergebot/mergebot/internal/tracker"
)

// SessionState is the command-derived state of a PR. It is not stored
// anywhere: each run replays the processed command stream in order and
// recomputes it, so the comment stream stays the only persistent record.
type SessionState struct {
	// Summary is the commit-message summary paragraph, line by line
	Summary []string
	// Contributors are the co-authors added via /contributor, in order
	Contributors []forge.Identity
	// AdditionalIssues are extra issue ids solved by the PR, in order added
	AdditionalIssues []string
	// ReviewersRequired is the /reviewers override; -1 means unset
	ReviewersRequired int
	// ReviewerRole is the /reviewers role override
	ReviewerRole census.Role
	// CSRNeeded is the /csr toggle; nil means not commanded
	CSRNeeded *bool
	// AutoIntegrate is set by /integrate auto and cleared by /integrate manual
	AutoIntegrate bool
	// ManualLabels records /label overrides: label name to desired
	// presence, last command wins
	ManualLabels map[string]bool
}

// NewSessionState returns the state before any command has been replayed
func NewSessionState() *SessionState {
	return &SessionState{
		ReviewersRequired: -1,
		ManualLabels:      make(map[string]bool),
	}
}

// HasContributor reports whether the identity is already a co-author
func (s *SessionState) HasContributor(id forge.Identity) bool {
	for _, c := range s.Contributors {
		if c.Name == id.Name && c.Email == id.Email {
			return true
		}
	}
	return false
}

// HasIssue reports whether the issue id was already added
func (s *SessionState) HasIssue(id string) bool {
	for _, i := range s.AdditionalIssues {
		if i == id {
			return true
		}
	}
	return false
}

// Integrator finalizes an integration or sponsorship request. It is
// implemented by the integration protocol and invoked by the /integrate
// and /sponsor handlers. When the returned reply is empty the protocol
// has posted its own comments, including the invocation's reply marker.
type Integrator interface {
	Integrate(ctx context.Context, sc *Scope, inv *Invocation, committer string, pinned forge.Hash) (string, error)
}

// Scope is the read-mostly context one dispatcher run operates in
type Scope struct {
	Repo    forge.Repository
	Config  *config.RepoConfig
	Census  *census.Instance
	Tracker tracker.IssueTracker
	Labeler *labeler.Labeler

	// PR is set for pull request work items
	PR *forge.PullRequest
	// Commit and its comment stream are set for commit work items
	Commit         *forge.Commit
	CommitComments []forge.Comment

	// NewWorkbench opens a working area for integration pushes
	NewWorkbench func(ctx context.Context) (gitrepo.Workbench, error)

	// OpenRepository resolves another repository on the same forge,
	// used by /backport to reach configured backport targets
	OpenRepository func(name string) (forge.Repository, error)

	// Integration performs the push-and-finalize protocol
	Integration Integrator

	// State accumulates replayed command effects during the run
	State *SessionState
}

// BotUser returns the bot account name on this forge
func (sc *Scope) BotUser() string {
	return sc.Repo.BotUser()
}

// IsAuthor reports whether the user authored the PR under consideration
func (sc *Scope) IsAuthor(user string) bool {
	return sc.PR != nil && sc.PR.Author == user
}

// IsCommitter reports whether the user holds the committer role
func (sc *Scope) IsCommitter(user string) bool {
	return sc.Census.IsCommitter(sc.Config.Project, user)
}

// IsReviewer reports whether the user holds the reviewer role
func (sc *Scope) IsReviewer(user string) bool {
	return sc.Census.IsReviewer(sc.Config.Project, user)
}

// HasRole evaluates the dispatcher-level authorization predicate
func (sc *Scope) HasRole(user string, role Role) bool {
	switch role {
	case RoleAnyone:
		return true
	case RoleAuthor:
		return sc.IsAuthor(user)
	case RoleCommitter:
		return sc.IsCommitter(user)
	case RoleReviewer:
		return sc.IsReviewer(user)
	case RoleIntegrator:
		return sc.Config.IsIntegrator(user)
	default:
		return false
	}
}
