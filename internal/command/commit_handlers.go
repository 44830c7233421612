package command

import (
	"context"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

// PushedAsCommitPrefix starts the finalizer comment posted after a
// successful integration. The backport handler scans for it to locate the
// integrated commit of a closed PR.
const PushedAsCommitPrefix = "Pushed as commit "

var pushedCommitPattern = regexp.MustCompile(`Pushed as commit ([0-9a-fA-F]{8,64})\.`)

// PushedCommit returns the integrated commit hash recorded on the PR, if any
func PushedCommit(botUser string, pr *forge.PullRequest) (forge.Hash, bool) {
	for _, c := range pr.Comments {
		if c.Author != botUser {
			continue
		}
		if m := pushedCommitPattern.FindStringSubmatch(c.Body); m != nil {
			return forge.Hash(m[1]), true
		}
	}
	return "", false
}

var refNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// BackportHandler initiates a backport pull request against a configured
// target repository. Usable in commit comments and on integrated PRs.
type BackportHandler struct{}

func (h *BackportHandler) Capability() Capability {
	return Capability{
		Name:            "backport",
		Description:     "create a backport of this commit",
		AllowedInPR:     true,
		AllowedInCommit: true,
		RequiredRole:    RoleCommitter,
	}
}

func (h *BackportHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	fields := strings.Fields(inv.Args)
	if len(fields) == 0 || len(fields) > 2 {
		return errors.New(errors.ErrCodeBadArgument,
			"Usage: `/backport <repository> [<branch>]`")
	}
	targetName := fields[0]
	targetBranch := "master"
	if len(fields) == 2 {
		targetBranch = fields[1]
	}
	forkName, ok := sc.Config.Forks[targetName]
	if !ok {
		return errors.New(errors.ErrCodeBadArgument,
			"The target repository `"+targetName+"` is not a valid target for backports.")
	}

	var hash forge.Hash
	switch {
	case sc.Commit != nil:
		hash = sc.Commit.Hash
	case sc.PR != nil:
		if !sc.PR.HasLabel(LabelIntegrated) {
			return errors.New(errors.ErrCodeBadArgument,
				"The `backport` command can only be used on integrated pull requests or in commit comments.")
		}
		pushed, ok := PushedCommit(sc.BotUser(), sc.PR)
		if !ok {
			return errors.New(errors.ErrCodeBadArgument,
				"Could not determine the integrated commit of this pull request.")
		}
		hash = pushed
	}
	if !live {
		return nil
	}

	// The backport branch is staged in the bot's fork of the target; the
	// pull request then goes from the fork into the target repository.
	fork, err := sc.OpenRepository(forkName)
	if err != nil {
		return errors.Wrap(errors.ErrCodeForgeNotFound, "cannot resolve backport fork `"+forkName+"`", err)
	}
	target, err := sc.OpenRepository(targetName)
	if err != nil {
		return errors.Wrap(errors.ErrCodeForgeNotFound, "cannot resolve backport target `"+targetName+"`", err)
	}
	branchName := "backport-" + hash.Abbreviate()
	if err := fork.CreateBranch(ctx, branchName, hash); err != nil {
		return err
	}
	sourceRef := branchName
	if owner, _, found := strings.Cut(forkName, "/"); found {
		sourceRef = owner + ":" + branchName
	}
	title := "Backport " + hash.String()
	body := "This backport pull request was created from commit " + hash.String() + ".\n\n" +
		"Backport-of: " + hash.String()
	pr, err := target.CreatePullRequest(ctx, targetBranch, sourceRef, title, body)
	if err != nil {
		return err
	}
	reply.WriteString("@" + inv.User + " the backport pull request `" + pr.ID +
		"` targeting `" + targetName + ":" + targetBranch + "` was successfully created.")
	return nil
}

// BranchHandler creates a branch pointing at the commented commit
type BranchHandler struct{}

func (h *BranchHandler) Capability() Capability {
	return Capability{
		Name:            "branch",
		Description:     "create a branch pointing at this commit",
		AllowedInCommit: true,
		RequiredRole:    RoleIntegrator,
	}
}

func (h *BranchHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	name := strings.TrimSpace(inv.Args)
	if name == "" || !refNamePattern.MatchString(name) {
		return errors.New(errors.ErrCodeBadArgument, "Usage: `/branch <name>`")
	}
	if !live {
		return nil
	}
	if err := sc.Repo.CreateBranch(ctx, name, sc.Commit.Hash); err != nil {
		return err
	}
	reply.WriteString("@" + inv.User + " The branch `" + name +
		"` was successfully created, pointing at commit " + sc.Commit.Hash.Abbreviate() + ".")
	return nil
}

// TagHandler creates a tag pointing at the commented commit
type TagHandler struct{}

func (h *TagHandler) Capability() Capability {
	return Capability{
		Name:            "tag",
		Description:     "create a tag pointing at this commit",
		AllowedInCommit: true,
		RequiredRole:    RoleIntegrator,
	}
}

func (h *TagHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	name := strings.TrimSpace(inv.Args)
	if name == "" || !refNamePattern.MatchString(name) {
		return errors.New(errors.ErrCodeBadArgument, "Usage: `/tag <name>`")
	}
	if !live {
		return nil
	}
	if err := sc.Repo.CreateTag(ctx, name, sc.Commit.Hash); err != nil {
		return err
	}
	reply.WriteString("@" + inv.User + " The tag `" + name +
		"` was successfully created, pointing at commit " + sc.Commit.Hash.Abbreviate() + ".")
	return nil
}
