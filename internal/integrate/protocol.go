package integrate

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
	"github.com/mergebot/mergebot/pkg/telemetry"
)

// maxPushAttempts bounds the rebase-and-push loop when the target branch
// keeps moving underneath the candidate.
const maxPushAttempts = 3

// Protocol performs the atomic push-and-finalize sequence:
// pre-push comment with recovery marker, compare-and-set push, finalizer
// comment, relabel and close.
type Protocol struct{}

// NewProtocol creates the integration protocol
func NewProtocol() *Protocol {
	return &Protocol{}
}

// identityFor resolves a forge user to a git identity through the census,
// falling back to a forge-derived noreply identity.
func identityFor(sc *command.Scope, user string) forge.Identity {
	if c, ok := sc.Census.Contributor(user); ok && c.Email != "" {
		return c.Identity()
	}
	return forge.Identity{Name: user, Email: user + "@users.noreply." + sc.Repo.ForgeName()}
}

// Integrate lands the PR on its target branch on behalf of committerUser.
// Preconditions (open, ready, checks green) are the caller's concern. The
// returned reply, when non-empty, is a user-facing abort reason; an empty
// reply means the protocol posted its own comments, including the reply
// marker for inv.
func (p *Protocol) Integrate(ctx context.Context, sc *command.Scope, inv *command.Invocation, committerUser string, pinned forge.Hash) (string, error) {
	pr := sc.PR
	started := time.Now()

	wb, err := sc.NewWorkbench(ctx)
	if err != nil {
		return "", err
	}
	defer wb.Close()

	reviewedBy := command.Approvers(pr, sc.Config.UseStaleReviews)
	author := identityFor(sc, pr.Author)
	committer := identityFor(sc, committerUser)
	message := ComposeMessage(ctx, sc, reviewedBy)
	create := wb.CreateCandidate
	if pr.IsMergePR() {
		// a declared merge keeps its source branch history
		create = wb.CreateMergeCandidate
	}

	replied := false
	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		target, err := wb.TargetHead(ctx)
		if err != nil {
			return "", err
		}
		if pinned != "" && pinned != target {
			return "cannot integrate, since the target branch is no longer at the requested hash (" +
				pinned.Abbreviate() + ").", nil
		}

		candidate, err := create(ctx, target, message, author, committer)
		if err != nil {
			if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeGitConflict {
				if lerr := sc.Repo.RemoveLabel(ctx, pr.ID, command.LabelReady); lerr != nil {
					return "", lerr
				}
				if lerr := sc.Repo.AddLabel(ctx, pr.ID, command.LabelMergeConflict); lerr != nil {
					return "", lerr
				}
				telemetry.GetMetrics().RecordIntegration(ctx, "conflict", time.Since(started).Seconds())
				return "this pull request can not be integrated, since the target branch has changes " +
					"that conflict with it. Please merge the target branch into this branch.", nil
			}
			return "", err
		}

		marker := &PrePushMarker{
			PR:         pr.ID,
			Target:     pr.TargetBranch,
			TargetHash: target,
			Candidate:  candidate.Hash,
			Digest:     candidate.Digest,
		}
		body := "Going to push as commit " + candidate.Hash.Abbreviate() + "."
		if candidate.Rebased {
			body += "\nSince your change was applied there have been new commits pushed to the `" +
				pr.TargetBranch + "` branch. Your commit was automatically rebased without conflicts."
		}
		body += "\n" + marker.Encode()
		if !replied {
			// The first pre-push comment doubles as the command reply;
			// later attempts only supersede the marker.
			body += "\n" + command.ReplyMarker(inv.ID())
		}
		if _, err := sc.Repo.AddComment(ctx, pr.ID, body); err != nil {
			return "", err
		}
		replied = true

		if err := wb.Push(ctx, candidate, target); err != nil {
			if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodePushRejected {
				logger.Info("push rejected, target moved",
					zap.String("pr", pr.ID),
					zap.String("target", pr.TargetBranch),
					zap.Int("attempt", attempt+1))
				continue
			}
			return "", err
		}

		if err := p.finalize(ctx, sc, candidate.Hash); err != nil {
			return "", err
		}
		telemetry.GetMetrics().RecordIntegration(ctx, "success", time.Since(started).Seconds())
		return "", nil
	}

	telemetry.GetMetrics().RecordIntegration(ctx, "exhausted", time.Since(started).Seconds())
	if replied {
		// Marker already posted; recovery on the next run restarts the push
		return "", errors.New(errors.ErrCodeForgeUnavailable,
			"target branch moving too quickly, push attempts exhausted")
	}
	return "the integration request cannot be fulfilled at this time, as the target branch is " +
		"being updated too frequently. Please try again later.", nil
}

// finalize performs steps 3 and 4 of the push sequence: the "Pushed as
// commit" comment, the label swap, and closing the PR. Every step is
// idempotent so recovery can re-run it.
func (p *Protocol) finalize(ctx context.Context, sc *command.Scope, pushed forge.Hash) error {
	pr := sc.PR
	if existing, ok := command.PushedCommit(sc.BotUser(), pr); !ok || existing != pushed {
		if _, err := sc.Repo.AddComment(ctx, pr.ID,
			command.PushedAsCommitPrefix+pushed.String()+"."); err != nil {
			return err
		}
	}
	if err := sc.Repo.AddLabel(ctx, pr.ID, command.LabelIntegrated); err != nil {
		return err
	}
	for _, label := range []string{command.LabelReady, command.LabelRFR, command.LabelSponsor} {
		if err := sc.Repo.RemoveLabel(ctx, pr.ID, label); err != nil {
			return err
		}
	}
	if pr.IsOpen() {
		if err := sc.Repo.ClosePullRequest(ctx, pr.ID); err != nil {
			return err
		}
	}
	logger.Info("pull request integrated",
		zap.String("pr", pr.ID),
		zap.String("commit", pushed.String()))
	return nil
}

// Recover completes or supersedes an interrupted push. It is run at the
// start of every PR work item once the command state has been replayed:
//   - target already contains a commit matching the marker digest: the push
//     happened, re-run the finalizers that did not (never re-push)
//   - target advanced without the digest: the old marker is superseded and
//     the push is restarted with a fresh candidate, provided the PR still
//     composes to the same digest
//   - otherwise the change was modified after the push attempt; a fresh
//     /integrate is required and nothing is done here
func (p *Protocol) Recover(ctx context.Context, sc *command.Scope) error {
	pr := sc.PR
	marker, carrier, ok := LastMarker(sc.BotUser(), pr.Comments)
	if !ok {
		return nil
	}
	if pr.HasLabel(command.LabelIntegrated) && !pr.IsOpen() {
		if _, done := command.PushedCommit(sc.BotUser(), pr); done {
			return nil
		}
	}
	if err := marker.consistentWith(pr.ID, pr.TargetBranch); err != nil {
		logger.Warn("ignoring inconsistent pre-push marker",
			zap.String("pr", pr.ID), zap.Error(err))
		return nil
	}

	wb, err := sc.NewWorkbench(ctx)
	if err != nil {
		return err
	}
	defer wb.Close()

	pushed, found, err := wb.FindByDigest(ctx, marker.Digest, RecoveryWalkLimit)
	if err != nil {
		return err
	}
	if found {
		logger.Info("recovering interrupted integration",
			zap.String("pr", pr.ID),
			zap.String("commit", pushed.String()))
		if err := p.finalize(ctx, sc, pushed); err != nil {
			return err
		}
		telemetry.GetMetrics().RecordIntegrationRecovered(ctx)
		return nil
	}

	// The push never landed. Restart only when the PR still composes to
	// the digest the marker recorded.
	committerUser := p.committerFor(sc, carrier)
	reviewedBy := command.Approvers(pr, sc.Config.UseStaleReviews)
	author := identityFor(sc, pr.Author)
	message := ComposeMessage(ctx, sc, reviewedBy)
	if forge.CommitDigest(message, author) != marker.Digest {
		logger.Info("pre-push marker superseded by later changes",
			zap.String("pr", pr.ID))
		return nil
	}
	if !pr.HasLabel(command.LabelReady) {
		return nil
	}

	committer := identityFor(sc, committerUser)
	create := wb.CreateCandidate
	if pr.IsMergePR() {
		create = wb.CreateMergeCandidate
	}
	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		target, err := wb.TargetHead(ctx)
		if err != nil {
			return err
		}
		candidate, err := create(ctx, target, message, author, committer)
		if err != nil {
			return err
		}
		refreshed := &PrePushMarker{
			PR:         pr.ID,
			Target:     pr.TargetBranch,
			TargetHash: target,
			Candidate:  candidate.Hash,
			Digest:     candidate.Digest,
		}
		if _, err := sc.Repo.AddComment(ctx, pr.ID,
			"Going to push as commit "+candidate.Hash.Abbreviate()+".\n"+refreshed.Encode()); err != nil {
			return err
		}
		if err := wb.Push(ctx, candidate, target); err != nil {
			if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodePushRejected {
				continue
			}
			return err
		}
		if err := p.finalize(ctx, sc, candidate.Hash); err != nil {
			return err
		}
		telemetry.GetMetrics().RecordIntegrationRecovered(ctx)
		return nil
	}
	return errors.New(errors.ErrCodeForgeUnavailable,
		"target branch moving too quickly, recovery push attempts exhausted")
}

// committerFor reconstructs the acting committer of an interrupted push
// from the reply marker inside the pre-push comment.
func (p *Protocol) committerFor(sc *command.Scope, carrier *forge.Comment) string {
	id, ok := command.ReplyTarget(carrier.Body)
	if !ok {
		return sc.PR.Author
	}
	source, location, _ := strings.Cut(id, ":")
	switch command.Source(source) {
	case command.SourceComment:
		commentID, _, _ := strings.Cut(location, "-")
		for _, c := range sc.PR.Comments {
			if c.ID == commentID {
				return c.Author
			}
		}
	case command.SourceReview:
		for _, r := range sc.PR.Reviews {
			if r.ID == location {
				return r.Author
			}
		}
	}
	return sc.PR.Author
}
