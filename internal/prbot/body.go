package prbot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/jcheck"
)

// bodyMarker separates the author's text from the bot-maintained sections
const bodyMarker = "<!-- Anything below this marker will be overwritten -->"

// instructionMarker identifies the single instructional comment. The head
// hash the instruction was written for is recorded inside the marker.
const instructionMarkerPrefix = "<!-- prepush-instruction"

var instructionMarkerPattern = regexp.MustCompile(`<!-- prepush-instruction: '([0-9a-fA-F]*)' -->`)

func instructionMarker(head string) string {
	return "<!-- prepush-instruction: '" + head + "' -->"
}

// autoIntegrateMarker records the head an auto-integration was synthesized at
var autoIntegratePattern = regexp.MustCompile(`<!-- auto-integrate: '([0-9a-fA-F]+)' -->`)

func checkbox(done bool, text string) string {
	if done {
		return "- [x] " + text
	}
	return "- [ ] " + text
}

// progressSection renders the checklist reflecting the current check result
func (b *Bot) progressSection(sc *command.Scope, result *jcheck.Result, csrBlocked, canApply bool) string {
	conf := sc.State
	required := conf.ReviewersRequired
	role := conf.ReviewerRole
	if required < 0 {
		required = 1
	}
	if role == census.RoleNone {
		role = census.RoleReviewer
	}

	var lines []string
	lines = append(lines, "### Progress")
	lines = append(lines, checkbox(len(result.ByCheck("reviewers")) == 0,
		fmt.Sprintf("Change must be properly reviewed (%d review%s required, with at least role %s)",
			required, plural(required), role)))
	lines = append(lines, checkbox(len(result.ByCheck("issues")) == 0,
		"Change must reference an issue"))
	if len(result.ByCheck("whitespace")) > 0 {
		lines = append(lines, checkbox(false, "Change must not contain extraneous whitespace"))
	}
	if !canApply {
		lines = append(lines, checkbox(false,
			"Change must not cause merge conflicts with the target branch"))
	}
	if csrBlocked {
		lines = append(lines, checkbox(false,
			"The CSR request linked to the main issue must be approved"))
	}
	if len(sc.State.Contributors) > 0 {
		lines = append(lines, "", "### Contributors")
		for _, c := range sc.State.Contributors {
			lines = append(lines, " * `"+c.String()+"`")
		}
	}
	return strings.Join(lines, "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// reviewersSection lists the approving reviewers, each linked to their
// census entry when a census link template is configured
func (b *Bot) reviewersSection(sc *command.Scope, approvers []string) string {
	if len(approvers) == 0 {
		return ""
	}
	lines := []string{"### Reviewers"}
	for _, user := range approvers {
		entry := user
		if c, ok := sc.Census.Contributor(user); ok && c.FullName != "" {
			entry = c.FullName + " (`" + user + "`)"
		}
		if b.cfg.CensusLink != "" {
			entry = "[" + entry + "](" + b.cfg.ContributorLink(user) + ")"
		}
		lines = append(lines, " * "+entry)
	}
	return strings.Join(lines, "\n")
}

// issuesSection lists the main issue and the additional issues, in order
func (b *Bot) issuesSection(ctx context.Context, sc *command.Scope) string {
	var ids []string
	if main, ok := b.mainIssueID(sc); ok {
		ids = append(ids, main)
	}
	ids = append(ids, sc.State.AdditionalIssues...)
	if len(ids) == 0 {
		return ""
	}
	var lines []string
	lines = append(lines, "### Issues")
	for _, id := range ids {
		line := " * `" + id + "`"
		if b.trk != nil {
			if issue, err := b.trk.Issue(ctx, id); err == nil {
				line = " * `" + issue.ID + "`: " + issue.Title
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// updateBody rewrites the bot-maintained part of the PR body. The author's
// text above the marker is preserved; the body is only written when the
// rendered result differs from what is already there.
func (b *Bot) updateBody(ctx context.Context, sc *command.Scope, result *jcheck.Result, approvers []string, csrBlocked, canApply bool) error {
	pr := sc.PR
	userPart, _, _ := strings.Cut(pr.Body, bodyMarker)
	userPart = strings.TrimRight(userPart, "\n")

	sections := []string{b.progressSection(sc, result, csrBlocked, canApply)}
	if reviewers := b.reviewersSection(sc, approvers); reviewers != "" {
		sections = append(sections, reviewers)
	}
	if issues := b.issuesSection(ctx, sc); issues != "" {
		sections = append(sections, issues)
	}
	footer := "<!-- mergebot: head '" + pr.HeadHash.String() + "' -->"

	rendered := userPart + "\n\n" + bodyMarker + "\n\n---------\n" +
		strings.Join(sections, "\n\n") + "\n" + footer
	if rendered == pr.Body {
		return nil
	}
	if err := b.repo.SetBody(ctx, pr.ID, rendered); err != nil {
		return err
	}
	pr.Body = rendered
	return nil
}

// updateInstruction creates or edits the single instructional comment.
// Older instructions are edited in place, never duplicated.
func (b *Bot) updateInstruction(ctx context.Context, sc *command.Scope, ready bool, result *jcheck.Result, csrBlocked, canApply bool) error {
	pr := sc.PR
	var text string
	if ready {
		if sc.IsCommitter(pr.Author) {
			text = "This change now passes all *automated* pre-integration checks. " +
				"As you are a known Committer, to integrate this change simply issue the `/integrate` command. " +
				"If the target branch has advanced since this change was approved, your commit will be " +
				"automatically rebased without conflicts during integration."
		} else {
			text = "This change now passes all *automated* pre-integration checks. " +
				"As you do not have commit rights, a sponsor is required: issue the `/integrate` command " +
				"and ask a project Committer to issue the `/sponsor` command afterwards."
		}
	} else {
		var reasons []string
		for _, p := range result.Problems {
			reasons = append(reasons, " * "+p.Message)
		}
		if !canApply {
			reasons = append(reasons, " * The change conflicts with the target branch; please merge `"+
				pr.TargetBranch+"` into your branch")
		}
		if csrBlocked {
			reasons = append(reasons, " * The linked CSR request must be approved")
		}
		text = "This change is not yet ready to be integrated:\n" + strings.Join(reasons, "\n")
	}
	body := text + "\n" + instructionMarker(pr.HeadHash.String())

	for _, c := range pr.Comments {
		if c.Author != sc.BotUser() || !strings.Contains(c.Body, instructionMarkerPrefix) {
			continue
		}
		if c.Body == body {
			return nil
		}
		return b.repo.UpdateComment(ctx, pr.ID, c.ID, body)
	}
	_, err := b.repo.AddComment(ctx, pr.ID, body)
	return err
}

// maybeAutoIntegrate synthesizes an /integrate self-command when the PR
// carries the auto label and has just become ready. The synthesized
// comment records the head so each version triggers at most once.
func (b *Bot) maybeAutoIntegrate(ctx context.Context, sc *command.Scope, ready bool) error {
	pr := sc.PR
	if !ready || !sc.State.AutoIntegrate {
		return nil
	}
	if pr.HasLabel(command.LabelIntegrated) || pr.HasLabel(command.LabelSponsor) {
		return nil
	}
	for _, c := range pr.Comments {
		if c.Author != sc.BotUser() {
			continue
		}
		if m := autoIntegratePattern.FindStringSubmatch(c.Body); m != nil && m[1] == pr.HeadHash.String() {
			return nil
		}
	}
	body := "/integrate\n" + command.SelfCommandMarker +
		"\n<!-- auto-integrate: '" + pr.HeadHash.String() + "' -->"
	_, err := b.repo.AddComment(ctx, pr.ID, body)
	return err
}
