package prbot

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/integrate"
	"github.com/mergebot/mergebot/internal/jcheck"
	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/logger"
)

// reconcile computes the desired declarative surface of the PR from its
// observable state and converges labels, status check, body and the
// instructional comment towards it. Running it twice without external
// changes is a no-op.
func (b *Bot) reconcile(ctx context.Context, sc *command.Scope) error {
	pr := sc.PR
	if !pr.IsOpen() {
		return nil
	}

	if err := b.normalizeTitle(ctx, sc); err != nil {
		return err
	}

	if pr.Draft {
		// Drafts only get classification labels
		desired := b.classificationLabels(sc)
		return b.applyLabels(ctx, sc, desired)
	}

	conf, err := jcheck.Load(ctx, b.repo, pr.TargetBranch)
	if err != nil {
		return err
	}
	checker := jcheck.New(conf, sc.Census)
	head := pr.HeadHash

	if err := b.repo.SetCheck(ctx, pr.ID, ptr(jcheck.InProgress(head))); err != nil {
		return err
	}

	wb, err := sc.NewWorkbench(ctx)
	if err != nil {
		return err
	}
	defer wb.Close()
	target, err := wb.TargetHead(ctx)
	if err != nil {
		return err
	}
	canApply, err := wb.CanApply(ctx, target)
	if err != nil {
		return err
	}

	approvers := command.Approvers(pr, b.cfg.UseStaleReviews)
	input := jcheck.Input{
		Title:             pr.Title,
		CommitMessage:     []string{pr.Title},
		Approvers:         approvers,
		ChangedFiles:      pr.ChangedFiles,
		ReviewersRequired: sc.State.ReviewersRequired,
		ReviewerRole:      sc.State.ReviewerRole,
		MergePR:           pr.IsMergePR(),
		FileContents: func(path string) ([]byte, bool) {
			data, err := b.repo.FileContents(ctx, path, head.String())
			if err != nil {
				return nil, false
			}
			return data, true
		},
	}
	result := checker.Check(input)

	// A head change invalidates everything computed above; abort before
	// mutating and let the scheduler rerun with the new head.
	current, err := b.repo.PullRequest(ctx, pr.ID)
	if err != nil {
		return err
	}
	if current.HeadHash != head {
		logger.Info("head changed during check, aborting",
			zap.String("pr", pr.ID))
		return nil
	}

	if err := b.repo.SetCheck(ctx, pr.ID, ptr(jcheck.StatusFor(result, head))); err != nil {
		return err
	}

	csrBlocked, err := b.csrBlocked(ctx, sc)
	if err != nil {
		return err
	}

	desired := b.classificationLabels(sc)
	desired[command.LabelCSR] = csrBlocked
	desired[command.LabelMergeConflict] = !canApply

	// A blocking label holds the change back; labels computed this run
	// count at their computed value, hand-applied ones as present.
	ready := result.Passed()
	for _, label := range command.BlockingLabels {
		want, managed := desired[label]
		if managed && want || !managed && pr.HasLabel(label) {
			ready = false
		}
	}

	desired[command.LabelRFR] = true
	desired[command.LabelReady] = ready
	desired[command.LabelAuto] = sc.State.AutoIntegrate
	desired[command.LabelSponsor] = b.sponsorStillValid(sc, ready)
	if err := b.applyLabels(ctx, sc, desired); err != nil {
		return err
	}

	if err := b.updateBody(ctx, sc, result, approvers, csrBlocked, canApply); err != nil {
		return err
	}
	if err := b.updateInstruction(ctx, sc, ready, result, csrBlocked, canApply); err != nil {
		return err
	}
	return b.maybeAutoIntegrate(ctx, sc, ready)
}

func ptr(c forge.CheckStatus) *forge.CheckStatus {
	return &c
}

// classificationLabels evaluates the label configuration over the changed
// files, with /label overrides applied last.
func (b *Bot) classificationLabels(sc *command.Scope) map[string]bool {
	desired := make(map[string]bool)
	for _, name := range b.lab.Labels() {
		desired[name] = false
	}
	for _, name := range b.lab.Evaluate(sc.PR.ChangedFiles) {
		desired[name] = true
	}
	for name, present := range sc.State.ManualLabels {
		desired[name] = present
	}
	return desired
}

// applyLabels converges the PR's labels to the desired set by difference.
// Labels outside the desired map are not touched.
func (b *Bot) applyLabels(ctx context.Context, sc *command.Scope, desired map[string]bool) error {
	pr := sc.PR
	for name, want := range desired {
		has := pr.HasLabel(name)
		switch {
		case want && !has:
			if err := b.repo.AddLabel(ctx, pr.ID, name); err != nil {
				return err
			}
		case !want && has:
			if err := b.repo.RemoveLabel(ctx, pr.ID, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// sponsorStillValid keeps the sponsor label only while the recorded
// sponsor-ready version matches the current head.
func (b *Bot) sponsorStillValid(sc *command.Scope, ready bool) bool {
	if !sc.PR.HasLabel(command.LabelSponsor) || !ready {
		return false
	}
	version, ok := integrate.SponsoredVersion(sc.BotUser(), sc.PR)
	return ok && version == sc.PR.HeadHash
}

var titleIssuePattern = regexp.MustCompile(`^(?:([A-Za-z][A-Za-z0-9]*)-)?([0-9]+)(?::\s*(.*))?$`)

// normalizeTitle brings the PR title to the canonical "<number>: <text>"
// form: a bare issue id is expanded with the tracker summary, and a
// project prefix is stripped.
func (b *Bot) normalizeTitle(ctx context.Context, sc *command.Scope) error {
	pr := sc.PR
	if pr.IsMergePR() {
		return nil
	}
	m := titleIssuePattern.FindStringSubmatch(strings.TrimSpace(pr.Title))
	if m == nil {
		return nil
	}
	prefix, number, rest := m[1], m[2], strings.TrimSpace(m[3])

	title := pr.Title
	switch {
	case rest != "":
		if prefix != "" {
			title = number + ": " + rest
		}
	case b.trk != nil && b.cfg.IssueProject != "":
		id, err := tracker.NormalizeID(b.cfg.IssueProject, number)
		if err != nil {
			return nil
		}
		issue, err := b.trk.Issue(ctx, id)
		if err != nil {
			return nil
		}
		title = number + ": " + issue.Title
	}
	if title == pr.Title {
		return nil
	}
	if err := b.repo.SetTitle(ctx, pr.ID, title); err != nil {
		return err
	}
	pr.Title = title
	return nil
}

// mainIssueID extracts the issue designated by the PR title
func (b *Bot) mainIssueID(sc *command.Scope) (string, bool) {
	if b.cfg.IssueProject == "" {
		return "", false
	}
	m := titleIssuePattern.FindStringSubmatch(strings.TrimSpace(sc.PR.Title))
	if m == nil || m[3] == "" {
		return "", false
	}
	id, err := tracker.NormalizeID(b.cfg.IssueProject, m[2])
	if err != nil {
		return "", false
	}
	return id, true
}

// csrBlocked evaluates the compatibility-review gate: a commanded or
// tracker-linked CSR request blocks readiness until the CSR issue is
// resolved or a reviewer declares it unneeded.
func (b *Bot) csrBlocked(ctx context.Context, sc *command.Scope) (bool, error) {
	if !b.cfg.EnableCSR {
		return false, nil
	}
	commanded := false
	if sc.State.CSRNeeded != nil {
		if !*sc.State.CSRNeeded {
			return false, nil
		}
		commanded = true
	}
	if b.trk == nil {
		return commanded, nil
	}
	id, ok := b.mainIssueID(sc)
	if !ok {
		return commanded, nil
	}
	issue, err := b.trk.Issue(ctx, id)
	if err != nil {
		return commanded, nil
	}
	csrIDs := issue.LinkedIssues(tracker.LinkCSRFor)
	if len(csrIDs) == 0 {
		return commanded, nil
	}
	for _, csrID := range csrIDs {
		csr, err := b.trk.Issue(ctx, csrID)
		if err != nil {
			continue
		}
		if csr.Resolution == "Withdrawn" {
			continue
		}
		if !csr.IsResolved() {
			return true, nil
		}
	}
	return commanded, nil
}
