package integrate

import (
	"context"
	"strings"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
)

// backportOfPattern finds a backport designation in the PR body, placed
// there when the PR was created by the /backport command.
var backportOfPrefix = "Backport-of: "

// BackportOf returns the original commit hash when the PR is a backport
func BackportOf(pr *forge.PullRequest) (forge.Hash, bool) {
	for _, line := range strings.Split(pr.Body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, backportOfPrefix) {
			return forge.Hash(strings.TrimSpace(strings.TrimPrefix(line, backportOfPrefix))), true
		}
	}
	return "", false
}

// ComposeMessage builds the commit message for the candidate commit:
// title lines from the PR title and the additional issues in the order
// added, a blank line, then the Co-authored-by, Summary, Reviewed-by and
// Backport-of trailers.
func ComposeMessage(ctx context.Context, sc *command.Scope, reviewedBy []string) []string {
	lines := []string{sc.PR.Title}
	for _, id := range sc.State.AdditionalIssues {
		line := id
		if sc.Tracker != nil {
			if issue, err := sc.Tracker.Issue(ctx, id); err == nil {
				_, number, found := strings.Cut(issue.ID, "-")
				if !found {
					number = issue.ID
				}
				line = number + ": " + issue.Title
			}
		}
		lines = append(lines, line)
	}

	var trailers []string
	for _, c := range sc.State.Contributors {
		trailers = append(trailers, "Co-authored-by: "+c.String())
	}
	if len(sc.State.Summary) > 0 {
		trailers = append(trailers, "Summary: "+strings.Join(sc.State.Summary, " "))
	}
	if len(reviewedBy) > 0 {
		trailers = append(trailers, "Reviewed-by: "+strings.Join(reviewedBy, ", "))
	}
	if original, ok := BackportOf(sc.PR); ok {
		trailers = append(trailers, "Backport-of: "+original.String())
	}

	if len(trailers) > 0 {
		lines = append(lines, "")
		lines = append(lines, trailers...)
	}
	return lines
}
