package command

import (
	"github.com/mergebot/mergebot/internal/forge"
)

// Approvers returns the users whose latest review approves the PR, in the
// order their approvals were given. Unless useStale is set, an approval
// given at an older head does not count.
func Approvers(pr *forge.PullRequest, useStale bool) []string {
	latest := make(map[string]forge.Review)
	var order []string
	for _, r := range pr.Reviews {
		if r.State == forge.ReviewComment {
			continue
		}
		if _, seen := latest[r.Author]; !seen {
			order = append(order, r.Author)
		}
		latest[r.Author] = r
	}
	var out []string
	for _, user := range order {
		r := latest[user]
		if r.State != forge.ReviewApproved {
			continue
		}
		if !useStale && r.Hash != "" && r.Hash != pr.HeadHash {
			continue
		}
		out = append(out, user)
	}
	return out
}
