// Package jcheck validates a proposed commit against the repository's
// policy configuration. Checks are read from .jcheck/conf at the target
// revision and evaluated against the commit message, the review state and
// the modified files; the outcome is published as the "jcheck" status check.
package jcheck

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

// CheckName is the status check name attached to the PR head
const CheckName = "jcheck"

// Problem is a single policy violation
type Problem struct {
	Check   string
	Message string
}

// Result is the outcome of a policy run
type Result struct {
	Problems []Problem
}

// Passed reports whether no violations were found
func (r *Result) Passed() bool {
	return len(r.Problems) == 0
}

// ByCheck returns the violations raised by a named check
func (r *Result) ByCheck(name string) []Problem {
	var out []Problem
	for _, p := range r.Problems {
		if p.Check == name {
			out = append(out, p)
		}
	}
	return out
}

// Input is the observable state a policy run evaluates
type Input struct {
	// Title is the cleaned PR title (issue id plus description)
	Title string
	// CommitMessage is the proposed commit message, line by line
	CommitMessage []string
	// Approvers are the users with a valid approving review
	Approvers []string
	// ChangedFiles are the paths the change modifies
	ChangedFiles []string
	// FileContents resolves a changed path to its proposed contents;
	// nil skips content checks
	FileContents func(path string) ([]byte, bool)
	// ReviewersRequired overrides the configured count when >= 0
	ReviewersRequired int
	// MergePR marks a declared merge change, which carries no issue of its own
	MergePR bool
	// ReviewerRole overrides the configured role when not RoleNone
	ReviewerRole census.Role
}

// Checker evaluates policy for one repository at one census snapshot
type Checker struct {
	conf   *Configuration
	census *census.Instance
}

// New creates a checker from a parsed configuration and a census snapshot
func New(conf *Configuration, inst *census.Instance) *Checker {
	return &Checker{conf: conf, census: inst}
}

// Configuration returns the policy configuration in effect
func (c *Checker) Configuration() *Configuration {
	return c.conf
}

// Load reads and parses .jcheck/conf from the repository at a ref
func Load(ctx context.Context, repo forge.Repository, ref string) (*Configuration, error) {
	raw, err := repo.FileContents(ctx, ConfPath, ref)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCheckFailed, "cannot read "+ConfPath+" at "+ref, err)
	}
	return ParseConfiguration(raw)
}

// titlePattern requires "<issue id>: <description>", multiple ids comma separated
var titlePattern = regexp.MustCompile(`^(?:[A-Za-z][A-Za-z0-9]*-)?[0-9]+(?:, *(?:[A-Za-z][A-Za-z0-9]*-)?[0-9]+)*: \S`)

// Check runs all enabled checks over the input
func (c *Checker) Check(in Input) *Result {
	r := &Result{}
	if c.conf.Enabled("reviewers") {
		c.checkReviewers(in, r)
	}
	if c.conf.Enabled("issues") {
		c.checkIssues(in, r)
	}
	if c.conf.Enabled("message") {
		c.checkMessage(in, r)
	}
	if c.conf.Enabled("whitespace") {
		c.checkWhitespace(in, r)
	}
	return r
}

func (c *Checker) checkReviewers(in Input, r *Result) {
	required := c.conf.ReviewersRequired
	if in.ReviewersRequired >= 0 {
		required = in.ReviewersRequired
	}
	role := c.conf.ReviewerRole
	if in.ReviewerRole != census.RoleNone {
		role = in.ReviewerRole
	}
	count := 0
	for _, user := range in.Approvers {
		if c.census.HasRole(c.conf.Project, user, role) {
			count++
		}
	}
	if count < required {
		r.Problems = append(r.Problems, Problem{
			Check: "reviewers",
			Message: fmt.Sprintf("Too few reviewers with at least role %s found (have %d, need at least %d)",
				role, count, required),
		})
	}
}

func (c *Checker) checkIssues(in Input, r *Result) {
	if in.MergePR {
		return
	}
	if !titlePattern.MatchString(in.Title) {
		r.Problems = append(r.Problems, Problem{
			Check:   "issues",
			Message: "The commit message does not reference any issue",
		})
	}
}

func (c *Checker) checkMessage(in Input, r *Result) {
	if len(in.CommitMessage) == 0 || strings.TrimSpace(in.CommitMessage[0]) == "" {
		r.Problems = append(r.Problems, Problem{
			Check:   "message",
			Message: "The commit message is empty",
		})
		return
	}
	for _, line := range in.CommitMessage {
		if strings.HasSuffix(line, " ") || strings.HasSuffix(line, "\t") {
			r.Problems = append(r.Problems, Problem{
				Check:   "message",
				Message: "Trailing whitespace in commit message",
			})
			return
		}
	}
}

func (c *Checker) checkWhitespace(in Input, r *Result) {
	if in.FileContents == nil {
		return
	}
	for _, path := range in.ChangedFiles {
		if c.conf.WhitespaceFiles != nil && !c.conf.WhitespaceFiles.MatchString(path) {
			continue
		}
		data, ok := in.FileContents(path)
		if !ok {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.HasSuffix(line, " ") || strings.HasSuffix(line, "\t") {
				r.Problems = append(r.Problems, Problem{
					Check:   "whitespace",
					Message: fmt.Sprintf("%s:%d contains trailing whitespace", path, i+1),
				})
				break
			}
			if strings.Contains(line, "\r") {
				r.Problems = append(r.Problems, Problem{
					Check:   "whitespace",
					Message: fmt.Sprintf("%s:%d contains a carriage return", path, i+1),
				})
				break
			}
		}
	}
}

// StatusFor converts a result into the status check published at a head hash
func StatusFor(r *Result, hash forge.Hash) forge.CheckStatus {
	status := forge.CheckStatus{
		Name: CheckName,
		Hash: hash,
	}
	if r.Passed() {
		status.State = forge.CheckSuccess
		status.Summary = "All checks passed"
		return status
	}
	status.State = forge.CheckFailure
	var lines []string
	for _, p := range r.Problems {
		lines = append(lines, "- "+p.Message+" ("+p.Check+")")
	}
	status.Summary = strings.Join(lines, "\n")
	return status
}

// InProgress is the status published while a policy run is under way
func InProgress(hash forge.Hash) forge.CheckStatus {
	return forge.CheckStatus{
		Name:    CheckName,
		Hash:    hash,
		State:   forge.CheckInProgress,
		Summary: "Checking",
	}
}
