// Package tracker defines the consumed interface to the issue tracker.
// Issue lookup is tolerant of id variants ("PROJ-123", "123", case variants)
// and exposes the link types the bot relies on ("csr for", "backported by").
package tracker

import (
	"context"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/pkg/errors"
)

// Issue states
const (
	StateOpen     = "open"
	StateResolved = "resolved"
	StateClosed   = "closed"
)

// Link types the bot interprets
const (
	LinkCSRFor       = "csr for"
	LinkBackportedBy = "backported by"
)

// CSR states carried in issue properties
const (
	CSRStateDraft     = "draft"
	CSRStateProposed  = "proposed"
	CSRStateApproved  = "approved"
	CSRStateWithdrawn = "withdrawn"
)

// Link connects two issues with a typed relation
type Link struct {
	Type    string `json:"type"`
	IssueID string `json:"issue_id"`
}

// Issue is the tracker's view of an issue
type Issue struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Type        string            `json:"type"` // bug, enhancement, csr, backport
	State       string            `json:"state"`
	Resolution  string            `json:"resolution"`
	FixVersions []string          `json:"fix_versions"`
	Links       []Link            `json:"links"`
	Properties  map[string]string `json:"properties"`
}

// IsResolved reports whether the issue has been resolved or closed
func (i *Issue) IsResolved() bool {
	return i.State == StateResolved || i.State == StateClosed
}

// LinkedIssues returns the ids of issues linked with the given relation type
func (i *Issue) LinkedIssues(linkType string) []string {
	var out []string
	for _, l := range i.Links {
		if l.Type == linkType {
			out = append(out, l.IssueID)
		}
	}
	return out
}

// CreateProperties holds the fields for creating a new issue
type CreateProperties struct {
	Project     string
	Title       string
	Description string
	IssueType   string
	Priority    string
	Components  []string
	Custom      map[string]string
}

// IssueTracker is the consumed issue tracker interface
type IssueTracker interface {
	// Issue looks up an issue by id, tolerant of id variants
	Issue(ctx context.Context, id string) (*Issue, error)

	// CreateIssue creates a new issue with the given properties
	CreateIssue(ctx context.Context, props CreateProperties) (*Issue, error)
}

var issueIDPattern = regexp.MustCompile(`^(?:([A-Za-z][A-Za-z0-9]*)-)?([0-9]+)$`)

// NormalizeID canonicalizes an issue id against the configured project:
// "123" becomes "PROJ-123", "proj-123" becomes "PROJ-123". Ids naming a
// different project are kept as given (upper-cased).
func NormalizeID(project, raw string) (string, error) {
	m := issueIDPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", errors.New(errors.ErrCodeBadArgument, "invalid issue id `"+raw+"`")
	}
	prefix := strings.ToUpper(m[1])
	if prefix == "" {
		prefix = strings.ToUpper(project)
	}
	return prefix + "-" + m[2], nil
}
