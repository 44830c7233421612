// Package jira implements the issue tracker interface against Jira Cloud
// using the go-atlassian v3 API client.
package jira

import (
	"context"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/errors"
)

// ClientConfig holds the configuration for connecting to a Jira instance
type ClientConfig struct {
	// BaseURL is the Jira instance URL (e.g., "https://bugs.example.org")
	BaseURL string `yaml:"url"`
	// Email is the service account email for basic auth
	Email string `yaml:"email"`
	// APIToken is the API token for basic auth
	APIToken string `yaml:"token"`
	// Project is the default project key for id normalization
	Project string `yaml:"project"`
}

// Tracker is a tracker.IssueTracker backed by Jira
type Tracker struct {
	jira    *v3.Client
	project string
}

// issueFields are the Jira fields requested on lookup; keeping this explicit
// avoids fetching unnecessary data.
var issueFields = []string{
	"summary",
	"issuetype",
	"status",
	"resolution",
	"fixVersions",
	"issuelinks",
}

// NewTracker creates a Jira-backed issue tracker
func NewTracker(cfg ClientConfig) (*Tracker, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "jira base URL is required")
	}
	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "create jira client", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("mergebot/1.0")
	return &Tracker{jira: client, project: strings.ToUpper(cfg.Project)}, nil
}

// Issue looks up an issue by id, tolerant of "PROJ-123" / "123" / case variants
func (t *Tracker) Issue(ctx context.Context, id string) (*tracker.Issue, error) {
	key, err := tracker.NormalizeID(t.project, id)
	if err != nil {
		return nil, err
	}
	issue, resp, err := t.jira.Issue.Get(ctx, key, issueFields, nil)
	if err != nil {
		if resp != nil && resp.Code == http.StatusNotFound {
			return nil, errors.New(errors.ErrCodeIssueNotFound, "issue "+key+" not found")
		}
		return nil, errors.Wrap(errors.ErrCodeTrackerUnavailable, "jira lookup failed", err)
	}
	return convertIssue(issue), nil
}

// CreateIssue creates a new issue with the given properties
func (t *Tracker) CreateIssue(ctx context.Context, props tracker.CreateProperties) (*tracker.Issue, error) {
	project := strings.ToUpper(props.Project)
	if project == "" {
		project = t.project
	}
	fields := &models.IssueFieldsScheme{
		Summary: props.Title,
		Project: &models.ProjectScheme{Key: project},
	}
	if props.IssueType != "" {
		fields.IssueType = &models.IssueTypeScheme{Name: props.IssueType}
	}
	if props.Priority != "" {
		fields.Priority = &models.PriorityScheme{Name: props.Priority}
	}
	for _, comp := range props.Components {
		fields.Components = append(fields.Components, &models.ComponentScheme{Name: comp})
	}
	payload := &models.IssueScheme{Fields: fields}
	created, _, err := t.jira.Issue.Create(ctx, payload, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTrackerUnavailable, "jira create failed", err)
	}
	return t.Issue(ctx, created.Key)
}

// convertIssue maps a go-atlassian IssueScheme to the tracker Issue type
func convertIssue(issue *models.IssueScheme) *tracker.Issue {
	out := &tracker.Issue{ID: issue.Key, Properties: map[string]string{}}
	f := issue.Fields
	if f == nil {
		return out
	}
	out.Title = f.Summary
	if f.IssueType != nil {
		out.Type = strings.ToLower(f.IssueType.Name)
	}
	if f.Resolution != nil && f.Resolution.Name != "" {
		out.Resolution = f.Resolution.Name
		out.State = tracker.StateResolved
	} else {
		out.State = tracker.StateOpen
	}
	if f.Status != nil && f.Status.StatusCategory != nil && f.Status.StatusCategory.Key == "done" {
		out.State = tracker.StateResolved
	}
	for _, v := range f.FixVersions {
		if v != nil {
			out.FixVersions = append(out.FixVersions, v.Name)
		}
	}
	for _, link := range f.IssueLinks {
		if link == nil || link.Type == nil {
			continue
		}
		// Jira link names are free-form; the bot matches them lower-cased
		linkType := strings.ToLower(link.Type.Name)
		if link.OutwardIssue != nil {
			out.Links = append(out.Links, tracker.Link{Type: linkType, IssueID: link.OutwardIssue.Key})
		}
		if link.InwardIssue != nil {
			out.Links = append(out.Links, tracker.Link{Type: linkType, IssueID: link.InwardIssue.Key})
		}
	}
	return out
}
