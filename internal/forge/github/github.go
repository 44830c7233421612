// Package github implements the forge interface for GitHub and GitHub
// Enterprise using the official REST client.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

const (
	defaultPerPage   = 100
	defaultGitHubURL = "https://github.com"

	// GitHub recommends "x-access-token" as the username for token auth
	tokenAuthUser = "x-access-token"

	// Commit status descriptions are limited to 140 characters
	maxStatusDescription = 140
)

// Options configures a GitHub forge connection
type Options struct {
	// BaseURL is empty for github.com, the instance URL for Enterprise
	BaseURL string
	// Token authenticates API and git operations
	Token string
	// BotUser is the username the bot acts as
	BotUser string
	// RPS and Burst configure the client-side rate limiter
	RPS   float64
	Burst int
}

// Forge resolves repositories on one GitHub instance
type Forge struct {
	client *github.Client
	opts   Options
	host   string
}

// New creates a GitHub forge connection
func New(opts Options) (*Forge, error) {
	httpClient := http.DefaultClient
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(httpClient)
	host := "github.com"
	if opts.BaseURL != "" && opts.BaseURL != defaultGitHubURL {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid,
				"cannot create github enterprise client for "+opts.BaseURL, err)
		}
		host = strings.TrimSuffix(strings.TrimPrefix(
			strings.TrimPrefix(opts.BaseURL, "https://"), "http://"), "/")
	}
	logger.Info("github forge initialized",
		zap.String("host", host), zap.String("bot_user", opts.BotUser))
	return &Forge{client: client, opts: opts, host: host}, nil
}

// Name returns the forge name
func (f *Forge) Name() string {
	return "github"
}

// Repository resolves a repository by "owner/repo" name
func (f *Forge) Repository(name string) (forge.Repository, error) {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"github repository name must be owner/repo, got `"+name+"`")
	}
	r := &repository{forge: f, name: name, owner: owner, repo: repo}
	return forge.NewRateLimited(r, f.opts.RPS, f.opts.Burst), nil
}

// HeadRef returns the hidden ref GitHub keeps pointing at a PR head
func HeadRef(prID string) string {
	return "refs/pull/" + prID + "/head"
}

type repository struct {
	forge *Forge
	name  string
	owner string
	repo  string
}

func (r *repository) Name() string {
	return r.name
}

func (r *repository) URL() string {
	if r.forge.opts.Token != "" {
		return fmt.Sprintf("https://%s:%s@%s/%s.git",
			tokenAuthUser, r.forge.opts.Token, r.forge.host, r.name)
	}
	return fmt.Sprintf("https://%s/%s.git", r.forge.host, r.name)
}

func (r *repository) ForgeName() string {
	return "github"
}

func (r *repository) BotUser() string {
	return r.forge.opts.BotUser
}

// apiError classifies a REST failure into the retry taxonomy
func apiError(op string, resp *github.Response, err error) error {
	code := errors.ErrCodeForgeUnavailable
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = errors.ErrCodeForgeNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errors.ErrCodeForgeAuth
		}
	}
	return errors.Wrap(code, "github "+op+" failed", err)
}

func prNumber(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeForgeNotFound, "invalid pull request id `"+id+"`", err)
	}
	return n, nil
}

func (r *repository) convertPR(pr *github.PullRequest) *forge.PullRequest {
	state := forge.PRStateOpen
	if pr.GetState() != "open" {
		state = forge.PRStateClosed
	}
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}
	return &forge.PullRequest{
		ID:           strconv.Itoa(pr.GetNumber()),
		Repo:         r.name,
		Title:        pr.GetTitle(),
		Body:         pr.GetBody(),
		Author:       pr.GetUser().GetLogin(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		HeadHash:     forge.Hash(pr.GetHead().GetSHA()),
		State:        state,
		Draft:        pr.GetDraft(),
		Labels:       labels,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
}

// PullRequests lists PRs updated since the given time. The snapshots are
// shallow; the bot re-fetches each PR before processing it.
func (r *repository) PullRequests(ctx context.Context, updatedSince time.Time) ([]*forge.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: defaultPerPage},
	}
	var result []*forge.PullRequest
	for {
		prs, resp, err := r.forge.client.PullRequests.List(ctx, r.owner, r.repo, opts)
		if err != nil {
			return nil, apiError("list pull requests", resp, err)
		}
		for _, pr := range prs {
			if !updatedSince.IsZero() && pr.GetUpdatedAt().Time.Before(updatedSince) {
				return result, nil
			}
			result = append(result, r.convertPR(pr))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

// PullRequest fetches the complete PR snapshot: metadata, comments,
// reviews and changed files.
func (r *repository) PullRequest(ctx context.Context, id string) (*forge.PullRequest, error) {
	number, err := prNumber(id)
	if err != nil {
		return nil, err
	}
	pr, resp, err := r.forge.client.PullRequests.Get(ctx, r.owner, r.repo, number)
	if err != nil {
		return nil, apiError("get pull request", resp, err)
	}
	result := r.convertPR(pr)

	commentOpts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: defaultPerPage},
	}
	for {
		comments, resp, err := r.forge.client.Issues.ListComments(ctx, r.owner, r.repo, number, commentOpts)
		if err != nil {
			return nil, apiError("list comments", resp, err)
		}
		for _, c := range comments {
			result.Comments = append(result.Comments, forge.Comment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		commentOpts.Page = resp.NextPage
	}

	reviewOpts := &github.ListOptions{PerPage: defaultPerPage}
	for {
		reviews, resp, err := r.forge.client.PullRequests.ListReviews(ctx, r.owner, r.repo, number, reviewOpts)
		if err != nil {
			return nil, apiError("list reviews", resp, err)
		}
		for _, rv := range reviews {
			state := forge.ReviewComment
			switch rv.GetState() {
			case "APPROVED":
				state = forge.ReviewApproved
			case "CHANGES_REQUESTED":
				state = forge.ReviewChangesRequested
			}
			result.Reviews = append(result.Reviews, forge.Review{
				ID:        strconv.FormatInt(rv.GetID(), 10),
				Author:    rv.GetUser().GetLogin(),
				State:     state,
				Hash:      forge.Hash(rv.GetCommitID()),
				Body:      rv.GetBody(),
				CreatedAt: rv.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}

	fileOpts := &github.ListOptions{PerPage: defaultPerPage}
	for {
		files, resp, err := r.forge.client.PullRequests.ListFiles(ctx, r.owner, r.repo, number, fileOpts)
		if err != nil {
			return nil, apiError("list files", resp, err)
		}
		for _, f := range files {
			result.ChangedFiles = append(result.ChangedFiles, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		fileOpts.Page = resp.NextPage
	}
	return result, nil
}

func (r *repository) CreatePullRequest(ctx context.Context, targetBranch, sourceBranch, title, body string) (*forge.PullRequest, error) {
	pr, resp, err := r.forge.client.PullRequests.Create(ctx, r.owner, r.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(sourceBranch),
		Base:  github.String(targetBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, apiError("create pull request", resp, err)
	}
	return r.convertPR(pr), nil
}

func (r *repository) AddComment(ctx context.Context, prID, body string) (*forge.Comment, error) {
	number, err := prNumber(prID)
	if err != nil {
		return nil, err
	}
	c, resp, err := r.forge.client.Issues.CreateComment(ctx, r.owner, r.repo, number,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return nil, apiError("add comment", resp, err)
	}
	return &forge.Comment{
		ID:        strconv.FormatInt(c.GetID(), 10),
		Author:    c.GetUser().GetLogin(),
		Body:      c.GetBody(),
		CreatedAt: c.GetCreatedAt().Time,
	}, nil
}

func (r *repository) UpdateComment(ctx context.Context, prID, commentID, body string) error {
	id, err := strconv.ParseInt(commentID, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrCodeForgeNotFound, "invalid comment id `"+commentID+"`", err)
	}
	_, resp, err := r.forge.client.Issues.EditComment(ctx, r.owner, r.repo, id,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return apiError("update comment", resp, err)
	}
	return nil
}

func (r *repository) SetBody(ctx context.Context, prID, body string) error {
	number, err := prNumber(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.Issues.Edit(ctx, r.owner, r.repo, number,
		&github.IssueRequest{Body: github.String(body)})
	if err != nil {
		return apiError("set body", resp, err)
	}
	return nil
}

func (r *repository) SetTitle(ctx context.Context, prID, title string) error {
	number, err := prNumber(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.Issues.Edit(ctx, r.owner, r.repo, number,
		&github.IssueRequest{Title: github.String(title)})
	if err != nil {
		return apiError("set title", resp, err)
	}
	return nil
}

func (r *repository) AddLabel(ctx context.Context, prID, label string) error {
	number, err := prNumber(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.Issues.AddLabelsToIssue(ctx, r.owner, r.repo, number, []string{label})
	if err != nil {
		return apiError("add label", resp, err)
	}
	return nil
}

func (r *repository) RemoveLabel(ctx context.Context, prID, label string) error {
	number, err := prNumber(prID)
	if err != nil {
		return err
	}
	resp, err := r.forge.client.Issues.RemoveLabelForIssue(ctx, r.owner, r.repo, number, label)
	if err != nil {
		// Removing an absent label is a no-op
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return apiError("remove label", resp, err)
	}
	return nil
}

func (r *repository) ClosePullRequest(ctx context.Context, prID string) error {
	number, err := prNumber(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.PullRequests.Edit(ctx, r.owner, r.repo, number,
		&github.PullRequest{State: github.String("closed")})
	if err != nil {
		return apiError("close pull request", resp, err)
	}
	return nil
}

// SetCheck publishes the check as a commit status keyed by context name
func (r *repository) SetCheck(ctx context.Context, prID string, check *forge.CheckStatus) error {
	state := "pending"
	switch check.State {
	case forge.CheckSuccess:
		state = "success"
	case forge.CheckFailure:
		state = "failure"
	}
	description := check.Summary
	if len(description) > maxStatusDescription {
		description = description[:maxStatusDescription]
	}
	_, resp, err := r.forge.client.Repositories.CreateStatus(ctx, r.owner, r.repo,
		check.Hash.String(), &github.RepoStatus{
			State:       github.String(state),
			Context:     github.String(check.Name),
			Description: github.String(description),
		})
	if err != nil {
		return apiError("set check", resp, err)
	}
	return nil
}

func (r *repository) Checks(ctx context.Context, prID string, head forge.Hash) ([]*forge.CheckStatus, error) {
	opts := &github.ListOptions{PerPage: defaultPerPage}
	var result []*forge.CheckStatus
	for {
		statuses, resp, err := r.forge.client.Repositories.ListStatuses(ctx, r.owner, r.repo,
			head.String(), opts)
		if err != nil {
			return nil, apiError("list checks", resp, err)
		}
		for _, s := range statuses {
			state := forge.CheckInProgress
			switch s.GetState() {
			case "success":
				state = forge.CheckSuccess
			case "failure", "error":
				state = forge.CheckFailure
			}
			result = append(result, &forge.CheckStatus{
				Name:    s.GetContext(),
				State:   state,
				Hash:    head,
				Summary: s.GetDescription(),
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *repository) BranchHead(ctx context.Context, branch string) (forge.Hash, error) {
	b, resp, err := r.forge.client.Repositories.GetBranch(ctx, r.owner, r.repo, branch, 3)
	if err != nil {
		return "", apiError("get branch", resp, err)
	}
	return forge.Hash(b.GetCommit().GetSHA()), nil
}

func (r *repository) CreateBranch(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.Git.CreateRef(ctx, r.owner, r.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(target.String())},
	})
	if err != nil {
		return apiError("create branch", resp, err)
	}
	return nil
}

func (r *repository) CreateTag(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.Git.CreateRef(ctx, r.owner, r.repo, &github.Reference{
		Ref:    github.String("refs/tags/" + name),
		Object: &github.GitObject{SHA: github.String(target.String())},
	})
	if err != nil {
		return apiError("create tag", resp, err)
	}
	return nil
}

func (r *repository) Commit(ctx context.Context, hash forge.Hash) (*forge.Commit, error) {
	c, resp, err := r.forge.client.Repositories.GetCommit(ctx, r.owner, r.repo, hash.String(), nil)
	if err != nil {
		return nil, apiError("get commit", resp, err)
	}
	parents := make([]forge.Hash, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, forge.Hash(p.GetSHA()))
	}
	return &forge.Commit{
		Hash:    forge.Hash(c.GetSHA()),
		Message: strings.Split(c.GetCommit().GetMessage(), "\n"),
		Author: forge.Identity{
			Name:  c.GetCommit().GetAuthor().GetName(),
			Email: c.GetCommit().GetAuthor().GetEmail(),
		},
		Committer: forge.Identity{
			Name:  c.GetCommit().GetCommitter().GetName(),
			Email: c.GetCommit().GetCommitter().GetEmail(),
		},
		Parents: parents,
	}, nil
}

func (r *repository) CommitComments(ctx context.Context, since time.Time) ([]*forge.CommitComment, error) {
	opts := &github.ListOptions{PerPage: defaultPerPage}
	var result []*forge.CommitComment
	for {
		comments, resp, err := r.forge.client.Repositories.ListComments(ctx, r.owner, r.repo, opts)
		if err != nil {
			return nil, apiError("list commit comments", resp, err)
		}
		for _, c := range comments {
			if !since.IsZero() && c.GetCreatedAt().Time.Before(since) {
				continue
			}
			result = append(result, &forge.CommitComment{
				Comment: forge.Comment{
					ID:        strconv.FormatInt(c.GetID(), 10),
					Author:    c.GetUser().GetLogin(),
					Body:      c.GetBody(),
					CreatedAt: c.GetCreatedAt().Time,
				},
				CommitHash: forge.Hash(c.GetCommitID()),
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *repository) AddCommitComment(ctx context.Context, hash forge.Hash, body string) (*forge.Comment, error) {
	c, resp, err := r.forge.client.Repositories.CreateComment(ctx, r.owner, r.repo,
		hash.String(), &github.RepositoryComment{Body: github.String(body)})
	if err != nil {
		return nil, apiError("add commit comment", resp, err)
	}
	return &forge.Comment{
		ID:        strconv.FormatInt(c.GetID(), 10),
		Author:    c.GetUser().GetLogin(),
		Body:      c.GetBody(),
		CreatedAt: c.GetCreatedAt().Time,
	}, nil
}

func (r *repository) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	content, _, resp, err := r.forge.client.Repositories.GetContents(ctx, r.owner, r.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, apiError("get contents", resp, err)
	}
	if content == nil {
		return nil, errors.New(errors.ErrCodeForgeNotFound, path+" is not a file at "+ref)
	}
	text, err := content.GetContent()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeForgeUnavailable, "cannot decode "+path, err)
	}
	return []byte(text), nil
}
