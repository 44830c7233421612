// Package gitea implements the forge interface for Gitea instances using
// the official Gitea Go SDK.
package gitea

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.gitea.io/sdk/gitea"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

const (
	defaultPerPage  = 50
	defaultGiteaURL = "https://gitea.com"
)

// Options configures a Gitea forge connection
type Options struct {
	// BaseURL is empty for gitea.com, the instance URL otherwise
	BaseURL string
	// Token authenticates API and git operations
	Token string
	// BotUser is the username the bot acts as
	BotUser string
	// RPS and Burst configure the client-side rate limiter
	RPS   float64
	Burst int
}

// Forge resolves repositories on one Gitea instance
type Forge struct {
	client *gitea.Client
	opts   Options
	host   string
}

// New creates a Gitea forge connection
func New(opts Options) (*Forge, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultGiteaURL
	}
	client, err := gitea.NewClient(baseURL, gitea.SetToken(opts.Token))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid,
			"cannot create gitea client for "+baseURL, err)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(
		strings.TrimPrefix(baseURL, "https://"), "http://"), "/")
	logger.Info("gitea forge initialized",
		zap.String("host", host), zap.String("bot_user", opts.BotUser))
	return &Forge{client: client, opts: opts, host: host}, nil
}

// Name returns the forge name
func (f *Forge) Name() string {
	return "gitea"
}

// Repository resolves a repository by "owner/repo" name
func (f *Forge) Repository(name string) (forge.Repository, error) {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"gitea repository name must be owner/repo, got `"+name+"`")
	}
	r := &repository{forge: f, name: name, owner: owner, repo: repo}
	return forge.NewRateLimited(r, f.opts.RPS, f.opts.Burst), nil
}

// HeadRef returns the hidden ref Gitea keeps pointing at a PR head
func HeadRef(prID string) string {
	return "refs/pull/" + prID + "/head"
}

type repository struct {
	forge *Forge
	name  string
	owner string
	repo  string

	labelMu  sync.Mutex
	labelIDs map[string]int64
}

func (r *repository) Name() string {
	return r.name
}

func (r *repository) URL() string {
	if r.forge.opts.Token != "" {
		return fmt.Sprintf("https://oauth2:%s@%s/%s.git",
			r.forge.opts.Token, r.forge.host, r.name)
	}
	return fmt.Sprintf("https://%s/%s.git", r.forge.host, r.name)
}

func (r *repository) ForgeName() string {
	return "gitea"
}

func (r *repository) BotUser() string {
	return r.forge.opts.BotUser
}

func apiError(op string, resp *gitea.Response, err error) error {
	code := errors.ErrCodeForgeUnavailable
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = errors.ErrCodeForgeNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errors.ErrCodeForgeAuth
		}
	}
	return errors.Wrap(code, "gitea "+op+" failed", err)
}

func prIndex(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeForgeNotFound, "invalid pull request id `"+id+"`", err)
	}
	return n, nil
}

func (r *repository) convertPR(pr *gitea.PullRequest) *forge.PullRequest {
	state := forge.PRStateOpen
	if pr.State != gitea.StateOpen {
		state = forge.PRStateClosed
	}
	author := ""
	if pr.Poster != nil {
		author = pr.Poster.UserName
	}
	head := ""
	source := ""
	if pr.Head != nil {
		head = pr.Head.Sha
		source = pr.Head.Ref
	}
	target := ""
	if pr.Base != nil {
		target = pr.Base.Ref
	}
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}
	updated := time.Time{}
	if pr.Updated != nil {
		updated = *pr.Updated
	}
	return &forge.PullRequest{
		ID:           strconv.FormatInt(pr.Index, 10),
		Repo:         r.name,
		Title:        pr.Title,
		Body:         pr.Body,
		Author:       author,
		SourceBranch: source,
		TargetBranch: target,
		HeadHash:     forge.Hash(head),
		State:        state,
		Draft:        strings.HasPrefix(pr.Title, "WIP:"),
		Labels:       labels,
		UpdatedAt:    updated,
	}
}

func (r *repository) PullRequests(ctx context.Context, updatedSince time.Time) ([]*forge.PullRequest, error) {
	opts := gitea.ListPullRequestsOptions{
		State:       gitea.StateAll,
		ListOptions: gitea.ListOptions{PageSize: defaultPerPage, Page: 1},
	}
	var result []*forge.PullRequest
	for {
		prs, resp, err := r.forge.client.ListRepoPullRequests(r.owner, r.repo, opts)
		if err != nil {
			return nil, apiError("list pull requests", resp, err)
		}
		if len(prs) == 0 {
			return result, nil
		}
		for _, pr := range prs {
			converted := r.convertPR(pr)
			if !updatedSince.IsZero() && converted.UpdatedAt.Before(updatedSince) {
				continue
			}
			result = append(result, converted)
		}
		opts.Page++
	}
}

func (r *repository) PullRequest(ctx context.Context, id string) (*forge.PullRequest, error) {
	index, err := prIndex(id)
	if err != nil {
		return nil, err
	}
	pr, resp, err := r.forge.client.GetPullRequest(r.owner, r.repo, index)
	if err != nil {
		return nil, apiError("get pull request", resp, err)
	}
	result := r.convertPR(pr)

	comments, resp, err := r.forge.client.ListIssueComments(r.owner, r.repo, index,
		gitea.ListIssueCommentOptions{})
	if err != nil {
		return nil, apiError("list comments", resp, err)
	}
	for _, c := range comments {
		result.Comments = append(result.Comments, forge.Comment{
			ID:        strconv.FormatInt(c.ID, 10),
			Author:    c.Poster.UserName,
			Body:      c.Body,
			CreatedAt: c.Created,
		})
	}

	reviews, resp, err := r.forge.client.ListPullReviews(r.owner, r.repo, index,
		gitea.ListPullReviewsOptions{})
	if err != nil {
		return nil, apiError("list reviews", resp, err)
	}
	for _, rv := range reviews {
		state := forge.ReviewComment
		switch rv.State {
		case gitea.ReviewStateApproved:
			state = forge.ReviewApproved
		case gitea.ReviewStateRequestChanges:
			state = forge.ReviewChangesRequested
		}
		reviewer := ""
		if rv.Reviewer != nil {
			reviewer = rv.Reviewer.UserName
		}
		result.Reviews = append(result.Reviews, forge.Review{
			ID:        strconv.FormatInt(rv.ID, 10),
			Author:    reviewer,
			State:     state,
			Hash:      forge.Hash(rv.CommitID),
			Body:      rv.Body,
			CreatedAt: rv.Submitted,
		})
	}

	files, resp, err := r.forge.client.ListPullRequestFiles(r.owner, r.repo, index,
		gitea.ListPullRequestFilesOptions{})
	if err != nil {
		return nil, apiError("list files", resp, err)
	}
	for _, f := range files {
		result.ChangedFiles = append(result.ChangedFiles, f.Filename)
	}
	return result, nil
}

func (r *repository) CreatePullRequest(ctx context.Context, targetBranch, sourceBranch, title, body string) (*forge.PullRequest, error) {
	pr, resp, err := r.forge.client.CreatePullRequest(r.owner, r.repo, gitea.CreatePullRequestOption{
		Head:  sourceBranch,
		Base:  targetBranch,
		Title: title,
		Body:  body,
	})
	if err != nil {
		return nil, apiError("create pull request", resp, err)
	}
	return r.convertPR(pr), nil
}

func (r *repository) AddComment(ctx context.Context, prID, body string) (*forge.Comment, error) {
	index, err := prIndex(prID)
	if err != nil {
		return nil, err
	}
	c, resp, err := r.forge.client.CreateIssueComment(r.owner, r.repo, index,
		gitea.CreateIssueCommentOption{Body: body})
	if err != nil {
		return nil, apiError("add comment", resp, err)
	}
	return &forge.Comment{
		ID:        strconv.FormatInt(c.ID, 10),
		Author:    c.Poster.UserName,
		Body:      c.Body,
		CreatedAt: c.Created,
	}, nil
}

func (r *repository) UpdateComment(ctx context.Context, prID, commentID, body string) error {
	id, err := strconv.ParseInt(commentID, 10, 64)
	if err != nil {
		return errors.Wrap(errors.ErrCodeForgeNotFound, "invalid comment id `"+commentID+"`", err)
	}
	_, resp, err := r.forge.client.EditIssueComment(r.owner, r.repo, id,
		gitea.EditIssueCommentOption{Body: body})
	if err != nil {
		return apiError("update comment", resp, err)
	}
	return nil
}

func (r *repository) SetBody(ctx context.Context, prID, body string) error {
	index, err := prIndex(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.EditIssue(r.owner, r.repo, index,
		gitea.EditIssueOption{Body: &body})
	if err != nil {
		return apiError("set body", resp, err)
	}
	return nil
}

func (r *repository) SetTitle(ctx context.Context, prID, title string) error {
	index, err := prIndex(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.EditIssue(r.owner, r.repo, index,
		gitea.EditIssueOption{Title: title})
	if err != nil {
		return apiError("set title", resp, err)
	}
	return nil
}

// labelID maps a label name to its repository id, creating the label when
// it does not exist yet. Gitea addresses issue labels by id only.
func (r *repository) labelID(name string) (int64, error) {
	r.labelMu.Lock()
	defer r.labelMu.Unlock()
	if id, ok := r.labelIDs[name]; ok {
		return id, nil
	}
	labels, resp, err := r.forge.client.ListRepoLabels(r.owner, r.repo,
		gitea.ListLabelsOptions{})
	if err != nil {
		return 0, apiError("list labels", resp, err)
	}
	if r.labelIDs == nil {
		r.labelIDs = make(map[string]int64)
	}
	for _, l := range labels {
		r.labelIDs[l.Name] = l.ID
	}
	if id, ok := r.labelIDs[name]; ok {
		return id, nil
	}
	created, resp, err := r.forge.client.CreateLabel(r.owner, r.repo, gitea.CreateLabelOption{
		Name:  name,
		Color: "#c0c0c0",
	})
	if err != nil {
		return 0, apiError("create label", resp, err)
	}
	r.labelIDs[name] = created.ID
	return created.ID, nil
}

func (r *repository) AddLabel(ctx context.Context, prID, label string) error {
	index, err := prIndex(prID)
	if err != nil {
		return err
	}
	id, err := r.labelID(label)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.AddIssueLabels(r.owner, r.repo, index,
		gitea.IssueLabelsOption{Labels: []int64{id}})
	if err != nil {
		return apiError("add label", resp, err)
	}
	return nil
}

func (r *repository) RemoveLabel(ctx context.Context, prID, label string) error {
	index, err := prIndex(prID)
	if err != nil {
		return err
	}
	id, err := r.labelID(label)
	if err != nil {
		return err
	}
	resp, err := r.forge.client.DeleteIssueLabel(r.owner, r.repo, index, id)
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
	index, err := prIndex(prID)
	if err != nil {
		return err
	}
	closed := gitea.StateClosed
	_, resp, err := r.forge.client.EditPullRequest(r.owner, r.repo, index,
		gitea.EditPullRequestOption{State: &closed})
	if err != nil {
		return apiError("close pull request", resp, err)
	}
	return nil
}

func (r *repository) SetCheck(ctx context.Context, prID string, check *forge.CheckStatus) error {
	state := gitea.StatusPending
	switch check.State {
	case forge.CheckSuccess:
		state = gitea.StatusSuccess
	case forge.CheckFailure:
		state = gitea.StatusFailure
	}
	_, resp, err := r.forge.client.CreateStatus(r.owner, r.repo, check.Hash.String(),
		gitea.CreateStatusOption{
			State:       state,
			Context:     check.Name,
			Description: check.Summary,
		})
	if err != nil {
		return apiError("create status", resp, err)
	}
	return nil
}

func (r *repository) Checks(ctx context.Context, prID string, head forge.Hash) ([]*forge.CheckStatus, error) {
	opts := gitea.ListStatusesOption{
		ListOptions: gitea.ListOptions{PageSize: defaultPerPage, Page: 1},
	}
	var result []*forge.CheckStatus
	for {
		statuses, resp, err := r.forge.client.ListStatuses(r.owner, r.repo, head.String(), opts)
		if err != nil {
			return nil, apiError("list statuses", resp, err)
		}
		if len(statuses) == 0 {
			return result, nil
		}
		for _, s := range statuses {
			state := forge.CheckInProgress
			switch s.State {
			case gitea.StatusSuccess:
				state = forge.CheckSuccess
			case gitea.StatusFailure, gitea.StatusError:
				state = forge.CheckFailure
			}
			result = append(result, &forge.CheckStatus{
				Name:    s.Context,
				State:   state,
				Hash:    head,
				Summary: s.Description,
			})
		}
		opts.Page++
	}
}

func (r *repository) BranchHead(ctx context.Context, branch string) (forge.Hash, error) {
	b, resp, err := r.forge.client.GetRepoBranch(r.owner, r.repo, branch)
	if err != nil {
		return "", apiError("get branch", resp, err)
	}
	return forge.Hash(b.Commit.ID), nil
}

func (r *repository) CreateBranch(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.CreateBranch(r.owner, r.repo, gitea.CreateBranchOption{
		BranchName: name,
		OldRefName: target.String(),
	})
	if err != nil {
		return apiError("create branch", resp, err)
	}
	return nil
}

func (r *repository) CreateTag(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.CreateTag(r.owner, r.repo, gitea.CreateTagOption{
		TagName: name,
		Target:  target.String(),
	})
	if err != nil {
		return apiError("create tag", resp, err)
	}
	return nil
}

func (r *repository) Commit(ctx context.Context, hash forge.Hash) (*forge.Commit, error) {
	c, resp, err := r.forge.client.GetSingleCommit(r.owner, r.repo, hash.String())
	if err != nil {
		return nil, apiError("get commit", resp, err)
	}
	parents := make([]forge.Hash, 0, len(c.Parents))
	for _, p := range c.Parents {
		parents = append(parents, forge.Hash(p.SHA))
	}
	commit := &forge.Commit{
		Hash:    forge.Hash(c.SHA),
		Parents: parents,
	}
	if c.RepoCommit != nil {
		commit.Message = strings.Split(c.RepoCommit.Message, "\n")
		if c.RepoCommit.Author != nil {
			commit.Author = forge.Identity{
				Name:  c.RepoCommit.Author.Name,
				Email: c.RepoCommit.Author.Email,
			}
		}
		if c.RepoCommit.Committer != nil {
			commit.Committer = forge.Identity{
				Name:  c.RepoCommit.Committer.Name,
				Email: c.RepoCommit.Committer.Email,
			}
		}
	}
	return commit, nil
}

// CommitComments returns nothing: Gitea has no commit comment API, so
// merged-commit commands are unavailable on this forge.
func (r *repository) CommitComments(ctx context.Context, since time.Time) ([]*forge.CommitComment, error) {
	return nil, nil
}

func (r *repository) AddCommitComment(ctx context.Context, hash forge.Hash, body string) (*forge.Comment, error) {
	return nil, errors.New(errors.ErrCodeForgeNotFound,
		"gitea does not support commit comments")
}

func (r *repository) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	data, resp, err := r.forge.client.GetFile(r.owner, r.repo, ref, path)
	if err != nil {
		return nil, apiError("get file", resp, err)
	}
	return data, nil
}
