// Package gitlab implements the forge interface for GitLab.com and
// self-hosted GitLab instances using the official API client.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

const (
	defaultPerPage   = 100
	defaultGitLabURL = "https://gitlab.com"
)

// Options configures a GitLab forge connection
type Options struct {
	// BaseURL is empty for gitlab.com, the instance URL otherwise
	BaseURL string
	// Token authenticates API and git operations
	Token string
	// BotUser is the username the bot acts as
	BotUser string
	// RPS and Burst configure the client-side rate limiter
	RPS   float64
	Burst int
}

// Forge resolves repositories on one GitLab instance
type Forge struct {
	client *gitlab.Client
	opts   Options
	host   string
}

// New creates a GitLab forge connection
func New(opts Options) (*Forge, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultGitLabURL
	}
	clientOpts := []gitlab.ClientOptionFunc{}
	if baseURL != defaultGitLabURL {
		clientOpts = append(clientOpts, gitlab.WithBaseURL(baseURL))
	}
	client, err := gitlab.NewClient(opts.Token, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid,
			"cannot create gitlab client for "+baseURL, err)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(
		strings.TrimPrefix(baseURL, "https://"), "http://"), "/")
	logger.Info("gitlab forge initialized",
		zap.String("host", host), zap.String("bot_user", opts.BotUser))
	return &Forge{client: client, opts: opts, host: host}, nil
}

// Name returns the forge name
func (f *Forge) Name() string {
	return "gitlab"
}

// Repository resolves a repository by its full path ("group/project")
func (f *Forge) Repository(name string) (forge.Repository, error) {
	if !strings.Contains(name, "/") {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"gitlab repository name must be group/project, got `"+name+"`")
	}
	r := &repository{forge: f, name: name}
	return forge.NewRateLimited(r, f.opts.RPS, f.opts.Burst), nil
}

// HeadRef returns the hidden ref GitLab keeps pointing at an MR head
func HeadRef(prID string) string {
	return "refs/merge-requests/" + prID + "/head"
}

type repository struct {
	forge *Forge
	name  string
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
	return "gitlab"
}

func (r *repository) BotUser() string {
	return r.forge.opts.BotUser
}

func apiError(op string, resp *gitlab.Response, err error) error {
	code := errors.ErrCodeForgeUnavailable
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = errors.ErrCodeForgeNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errors.ErrCodeForgeAuth
		}
	}
	return errors.Wrap(code, "gitlab "+op+" failed", err)
}

func mrIID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeForgeNotFound, "invalid merge request id `"+id+"`", err)
	}
	return n, nil
}

func (r *repository) convertMR(mr *gitlab.BasicMergeRequest) *forge.PullRequest {
	state := forge.PRStateOpen
	if mr.State != "opened" {
		state = forge.PRStateClosed
	}
	author := ""
	if mr.Author != nil {
		author = mr.Author.Username
	}
	updated := time.Time{}
	if mr.UpdatedAt != nil {
		updated = *mr.UpdatedAt
	}
	return &forge.PullRequest{
		ID:           strconv.Itoa(mr.IID),
		Repo:         r.name,
		Title:        mr.Title,
		Body:         mr.Description,
		Author:       author,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		HeadHash:     forge.Hash(mr.SHA),
		State:        state,
		Draft:        mr.Draft,
		Labels:       append([]string(nil), mr.Labels...),
		UpdatedAt:    updated,
	}
}

func (r *repository) PullRequests(ctx context.Context, updatedSince time.Time) ([]*forge.PullRequest, error) {
	opts := &gitlab.ListProjectMergeRequestsOptions{
		State:       gitlab.Ptr("all"),
		OrderBy:     gitlab.Ptr("updated_at"),
		Sort:        gitlab.Ptr("desc"),
		ListOptions: gitlab.ListOptions{PerPage: defaultPerPage},
	}
	if !updatedSince.IsZero() {
		opts.UpdatedAfter = &updatedSince
	}
	var result []*forge.PullRequest
	for {
		mrs, resp, err := r.forge.client.MergeRequests.ListProjectMergeRequests(r.name, opts,
			gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiError("list merge requests", resp, err)
		}
		for _, mr := range mrs {
			result = append(result, r.convertMR(mr))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *repository) PullRequest(ctx context.Context, id string) (*forge.PullRequest, error) {
	iid, err := mrIID(id)
	if err != nil {
		return nil, err
	}
	mr, resp, err := r.forge.client.MergeRequests.GetMergeRequest(r.name, iid, nil,
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("get merge request", resp, err)
	}
	result := r.convertMR(&mr.BasicMergeRequest)

	noteOpts := &gitlab.ListMergeRequestNotesOptions{
		ListOptions: gitlab.ListOptions{PerPage: defaultPerPage},
	}
	for {
		notes, resp, err := r.forge.client.Notes.ListMergeRequestNotes(r.name, iid, noteOpts,
			gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiError("list notes", resp, err)
		}
		for _, n := range notes {
			if n.System {
				continue
			}
			created := time.Time{}
			if n.CreatedAt != nil {
				created = *n.CreatedAt
			}
			result.Comments = append(result.Comments, forge.Comment{
				ID:        strconv.Itoa(n.ID),
				Author:    n.Author.Username,
				Body:      n.Body,
				CreatedAt: created,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		noteOpts.Page = resp.NextPage
	}

	// GitLab approvals carry no per-commit anchor, so they are mapped to
	// reviews pinned at the current head. GitLab resets approvals when the
	// head moves, so the anchor is accurate for unstale approvals.
	approvals, resp, err := r.forge.client.MergeRequestApprovals.GetConfiguration(r.name, iid,
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("get approvals", resp, err)
	}
	for i, by := range approvals.ApprovedBy {
		if by.User == nil {
			continue
		}
		result.Reviews = append(result.Reviews, forge.Review{
			ID:        fmt.Sprintf("approval-%d-%d", iid, i),
			Author:    by.User.Username,
			State:     forge.ReviewApproved,
			Hash:      result.HeadHash,
			CreatedAt: result.UpdatedAt,
		})
	}

	diffOpts := &gitlab.ListMergeRequestDiffsOptions{
		ListOptions: gitlab.ListOptions{PerPage: defaultPerPage},
	}
	for {
		diffs, resp, err := r.forge.client.MergeRequests.ListMergeRequestDiffs(r.name, iid, diffOpts,
			gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiError("list diffs", resp, err)
		}
		for _, d := range diffs {
			result.ChangedFiles = append(result.ChangedFiles, d.NewPath)
		}
		if resp.NextPage == 0 {
			break
		}
		diffOpts.Page = resp.NextPage
	}
	return result, nil
}

func (r *repository) CreatePullRequest(ctx context.Context, targetBranch, sourceBranch, title, body string) (*forge.PullRequest, error) {
	mr, resp, err := r.forge.client.MergeRequests.CreateMergeRequest(r.name,
		&gitlab.CreateMergeRequestOptions{
			Title:        gitlab.Ptr(title),
			Description:  gitlab.Ptr(body),
			SourceBranch: gitlab.Ptr(sourceBranch),
			TargetBranch: gitlab.Ptr(targetBranch),
		}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("create merge request", resp, err)
	}
	return r.convertMR(&mr.BasicMergeRequest), nil
}

func (r *repository) AddComment(ctx context.Context, prID, body string) (*forge.Comment, error) {
	iid, err := mrIID(prID)
	if err != nil {
		return nil, err
	}
	n, resp, err := r.forge.client.Notes.CreateMergeRequestNote(r.name, iid,
		&gitlab.CreateMergeRequestNoteOptions{Body: gitlab.Ptr(body)},
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("add note", resp, err)
	}
	created := time.Time{}
	if n.CreatedAt != nil {
		created = *n.CreatedAt
	}
	return &forge.Comment{
		ID:        strconv.Itoa(n.ID),
		Author:    n.Author.Username,
		Body:      n.Body,
		CreatedAt: created,
	}, nil
}

func (r *repository) UpdateComment(ctx context.Context, prID, commentID, body string) error {
	iid, err := mrIID(prID)
	if err != nil {
		return err
	}
	noteID, err := strconv.Atoi(commentID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeForgeNotFound, "invalid note id `"+commentID+"`", err)
	}
	_, resp, err := r.forge.client.Notes.UpdateMergeRequestNote(r.name, iid, noteID,
		&gitlab.UpdateMergeRequestNoteOptions{Body: gitlab.Ptr(body)},
		gitlab.WithContext(ctx))
	if err != nil {
		return apiError("update note", resp, err)
	}
	return nil
}

func (r *repository) update(ctx context.Context, prID string, opts *gitlab.UpdateMergeRequestOptions, op string) error {
	iid, err := mrIID(prID)
	if err != nil {
		return err
	}
	_, resp, err := r.forge.client.MergeRequests.UpdateMergeRequest(r.name, iid, opts,
		gitlab.WithContext(ctx))
	if err != nil {
		return apiError(op, resp, err)
	}
	return nil
}

func (r *repository) SetBody(ctx context.Context, prID, body string) error {
	return r.update(ctx, prID,
		&gitlab.UpdateMergeRequestOptions{Description: gitlab.Ptr(body)}, "set description")
}

func (r *repository) SetTitle(ctx context.Context, prID, title string) error {
	return r.update(ctx, prID,
		&gitlab.UpdateMergeRequestOptions{Title: gitlab.Ptr(title)}, "set title")
}

func (r *repository) AddLabel(ctx context.Context, prID, label string) error {
	return r.update(ctx, prID,
		&gitlab.UpdateMergeRequestOptions{AddLabels: &gitlab.LabelOptions{label}}, "add label")
}

func (r *repository) RemoveLabel(ctx context.Context, prID, label string) error {
	return r.update(ctx, prID,
		&gitlab.UpdateMergeRequestOptions{RemoveLabels: &gitlab.LabelOptions{label}}, "remove label")
}

func (r *repository) ClosePullRequest(ctx context.Context, prID string) error {
	return r.update(ctx, prID,
		&gitlab.UpdateMergeRequestOptions{StateEvent: gitlab.Ptr("close")}, "close merge request")
}

func (r *repository) SetCheck(ctx context.Context, prID string, check *forge.CheckStatus) error {
	state := gitlab.Running
	switch check.State {
	case forge.CheckSuccess:
		state = gitlab.Success
	case forge.CheckFailure:
		state = gitlab.Failed
	}
	_, resp, err := r.forge.client.Commits.SetCommitStatus(r.name, check.Hash.String(),
		&gitlab.SetCommitStatusOptions{
			State:       state,
			Context:     gitlab.Ptr(check.Name),
			Description: gitlab.Ptr(check.Summary),
		}, gitlab.WithContext(ctx))
	if err != nil {
		return apiError("set commit status", resp, err)
	}
	return nil
}

func (r *repository) Checks(ctx context.Context, prID string, head forge.Hash) ([]*forge.CheckStatus, error) {
	opts := &gitlab.GetCommitStatusesOptions{
		ListOptions: gitlab.ListOptions{PerPage: defaultPerPage},
	}
	var result []*forge.CheckStatus
	for {
		statuses, resp, err := r.forge.client.Commits.GetCommitStatuses(r.name, head.String(), opts,
			gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiError("get commit statuses", resp, err)
		}
		for _, s := range statuses {
			state := forge.CheckInProgress
			switch s.Status {
			case "success":
				state = forge.CheckSuccess
			case "failed", "canceled":
				state = forge.CheckFailure
			}
			result = append(result, &forge.CheckStatus{
				Name:    s.Name,
				State:   state,
				Hash:    head,
				Summary: s.Description,
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *repository) BranchHead(ctx context.Context, branch string) (forge.Hash, error) {
	b, resp, err := r.forge.client.Branches.GetBranch(r.name, branch, gitlab.WithContext(ctx))
	if err != nil {
		return "", apiError("get branch", resp, err)
	}
	return forge.Hash(b.Commit.ID), nil
}

func (r *repository) CreateBranch(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.Branches.CreateBranch(r.name, &gitlab.CreateBranchOptions{
		Branch: gitlab.Ptr(name),
		Ref:    gitlab.Ptr(target.String()),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return apiError("create branch", resp, err)
	}
	return nil
}

func (r *repository) CreateTag(ctx context.Context, name string, target forge.Hash) error {
	_, resp, err := r.forge.client.Tags.CreateTag(r.name, &gitlab.CreateTagOptions{
		TagName: gitlab.Ptr(name),
		Ref:     gitlab.Ptr(target.String()),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return apiError("create tag", resp, err)
	}
	return nil
}

func (r *repository) Commit(ctx context.Context, hash forge.Hash) (*forge.Commit, error) {
	c, resp, err := r.forge.client.Commits.GetCommit(r.name, hash.String(), nil,
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("get commit", resp, err)
	}
	parents := make([]forge.Hash, 0, len(c.ParentIDs))
	for _, p := range c.ParentIDs {
		parents = append(parents, forge.Hash(p))
	}
	return &forge.Commit{
		Hash:      forge.Hash(c.ID),
		Message:   strings.Split(c.Message, "\n"),
		Author:    forge.Identity{Name: c.AuthorName, Email: c.AuthorEmail},
		Committer: forge.Identity{Name: c.CommitterName, Email: c.CommitterEmail},
		Parents:   parents,
	}, nil
}

// CommitComments lists commit notes via the project event stream, the only
// repository-wide listing GitLab offers for them.
func (r *repository) CommitComments(ctx context.Context, since time.Time) ([]*forge.CommitComment, error) {
	target := gitlab.NoteEventTargetType
	opts := &gitlab.ListContributionEventsOptions{
		TargetType:  &target,
		ListOptions: gitlab.ListOptions{PerPage: defaultPerPage},
	}
	var result []*forge.CommitComment
	for {
		events, resp, err := r.forge.client.Events.ListProjectVisibleEvents(r.name, opts,
			gitlab.WithContext(ctx))
		if err != nil {
			return nil, apiError("list events", resp, err)
		}
		for _, ev := range events {
			if ev.Note == nil || ev.Note.NoteableType != "Commit" {
				continue
			}
			created := time.Time{}
			if ev.Note.CreatedAt != nil {
				created = *ev.Note.CreatedAt
			}
			if !since.IsZero() && created.Before(since) {
				continue
			}
			result = append(result, &forge.CommitComment{
				Comment: forge.Comment{
					ID:        strconv.Itoa(ev.Note.ID),
					Author:    ev.Note.Author.Username,
					Body:      ev.Note.Body,
					CreatedAt: created,
				},
				CommitHash: forge.Hash(ev.Note.CommitID),
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *repository) AddCommitComment(ctx context.Context, hash forge.Hash, body string) (*forge.Comment, error) {
	c, resp, err := r.forge.client.Commits.PostCommitComment(r.name, hash.String(),
		&gitlab.PostCommitCommentOptions{Note: gitlab.Ptr(body)},
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("add commit comment", resp, err)
	}
	return &forge.Comment{
		Author:    c.Author.Username,
		Body:      c.Note,
		CreatedAt: time.Now(),
	}, nil
}

func (r *repository) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	data, resp, err := r.forge.client.RepositoryFiles.GetRawFile(r.name, path,
		&gitlab.GetRawFileOptions{Ref: gitlab.Ptr(ref)},
		gitlab.WithContext(ctx))
	if err != nil {
		return nil, apiError("get raw file", resp, err)
	}
	return data, nil
}
