package forge

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/mergebot/mergebot/pkg/telemetry"
)

// RateLimitedRepository wraps a Repository with a token-bucket limiter.
// Work items that saturate the bucket are suspended on the limiter, not
// failed; cancellation of the work item context aborts the wait.
type RateLimitedRepository struct {
	Repository
	limiter *rate.Limiter
}

// NewRateLimited wraps a repository with a token-bucket limiter allowing
// rps requests per second with the given burst.
func NewRateLimited(repo Repository, rps float64, burst int) *RateLimitedRepository {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimitedRepository{
		Repository: repo,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedRepository) wait(ctx context.Context, op string) (func(success bool), error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	return func(success bool) {
		telemetry.GetMetrics().RecordForgeCall(ctx, op, success, time.Since(start).Seconds())
	}, nil
}

// PullRequests lists pull requests updated since the given time
func (r *RateLimitedRepository) PullRequests(ctx context.Context, updatedSince time.Time) ([]*PullRequest, error) {
	done, err := r.wait(ctx, "pull_requests")
	if err != nil {
		return nil, err
	}
	prs, err := r.Repository.PullRequests(ctx, updatedSince)
	done(err == nil)
	return prs, err
}

// PullRequest fetches a pull request by id
func (r *RateLimitedRepository) PullRequest(ctx context.Context, id string) (*PullRequest, error) {
	done, err := r.wait(ctx, "pull_request")
	if err != nil {
		return nil, err
	}
	pr, err := r.Repository.PullRequest(ctx, id)
	done(err == nil)
	return pr, err
}

// AddComment posts a comment on a pull request
func (r *RateLimitedRepository) AddComment(ctx context.Context, prID, body string) (*Comment, error) {
	done, err := r.wait(ctx, "add_comment")
	if err != nil {
		return nil, err
	}
	c, err := r.Repository.AddComment(ctx, prID, body)
	done(err == nil)
	return c, err
}

// UpdateComment replaces the body of an existing PR comment
func (r *RateLimitedRepository) UpdateComment(ctx context.Context, prID, commentID, body string) error {
	done, err := r.wait(ctx, "update_comment")
	if err != nil {
		return err
	}
	err = r.Repository.UpdateComment(ctx, prID, commentID, body)
	done(err == nil)
	return err
}

// SetBody replaces the PR body
func (r *RateLimitedRepository) SetBody(ctx context.Context, prID, body string) error {
	done, err := r.wait(ctx, "set_body")
	if err != nil {
		return err
	}
	err = r.Repository.SetBody(ctx, prID, body)
	done(err == nil)
	return err
}

// SetTitle replaces the PR title
func (r *RateLimitedRepository) SetTitle(ctx context.Context, prID, title string) error {
	done, err := r.wait(ctx, "set_title")
	if err != nil {
		return err
	}
	err = r.Repository.SetTitle(ctx, prID, title)
	done(err == nil)
	return err
}

// AddLabel adds a label to the PR
func (r *RateLimitedRepository) AddLabel(ctx context.Context, prID, label string) error {
	done, err := r.wait(ctx, "add_label")
	if err != nil {
		return err
	}
	err = r.Repository.AddLabel(ctx, prID, label)
	done(err == nil)
	return err
}

// RemoveLabel removes a label from the PR
func (r *RateLimitedRepository) RemoveLabel(ctx context.Context, prID, label string) error {
	done, err := r.wait(ctx, "remove_label")
	if err != nil {
		return err
	}
	err = r.Repository.RemoveLabel(ctx, prID, label)
	done(err == nil)
	return err
}

// ClosePullRequest transitions the PR to the closed state
func (r *RateLimitedRepository) ClosePullRequest(ctx context.Context, prID string) error {
	done, err := r.wait(ctx, "close_pull_request")
	if err != nil {
		return err
	}
	err = r.Repository.ClosePullRequest(ctx, prID)
	done(err == nil)
	return err
}

// SetCheck creates or updates a status check
func (r *RateLimitedRepository) SetCheck(ctx context.Context, prID string, check *CheckStatus) error {
	done, err := r.wait(ctx, "set_check")
	if err != nil {
		return err
	}
	err = r.Repository.SetCheck(ctx, prID, check)
	done(err == nil)
	return err
}

// CommitComments lists commit comments created since the given time
func (r *RateLimitedRepository) CommitComments(ctx context.Context, since time.Time) ([]*CommitComment, error) {
	done, err := r.wait(ctx, "commit_comments")
	if err != nil {
		return nil, err
	}
	cc, err := r.Repository.CommitComments(ctx, since)
	done(err == nil)
	return cc, err
}

// AddCommitComment posts a comment on a commit
func (r *RateLimitedRepository) AddCommitComment(ctx context.Context, hash Hash, body string) (*Comment, error) {
	done, err := r.wait(ctx, "add_commit_comment")
	if err != nil {
		return nil, err
	}
	c, err := r.Repository.AddCommitComment(ctx, hash, body)
	done(err == nil)
	return c, err
}
