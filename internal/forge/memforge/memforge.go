// Package memforge provides an in-memory forge implementation.
// It backs the test suite: branch state, pull requests, comments, labels and
// status checks live in process memory, and compare-and-set pushes behave
// like the hosted forge contract. Failure injection hooks simulate transient
// forge errors and merge conflicts.
package memforge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

// Repository is an in-memory forge.Repository
type Repository struct {
	mu sync.Mutex

	name    string
	botUser string

	nextID   int
	nextHash int

	prs      map[string]*forge.PullRequest
	branches map[string][]forge.Hash // ordered, head last
	commits  map[forge.Hash]*forge.Commit
	digests  map[forge.Hash]string // commit hash -> change digest
	checks   map[string]*forge.CheckStatus
	ccs      []*forge.CommitComment
	files    map[string][]byte // "ref:path" -> contents

	// failNext maps operation name -> remaining failures to inject
	failNext map[string]int

	// conflicts holds PR ids whose rebase onto target conflicts
	conflicts map[string]bool
}

// NewRepository creates an empty in-memory repository with a "master" branch
// containing one initial commit.
func NewRepository(name, botUser string) *Repository {
	r := &Repository{
		name:      name,
		botUser:   botUser,
		prs:       make(map[string]*forge.PullRequest),
		branches:  make(map[string][]forge.Hash),
		commits:   make(map[forge.Hash]*forge.Commit),
		digests:   make(map[forge.Hash]string),
		checks:    make(map[string]*forge.CheckStatus),
		files:     make(map[string][]byte),
		failNext:  make(map[string]int),
		conflicts: make(map[string]bool),
	}
	initial := r.newCommitLocked([]string{"Initial commit"}, forge.Identity{Name: "init", Email: "init@example.com"}, nil)
	r.branches["master"] = []forge.Hash{initial.Hash}
	return r
}

// Name returns the repository name
func (r *Repository) Name() string { return r.name }

// URL returns a synthetic clone URL
func (r *Repository) URL() string { return "mem://" + r.name }

// ForgeName returns "mem"
func (r *Repository) ForgeName() string { return "mem" }

// BotUser returns the configured bot account name
func (r *Repository) BotUser() string { return r.botUser }

// FailNext injects n transient failures for the named operation
func (r *Repository) FailNext(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[op] = n
}

// SetConflict marks a PR as conflicting with its target branch
func (r *Repository) SetConflict(prID string, conflict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[prID] = conflict
}

func (r *Repository) injectLocked(op string) error {
	if n := r.failNext[op]; n > 0 {
		r.failNext[op] = n - 1
		return errors.New(errors.ErrCodeForgeUnavailable, fmt.Sprintf("injected failure for %s", op))
	}
	return nil
}

func (r *Repository) newCommitLocked(message []string, author forge.Identity, parents []forge.Hash) *forge.Commit {
	r.nextHash++
	hash := forge.Hash(fmt.Sprintf("%040x", r.nextHash))
	c := &forge.Commit{
		Hash:      hash,
		Message:   message,
		Author:    author,
		Committer: author,
		Parents:   parents,
	}
	r.commits[hash] = c
	return c
}

// CreatePR adds an open pull request and returns it. The head hash is a
// synthetic commit not present on any branch.
func (r *Repository) CreatePR(id, author, title, body, sourceBranch, targetBranch string, files []string) *forge.PullRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := r.newCommitLocked([]string{title}, forge.Identity{Name: author, Email: author + "@example.com"}, nil)
	pr := &forge.PullRequest{
		ID:           id,
		Repo:         r.name,
		Title:        title,
		Body:         body,
		Author:       author,
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		HeadHash:     head.Hash,
		State:        forge.PRStateOpen,
		ChangedFiles: files,
		UpdatedAt:    time.Now(),
	}
	r.prs[id] = pr
	return pr
}

// PushPRHead simulates the PR author pushing a new commit to the source branch
func (r *Repository) PushPRHead(prID string) forge.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr := r.prs[prID]
	head := r.newCommitLocked([]string{pr.Title}, forge.Identity{Name: pr.Author, Email: pr.Author + "@example.com"}, []forge.Hash{pr.HeadHash})
	pr.HeadHash = head.Hash
	pr.UpdatedAt = time.Now()
	return head.Hash
}

// AdvanceBranch appends a commit to a branch and returns its hash
func (r *Repository) AdvanceBranch(branch, title string) forge.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	hashes := r.branches[branch]
	var parents []forge.Hash
	if len(hashes) > 0 {
		parents = []forge.Hash{hashes[len(hashes)-1]}
	}
	c := r.newCommitLocked([]string{title}, forge.Identity{Name: "other", Email: "other@example.com"}, parents)
	r.branches[branch] = append(hashes, c.Hash)
	return c.Hash
}

// AddReview records a review on a PR at its current head
func (r *Repository) AddReview(prID, author, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr := r.prs[prID]
	r.nextID++
	pr.Reviews = append(pr.Reviews, forge.Review{
		ID:        fmt.Sprintf("rev-%d", r.nextID),
		Author:    author,
		State:     state,
		Hash:      pr.HeadHash,
		CreatedAt: time.Now(),
	})
	pr.UpdatedAt = time.Now()
}

// AddUserComment posts a comment authored by the given user
func (r *Repository) AddUserComment(prID, author, body string) *forge.Comment {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr := r.prs[prID]
	r.nextID++
	c := forge.Comment{
		ID:        fmt.Sprintf("c-%d", r.nextID),
		Author:    author,
		Body:      body,
		CreatedAt: time.Now(),
	}
	pr.Comments = append(pr.Comments, c)
	pr.UpdatedAt = time.Now()
	return &c
}

// SetFile stores file contents for FileContents lookups, keyed by ref and path
func (r *Repository) SetFile(ref, path string, contents []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[ref+":"+path] = contents
}

// BranchCommits returns the ordered commit hashes of a branch (head last)
func (r *Repository) BranchCommits(branch string) []forge.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]forge.Hash, len(r.branches[branch]))
	copy(out, r.branches[branch])
	return out
}

// DigestOf returns the change digest recorded for a pushed commit
func (r *Repository) DigestOf(hash forge.Hash) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.digests[hash]
}

// PullRequests lists pull requests updated since the given time
func (r *Repository) PullRequests(ctx context.Context, updatedSince time.Time) ([]*forge.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("pull_requests"); err != nil {
		return nil, err
	}
	var out []*forge.PullRequest
	for _, pr := range r.prs {
		if pr.UpdatedAt.After(updatedSince) {
			out = append(out, r.snapshotLocked(pr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PullRequest fetches a pull request by id
func (r *Repository) PullRequest(ctx context.Context, id string) (*forge.PullRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("pull_request"); err != nil {
		return nil, err
	}
	pr, ok := r.prs[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "pull request "+id+" not found")
	}
	return r.snapshotLocked(pr), nil
}

// snapshotLocked returns a deep copy so callers never share mutable state
func (r *Repository) snapshotLocked(pr *forge.PullRequest) *forge.PullRequest {
	cp := *pr
	cp.Labels = append([]string(nil), pr.Labels...)
	cp.Reviews = append([]forge.Review(nil), pr.Reviews...)
	cp.Comments = append([]forge.Comment(nil), pr.Comments...)
	cp.ChangedFiles = append([]string(nil), pr.ChangedFiles...)
	return &cp
}

// CreatePullRequest opens a new pull request
func (r *Repository) CreatePullRequest(ctx context.Context, targetBranch, sourceBranch, title, body string) (*forge.PullRequest, error) {
	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("%d", r.nextID)
	r.mu.Unlock()
	pr := r.CreatePR(id, r.botUser, title, body, sourceBranch, targetBranch, nil)
	return pr, nil
}

// AddComment posts a comment as the bot user
func (r *Repository) AddComment(ctx context.Context, prID, body string) (*forge.Comment, error) {
	r.mu.Lock()
	if err := r.injectLocked("add_comment"); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()
	return r.AddUserComment(prID, r.botUser, body), nil
}

// UpdateComment replaces the body of an existing PR comment
func (r *Repository) UpdateComment(ctx context.Context, prID, commentID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("update_comment"); err != nil {
		return err
	}
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	for i := range pr.Comments {
		if pr.Comments[i].ID == commentID {
			pr.Comments[i].Body = body
			pr.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.New(errors.ErrCodeForgeNotFound, "comment "+commentID+" not found")
}

// SetBody replaces the PR body
func (r *Repository) SetBody(ctx context.Context, prID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("set_body"); err != nil {
		return err
	}
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	pr.Body = body
	pr.UpdatedAt = time.Now()
	return nil
}

// SetTitle replaces the PR title
func (r *Repository) SetTitle(ctx context.Context, prID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	pr.Title = title
	pr.UpdatedAt = time.Now()
	return nil
}

// AddLabel adds a label to the PR
func (r *Repository) AddLabel(ctx context.Context, prID, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("add_label"); err != nil {
		return err
	}
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	for _, l := range pr.Labels {
		if l == label {
			return nil
		}
	}
	pr.Labels = append(pr.Labels, label)
	pr.UpdatedAt = time.Now()
	return nil
}

// RemoveLabel removes a label from the PR
func (r *Repository) RemoveLabel(ctx context.Context, prID, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("remove_label"); err != nil {
		return err
	}
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	out := pr.Labels[:0]
	for _, l := range pr.Labels {
		if l != label {
			out = append(out, l)
		}
	}
	pr.Labels = out
	pr.UpdatedAt = time.Now()
	return nil
}

// ClosePullRequest transitions the PR to the closed state
func (r *Repository) ClosePullRequest(ctx context.Context, prID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injectLocked("close_pull_request"); err != nil {
		return err
	}
	pr, ok := r.prs[prID]
	if !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "pull request "+prID+" not found")
	}
	pr.State = forge.PRStateClosed
	pr.UpdatedAt = time.Now()
	return nil
}

// SetCheck creates or updates a status check keyed by name and commit hash
func (r *Repository) SetCheck(ctx context.Context, prID string, check *forge.CheckStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *check
	r.checks[prID+":"+check.Name+":"+check.Hash.String()] = &cp
	return nil
}

// Checks returns the status checks for a PR at the given head
func (r *Repository) Checks(ctx context.Context, prID string, head forge.Hash) ([]*forge.CheckStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*forge.CheckStatus
	for key, check := range r.checks {
		if check.Hash == head && key == prID+":"+check.Name+":"+head.String() {
			cp := *check
			out = append(out, &cp)
		}
	}
	return out, nil
}

// BranchHead resolves the current head of a branch
func (r *Repository) BranchHead(ctx context.Context, branch string) (forge.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hashes, ok := r.branches[branch]
	if !ok || len(hashes) == 0 {
		return "", errors.New(errors.ErrCodeForgeNotFound, "branch "+branch+" not found")
	}
	return hashes[len(hashes)-1], nil
}

// CreateBranch creates a branch pointing at the given commit
func (r *Repository) CreateBranch(ctx context.Context, name string, target forge.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[name]; ok {
		return errors.New(errors.ErrCodeConflict, "branch "+name+" already exists")
	}
	if _, ok := r.commits[target]; !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "commit "+target.String()+" not found")
	}
	r.branches[name] = []forge.Hash{target}
	return nil
}

// CreateTag creates a tag pointing at the given commit
func (r *Repository) CreateTag(ctx context.Context, name string, target forge.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[target]; !ok {
		return errors.New(errors.ErrCodeForgeNotFound, "commit "+target.String()+" not found")
	}
	r.files["tag:"+name] = []byte(target.String())
	return nil
}

// Commit fetches commit metadata by hash
func (r *Repository) Commit(ctx context.Context, hash forge.Hash) (*forge.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commits[hash]
	if !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "commit "+hash.String()+" not found")
	}
	cp := *c
	return &cp, nil
}

// CommitComments lists commit comments created since the given time
func (r *Repository) CommitComments(ctx context.Context, since time.Time) ([]*forge.CommitComment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*forge.CommitComment
	for _, cc := range r.ccs {
		if cc.CreatedAt.After(since) {
			cp := *cc
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddCommitComment posts a comment on a commit as the bot user
func (r *Repository) AddCommitComment(ctx context.Context, hash forge.Hash, body string) (*forge.Comment, error) {
	return r.AddUserCommitComment(hash, r.botUser, body)
}

// AddUserCommitComment posts a commit comment authored by the given user
func (r *Repository) AddUserCommitComment(hash forge.Hash, author, body string) (*forge.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[hash]; !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "commit "+hash.String()+" not found")
	}
	r.nextID++
	cc := &forge.CommitComment{
		Comment: forge.Comment{
			ID:        fmt.Sprintf("cc-%d", r.nextID),
			Author:    author,
			Body:      body,
			CreatedAt: time.Now(),
		},
		CommitHash: hash,
	}
	r.ccs = append(r.ccs, cc)
	return &cc.Comment, nil
}

// FileContents reads a file at a ref
func (r *Repository) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	contents, ok := r.files[ref+":"+path]
	if !ok {
		return nil, errors.New(errors.ErrCodeForgeNotFound, "file "+path+" not found at "+ref)
	}
	return contents, nil
}
