package prbot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/forge/memforge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

const e2eContributors = `<contributors>
  <contributor username="auth" full-name="Auth Author" email="auth@example.com"/>
  <contributor username="guest" full-name="Gus Guest" email="guest@example.com"/>
  <contributor username="rev1" full-name="Reba Reviewer" email="rev1@example.com"/>
  <contributor username="comm1" full-name="Colin Committer" email="comm1@example.com"/>
</contributors>`

const e2eProjects = `<projects>
  <project name="test">
    <reviewer username="rev1"/>
    <committer username="auth"/>
    <committer username="comm1"/>
    <author username="guest"/>
  </project>
</projects>`

const e2eJcheckConf = `[general]
project=test
[checks]
error=reviewers,issues
[checks "reviewers"]
reviewers=1
role=reviewer
`

type e2e struct {
	repo *memforge.Repository
	trk  *tracker.MemoryTracker
	cfg  *config.RepoConfig
	bot  *Bot
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	repo := memforge.NewRepository("test/repo", "bots")
	repo.SetFile("census", "contributors.xml", []byte(e2eContributors))
	repo.SetFile("census", "projects.xml", []byte(e2eProjects))
	repo.SetFile("master", ".jcheck/conf", []byte(e2eJcheckConf))

	trk := tracker.NewMemoryTracker("TEST")
	trk.Put(&tracker.Issue{ID: "1", Title: "Fix the flux capacitor", State: tracker.StateOpen})

	cfg := &config.RepoConfig{
		Name:         "test/repo",
		Project:      "test",
		CensusRef:    "census",
		IssueProject: "TEST",
		LabelConfiguration: map[string][]string{
			"core": {"^src/"},
		},
	}
	bot, err := New(Options{
		Repo:       repo,
		CensusRepo: repo,
		Config:     cfg,
		Tracker:    trk,
		NewWorkbench: func(ctx context.Context, pr *forge.PullRequest) (gitrepo.Workbench, error) {
			return repo.Workbench(pr.ID), nil
		},
	})
	require.NoError(t, err)
	return &e2e{repo: repo, trk: trk, cfg: cfg, bot: bot}
}

func (e *e2e) pr(t *testing.T, id string) *forge.PullRequest {
	t.Helper()
	pr, err := e.repo.PullRequest(context.Background(), id)
	require.NoError(t, err)
	return pr
}

func (e *e2e) botComments(t *testing.T, id string) []forge.Comment {
	t.Helper()
	var out []forge.Comment
	for _, c := range e.pr(t, id).Comments {
		if c.Author == "bots" {
			out = append(out, c)
		}
	}
	return out
}

func hasComment(comments []forge.Comment, substr string) bool {
	for _, c := range comments {
		if strings.Contains(c.Body, substr) {
			return true
		}
	}
	return false
}

// TestRunPR_NotReady tests the declarative surface of an unreviewed PR
func TestRunPR_NotReady(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})

	require.NoError(t, e.bot.RunPR(ctx, "1"))

	pr := e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelRFR))
	assert.True(t, pr.HasLabel("core"))
	assert.False(t, pr.HasLabel(command.LabelReady))

	checks, err := e.repo.Checks(ctx, "1", pr.HeadHash)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, forge.CheckFailure, checks[0].State)

	comments := e.botComments(t, "1")
	assert.True(t, hasComment(comments, "This change is not yet ready to be integrated:"))
	assert.True(t, hasComment(comments, "Too few reviewers"))

	assert.Contains(t, pr.Body, "A change.")
	assert.Contains(t, pr.Body, "### Progress")
	assert.Contains(t, pr.Body, "- [ ] Change must be properly reviewed")
	assert.Contains(t, pr.Body, "- [x] Change must reference an issue")
	assert.Contains(t, pr.Body, "`TEST-1`: Fix the flux capacitor")

	// a second run without changes converges to the same surface
	before := len(pr.Comments)
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.Len(t, e.pr(t, "1").Comments, before)
}

// TestRunPR_IntegrateByCommitterAuthor tests the full integration flow for
// an author with commit rights
func TestRunPR_IntegrateByCommitterAuthor(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelReady))
	assert.True(t, hasComment(e.botComments(t, "1"), "simply issue the `/integrate` command"))

	e.repo.AddUserComment("1", "auth", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	commits := e.repo.BranchCommits("master")
	require.Len(t, commits, 2)
	pushed := commits[1]
	commit, err := e.repo.Commit(ctx, pushed)
	require.NoError(t, err)
	assert.Equal(t, []string{"1: Fix the flux capacitor", "", "Reviewed-by: rev1"}, commit.Message)
	assert.Equal(t, "Auth Author", commit.Author.Name)
	assert.Equal(t, "Auth Author", commit.Committer.Name)

	pr = e.pr(t, "1")
	assert.False(t, pr.IsOpen())
	assert.True(t, pr.HasLabel(command.LabelIntegrated))
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.False(t, pr.HasLabel(command.LabelRFR))

	comments := e.botComments(t, "1")
	assert.True(t, hasComment(comments, "Going to push as commit "+pushed.Abbreviate()+"."))
	assert.True(t, hasComment(comments, "Pushed as commit "+pushed.String()+"."))

	// a rerun replays the processed command without integrating again
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.Len(t, e.repo.BranchCommits("master"), 2)
}

// TestRunPR_SponsorFlow tests integration on behalf of an author without
// commit rights
func TestRunPR_SponsorFlow(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "guest", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.True(t, hasComment(e.botComments(t, "1"), "a sponsor is required"))

	e.repo.AddUserComment("1", "guest", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelSponsor))
	assert.True(t, hasComment(e.botComments(t, "1"),
		"ready to be sponsored at version "+pr.HeadHash.String()))
	assert.Len(t, e.repo.BranchCommits("master"), 1)

	e.repo.AddUserComment("1", "comm1", "/sponsor")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	commits := e.repo.BranchCommits("master")
	require.Len(t, commits, 2)
	commit, err := e.repo.Commit(ctx, commits[1])
	require.NoError(t, err)
	assert.Equal(t, "Gus Guest", commit.Author.Name)
	assert.Equal(t, "Colin Committer", commit.Committer.Name)

	pr = e.pr(t, "1")
	assert.False(t, pr.IsOpen())
	assert.True(t, pr.HasLabel(command.LabelIntegrated))
	assert.False(t, pr.HasLabel(command.LabelSponsor))
}

// TestRunPR_SponsorStaleHead tests that a head change invalidates a pending
// sponsorship request
func TestRunPR_SponsorStaleHead(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "guest", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	e.repo.AddUserComment("1", "guest", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	require.True(t, e.pr(t, "1").HasLabel(command.LabelSponsor))

	e.repo.PushPRHead("1")
	e.repo.AddUserComment("1", "comm1", "/sponsor")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	assert.True(t, hasComment(e.botComments(t, "1"),
		"The PR has been updated since the change was marked ready"))
	pr := e.pr(t, "1")
	assert.False(t, pr.HasLabel(command.LabelSponsor))
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.True(t, pr.IsOpen())
	assert.Len(t, e.repo.BranchCommits("master"), 1)
}

// TestRunPR_SponsorWithoutRequest tests /sponsor before any /integrate
func TestRunPR_SponsorWithoutRequest(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "guest", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddUserComment("1", "comm1", "/sponsor")

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.True(t, hasComment(e.botComments(t, "1"),
		"There is no integration request to sponsor"))
}

// TestRunPR_AutoRebase tests integrating after the target branch advanced
func TestRunPR_AutoRebase(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	e.repo.AdvanceBranch("master", "2: Another change")
	e.repo.AddUserComment("1", "auth", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	assert.True(t, hasComment(e.botComments(t, "1"),
		"Your commit was automatically rebased without conflicts"))
	commits := e.repo.BranchCommits("master")
	assert.Len(t, commits, 3)
	assert.False(t, e.pr(t, "1").IsOpen())
}

// TestRunPR_CrashRecovery tests completing an integration whose push failed
// after the pre-push marker was posted
func TestRunPR_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	e.repo.AddUserComment("1", "auth", "/integrate")
	e.repo.FailNext("push", 1)
	require.Error(t, e.bot.RunPR(ctx, "1"))

	// the marker made it out, the push did not
	assert.True(t, hasComment(e.botComments(t, "1"), "Going to push as commit"))
	assert.Len(t, e.repo.BranchCommits("master"), 1)
	assert.True(t, e.pr(t, "1").IsOpen())

	// the scheduler reruns the work item; recovery restarts the push
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	commits := e.repo.BranchCommits("master")
	require.Len(t, commits, 2)
	commit, err := e.repo.Commit(ctx, commits[1])
	require.NoError(t, err)
	assert.Equal(t, "Auth Author", commit.Committer.Name)

	pr := e.pr(t, "1")
	assert.False(t, pr.IsOpen())
	assert.True(t, pr.HasLabel(command.LabelIntegrated))
	assert.True(t, hasComment(e.botComments(t, "1"), "Pushed as commit "+commits[1].String()+"."))
}

// TestRunPR_MergeConflict tests the conflict reply and label swap
func TestRunPR_MergeConflict(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	e.repo.SetConflict("1", true)
	e.repo.AddUserComment("1", "auth", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	assert.True(t, hasComment(e.botComments(t, "1"),
		"this pull request can not be integrated, since the target branch has changes"))
	pr := e.pr(t, "1")
	assert.True(t, pr.IsOpen())
	assert.True(t, pr.HasLabel(command.LabelMergeConflict))
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.Len(t, e.repo.BranchCommits("master"), 1)
}

// TestRunPR_CSRGate tests that an unresolved linked CSR request blocks
// readiness until it is resolved
func TestRunPR_CSRGate(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.cfg.EnableCSR = true
	e.trk.Put(&tracker.Issue{
		ID:    "1",
		Title: "Fix the flux capacitor",
		State: tracker.StateOpen,
		Links: []tracker.Link{{Type: tracker.LinkCSRFor, IssueID: "TEST-300"}},
	})
	e.trk.Put(&tracker.Issue{ID: "300", Title: "CSR for the flux capacitor", State: tracker.StateOpen})

	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelCSR))
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.True(t, hasComment(e.botComments(t, "1"),
		"The linked CSR request must be approved"))
	assert.Contains(t, pr.Body, "The CSR request linked to the main issue must be approved")

	e.trk.Put(&tracker.Issue{ID: "300", Title: "CSR for the flux capacitor", State: tracker.StateResolved})
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr = e.pr(t, "1")
	assert.False(t, pr.HasLabel(command.LabelCSR))
	assert.True(t, pr.HasLabel(command.LabelReady))
}

// TestRunPR_AutoIntegrate tests the synthesized self-command once a PR
// marked for automatic integration becomes ready
func TestRunPR_AutoIntegrate(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddUserComment("1", "auth", "/integrate auto")

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelAuto))
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.True(t, hasComment(e.botComments(t, "1"),
		"will be automatically integrated when it is ready"))

	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.True(t, hasComment(e.botComments(t, "1"), command.SelfCommandMarker))
	assert.True(t, e.pr(t, "1").IsOpen())

	// the synthesized /integrate is honored on the next run
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.Len(t, e.repo.BranchCommits("master"), 2)
	assert.False(t, e.pr(t, "1").IsOpen())
}

// TestRunPR_DraftOnlyClassified tests that drafts receive classification
// labels but nothing else
func TestRunPR_DraftOnlyClassified(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	pr := e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	pr.Draft = true

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr = e.pr(t, "1")
	assert.True(t, pr.HasLabel("core"))
	assert.False(t, pr.HasLabel(command.LabelRFR))
	assert.Empty(t, e.botComments(t, "1"))
}

// TestRunPR_TitleNormalization tests expanding a bare issue id title
func TestRunPR_TitleNormalization(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "TEST-1", "A change.", "feature", "master", []string{"src/a.go"})

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.Equal(t, "1: Fix the flux capacitor", e.pr(t, "1").Title)
}

// TestRunPR_MergePR tests that a declared merge becomes ready without an
// issue reference and lands with its source history preserved
func TestRunPR_MergePR(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "Merge test:feature", "Bringing over the feature work.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.Equal(t, "Merge test:feature", pr.Title)
	assert.True(t, pr.HasLabel(command.LabelReady))
	head := pr.HeadHash

	e.repo.AddUserComment("1", "auth", "/integrate")
	require.NoError(t, e.bot.RunPR(ctx, "1"))

	commits := e.repo.BranchCommits("master")
	require.Len(t, commits, 2)
	commit, err := e.repo.Commit(ctx, commits[1])
	require.NoError(t, err)
	require.Len(t, commit.Parents, 2)
	assert.Equal(t, commits[0], commit.Parents[0])
	assert.Equal(t, head, commit.Parents[1])
	assert.Equal(t, []string{"Merge test:feature", "", "Reviewed-by: rev1"}, commit.Message)
	assert.False(t, e.pr(t, "1").IsOpen())
}

// TestRunPR_BlockingLabels tests that blocking labels hold back an
// otherwise ready change
func TestRunPR_BlockingLabels(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)
	require.NoError(t, e.repo.AddLabel(ctx, "1", command.LabelWork))

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr := e.pr(t, "1")
	assert.False(t, pr.HasLabel(command.LabelReady))
	assert.True(t, pr.HasLabel(command.LabelWork))

	require.NoError(t, e.repo.RemoveLabel(ctx, "1", command.LabelWork))
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	assert.True(t, e.pr(t, "1").HasLabel(command.LabelReady))

	// a stale computed label does not block once its condition cleared
	require.NoError(t, e.repo.AddLabel(ctx, "1", command.LabelCSR))
	require.NoError(t, e.bot.RunPR(ctx, "1"))
	pr = e.pr(t, "1")
	assert.True(t, pr.HasLabel(command.LabelReady))
	assert.False(t, pr.HasLabel(command.LabelCSR))
}

// TestRunPR_ReviewersSection tests the census-linked reviewer list in the body
func TestRunPR_ReviewersSection(t *testing.T) {
	ctx := context.Background()
	e := newE2E(t)
	e.cfg.CensusLink = "https://census.example.com/#{{contributor}}"
	e.repo.CreatePR("1", "auth", "1: Fix the flux capacitor", "A change.", "feature", "master", []string{"src/a.go"})
	e.repo.AddReview("1", "rev1", forge.ReviewApproved)

	require.NoError(t, e.bot.RunPR(ctx, "1"))
	body := e.pr(t, "1").Body
	assert.Contains(t, body, "### Reviewers")
	assert.Contains(t, body, "[Reba Reviewer (`rev1`)](https://census.example.com/#rev1)")
}
