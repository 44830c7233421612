package integrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/forge/memforge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

const protocolContributors = `<contributors>
  <contributor username="amy" full-name="Amy Author" email="amy@example.com"/>
  <contributor username="carl" full-name="Carl Committer" email="carl@example.com"/>
</contributors>`

const protocolProjects = `<projects>
  <project name="jdk">
    <committer username="carl"/>
    <author username="amy"/>
  </project>
</projects>`

func protocolScope(t *testing.T) (*memforge.Repository, *command.Scope) {
	t.Helper()
	repo := memforge.NewRepository("test/repo", "bots")
	pr := repo.CreatePR("1", "amy", "123: Fix it", "A change.", "feature", "master", []string{"src/a.go"})
	inst, err := census.Parse([]byte(protocolContributors), nil, []byte(protocolProjects), nil)
	require.NoError(t, err)
	sc := &command.Scope{
		Repo:   repo,
		Config: &config.RepoConfig{Project: "jdk"},
		Census: inst,
		PR:     pr,
		State:  command.NewSessionState(),
		NewWorkbench: func(ctx context.Context) (gitrepo.Workbench, error) {
			return repo.Workbench("1"), nil
		},
	}
	return repo, sc
}

func refresh(t *testing.T, repo *memforge.Repository, sc *command.Scope) {
	t.Helper()
	pr, err := repo.PullRequest(context.Background(), sc.PR.ID)
	require.NoError(t, err)
	sc.PR = pr
}

func integrateInvocation() *command.Invocation {
	return &command.Invocation{
		User:     "carl",
		Source:   command.SourceComment,
		Location: "c-1-0",
		Name:     "integrate",
	}
}

// TestIntegrate tests the happy path of the push-and-finalize sequence
func TestIntegrate(t *testing.T) {
	ctx := context.Background()
	repo, sc := protocolScope(t)

	before := repo.BranchCommits("master")
	reply, err := NewProtocol().Integrate(ctx, sc, integrateInvocation(), "carl", "")
	require.NoError(t, err)
	assert.Empty(t, reply)

	after := repo.BranchCommits("master")
	require.Len(t, after, len(before)+1)
	pushed := after[len(after)-1]

	commit, err := repo.Commit(ctx, pushed)
	require.NoError(t, err)
	assert.Equal(t, []string{"123: Fix it"}, commit.Message)
	assert.Equal(t, "Amy Author", commit.Author.Name)
	assert.Equal(t, "Carl Committer", commit.Committer.Name)

	refresh(t, repo, sc)
	pr := sc.PR
	assert.False(t, pr.IsOpen())
	assert.True(t, pr.HasLabel(command.LabelIntegrated))

	var prePush, finalized bool
	for _, c := range pr.Comments {
		if _, ok := DecodeMarker(c.Body); ok {
			prePush = true
			assert.Contains(t, c.Body, "Going to push as commit "+pushed.Abbreviate()+".")
			assert.Contains(t, c.Body, command.ReplyMarker("comment:c-1-0"))
		}
		if c.Body == command.PushedAsCommitPrefix+pushed.String()+"." {
			finalized = true
		}
	}
	assert.True(t, prePush)
	assert.True(t, finalized)
}

// TestIntegrate_MergePR tests that a declared merge lands as a merge commit
// with the source branch head as second parent
func TestIntegrate_MergePR(t *testing.T) {
	ctx := context.Background()
	repo := memforge.NewRepository("test/repo", "bots")
	pr := repo.CreatePR("1", "amy", "Merge jdk:feature", "Bringing over the feature work.", "feature", "master", nil)
	inst, err := census.Parse([]byte(protocolContributors), nil, []byte(protocolProjects), nil)
	require.NoError(t, err)
	sc := &command.Scope{
		Repo:   repo,
		Config: &config.RepoConfig{Project: "jdk"},
		Census: inst,
		PR:     pr,
		State:  command.NewSessionState(),
		NewWorkbench: func(ctx context.Context) (gitrepo.Workbench, error) {
			return repo.Workbench("1"), nil
		},
	}

	before := repo.BranchCommits("master")
	target := before[len(before)-1]
	reply, err := NewProtocol().Integrate(ctx, sc, integrateInvocation(), "carl", "")
	require.NoError(t, err)
	assert.Empty(t, reply)

	after := repo.BranchCommits("master")
	require.Len(t, after, len(before)+1)
	commit, err := repo.Commit(ctx, after[len(after)-1])
	require.NoError(t, err)
	require.Len(t, commit.Parents, 2)
	assert.Equal(t, target, commit.Parents[0])
	assert.Equal(t, pr.HeadHash, commit.Parents[1])
	assert.Equal(t, []string{"Merge jdk:feature"}, commit.Message)

	refresh(t, repo, sc)
	assert.False(t, sc.PR.IsOpen())
	assert.True(t, sc.PR.HasLabel(command.LabelIntegrated))
}

// TestIntegrate_PinnedHashMismatch tests the /integrate <hash> guard
func TestIntegrate_PinnedHashMismatch(t *testing.T) {
	repo, sc := protocolScope(t)

	pinned := forge.Hash("feedfacefeedfacefeedfacefeedfacefeedface")
	reply, err := NewProtocol().Integrate(context.Background(), sc, integrateInvocation(), "carl", pinned)
	require.NoError(t, err)
	assert.Contains(t, reply, "cannot integrate, since the target branch is no longer at the requested hash")

	// nothing was pushed
	assert.Len(t, repo.BranchCommits("master"), 1)
}

// TestIntegrate_Conflict tests the merge conflict label swap
func TestIntegrate_Conflict(t *testing.T) {
	ctx := context.Background()
	repo, sc := protocolScope(t)
	require.NoError(t, repo.AddLabel(ctx, "1", command.LabelReady))
	repo.SetConflict("1", true)
	refresh(t, repo, sc)

	reply, err := NewProtocol().Integrate(ctx, sc, integrateInvocation(), "carl", "")
	require.NoError(t, err)
	assert.Contains(t, reply, "this pull request can not be integrated")
	assert.Contains(t, reply, "Please merge the target branch into this branch.")

	refresh(t, repo, sc)
	assert.True(t, sc.PR.HasLabel(command.LabelMergeConflict))
	assert.False(t, sc.PR.HasLabel(command.LabelReady))
	assert.True(t, sc.PR.IsOpen())
}

// TestRecover_RestartsInterruptedPush tests recovery when the crash hit
// between the pre-push comment and the push itself
func TestRecover_RestartsInterruptedPush(t *testing.T) {
	ctx := context.Background()
	repo, sc := protocolScope(t)
	repo.AddUserComment("1", "carl", "/integrate")
	require.NoError(t, repo.AddLabel(ctx, "1", command.LabelReady))
	refresh(t, repo, sc)

	repo.FailNext("push", 1)
	_, err := NewProtocol().Integrate(ctx, sc, integrateInvocation(), "carl", "")
	require.Error(t, err)

	// the pre-push marker made it out before the crash
	refresh(t, repo, sc)
	_, _, found := LastMarker("bots", sc.PR.Comments)
	require.True(t, found)
	assert.Len(t, repo.BranchCommits("master"), 1)

	require.NoError(t, NewProtocol().Recover(ctx, sc))

	after := repo.BranchCommits("master")
	require.Len(t, after, 2)
	commit, err := repo.Commit(ctx, after[1])
	require.NoError(t, err)
	assert.Equal(t, "Carl Committer", commit.Committer.Name)

	refresh(t, repo, sc)
	assert.False(t, sc.PR.IsOpen())
	assert.True(t, sc.PR.HasLabel(command.LabelIntegrated))
}

// TestRecover_FinalizesLandedPush tests recovery when the push landed but
// the finalizers never ran
func TestRecover_FinalizesLandedPush(t *testing.T) {
	ctx := context.Background()
	repo, sc := protocolScope(t)

	wb := repo.Workbench("1")
	target, err := wb.TargetHead(ctx)
	require.NoError(t, err)
	candidate, err := wb.CreateCandidate(ctx, target, []string{"123: Fix it"},
		forge.Identity{Name: "Amy Author", Email: "amy@example.com"},
		forge.Identity{Name: "Carl Committer", Email: "carl@example.com"})
	require.NoError(t, err)
	marker := &PrePushMarker{
		PR:         "1",
		Target:     "master",
		TargetHash: target,
		Candidate:  candidate.Hash,
		Digest:     candidate.Digest,
	}
	_, err = repo.AddComment(ctx, "1", "Going to push as commit "+candidate.Hash.Abbreviate()+".\n"+marker.Encode())
	require.NoError(t, err)
	require.NoError(t, wb.Push(ctx, candidate, target))
	refresh(t, repo, sc)

	require.NoError(t, NewProtocol().Recover(ctx, sc))

	refresh(t, repo, sc)
	assert.False(t, sc.PR.IsOpen())
	assert.True(t, sc.PR.HasLabel(command.LabelIntegrated))
	var finalized bool
	for _, c := range sc.PR.Comments {
		if c.Body == command.PushedAsCommitPrefix+candidate.Hash.String()+"." {
			finalized = true
		}
	}
	assert.True(t, finalized)
	// recovery never pushes a commit that already landed
	assert.Len(t, repo.BranchCommits("master"), 2)
}

// TestRecover_NoMarker tests that recovery is a no-op on untouched PRs
func TestRecover_NoMarker(t *testing.T) {
	repo, sc := protocolScope(t)
	require.NoError(t, NewProtocol().Recover(context.Background(), sc))
	refresh(t, repo, sc)
	assert.Empty(t, sc.PR.Comments)
	assert.True(t, sc.PR.IsOpen())
}

// TestSponsoredVersion tests extracting the head recorded for sponsoring
func TestSponsoredVersion(t *testing.T) {
	pr := &forge.PullRequest{Comments: []forge.Comment{
		{Author: "bots", Body: "@amy this pull request is now ready to be sponsored at version aaaa1111: a project committer may issue the `/sponsor` command."},
		{Author: "duke", Body: "ready to be sponsored at version ffff0000"},
		{Author: "bots", Body: "@amy this pull request is now ready to be sponsored at version bbbb2222: a project committer may issue the `/sponsor` command."},
	}}
	version, ok := SponsoredVersion("bots", pr)
	require.True(t, ok)
	assert.Equal(t, forge.Hash("bbbb2222"), version)

	_, ok = SponsoredVersion("bots", &forge.PullRequest{})
	assert.False(t, ok)
}
