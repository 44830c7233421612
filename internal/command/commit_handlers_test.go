package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
)

// runCommit wires the scope for a commit work item and runs the dispatcher
func (e *testEnv) runCommit(t *testing.T, hash forge.Hash) {
	t.Helper()
	ctx := context.Background()
	commit, err := e.repo.Commit(ctx, hash)
	require.NoError(t, err)
	ccs, err := e.repo.CommitComments(ctx, time.Time{})
	require.NoError(t, err)
	e.scope.Commit = commit
	e.scope.CommitComments = nil
	for _, cc := range ccs {
		if cc.CommitHash == hash {
			e.scope.CommitComments = append(e.scope.CommitComments, cc.Comment)
		}
	}
	d := command.NewDispatcher(e.registry)
	require.NoError(t, d.RunCommit(ctx, e.scope))
}

// commitReplies returns the bot's commit comment bodies
func (e *testEnv) commitReplies(t *testing.T) []string {
	t.Helper()
	ccs, err := e.repo.CommitComments(context.Background(), time.Time{})
	require.NoError(t, err)
	var out []string
	for _, cc := range ccs {
		if cc.Author == "bots" {
			out = append(out, cc.Body)
		}
	}
	return out
}

// TestPushedCommit tests extracting the integrated commit from the stream
func TestPushedCommit(t *testing.T) {
	pr := &forge.PullRequest{
		Comments: []forge.Comment{
			{Author: "alice", Body: "Pushed as commit deadbeef. (not the bot)"},
			{Author: "bots", Body: "Pushed as commit 0123456789abcdef0123456789abcdef01234567."},
		},
	}
	hash, ok := command.PushedCommit("bots", pr)
	require.True(t, ok)
	assert.Equal(t, forge.Hash("0123456789abcdef0123456789abcdef01234567"), hash)

	_, ok = command.PushedCommit("bots", &forge.PullRequest{})
	assert.False(t, ok)
}

// TestBranchHandler tests /branch in commit comments
func TestBranchHandler(t *testing.T) {
	env := newTestEnv(t)
	hash := env.repo.BranchCommits("master")[0]

	t.Run("RequiresIntegrator", func(t *testing.T) {
		_, err := env.repo.AddUserCommitComment(hash, "comm1", "/branch release-1")
		require.NoError(t, err)
		env.runCommit(t, hash)
		replies := env.commitReplies(t)
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0], "Only integrators are allowed to issue the `branch` command.")
	})

	t.Run("CreatesBranch", func(t *testing.T) {
		_, err := env.repo.AddUserCommitComment(hash, "intg", "/branch release-1")
		require.NoError(t, err)
		env.runCommit(t, hash)
		replies := env.commitReplies(t)
		require.Len(t, replies, 2)
		assert.Contains(t, replies[1], "The branch `release-1` was successfully created")

		head, err := env.repo.BranchHead(context.Background(), "release-1")
		require.NoError(t, err)
		assert.Equal(t, hash, head)
	})

	t.Run("BadName", func(t *testing.T) {
		_, err := env.repo.AddUserCommitComment(hash, "intg", "/branch no spaces")
		require.NoError(t, err)
		env.runCommit(t, hash)
		replies := env.commitReplies(t)
		require.Len(t, replies, 3)
		assert.Contains(t, replies[2], "Usage: `/branch <name>`")
	})
}

// TestTagHandler tests /tag in commit comments
func TestTagHandler(t *testing.T) {
	env := newTestEnv(t)
	hash := env.repo.BranchCommits("master")[0]
	_, err := env.repo.AddUserCommitComment(hash, "intg", "/tag v1.0")
	require.NoError(t, err)
	env.runCommit(t, hash)
	replies := env.commitReplies(t)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "The tag `v1.0` was successfully created, pointing at commit "+
		hash.Abbreviate()+".")
}

// TestBackportHandler tests /backport from a commit comment
func TestBackportHandler(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Forks = map[string]string{"test/repo": "bots/repo"}
	var opened []string
	env.scope.OpenRepository = func(name string) (forge.Repository, error) {
		opened = append(opened, name)
		return env.repo, nil
	}
	hash := env.repo.BranchCommits("master")[0]

	t.Run("UnknownTarget", func(t *testing.T) {
		_, err := env.repo.AddUserCommitComment(hash, "comm1", "/backport test/unknown")
		require.NoError(t, err)
		env.runCommit(t, hash)
		replies := env.commitReplies(t)
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"The target repository `test/unknown` is not a valid target for backports.")
	})

	t.Run("CreatesBackportPR", func(t *testing.T) {
		_, err := env.repo.AddUserCommitComment(hash, "comm1", "/backport test/repo")
		require.NoError(t, err)
		env.runCommit(t, hash)
		replies := env.commitReplies(t)
		require.Len(t, replies, 2)
		assert.Contains(t, replies[1], "targeting `test/repo:master` was successfully created.")

		// the branch goes into the configured fork, the PR into the target
		assert.Equal(t, []string{"bots/repo", "test/repo"}, opened)
		head, err := env.repo.BranchHead(context.Background(), "backport-"+hash.Abbreviate())
		require.NoError(t, err)
		assert.Equal(t, hash, head)

		prs, err := env.repo.PullRequests(context.Background(), time.Time{})
		require.NoError(t, err)
		var backport *forge.PullRequest
		for _, pr := range prs {
			if pr.Title == "Backport "+hash.String() {
				backport = pr
			}
		}
		require.NotNil(t, backport)
		assert.Equal(t, "bots:backport-"+hash.Abbreviate(), backport.SourceBranch)
		assert.Equal(t, "master", backport.TargetBranch)
	})
}
