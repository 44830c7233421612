package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/tracker"
)

// TestDispatcher_UnknownCommand tests the unknown command reply
func TestDispatcher_UnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	env.repo.AddUserComment("1", "auth", "/frobnicate hard")

	env.runPR(t, "1")

	replies := env.botReplies(t, "1")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "@auth Unknown command `frobnicate` - for a list of valid commands use `/help`.")
	assert.Contains(t, replies[0], command.ReplyMarker("comment:c-1-0"))
}

// TestDispatcher_ExternalCommandIgnored tests that commands handled by other
// bots are silently left alone
func TestDispatcher_ExternalCommandIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ExternalPullRequestCommands = map[string]string{"approval": "handled elsewhere"}
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	env.repo.AddUserComment("1", "auth", "/approval yes")

	env.runPR(t, "1")

	assert.Empty(t, env.botReplies(t, "1"))
}

// TestDispatcher_MultipleCommandsOneComment tests that each invocation of a
// multi-command comment gets its own reply, in order
func TestDispatcher_MultipleCommandsOneComment(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.Put(&tracker.Issue{ID: "TEST-2", Title: "Second issue", State: tracker.StateOpen})
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	env.repo.AddUserComment("1", "auth",
		"/summary A detailed summary\n/issue add 2\n/contributor add Alice <alice@example.com>")

	env.runPR(t, "1")

	replies := env.botReplies(t, "1")
	require.Len(t, replies, 3)
	assert.Contains(t, replies[0], "Setting summary to:")
	assert.Contains(t, replies[0], command.ReplyMarker("comment:c-1-0"))
	assert.Contains(t, replies[1], "Adding additional issue to issues list: `TEST-2`.")
	assert.Contains(t, replies[1], command.ReplyMarker("comment:c-1-1"))
	assert.Contains(t, replies[2], "Contributor `Alice <alice@example.com>` successfully added.")
	assert.Contains(t, replies[2], command.ReplyMarker("comment:c-1-2"))
}

// TestDispatcher_ReplayDoesNotReReply tests that processed invocations are
// replayed for state but never answered twice
func TestDispatcher_ReplayDoesNotReReply(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	env.repo.AddUserComment("1", "rev1", "/reviewers 2")

	env.runPR(t, "1")
	require.Len(t, env.botReplies(t, "1"), 1)
	assert.Contains(t, env.botReplies(t, "1")[0],
		"The number of required reviews for this PR is now set to 2 (with at least role reviewer).")

	// A second run replays the command without posting again
	env.runPR(t, "1")
	assert.Len(t, env.botReplies(t, "1"), 1)
	assert.Equal(t, 2, env.scope.State.ReviewersRequired)
}

// TestDispatcher_Authorization tests the canonical rejection texts
func TestDispatcher_Authorization(t *testing.T) {
	t.Run("AuthorOnly", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
		env.repo.AddUserComment("1", "rev1", "/summary not mine")
		env.runPR(t, "1")
		replies := env.botReplies(t, "1")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"Only the author (@auth) is allowed to issue the `summary` command.")
	})

	t.Run("CommitterOnly", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.CreatePR("1", "guest", "123: Fix a bug", "", "fix", "master", nil)
		env.repo.AddUserComment("1", "guest", "/label add core")
		env.runPR(t, "1")
		replies := env.botReplies(t, "1")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"Only project committers are allowed to issue the `label` command.")
	})

	t.Run("ReviewerOnly", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
		env.repo.AddUserComment("1", "comm1", "/reviewers 2")
		env.runPR(t, "1")
		replies := env.botReplies(t, "1")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"Only project reviewers are allowed to issue the `reviewers` command.")
	})

	t.Run("NotAllowedInBody", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.CreatePR("1", "auth", "123: Fix a bug", "/csr", "fix", "master", nil)
		env.runPR(t, "1")
		replies := env.botReplies(t, "1")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"The command `csr` cannot be used in the pull request body. Please use it in a new comment.")
	})

	t.Run("CommitOnlyCommandInPR", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
		env.repo.AddUserComment("1", "intg", "/branch release-1")
		env.runPR(t, "1")
		replies := env.botReplies(t, "1")
		require.Len(t, replies, 1)
		assert.Contains(t, replies[0],
			"The command `branch` can only be used in commit comments.")
	})
}

// TestDispatcher_PROnlyCommandInCommitComment tests the commit-context guard
func TestDispatcher_PROnlyCommandInCommitComment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hash := env.repo.BranchCommits("master")[0]
	_, err := env.repo.AddUserCommitComment(hash, "auth", "/summary nope")
	require.NoError(t, err)

	commit, err := env.repo.Commit(ctx, hash)
	require.NoError(t, err)
	ccs, err := env.repo.CommitComments(ctx, time.Time{})
	require.NoError(t, err)
	env.scope.Commit = commit
	for _, cc := range ccs {
		env.scope.CommitComments = append(env.scope.CommitComments, cc.Comment)
	}
	d := command.NewDispatcher(env.registry)
	require.NoError(t, d.RunCommit(ctx, env.scope))

	ccs, err = env.repo.CommitComments(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, ccs, 2)
	assert.Contains(t, ccs[1].Body, "The command `summary` can only be used in pull requests.")
}

// TestDispatcher_BotCommandsIgnoredWithoutMarker tests that the bot's own
// commands are dropped unless self-marked
func TestDispatcher_BotCommandsIgnoredWithoutMarker(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	ctx := context.Background()
	_, err := env.repo.AddComment(ctx, "1", "/summary sneaky")
	require.NoError(t, err)

	env.runPR(t, "1")

	// Only the bot's own command comment, no reply
	assert.Len(t, env.botReplies(t, "1"), 1)
	assert.Nil(t, env.scope.State.Summary)
}

// TestDispatcher_UserErrorBecomesReply tests that user-category handler
// errors are turned into a reply instead of failing the work item
func TestDispatcher_UserErrorBecomesReply(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CreatePR("1", "auth", "123: Fix a bug", "", "fix", "master", nil)
	env.repo.AddUserComment("1", "rev1", "/reviewers eleventy")

	env.runPR(t, "1")

	replies := env.botReplies(t, "1")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "@rev1 The number of required reviewers must be between 0 and 5.")
}
