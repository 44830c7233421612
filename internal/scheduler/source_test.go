package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/forge/memforge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/internal/prbot"
	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

// TestRepoSource_Poll tests listing forge activity as keyed work items
func TestRepoSource_Poll(t *testing.T) {
	ctx := context.Background()
	repo := memforge.NewRepository("test/repo", "bots")
	repo.CreatePR("1", "duke", "1: Fix it", "A change.", "feature", "master", []string{"src/a.go"})
	head := repo.BranchCommits("master")[0]
	_, err := repo.AddUserCommitComment(head, "duke", "/tag v1")
	require.NoError(t, err)

	bot, err := prbot.New(prbot.Options{
		Repo:       repo,
		CensusRepo: repo,
		Config:     &config.RepoConfig{Name: "test/repo", Project: "test", CensusRef: "census"},
		NewWorkbench: func(ctx context.Context, pr *forge.PullRequest) (gitrepo.Workbench, error) {
			return repo.Workbench(pr.ID), nil
		},
	})
	require.NoError(t, err)

	src := NewRepoSource(bot)
	items, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pr:test/repo/1", items[0].Key)
	assert.Equal(t, "pr", items[0].Kind)
	assert.Equal(t, "commit:test/repo/"+head.String(), items[1].Key)
	assert.Equal(t, "commit", items[1].Kind)

	// nothing changed since the last poll
	items, err = src.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	// new activity shows up again
	repo.AddUserComment("1", "duke", "ping")
	items, err = src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pr:test/repo/1", items[0].Key)
}

// TestRepoSource_PollError tests that a failed listing leaves the window open
func TestRepoSource_PollError(t *testing.T) {
	ctx := context.Background()
	repo := memforge.NewRepository("test/repo", "bots")
	repo.CreatePR("1", "duke", "1: Fix it", "A change.", "feature", "master", []string{"src/a.go"})

	bot, err := prbot.New(prbot.Options{
		Repo:       repo,
		CensusRepo: repo,
		Config:     &config.RepoConfig{Name: "test/repo", Project: "test", CensusRef: "census"},
	})
	require.NoError(t, err)

	src := NewRepoSource(bot)
	repo.FailNext("pull_requests", 1)
	_, err = src.Poll(ctx)
	require.Error(t, err)

	// the failed poll did not advance the window; the PR is listed next time
	items, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pr:test/repo/1", items[0].Key)
}
