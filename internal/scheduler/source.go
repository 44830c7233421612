package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/prbot"
)

// RepoSource polls one repository bot for updated pull requests and new
// commit comments since the previous poll.
type RepoSource struct {
	bot *prbot.Bot

	mu   sync.Mutex
	last time.Time
}

// NewRepoSource creates a source over a repository bot. The first poll
// lists everything.
func NewRepoSource(bot *prbot.Bot) *RepoSource {
	return &RepoSource{bot: bot}
}

// Poll lists forge activity since the previous successful poll
func (s *RepoSource) Poll(ctx context.Context) ([]*WorkItem, error) {
	s.mu.Lock()
	since := s.last
	s.mu.Unlock()
	start := time.Now()

	repo := s.bot.Repo()
	prs, err := repo.PullRequests(ctx, since)
	if err != nil {
		return nil, err
	}
	var items []*WorkItem
	for _, pr := range prs {
		prID := pr.ID
		items = append(items, &WorkItem{
			Key:  "pr:" + repo.Name() + "/" + prID,
			Kind: "pr",
			Run: func(ctx context.Context) error {
				return s.bot.RunPR(ctx, prID)
			},
		})
	}

	ccs, err := repo.CommitComments(ctx, since)
	if err != nil {
		return nil, err
	}
	seen := make(map[forge.Hash]bool)
	for _, cc := range ccs {
		if seen[cc.CommitHash] {
			continue
		}
		seen[cc.CommitHash] = true
		hash := cc.CommitHash
		items = append(items, &WorkItem{
			Key:  "commit:" + repo.Name() + "/" + hash.String(),
			Kind: "commit",
			Run: func(ctx context.Context) error {
				return s.bot.RunCommit(ctx, hash)
			},
		})
	}

	s.mu.Lock()
	s.last = start
	s.mu.Unlock()
	return items, nil
}
