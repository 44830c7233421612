package integrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/tracker"
)

// TestComposeMessage tests assembling the commit message for a candidate
func TestComposeMessage(t *testing.T) {
	trk := tracker.NewMemoryTracker("TEST")
	trk.Put(&tracker.Issue{ID: "2", Title: "Second issue", State: tracker.StateOpen})

	sc := &command.Scope{
		PR:      &forge.PullRequest{Title: "1: Fix the flux capacitor"},
		Tracker: trk,
		State:   command.NewSessionState(),
	}

	t.Run("TitleOnly", func(t *testing.T) {
		lines := ComposeMessage(context.Background(), sc, nil)
		assert.Equal(t, []string{"1: Fix the flux capacitor"}, lines)
	})

	t.Run("Full", func(t *testing.T) {
		sc.State.AdditionalIssues = []string{"TEST-2", "TEST-404"}
		sc.State.Contributors = []forge.Identity{{Name: "Ada Lovelace", Email: "ada@example.com"}}
		sc.State.Summary = []string{"A longer explanation", "of the change"}

		lines := ComposeMessage(context.Background(), sc, []string{"rev1", "duke"})
		assert.Equal(t, []string{
			"1: Fix the flux capacitor",
			"2: Second issue",
			"TEST-404",
			"",
			"Co-authored-by: Ada Lovelace <ada@example.com>",
			"Summary: A longer explanation of the change",
			"Reviewed-by: rev1, duke",
		}, lines)
	})

	t.Run("Backport", func(t *testing.T) {
		sc := &command.Scope{
			PR: &forge.PullRequest{
				Title: "1: Fix the flux capacitor",
				Body:  "This backport...\n\nBackport-of: 0123456789abcdef0123456789abcdef01234567",
			},
			State: command.NewSessionState(),
		}
		lines := ComposeMessage(context.Background(), sc, nil)
		require.Len(t, lines, 3)
		assert.Equal(t, "Backport-of: 0123456789abcdef0123456789abcdef01234567", lines[2])
	})
}

// TestBackportOf tests locating the backport designation in a PR body
func TestBackportOf(t *testing.T) {
	hash, ok := BackportOf(&forge.PullRequest{Body: "intro\nBackport-of: abcdef12\ntrailing"})
	require.True(t, ok)
	assert.Equal(t, forge.Hash("abcdef12"), hash)

	_, ok = BackportOf(&forge.PullRequest{Body: "just a description"})
	assert.False(t, ok)
}
