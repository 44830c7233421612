package command_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge/memforge"
	"github.com/mergebot/mergebot/internal/labeler"
	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	// Initialize logger for tests
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

const testContributorsXML = `<contributors>
  <contributor username="auth" full-name="Auth Author" email="auth@example.com"/>
  <contributor username="rev1" full-name="Reba Reviewer" email="rev1@example.com"/>
  <contributor username="comm1" full-name="Colin Committer" email="comm1@example.com"/>
  <contributor username="guest" full-name="Gus Guest" email="guest@example.com"/>
</contributors>`

const testProjectsXML = `<projects>
  <project name="test">
    <reviewer username="rev1"/>
    <committer username="auth"/>
    <committer username="comm1"/>
    <author username="guest"/>
  </project>
</projects>`

// testCensus parses the shared census fixture
func testCensus(t *testing.T) *census.Instance {
	t.Helper()
	inst, err := census.Parse([]byte(testContributorsXML), nil, []byte(testProjectsXML), nil)
	require.NoError(t, err)
	return inst
}

// testEnv is the command test fixture: an in-memory repository with a fully
// wired scope and the builtin registry.
type testEnv struct {
	repo     *memforge.Repository
	tracker  *tracker.MemoryTracker
	cfg      *config.RepoConfig
	scope    *command.Scope
	registry *command.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := memforge.NewRepository("test/repo", "bots")
	trk := tracker.NewMemoryTracker("TEST")
	lab, err := labeler.New(map[string][]string{"core": {"^src/"}, "docs": {"^docs/"}})
	require.NoError(t, err)
	cfg := &config.RepoConfig{
		Name:         "test/repo",
		Project:      "test",
		CensusRepo:   "test/repo",
		CensusRef:    "census",
		IssueProject: "TEST",
		Integrators:  []string{"intg"},
	}
	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	return &testEnv{
		repo:     repo,
		tracker:  trk,
		cfg:      cfg,
		registry: registry,
		scope: &command.Scope{
			Repo:    repo,
			Config:  cfg,
			Census:  testCensus(t),
			Tracker: trk,
			Labeler: lab,
		},
	}
}

// runPR refreshes the PR snapshot and runs the dispatcher over it
func (e *testEnv) runPR(t *testing.T, prID string) {
	t.Helper()
	pr, err := e.repo.PullRequest(context.Background(), prID)
	require.NoError(t, err)
	e.scope.PR = pr
	d := command.NewDispatcher(e.registry)
	require.NoError(t, d.RunPR(context.Background(), e.scope))
}

// botReplies returns the bodies of bot comments on the PR, in order
func (e *testEnv) botReplies(t *testing.T, prID string) []string {
	t.Helper()
	pr, err := e.repo.PullRequest(context.Background(), prID)
	require.NoError(t, err)
	var out []string
	for _, c := range pr.Comments {
		if c.Author == "bots" {
			out = append(out, c.Body)
		}
	}
	return out
}
