package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Format: "text"})
}

const testConfigYAML = `
server:
  host: 127.0.0.1
  port: 8080
forges:
  - type: github
    token: ${TEST_FORGE_TOKEN}
    bot_user: bots
repositories:
  - name: test/repo
    forge: github
    project: test
    census_repo: test/census
    census_ref: master
    issue_project: TEST
    integrators:
      - duke
    labels:
      core:
        - "^src/"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

// TestLoad tests reading a configuration file with env var substitution
func TestLoad(t *testing.T) {
	t.Setenv("TEST_FORGE_TOKEN", "s3cret")
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	require.Len(t, cfg.Forges, 1)
	assert.Equal(t, "s3cret", cfg.Forges[0].Token)

	require.Len(t, cfg.Repositories, 1)
	repo := cfg.Repositories[0]
	assert.Equal(t, "test/repo", repo.Name)
	assert.Equal(t, []string{"^src/"}, repo.LabelConfiguration["core"])

	found, ok := cfg.Repository("test/repo")
	require.True(t, ok)
	assert.Equal(t, "test", found.Project)
	_, ok = cfg.Repository("missing/repo")
	assert.False(t, ok)
}

// TestLoad_Defaults tests that omitted tunables are filled in
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "@every 30s", cfg.Scheduler.PollInterval)
	assert.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 600, cfg.Scheduler.WorkItemTimeout)
	assert.Equal(t, 10, cfg.Forges[0].RPS)
	assert.Equal(t, 20, cfg.Forges[0].Burst)
	assert.Equal(t, "./seeds", cfg.Repositories[0].SeedStorage)
}

// TestLoad_Errors tests rejection of broken configurations
func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"UnknownForgeType", "forges:\n  - type: sourceforge\n"},
		{"RepoWithoutName", "forges:\n  - type: github\nrepositories:\n  - forge: github\n"},
		{"RepoUnknownForge", "forges:\n  - type: github\nrepositories:\n  - name: a/b\n    forge: gitlab\n    project: p\n    census_repo: c/r\n"},
		{"RepoWithoutProject", "forges:\n  - type: github\nrepositories:\n  - name: a/b\n    forge: github\n    census_repo: c/r\n"},
		{"RepoWithoutCensusRepo", "forges:\n  - type: github\nrepositories:\n  - name: a/b\n    forge: github\n    project: p\n"},
		{"NotYAML", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.text))
			assert.Error(t, err)
		})
	}

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

// TestRepoConfigHelpers tests the per-repository accessors
func TestRepoConfigHelpers(t *testing.T) {
	r := &RepoConfig{Integrators: []string{"duke", "ada"}}
	assert.True(t, r.IsIntegrator("duke"))
	assert.False(t, r.IsIntegrator("carl"))

	assert.True(t, r.ProcessPREnabled())
	assert.True(t, r.ProcessCommitEnabled())
	off := false
	r.ProcessPR = &off
	r.ProcessCommit = &off
	assert.False(t, r.ProcessPREnabled())
	assert.False(t, r.ProcessCommitEnabled())

	assert.Equal(t, "duke", r.ContributorLink("duke"))
	r.CensusLink = "https://openjdk.org/census#{{contributor}}"
	assert.Equal(t, "https://openjdk.org/census#duke", r.ContributorLink("duke"))
}
