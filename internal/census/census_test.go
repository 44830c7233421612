package census

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergebot/mergebot/internal/forge/memforge"
	"github.com/mergebot/mergebot/pkg/errors"
)

const testContributorsXML = `<contributors>
  <contributor username="duke" full-name="Duke Mascot" email="duke@example.com"/>
  <contributor username="ada" full-name="Ada Lovelace" email="ada@example.com"/>
  <contributor username="noemail" full-name="No Email"/>
</contributors>`

const testProjectsXML = `<projects>
  <project name="jdk">
    <lead username="duke"/>
    <reviewer username="ada"/>
    <committer username="carl"/>
    <author username="amy"/>
  </project>
</projects>`

const testGroupsXML = `<groups>
  <group name="vm">
    <member username="duke"/>
    <member username="ada"/>
  </group>
</groups>`

// TestParse tests building an instance from the raw census files
func TestParse(t *testing.T) {
	inst, err := Parse([]byte(testContributorsXML), []byte(testGroupsXML), []byte(testProjectsXML), []byte("<version>17</version>"))
	require.NoError(t, err)
	assert.Equal(t, 17, inst.Version)

	c, ok := inst.Contributor("ada")
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", c.FullName)
	assert.Equal(t, "Ada Lovelace <ada@example.com>", c.Identity().String())

	_, ok = inst.Contributor("stranger")
	assert.False(t, ok)

	p, ok := inst.Project("jdk")
	require.True(t, ok)
	assert.Equal(t, []string{"ada"}, p.Reviewers)
}

// TestParse_OptionalFilesOmitted tests that groups and version may be absent
func TestParse_OptionalFilesOmitted(t *testing.T) {
	inst, err := Parse([]byte(testContributorsXML), nil, []byte(testProjectsXML), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inst.Version)
}

// TestParse_Malformed tests error reporting for broken files
func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("<contributors"), nil, []byte(testProjectsXML), nil)
	require.Error(t, err)
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeCensusInvalid, appErr.Code)

	_, err = Parse([]byte(testContributorsXML), nil, []byte(testProjectsXML), []byte("<version>x</version>"))
	require.Error(t, err)
}

// TestRoleHierarchy tests that a higher role implies all lower ones
func TestRoleHierarchy(t *testing.T) {
	inst, err := Parse([]byte(testContributorsXML), nil, []byte(testProjectsXML), nil)
	require.NoError(t, err)

	assert.Equal(t, RoleLead, inst.RoleIn("jdk", "duke"))
	assert.Equal(t, RoleReviewer, inst.RoleIn("jdk", "ada"))
	assert.Equal(t, RoleCommitter, inst.RoleIn("jdk", "carl"))
	assert.Equal(t, RoleAuthor, inst.RoleIn("jdk", "amy"))
	assert.Equal(t, RoleNone, inst.RoleIn("jdk", "stranger"))
	assert.Equal(t, RoleNone, inst.RoleIn("unknown", "duke"))

	// Leads and reviewers count as committers, authors do not
	assert.True(t, inst.IsCommitter("jdk", "duke"))
	assert.True(t, inst.IsCommitter("jdk", "ada"))
	assert.True(t, inst.IsCommitter("jdk", "carl"))
	assert.False(t, inst.IsCommitter("jdk", "amy"))

	assert.True(t, inst.IsReviewer("jdk", "duke"))
	assert.False(t, inst.IsReviewer("jdk", "carl"))
}

// TestParseRole tests role name parsing
func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleReviewer, ParseRole("Reviewer"))
	assert.Equal(t, RoleReviewer, ParseRole("reviewers"))
	assert.Equal(t, RoleCommitter, ParseRole("committer"))
	assert.Equal(t, RoleLead, ParseRole("lead"))
	assert.Equal(t, RoleAuthor, ParseRole("contributor"))
	assert.Equal(t, RoleNone, ParseRole("janitor"))
	assert.Equal(t, "reviewer", RoleReviewer.String())
}

// TestLoad tests materializing a snapshot from a census repository
func TestLoad(t *testing.T) {
	repo := memforge.NewRepository("test/census", "bots")
	repo.SetFile("master", "contributors.xml", []byte(testContributorsXML))
	repo.SetFile("master", "projects.xml", []byte(testProjectsXML))

	inst, err := Load(context.Background(), repo, "master")
	require.NoError(t, err)
	assert.True(t, inst.IsReviewer("jdk", "ada"))

	// contributors.xml is required
	empty := memforge.NewRepository("test/empty", "bots")
	_, err = Load(context.Background(), empty, "master")
	require.Error(t, err)
}
