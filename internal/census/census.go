// Package census provides a read-only view of the contributor census: the
// versioned ACL data set mapping forge users to contributors and per-project
// roles. An Instance is an immutable snapshot at one census revision; it is
// re-materialized on demand for each PR check.
package census

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

// Role is a project role. Roles are ordered: lead > reviewer > committer >
// author > none; a higher role implies all lower ones.
type Role int

// Project roles
const (
	RoleNone Role = iota
	RoleAuthor
	RoleCommitter
	RoleReviewer
	RoleLead
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RoleLead:
		return "lead"
	case RoleReviewer:
		return "reviewer"
	case RoleCommitter:
		return "committer"
	case RoleAuthor:
		return "author"
	default:
		return "none"
	}
}

// ParseRole parses a role name; unknown names yield RoleNone
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "lead":
		return RoleLead
	case "reviewer", "reviewers":
		return RoleReviewer
	case "committer", "committers":
		return RoleCommitter
	case "author", "authors", "contributor":
		return RoleAuthor
	default:
		return RoleNone
	}
}

// Contributor is a census entry for a forge user
type Contributor struct {
	Username string
	FullName string
	Email    string
}

// Identity returns the git identity for commit attribution
func (c Contributor) Identity() forge.Identity {
	return forge.Identity{Name: c.FullName, Email: c.Email}
}

// Project holds the per-project role lists
type Project struct {
	Name       string
	Leads      []string
	Reviewers  []string
	Committers []string
	Authors    []string
}

// Group is a named set of contributors
type Group struct {
	Name    string
	Members []string
}

// Instance is an immutable census snapshot at one revision
type Instance struct {
	Version      int
	contributors map[string]Contributor
	groups       map[string]Group
	projects     map[string]Project
}

// Contributor resolves a forge username to its census entry
func (i *Instance) Contributor(username string) (Contributor, bool) {
	c, ok := i.contributors[username]
	return c, ok
}

// Project returns a project entry by name
func (i *Instance) Project(name string) (Project, bool) {
	p, ok := i.projects[name]
	return p, ok
}

// RoleIn returns the highest role the user holds in the project
func (i *Instance) RoleIn(project, username string) Role {
	p, ok := i.projects[project]
	if !ok {
		return RoleNone
	}
	if contains(p.Leads, username) {
		return RoleLead
	}
	if contains(p.Reviewers, username) {
		return RoleReviewer
	}
	if contains(p.Committers, username) {
		return RoleCommitter
	}
	if contains(p.Authors, username) {
		return RoleAuthor
	}
	return RoleNone
}

// HasRole reports whether the user holds at least the given role in the
// project, respecting the role hierarchy.
func (i *Instance) HasRole(project, username string, role Role) bool {
	return i.RoleIn(project, username) >= role
}

// IsCommitter reports whether the user may push to the project
func (i *Instance) IsCommitter(project, username string) bool {
	return i.HasRole(project, username, RoleCommitter)
}

// IsReviewer reports whether the user's approvals satisfy the reviewer rule
func (i *Instance) IsReviewer(project, username string) bool {
	return i.HasRole(project, username, RoleReviewer)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// XML wire structures

type contributorsXML struct {
	XMLName      xml.Name `xml:"contributors"`
	Contributors []struct {
		Username string `xml:"username,attr"`
		FullName string `xml:"full-name,attr"`
		Email    string `xml:"email,attr"`
	} `xml:"contributor"`
}

type groupsXML struct {
	XMLName xml.Name `xml:"groups"`
	Groups  []struct {
		Name    string `xml:"name,attr"`
		Members []struct {
			Username string `xml:"username,attr"`
		} `xml:"member"`
	} `xml:"group"`
}

type projectsXML struct {
	XMLName  xml.Name `xml:"projects"`
	Projects []struct {
		Name       string    `xml:"name,attr"`
		Leads      []userRef `xml:"lead"`
		Reviewers  []userRef `xml:"reviewer"`
		Committers []userRef `xml:"committer"`
		Authors    []userRef `xml:"author"`
	} `xml:"project"`
}

type userRef struct {
	Username string `xml:"username,attr"`
}

type versionXML struct {
	XMLName xml.Name `xml:"version"`
	Value   string   `xml:",chardata"`
}

// Parse builds an Instance from the raw census files
func Parse(contributors, groups, projects, version []byte) (*Instance, error) {
	inst := &Instance{
		contributors: make(map[string]Contributor),
		groups:       make(map[string]Group),
		projects:     make(map[string]Project),
	}

	var cx contributorsXML
	if err := xml.Unmarshal(contributors, &cx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "malformed contributors.xml", err)
	}
	for _, c := range cx.Contributors {
		inst.contributors[c.Username] = Contributor{
			Username: c.Username,
			FullName: c.FullName,
			Email:    c.Email,
		}
	}

	if len(groups) > 0 {
		var gx groupsXML
		if err := xml.Unmarshal(groups, &gx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "malformed groups.xml", err)
		}
		for _, g := range gx.Groups {
			group := Group{Name: g.Name}
			for _, m := range g.Members {
				group.Members = append(group.Members, m.Username)
			}
			inst.groups[g.Name] = group
		}
	}

	var px projectsXML
	if err := xml.Unmarshal(projects, &px); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "malformed projects.xml", err)
	}
	for _, p := range px.Projects {
		project := Project{Name: p.Name}
		for _, u := range p.Leads {
			project.Leads = append(project.Leads, u.Username)
		}
		for _, u := range p.Reviewers {
			project.Reviewers = append(project.Reviewers, u.Username)
		}
		for _, u := range p.Committers {
			project.Committers = append(project.Committers, u.Username)
		}
		for _, u := range p.Authors {
			project.Authors = append(project.Authors, u.Username)
		}
		inst.projects[p.Name] = project
	}

	if len(version) > 0 {
		var vx versionXML
		if err := xml.Unmarshal(version, &vx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "malformed version.xml", err)
		}
		v, err := strconv.Atoi(strings.TrimSpace(vx.Value))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "malformed census version", err)
		}
		inst.Version = v
	}

	return inst, nil
}

// Load materializes a census snapshot from the census repository at a ref.
// groups.xml and version.xml are optional; contributors.xml and projects.xml
// are required.
func Load(ctx context.Context, repo forge.Repository, ref string) (*Instance, error) {
	contributors, err := repo.FileContents(ctx, "contributors.xml", ref)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "cannot read contributors.xml", err)
	}
	projects, err := repo.FileContents(ctx, "projects.xml", ref)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCensusInvalid, "cannot read projects.xml", err)
	}
	groups, err := repo.FileContents(ctx, "groups.xml", ref)
	if err != nil {
		groups = nil
	}
	version, err := repo.FileContents(ctx, "version.xml", ref)
	if err != nil {
		version = nil
	}
	return Parse(contributors, groups, projects, version)
}
