package jcheck

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/pkg/errors"
)

// ConfPath is the location of the policy configuration inside the repository
const ConfPath = ".jcheck/conf"

// Configuration is the parsed .jcheck/conf policy for one revision. The file
// is INI-style with quoted subsections:
//
//	[general]
//	project=jdk
//	[checks]
//	error=reviewers,issues,whitespace
//	[checks "reviewers"]
//	reviewers=1
//	role=reviewer
//	[checks "whitespace"]
//	files=.*\.go$|.*\.md$
type Configuration struct {
	Project string
	Version int

	enabled map[string]bool

	ReviewersRequired int
	ReviewerRole      census.Role

	WhitespaceFiles *regexp.Regexp
}

// Enabled reports whether a named check participates
func (c *Configuration) Enabled(check string) bool {
	return c.enabled[check]
}

var sectionPattern = regexp.MustCompile(`^\[([a-z]+)(?:\s+"([a-z]+)")?\]$`)

// ParseConfiguration parses the raw contents of a .jcheck/conf file
func ParseConfiguration(data []byte) (*Configuration, error) {
	conf := &Configuration{
		enabled:           make(map[string]bool),
		ReviewersRequired: 1,
		ReviewerRole:      census.RoleReviewer,
	}

	section := ""
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if m := sectionPattern.FindStringSubmatch(line); m != nil {
			section = m[1]
			if m[2] != "" {
				section = m[1] + "." + m[2]
			}
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "malformed line in "+ConfPath+": `"+line+"`")
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch section {
		case "general":
			switch key {
			case "project":
				conf.Project = value
			case "version":
				v, err := strconv.Atoi(value)
				if err != nil {
					return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "malformed census version in "+ConfPath, err)
				}
				conf.Version = v
			}
		case "checks":
			if key == "error" {
				for _, name := range strings.Split(value, ",") {
					conf.enabled[strings.TrimSpace(name)] = true
				}
			}
		case "checks.reviewers":
			switch key {
			case "reviewers", "minimum":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "malformed reviewer count in "+ConfPath, err)
				}
				conf.ReviewersRequired = n
			case "role":
				conf.ReviewerRole = census.ParseRole(value)
			}
		case "checks.whitespace":
			if key == "files" {
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "malformed whitespace file pattern in "+ConfPath, err)
				}
				conf.WhitespaceFiles = re
			}
		}
	}
	if conf.Project == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, ConfPath+" has no project")
	}
	return conf, nil
}
