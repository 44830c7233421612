// Package labeler computes classification labels for a pull request from the
// set of files it modifies. Each label owns a list of path patterns; a label
// applies when any modified file matches any of its patterns.
package labeler

import (
	"regexp"
	"sort"

	"github.com/mergebot/mergebot/pkg/errors"
)

// Labeler maps file paths to labels
type Labeler struct {
	labels map[string][]*regexp.Regexp
}

// New compiles a label configuration. The map keys are label names and the
// values are lists of regular expressions matched against modified paths.
func New(config map[string][]string) (*Labeler, error) {
	l := &Labeler{labels: make(map[string][]*regexp.Regexp)}
	for label, patterns := range config {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeConfigInvalid,
					"invalid pattern `"+p+"` for label `"+label+"`", err)
			}
			l.labels[label] = append(l.labels[label], re)
		}
	}
	return l, nil
}

// Labels returns the set of configured label names
func (l *Labeler) Labels() []string {
	out := make([]string, 0, len(l.labels))
	for name := range l.labels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsConfigured reports whether the label participates in classification
func (l *Labeler) IsConfigured(label string) bool {
	_, ok := l.labels[label]
	return ok
}

// Evaluate returns the labels applying to the modified files, sorted
func (l *Labeler) Evaluate(files []string) []string {
	var out []string
	for label, patterns := range l.labels {
		if matchesAny(patterns, files) {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

func matchesAny(patterns []*regexp.Regexp, files []string) bool {
	for _, re := range patterns {
		for _, f := range files {
			if re.MatchString(f) {
				return true
			}
		}
	}
	return false
}
