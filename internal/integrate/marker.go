// Package integrate implements the integration and sponsor protocol: the
// atomic push-and-finalize sequence, its crash recovery, and the /integrate
// and /sponsor command handlers driving it. The hidden pre-push marker in
// the comment stream is the recovery anchor; no state is stored locally.
package integrate

import (
	"encoding/base64"
	"encoding/json"
	"regexp"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

// RecoveryWalkLimit bounds how far back recovery searches the target
// branch for a commit matching a pre-push digest.
const RecoveryWalkLimit = 100

// PrePushMarker records the state of an in-flight push. It is embedded,
// base64 encoded, in the "Going to push" comment so that a crashed run can
// be completed or safely superseded.
type PrePushMarker struct {
	PR         string     `json:"pr"`
	Target     string     `json:"target"`
	TargetHash forge.Hash `json:"targetHash"`
	Candidate  forge.Hash `json:"candidate"`
	Digest     string     `json:"digest"`
}

var prePushPattern = regexp.MustCompile(`<!-- prepush: ([A-Za-z0-9+/=]+) -->`)

// Encode renders the marker for embedding in a comment
func (m *PrePushMarker) Encode() string {
	raw, _ := json.Marshal(m)
	return "<!-- prepush: " + base64.StdEncoding.EncodeToString(raw) + " -->"
}

// DecodeMarker parses a marker out of a comment body
func DecodeMarker(body string) (*PrePushMarker, bool) {
	match := prePushPattern.FindStringSubmatch(body)
	if match == nil {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		return nil, false
	}
	var m PrePushMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// LastMarker returns the most recent pre-push marker posted by the bot on
// the PR, along with the comment carrying it.
func LastMarker(botUser string, comments []forge.Comment) (*PrePushMarker, *forge.Comment, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if c.Author != botUser {
			continue
		}
		if m, ok := DecodeMarker(c.Body); ok {
			return m, &comments[i], true
		}
	}
	return nil, nil, false
}

// sanity guard against marker cross-wiring between PRs
func (m *PrePushMarker) consistentWith(prID, targetBranch string) error {
	if m.PR != prID || m.Target != targetBranch {
		return errors.New(errors.ErrCodeConflict, "pre-push marker does not match this pull request")
	}
	return nil
}
