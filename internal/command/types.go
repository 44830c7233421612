// Package command implements the command surface of the bot: the registry
// of known commands, the parser extracting invocations from PR bodies,
// comments and reviews, and the dispatcher that executes each invocation
// exactly once and posts exactly one reply per invocation.
package command

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/mergebot/mergebot/internal/forge"
)

// Source identifies where an invocation was found
type Source string

// Invocation sources
const (
	SourceBody    Source = "body"
	SourceComment Source = "comment"
	SourceReview  Source = "review"
)

// Invocation is one command occurrence. Invocations are identified by
// (source, location) and processed at most once: a later bot comment
// carrying the reply marker for the id means the invocation is done.
type Invocation struct {
	User      string
	Source    Source
	Location  string
	Name      string
	Args      string
	CommentID string
	CreatedAt time.Time
	// SelfMarked is set when the containing comment carries the
	// self-command marker and may be honored from the bot account
	SelfMarked bool
}

// ID returns the stable invocation identifier
func (i *Invocation) ID() string {
	return string(i.Source) + ":" + i.Location
}

// SelfCommandMarker makes a bot-authored comment's commands honored
const SelfCommandMarker = "<!-- Valid self-command -->"

var replyMarkerPattern = regexp.MustCompile(`<!-- reply: '([^']+)' -->`)

// ReplyMarker returns the hidden marker identifying a reply to an invocation
func ReplyMarker(id string) string {
	return "<!-- reply: '" + id + "' -->"
}

// ReplyTarget extracts the invocation id a bot comment replies to
func ReplyTarget(body string) (string, bool) {
	m := replyMarkerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ProcessedIDs scans the comment stream for bot replies and returns the set
// of invocation ids that already have one.
func ProcessedIDs(botUser string, comments []forge.Comment) map[string]bool {
	processed := make(map[string]bool)
	for _, c := range comments {
		if c.Author != botUser {
			continue
		}
		for _, m := range replyMarkerPattern.FindAllStringSubmatch(c.Body, -1) {
			processed[m[1]] = true
		}
	}
	return processed
}

// bodyLocation derives a stable location for a body command from its
// content. Re-editing the body without changing the command keeps the
// location stable, so a previously processed command is not re-run.
func bodyLocation(name, args string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + args))
	return hex.EncodeToString(sum[:])[:16]
}
