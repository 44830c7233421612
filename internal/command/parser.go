package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/mergebot/mergebot/internal/forge"
)

// A command line is "/<name>" at line start, optionally followed by
// arguments. Later non-command lines extend the arguments of the preceding
// invocation (multi-line /summary).
func splitCommandLine(line string) (name, args string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	rest := line[1:]
	if rest == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(rest, " ")
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return "", "", false
		}
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// parseLines extracts invocations from a block of text. Every line starting
// a command begins a new invocation; intervening lines belong to the
// arguments of the previous one. Text before the first command is ignored.
func parseLines(text string) []*Invocation {
	var out []*Invocation
	var current *Invocation
	var extra []string

	flush := func() {
		if current == nil {
			return
		}
		args := current.Args
		if len(extra) > 0 {
			joined := strings.TrimRight(strings.Join(extra, "\n"), "\n \t")
			if args == "" {
				args = joined
			} else {
				args = args + "\n" + joined
			}
		}
		current.Args = strings.TrimSpace(args)
		out = append(out, current)
		current = nil
		extra = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if name, args, ok := splitCommandLine(trimmed); ok {
			flush()
			current = &Invocation{Name: name, Args: args}
			continue
		}
		if current != nil {
			extra = append(extra, trimmed)
		}
	}
	flush()
	return out
}

// ParseComment extracts invocations from a PR or commit comment
func ParseComment(c forge.Comment, botUser string) []*Invocation {
	invs := parseLines(c.Body)
	selfMarked := strings.Contains(c.Body, SelfCommandMarker)
	for i, inv := range invs {
		inv.User = c.Author
		inv.Source = SourceComment
		inv.Location = fmt.Sprintf("%s-%d", c.ID, i)
		inv.CommentID = c.ID
		inv.CreatedAt = c.CreatedAt
		inv.SelfMarked = selfMarked
	}
	return invs
}

// ParseReview extracts an invocation from a review body. Only the leading
// line of a review is considered; commands further down are ignored.
func ParseReview(r forge.Review) []*Invocation {
	lines := strings.SplitN(r.Body, "\n", 2)
	if len(lines) == 0 {
		return nil
	}
	name, args, ok := splitCommandLine(strings.TrimRight(lines[0], "\r"))
	if !ok {
		return nil
	}
	return []*Invocation{{
		User:      r.Author,
		Source:    SourceReview,
		Location:  r.ID,
		Name:      name,
		Args:      args,
		CreatedAt: r.CreatedAt,
	}}
}

// ParseBody extracts invocations from the PR body. Body invocations are
// located by a digest of their content, so an unchanged command survives
// body edits without being re-run.
func ParseBody(pr *forge.PullRequest, createdAt time.Time) []*Invocation {
	invs := parseLines(pr.Body)
	for _, inv := range invs {
		inv.User = pr.Author
		inv.Source = SourceBody
		inv.Location = bodyLocation(inv.Name, inv.Args)
		inv.CreatedAt = createdAt
	}
	return invs
}
