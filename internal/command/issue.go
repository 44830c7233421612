package command

import (
	"context"
	"strings"

	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/errors"
)

// IssueHandler maintains the list of issues the pull request solves.
// Registered under /issue with /solves as an alias.
type IssueHandler struct{}

func (h *IssueHandler) Capability() Capability {
	return Capability{
		Name:          "issue",
		Description:   "add or remove additional issues solved by this pull request",
		AllowedInPR:   true,
		AllowedInBody: true,
		RequiredRole:  RoleAuthor,
	}
}

const issueUsage = "Usage: `/issue [add|remove] <id>[,<id>,...]` or `/issue create <title>` or `/issue <id>: <description>`"

func (h *IssueHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	args := strings.TrimSpace(inv.Args)
	if args == "" {
		return errors.New(errors.ErrCodeBadArgument, issueUsage)
	}

	// "<id>: <description>" designates the main issue and retitles the PR
	if before, after, found := strings.Cut(args, ":"); found && !strings.ContainsAny(before, " ,") {
		desc := strings.TrimSpace(after)
		if desc != "" {
			return h.setMainIssue(ctx, sc, inv, live, reply, before, desc)
		}
	}

	action, rest, _ := strings.Cut(args, " ")
	switch action {
	case "create":
		return h.create(ctx, sc, inv, live, reply, strings.TrimSpace(rest))
	case "add", "remove":
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return errors.New(errors.ErrCodeBadArgument, issueUsage)
		}
		return h.update(ctx, sc, inv, live, reply, action, rest)
	default:
		// Bare id list is shorthand for add
		return h.update(ctx, sc, inv, live, reply, "add", args)
	}
}

func (h *IssueHandler) setMainIssue(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder, rawID, desc string) error {
	id, err := tracker.NormalizeID(sc.Config.IssueProject, rawID)
	if err != nil {
		return err
	}
	// Titles carry the bare issue number, not the project prefix
	_, number, _ := strings.Cut(id, "-")
	title := number + ": " + desc
	if live {
		if err := sc.Repo.SetTitle(ctx, sc.PR.ID, title); err != nil {
			return err
		}
		reply.WriteString("@" + inv.User + " The issue title has been updated.")
	}
	sc.PR.Title = title
	return nil
}

func (h *IssueHandler) create(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder, title string) error {
	if sc.Tracker == nil || sc.Config.IssueProject == "" {
		return errors.New(errors.ErrCodeBadArgument,
			"This repository is not configured to use an issue tracker.")
	}
	if title == "" {
		title = sc.PR.Title
	}
	if !live {
		return nil
	}
	issue, err := sc.Tracker.CreateIssue(ctx, tracker.CreateProperties{
		Project:   sc.Config.IssueProject,
		Title:     title,
		IssueType: "enhancement",
	})
	if err != nil {
		return err
	}
	reply.WriteString("@" + inv.User + " The issue `" + issue.ID + "` was successfully created: `" + issue.Title + "`.")
	return nil
}

func (h *IssueHandler) update(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder, action, list string) error {
	var ids []string
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := tracker.NormalizeID(sc.Config.IssueProject, raw)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errors.New(errors.ErrCodeBadArgument, issueUsage)
	}

	var changed []string
	for _, id := range ids {
		switch action {
		case "add":
			if sc.Tracker != nil {
				if _, err := sc.Tracker.Issue(ctx, id); err != nil {
					if errs, ok := errors.AsAppError(err); ok && errs.Code == errors.ErrCodeIssueNotFound {
						return errors.New(errors.ErrCodeBadArgument,
							"The issue `"+id+"` was not found in the issue tracker.")
					}
					return err
				}
			}
			if !sc.State.HasIssue(id) {
				sc.State.AdditionalIssues = append(sc.State.AdditionalIssues, id)
				changed = append(changed, "`"+id+"`")
			}
		case "remove":
			if !sc.State.HasIssue(id) {
				return errors.New(errors.ErrCodeBadArgument,
					"The issue `"+id+"` was not previously added to this pull request.")
			}
			var kept []string
			for _, existing := range sc.State.AdditionalIssues {
				if existing != id {
					kept = append(kept, existing)
				}
			}
			sc.State.AdditionalIssues = kept
			changed = append(changed, "`"+id+"`")
		}
	}
	if live && len(changed) > 0 {
		if action == "add" {
			reply.WriteString("@" + inv.User + " Adding additional issue to issues list: " + strings.Join(changed, ", ") + ".")
		} else {
			reply.WriteString("@" + inv.User + " Removing additional issue from issues list: " + strings.Join(changed, ", ") + ".")
		}
	}
	return nil
}
