package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/pkg/errors"
)

// RegisterBuiltins registers the handlers that live in this package. The
// integration handlers (/integrate, /sponsor) are registered separately by
// the caller wiring the protocol.
func RegisterBuiltins(reg *Registry) {
	reg.Register(&HelpHandler{registry: reg})
	reg.Register(&ReviewersHandler{})
	reg.Register(&SummaryHandler{})
	reg.Register(&LabelHandler{})
	reg.Register(&ContributorHandler{})
	reg.Register(&IssueHandler{})
	reg.Register(&CSRHandler{})
	reg.Register(&BackportHandler{})
	reg.Register(&BranchHandler{})
	reg.Register(&TagHandler{})
	reg.Alias("cc", "label")
	reg.Alias("solves", "issue")
}

// HelpHandler lists the commands available in the current context
type HelpHandler struct {
	registry *Registry
}

func (h *HelpHandler) Capability() Capability {
	return Capability{
		Name:            "help",
		Description:     "shows this text",
		AllowedInPR:     true,
		AllowedInCommit: true,
		RequiredRole:    RoleAnyone,
	}
}

func (h *HelpHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	if !live {
		return nil
	}
	reply.WriteString("@" + inv.User + " Available commands:\n")
	for _, name := range h.registry.Names() {
		handler, _ := h.registry.Lookup(name)
		cap := handler.Capability()
		if sc.PR != nil && !cap.AllowedInPR {
			continue
		}
		if sc.Commit != nil && !cap.AllowedInCommit {
			continue
		}
		reply.WriteString(" * `/" + name + "` - " + cap.Description + "\n")
	}
	external := sc.Config.ExternalPullRequestCommands
	if sc.Commit != nil {
		external = sc.Config.ExternalCommitCommands
	}
	var names []string
	for name := range external {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reply.WriteString(" * `/" + name + "` - " + external[name] + "\n")
	}
	return nil
}

// ReviewersHandler adjusts the required reviewer count for the PR
type ReviewersHandler struct{}

func (h *ReviewersHandler) Capability() Capability {
	return Capability{
		Name:          "reviewers",
		Description:   "set the number of additional required reviewers",
		AllowedInPR:   true,
		AllowedInBody: true,
		RequiredRole:  RoleReviewer,
	}
}

func (h *ReviewersHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	fields := strings.Fields(inv.Args)
	if len(fields) == 0 || len(fields) > 2 {
		return errors.New(errors.ErrCodeBadArgument,
			"Usage: `/reviewers <n> [<role>]` where `<n>` is the number of required reviewers.")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 || n > 5 {
		return errors.New(errors.ErrCodeBadArgument,
			"The number of required reviewers must be between 0 and 5.")
	}
	role := census.RoleReviewer
	if len(fields) == 2 {
		role = census.ParseRole(fields[1])
		if role == census.RoleNone {
			return errors.New(errors.ErrCodeBadArgument,
				"Unknown role `"+fields[1]+"` specified.")
		}
	}
	sc.State.ReviewersRequired = n
	sc.State.ReviewerRole = role
	if live {
		fmt.Fprintf(reply,
			"@%s The number of required reviews for this PR is now set to %d (with at least role %s).",
			inv.User, n, role)
	}
	return nil
}

// SummaryHandler sets or clears the commit-message summary paragraph
type SummaryHandler struct{}

func (h *SummaryHandler) Capability() Capability {
	return Capability{
		Name:          "summary",
		Description:   "set a summary paragraph for the commit message",
		AllowedInPR:   true,
		AllowedInBody: true,
		RequiredRole:  RoleAuthor,
	}
}

func (h *SummaryHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	if strings.TrimSpace(inv.Args) == "" {
		sc.State.Summary = nil
		if live {
			reply.WriteString("@" + inv.User + " The summary has been removed.")
		}
		return nil
	}
	lines := strings.Split(inv.Args, "\n")
	sc.State.Summary = lines
	if live {
		reply.WriteString("@" + inv.User + " Setting summary to:\n\n```\n" +
			strings.Join(lines, "\n") + "\n```")
	}
	return nil
}

// LabelHandler adds or removes labels from the configured label set
type LabelHandler struct{}

func (h *LabelHandler) Capability() Capability {
	return Capability{
		Name:          "label",
		Description:   "add or remove a classification label",
		AllowedInPR:   true,
		AllowedInBody: true,
		RequiredRole:  RoleCommitter,
	}
}

func (h *LabelHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	fields := strings.Fields(inv.Args)
	if len(fields) == 0 {
		return errors.New(errors.ErrCodeBadArgument,
			"Usage: `/label [add|remove] <label>[, <label>, ...]`")
	}
	action := "add"
	if fields[0] == "add" || fields[0] == "remove" {
		action = fields[0]
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return errors.New(errors.ErrCodeBadArgument,
			"Usage: `/label [add|remove] <label>[, <label>, ...]`")
	}
	var labels []string
	for _, f := range fields {
		labels = append(labels, strings.Trim(f, ","))
	}
	for _, label := range labels {
		if sc.Labeler == nil || !sc.Labeler.IsConfigured(label) {
			valid := "(none)"
			if sc.Labeler != nil && len(sc.Labeler.Labels()) > 0 {
				valid = "`" + strings.Join(sc.Labeler.Labels(), "`, `") + "`"
			}
			return errors.New(errors.ErrCodeBadArgument,
				"The label `"+label+"` is not a valid label. These labels are valid: "+valid+".")
		}
	}
	for _, label := range labels {
		sc.State.ManualLabels[label] = action == "add"
	}
	if !live {
		return nil
	}
	var done []string
	for _, label := range labels {
		var err error
		if action == "add" {
			err = sc.Repo.AddLabel(ctx, sc.PR.ID, label)
		} else {
			err = sc.Repo.RemoveLabel(ctx, sc.PR.ID, label)
		}
		if err != nil {
			return err
		}
		done = append(done, "`"+label+"`")
	}
	verb := "added"
	if action == "remove" {
		verb = "removed"
	}
	fmt.Fprintf(reply, "@%s The %s label was successfully %s.", inv.User, strings.Join(done, ", "), verb)
	return nil
}
