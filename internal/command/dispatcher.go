package command

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
	"github.com/mergebot/mergebot/pkg/telemetry"
)

// Dispatcher executes command invocations in comment order, guarding
// allowed contexts and roles, and posts exactly one reply per invocation.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over a registry
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// RunPR processes all commands of a pull request. Already processed
// invocations are replayed to rebuild the session state; new ones are
// executed and answered. The resulting state is left in sc.State.
func (d *Dispatcher) RunPR(ctx context.Context, sc *Scope) error {
	sc.State = NewSessionState()
	bot := sc.BotUser()

	var invs []*Invocation
	invs = append(invs, ParseBody(sc.PR, time.Time{})...)
	for _, c := range sc.PR.Comments {
		invs = append(invs, ParseComment(c, bot)...)
	}
	for _, r := range sc.PR.Reviews {
		invs = append(invs, ParseReview(r)...)
	}
	sort.SliceStable(invs, func(i, j int) bool {
		return invs[i].CreatedAt.Before(invs[j].CreatedAt)
	})

	processed := ProcessedIDs(bot, sc.PR.Comments)
	for _, inv := range invs {
		if err := d.dispatch(ctx, sc, inv, processed); err != nil {
			return err
		}
	}
	return nil
}

// RunCommit processes the commands of one commit's comment stream
func (d *Dispatcher) RunCommit(ctx context.Context, sc *Scope) error {
	sc.State = NewSessionState()
	bot := sc.BotUser()

	var invs []*Invocation
	for _, c := range sc.CommitComments {
		invs = append(invs, ParseComment(c, bot)...)
	}
	sort.SliceStable(invs, func(i, j int) bool {
		return invs[i].CreatedAt.Before(invs[j].CreatedAt)
	})

	processed := ProcessedIDs(bot, sc.CommitComments)
	for _, inv := range invs {
		if err := d.dispatch(ctx, sc, inv, processed); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, sc *Scope, inv *Invocation, processed map[string]bool) error {
	bot := sc.BotUser()
	live := !processed[inv.ID()]

	// Commands from the bot account are honored only when explicitly
	// marked as self-commands.
	if inv.User == bot && !inv.SelfMarked {
		return nil
	}

	handler, known := d.registry.Lookup(inv.Name)
	if !known {
		if d.isExternal(sc, inv.Name) {
			return nil
		}
		if !live {
			return nil
		}
		telemetry.GetMetrics().RecordCommand(ctx, inv.Name, true)
		return d.reply(ctx, sc, inv,
			"@"+inv.User+" Unknown command `"+inv.Name+"` - for a list of valid commands use `/help`.")
	}

	cap := handler.Capability()
	if rejection := d.authorize(sc, inv, cap); rejection != "" {
		if !live {
			return nil
		}
		telemetry.GetMetrics().RecordCommand(ctx, inv.Name, true)
		return d.reply(ctx, sc, inv, "@"+inv.User+" "+rejection)
	}
	if inv.User == bot && !cap.SelfAllowed {
		return nil
	}

	var out strings.Builder
	err := handler.Handle(ctx, sc, inv, live, &out)
	if err != nil {
		switch errors.CategoryOf(err) {
		case errors.CategoryUser, errors.CategorySemantic:
			out.Reset()
			out.WriteString("@" + inv.User + " " + errors.MessageOf(err))
		case errors.CategoryFatal:
			logger.Error("cannot process command",
				zap.String("command", inv.Name), zap.Error(err))
			out.Reset()
			out.WriteString("@" + inv.User + " The bot cannot process command `" + inv.Name + "` at this time.")
		default:
			// Transient; retried by the scheduler without a reply
			return err
		}
	}
	if !live {
		return nil
	}
	telemetry.GetMetrics().RecordCommand(ctx, inv.Name, err != nil)
	if out.Len() == 0 {
		return nil
	}
	return d.reply(ctx, sc, inv, out.String())
}

// authorize returns a canonical rejection text, or "" when allowed
func (d *Dispatcher) authorize(sc *Scope, inv *Invocation, cap Capability) string {
	name := "`" + inv.Name + "`"
	if sc.PR != nil && !cap.AllowedInPR {
		return "The command " + name + " can only be used in commit comments."
	}
	if sc.Commit != nil && !cap.AllowedInCommit {
		return "The command " + name + " can only be used in pull requests."
	}
	if inv.Source == SourceBody && !cap.AllowedInBody {
		return "The command " + name + " cannot be used in the pull request body. Please use it in a new comment."
	}
	if !sc.HasRole(inv.User, cap.RequiredRole) {
		switch cap.RequiredRole {
		case RoleAuthor:
			return "Only the author (@" + sc.PR.Author + ") is allowed to issue the " + name + " command."
		case RoleCommitter:
			return "Only project committers are allowed to issue the " + name + " command."
		case RoleReviewer:
			return "Only project reviewers are allowed to issue the " + name + " command."
		case RoleIntegrator:
			return "Only integrators are allowed to issue the " + name + " command."
		}
	}
	return ""
}

func (d *Dispatcher) isExternal(sc *Scope, name string) bool {
	if sc.PR != nil {
		_, ok := sc.Config.ExternalPullRequestCommands[name]
		return ok
	}
	_, ok := sc.Config.ExternalCommitCommands[name]
	return ok
}

// reply posts the single reply comment for an invocation, carrying the
// hidden marker that makes the invocation processed.
func (d *Dispatcher) reply(ctx context.Context, sc *Scope, inv *Invocation, body string) error {
	full := body + "\n" + ReplyMarker(inv.ID())
	var err error
	if sc.PR != nil {
		_, err = sc.Repo.AddComment(ctx, sc.PR.ID, full)
	} else {
		_, err = sc.Repo.AddCommitComment(ctx, sc.Commit.Hash, full)
	}
	if err != nil {
		return err
	}
	logger.Debug("replied to command",
		zap.String("command", inv.Name),
		zap.String("invocation", inv.ID()))
	return nil
}
