package integrate

import (
	"context"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/jcheck"
	"github.com/mergebot/mergebot/pkg/errors"
)

// Register adds the integration command handlers to a registry
func Register(reg *command.Registry, p *Protocol) {
	reg.Register(&IntegrateHandler{protocol: p})
	reg.Register(&SponsorHandler{protocol: p})
}

var hashArgPattern = regexp.MustCompile(`^[0-9a-fA-F]{8,64}$`)

// sponsorReadyPattern extracts the head hash recorded when a change was
// marked ready for sponsoring.
var sponsorReadyPattern = regexp.MustCompile(`ready to be sponsored at version ([0-9a-fA-F]+)`)

// SponsoredVersion returns the head recorded by the latest sponsor-ready
// reply on the PR.
func SponsoredVersion(botUser string, pr *forge.PullRequest) (forge.Hash, bool) {
	for i := len(pr.Comments) - 1; i >= 0; i-- {
		c := pr.Comments[i]
		if c.Author != botUser {
			continue
		}
		if m := sponsorReadyPattern.FindStringSubmatch(c.Body); m != nil {
			return forge.Hash(m[1]), true
		}
	}
	return "", false
}

// checksPassed reports whether the jcheck status at the current head is green
func checksPassed(ctx context.Context, sc *command.Scope) (bool, error) {
	checks, err := sc.Repo.Checks(ctx, sc.PR.ID, sc.PR.HeadHash)
	if err != nil {
		return false, err
	}
	for _, c := range checks {
		if c.Name == jcheck.CheckName && c.State == forge.CheckSuccess {
			return true, nil
		}
	}
	return false, nil
}

// IntegrateHandler handles /integrate [auto|manual|<hash>]
type IntegrateHandler struct {
	protocol *Protocol
}

func (h *IntegrateHandler) Capability() command.Capability {
	return command.Capability{
		Name:          "integrate",
		Description:   "integrate this pull request into the target branch",
		AllowedInPR:   true,
		AllowedInBody: true,
		SelfAllowed:   true,
		RequiredRole:  command.RoleAnyone,
	}
}

func (h *IntegrateHandler) Handle(ctx context.Context, sc *command.Scope, inv *command.Invocation, live bool, reply *strings.Builder) error {
	pr := sc.PR
	arg := strings.TrimSpace(inv.Args)
	actingAuthor := sc.IsAuthor(inv.User) || (inv.User == sc.BotUser() && inv.SelfMarked)

	switch arg {
	case "auto":
		if !actingAuthor {
			return errors.New(errors.ErrCodeUnauthorized,
				"Only the author (@"+pr.Author+") is allowed to issue the `integrate` command.")
		}
		sc.State.AutoIntegrate = true
		if live {
			reply.WriteString("@" + inv.User + " This pull request will be automatically integrated when it is ready.")
		}
		return nil
	case "manual":
		if !actingAuthor {
			return errors.New(errors.ErrCodeUnauthorized,
				"Only the author (@"+pr.Author+") is allowed to issue the `integrate` command.")
		}
		sc.State.AutoIntegrate = false
		if live {
			reply.WriteString("@" + inv.User + " This pull request will have to be integrated manually using the `/integrate` command.")
		}
		return nil
	}

	var pinned forge.Hash
	if arg != "" {
		if !hashArgPattern.MatchString(arg) {
			return errors.New(errors.ErrCodeBadArgument, "Usage: `/integrate [auto|manual|<hash>]`")
		}
		pinned = forge.Hash(arg)
	}

	if !actingAuthor {
		return errors.New(errors.ErrCodeUnauthorized,
			"Only the author (@"+pr.Author+") is allowed to issue the `integrate` command.")
	}
	if !live {
		return nil
	}
	if !pr.IsOpen() {
		reply.WriteString("@" + inv.User + " The command `integrate` can only be used in open pull requests.")
		return nil
	}
	if !pr.HasLabel(command.LabelReady) {
		reply.WriteString("@" + inv.User + " This pull request is not yet marked as ready to be integrated.")
		return nil
	}
	green, err := checksPassed(ctx, sc)
	if err != nil {
		return err
	}
	if !green {
		reply.WriteString("@" + inv.User + " This pull request is not yet marked as ready to be integrated.")
		return nil
	}

	if !sc.IsCommitter(pr.Author) {
		// The author cannot push; enter the sponsor flow
		if err := sc.Repo.AddLabel(ctx, pr.ID, command.LabelSponsor); err != nil {
			return err
		}
		reply.WriteString("@" + inv.User + " this pull request is now ready to be sponsored at version " +
			pr.HeadHash.String() + ": a project committer may issue the `/sponsor` command.")
		return nil
	}

	out, err := h.protocol.Integrate(ctx, sc, inv, pr.Author, pinned)
	if err != nil {
		return err
	}
	if out != "" {
		reply.WriteString("@" + inv.User + " " + out)
	}
	return nil
}

// SponsorHandler handles /sponsor on a change previously marked ready
type SponsorHandler struct {
	protocol *Protocol
}

func (h *SponsorHandler) Capability() command.Capability {
	return command.Capability{
		Name:         "sponsor",
		Description:  "integrate a pull request on behalf of an author without commit rights",
		AllowedInPR:  true,
		RequiredRole: command.RoleCommitter,
	}
}

func (h *SponsorHandler) Handle(ctx context.Context, sc *command.Scope, inv *command.Invocation, live bool, reply *strings.Builder) error {
	pr := sc.PR
	if !live {
		return nil
	}
	if !pr.IsOpen() {
		reply.WriteString("@" + inv.User + " The command `sponsor` can only be used in open pull requests.")
		return nil
	}
	if sc.IsAuthor(inv.User) {
		reply.WriteString("@" + inv.User + " You cannot sponsor your own change; a committer other than the author must issue the `sponsor` command.")
		return nil
	}
	version, requested := SponsoredVersion(sc.BotUser(), pr)
	if !requested {
		reply.WriteString("@" + inv.User + " There is no integration request to sponsor on this pull request; the author must issue the `integrate` command first.")
		return nil
	}
	if !pr.HasLabel(command.LabelSponsor) || version != pr.HeadHash {
		if err := sc.Repo.RemoveLabel(ctx, pr.ID, command.LabelSponsor); err != nil {
			return err
		}
		reply.WriteString("@" + inv.User + " The PR has been updated since the change was marked ready; the author must issue the `integrate` command again.")
		return nil
	}
	green, err := checksPassed(ctx, sc)
	if err != nil {
		return err
	}
	if !green {
		reply.WriteString("@" + inv.User + " This pull request is not yet marked as ready to be integrated.")
		return nil
	}

	out, err := h.protocol.Integrate(ctx, sc, inv, inv.User, "")
	if err != nil {
		return err
	}
	if out != "" {
		reply.WriteString("@" + inv.User + " " + out)
	}
	return nil
}
