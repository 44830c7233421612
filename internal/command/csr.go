package command

import (
	"context"
	"strings"

	"github.com/mergebot/mergebot/pkg/errors"
)

// CSRHandler toggles the compatibility-and-specification-review requirement.
// Marking a CSR as not needed is restricted to project reviewers.
type CSRHandler struct{}

func (h *CSRHandler) Capability() Capability {
	return Capability{
		Name:         "csr",
		Description:  "require a compatibility and specification review for this pull request",
		AllowedInPR:  true,
		RequiredRole: RoleAnyone,
	}
}

func (h *CSRHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	if !sc.Config.EnableCSR {
		return errors.New(errors.ErrCodeBadArgument,
			"This repository has not been configured to use the `csr` command.")
	}
	needed := true
	switch strings.TrimSpace(inv.Args) {
	case "", "needed":
	case "unneeded":
		needed = false
	default:
		return errors.New(errors.ErrCodeBadArgument, "Usage: `/csr [needed|unneeded]`")
	}

	if !needed && !sc.IsReviewer(inv.User) {
		return errors.New(errors.ErrCodeUnauthorized,
			"Only project reviewers can determine that a CSR is not needed.")
	}

	sc.State.CSRNeeded = &needed
	if !live {
		return nil
	}
	if needed {
		reply.WriteString("@" + inv.User + " this pull request will not be integrated until a " +
			"CSR request is approved for the issue it solves.")
	} else {
		reply.WriteString("@" + inv.User + " determined that a CSR request is not needed for this pull request.")
	}
	return nil
}
