package command

import (
	"context"
	"regexp"
	"strings"

	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/pkg/errors"
)

var identityPattern = regexp.MustCompile(`^(.+?)\s*<(.+@.+)>$`)

// ContributorHandler maintains the co-author list of the eventual commit
type ContributorHandler struct{}

func (h *ContributorHandler) Capability() Capability {
	return Capability{
		Name:          "contributor",
		Description:   "add or remove additional contributors for this pull request",
		AllowedInPR:   true,
		AllowedInBody: true,
		RequiredRole:  RoleAuthor,
	}
}

// resolveContributor accepts "Full Name <email>", "@user" or a bare census
// username and returns the git identity
func resolveContributor(sc *Scope, arg string) (forge.Identity, bool) {
	if m := identityPattern.FindStringSubmatch(arg); m != nil {
		return forge.Identity{Name: strings.TrimSpace(m[1]), Email: m[2]}, true
	}
	username := strings.TrimPrefix(arg, "@")
	if c, ok := sc.Census.Contributor(username); ok && c.Email != "" {
		return c.Identity(), true
	}
	return forge.Identity{}, false
}

func (h *ContributorHandler) Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error {
	action, rest, _ := strings.Cut(strings.TrimSpace(inv.Args), " ")
	rest = strings.TrimSpace(rest)
	if (action != "add" && action != "remove") || rest == "" {
		return errors.New(errors.ErrCodeBadArgument,
			"Usage: `/contributor (add|remove) [@user | Full Name <email@address>]`")
	}
	id, ok := resolveContributor(sc, rest)
	if !ok {
		return errors.New(errors.ErrCodeBadArgument,
			"Could not parse `"+rest+"` as a valid contributor.")
	}

	switch action {
	case "add":
		if !sc.State.HasContributor(id) {
			sc.State.Contributors = append(sc.State.Contributors, id)
		}
		if live {
			reply.WriteString("@" + inv.User + " Contributor `" + id.String() + "` successfully added.")
		}
	case "remove":
		found := false
		var kept []forge.Identity
		for _, c := range sc.State.Contributors {
			if c == id {
				found = true
				continue
			}
			kept = append(kept, c)
		}
		if !found {
			return errors.New(errors.ErrCodeBadArgument,
				"Contributor `"+id.String()+"` was not found.")
		}
		sc.State.Contributors = kept
		if live {
			reply.WriteString("@" + inv.User + " Contributor `" + id.String() + "` successfully removed.")
		}
	}
	return nil
}
