package command

import (
	"context"
	"sort"
	"strings"
)

// Role is the minimum role a command demands
type Role int

// Command roles, weakest first
const (
	RoleAnyone Role = iota
	RoleAuthor
	RoleCommitter
	RoleReviewer
	RoleIntegrator
)

// Capability describes where a command may appear and who may issue it
type Capability struct {
	Name        string
	Description string
	// AllowedInPR permits the command on pull requests
	AllowedInPR bool
	// AllowedInCommit permits the command in commit comments
	AllowedInCommit bool
	// AllowedInBody permits the command inside the PR body text
	AllowedInBody bool
	// SelfAllowed honors the command from the bot account when the
	// containing comment carries the self-command marker
	SelfAllowed bool
	// RequiredRole is enforced by the dispatcher before the handler runs
	RequiredRole Role
}

// Handler executes one command invocation. Handlers write their reply to
// the builder; the dispatcher posts it as a single comment. When live is
// false the invocation is a replay of an already processed command: the
// handler must re-apply its effect on the session state without touching
// the forge or the reply.
type Handler interface {
	Capability() Capability
	Handle(ctx context.Context, sc *Scope, inv *Invocation, live bool, reply *strings.Builder) error
}

// Registry is the static table of known commands
type Registry struct {
	handlers map[string]Handler
	aliases  map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		aliases:  make(map[string]string),
	}
}

// Register adds a handler under its capability name
func (r *Registry) Register(h Handler) {
	r.handlers[h.Capability().Name] = h
}

// Alias registers an alternate name for an existing command
func (r *Registry) Alias(alias, name string) {
	r.aliases[alias] = name
}

// Lookup resolves a command name or alias to its handler
func (r *Registry) Lookup(name string) (Handler, bool) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names, sorted
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
