// Package prbot ties the bot together for one configured repository: it
// assembles the command registry, runs the dispatcher and the integration
// recovery on each work item, and reconciles the PR's declarative surface
// (labels, body, status check, instructional comment) on every run.
package prbot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mergebot/mergebot/internal/census"
	"github.com/mergebot/mergebot/internal/command"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/internal/integrate"
	"github.com/mergebot/mergebot/internal/labeler"
	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
)

// WorkbenchFactory opens a working area for a pull request
type WorkbenchFactory func(ctx context.Context, pr *forge.PullRequest) (gitrepo.Workbench, error)

// Options wires one repository bot
type Options struct {
	Repo       forge.Repository
	CensusRepo forge.Repository
	Config     *config.RepoConfig
	Tracker    tracker.IssueTracker

	// NewWorkbench opens the working area used for integration pushes
	NewWorkbench WorkbenchFactory

	// OpenRepository resolves sibling repositories for /backport
	OpenRepository func(name string) (forge.Repository, error)
}

// Bot processes work items for one configured repository
type Bot struct {
	repo       forge.Repository
	censusRepo forge.Repository
	cfg        *config.RepoConfig
	trk        tracker.IssueTracker
	lab        *labeler.Labeler

	registry   *command.Registry
	dispatcher *command.Dispatcher
	protocol   *integrate.Protocol

	newWorkbench   WorkbenchFactory
	openRepository func(name string) (forge.Repository, error)
}

// New creates the bot for one repository
func New(opts Options) (*Bot, error) {
	if opts.Repo == nil || opts.CensusRepo == nil || opts.Config == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "repository bot requires a repo, a census repo and a config")
	}
	lab, err := labeler.New(opts.Config.LabelConfiguration)
	if err != nil {
		return nil, err
	}

	protocol := integrate.NewProtocol()
	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	integrate.Register(registry, protocol)

	return &Bot{
		repo:           opts.Repo,
		censusRepo:     opts.CensusRepo,
		cfg:            opts.Config,
		trk:            opts.Tracker,
		lab:            lab,
		registry:       registry,
		dispatcher:     command.NewDispatcher(registry),
		protocol:       protocol,
		newWorkbench:   opts.NewWorkbench,
		openRepository: opts.OpenRepository,
	}, nil
}

// Repo returns the repository the bot operates on
func (b *Bot) Repo() forge.Repository {
	return b.repo
}

// scope builds the command scope shared by one work item run
func (b *Bot) scope(ctx context.Context, pr *forge.PullRequest, commit *forge.Commit, comments []forge.Comment) (*command.Scope, error) {
	inst, err := census.Load(ctx, b.censusRepo, b.cfg.CensusRef)
	if err != nil {
		return nil, err
	}
	sc := &command.Scope{
		Repo:           b.repo,
		Config:         b.cfg,
		Census:         inst,
		Tracker:        b.trk,
		Labeler:        b.lab,
		PR:             pr,
		Commit:         commit,
		CommitComments: comments,
		Integration:    b.protocol,
		OpenRepository: b.openRepository,
	}
	sc.NewWorkbench = func(ctx context.Context) (gitrepo.Workbench, error) {
		return b.newWorkbench(ctx, pr)
	}
	return sc, nil
}

// RunPR executes one pull request work item: replay and dispatch commands,
// recover any interrupted integration, then reconcile the declarative
// surface against the freshly observed state.
func (b *Bot) RunPR(ctx context.Context, prID string) error {
	if !b.cfg.ProcessPREnabled() {
		return nil
	}
	pr, err := b.repo.PullRequest(ctx, prID)
	if err != nil {
		return err
	}
	sc, err := b.scope(ctx, pr, nil, nil)
	if err != nil {
		return err
	}
	if err := b.dispatcher.RunPR(ctx, sc); err != nil {
		return err
	}
	if err := b.protocol.Recover(ctx, sc); err != nil {
		return err
	}

	// Commands and recovery may have mutated the PR; reconcile against a
	// fresh snapshot. A head change mid-run aborts, the scheduler reruns.
	current, err := b.repo.PullRequest(ctx, prID)
	if err != nil {
		return err
	}
	if current.HeadHash != pr.HeadHash {
		logger.Info("head changed mid-run, aborting work item",
			zap.String("pr", prID))
		return nil
	}
	sc.PR = current
	return b.reconcile(ctx, sc)
}

// RunCommit executes one commit comment work item
func (b *Bot) RunCommit(ctx context.Context, hash forge.Hash) error {
	if !b.cfg.ProcessCommitEnabled() {
		return nil
	}
	commit, err := b.repo.Commit(ctx, hash)
	if err != nil {
		return err
	}
	all, err := b.repo.CommitComments(ctx, time.Time{})
	if err != nil {
		return err
	}
	var comments []forge.Comment
	for _, cc := range all {
		if cc.CommitHash == hash {
			comments = append(comments, cc.Comment)
		}
	}
	sc, err := b.scope(ctx, nil, commit, comments)
	if err != nil {
		return err
	}
	return b.dispatcher.RunCommit(ctx, sc)
}
