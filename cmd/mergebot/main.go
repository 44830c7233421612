// Package main is the entry point for the mergebot service.
// Mergebot polls configured forge repositories, dispatches pull request
// commands and drives changes through the integration protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mergebot/mergebot/consts"
	"github.com/mergebot/mergebot/internal/config"
	"github.com/mergebot/mergebot/internal/forge"
	"github.com/mergebot/mergebot/internal/forge/gitea"
	"github.com/mergebot/mergebot/internal/forge/github"
	"github.com/mergebot/mergebot/internal/forge/gitlab"
	"github.com/mergebot/mergebot/internal/gitrepo"
	"github.com/mergebot/mergebot/internal/prbot"
	"github.com/mergebot/mergebot/internal/runlog"
	"github.com/mergebot/mergebot/internal/scheduler"
	"github.com/mergebot/mergebot/internal/server"
	"github.com/mergebot/mergebot/internal/tracker"
	"github.com/mergebot/mergebot/internal/tracker/jira"
	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
	"github.com/mergebot/mergebot/pkg/telemetry"
)

// Build information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	consts.Version = Version
	consts.BuildTime = BuildTime
	consts.GitCommit = GitCommit
}

// configPath holds the path to the configuration file
var configPath string

var rootCmd = &cobra.Command{
	Use:   "mergebot",
	Short: "MergeBot - pull request command and integration bot",
	Long: `MergeBot watches the pull requests of configured repositories,
executes slash commands found in comments and reviews, enforces review
policy checks and integrates approved changes onto the target branch.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot",
	Long: `Start the bot: poll the configured repositories, process pull
request and commit comment work items, and serve operator diagnostics.`,
	Run: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MergeBot %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/mergebot.yaml",
		"configuration file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().String("host", "", "status server host (overrides config)")
	serveCmd.Flags().Int("port", 0, "status server port (overrides config)")
	serveCmd.Flags().Bool("debug", false, "enable debug mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	consts.SetStartedAt(time.Now())

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer tel.Shutdown(context.Background())

	forges, err := buildForges(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize forges", zap.Error(err))
	}

	trk, err := buildTracker(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize issue tracker", zap.Error(err))
	}

	var runs *runlog.Store
	if cfg.Database.Path != "" {
		runs, err = runlog.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatal("Failed to open run log", zap.Error(err))
		}
		defer runs.Close()
	}

	sources, err := buildSources(cfg, forges, trk)
	if err != nil {
		logger.Fatal("Failed to initialize repositories", zap.Error(err))
	}

	sched := scheduler.New(cfg.Scheduler, runs, sources...)
	if err := sched.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	srv := server.New(cfg.Server, sched, runs)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start status server", zap.Error(err))
	}

	logger.Info("mergebot started",
		zap.String("version", Version),
		zap.Int("repositories", len(cfg.Repositories)))

	srv.WaitForShutdown()
	sched.Stop()
}

// forgeEntry pairs a forge connection with its configuration
type forgeEntry struct {
	forge forge.Forge
	cfg   config.ForgeConfig
}

// buildForges creates one forge connection per configured entry
func buildForges(cfg *config.Config) (map[string]forgeEntry, error) {
	forges := make(map[string]forgeEntry, len(cfg.Forges))
	for _, fc := range cfg.Forges {
		var f forge.Forge
		var err error
		switch fc.Type {
		case "github":
			f, err = github.New(github.Options{
				BaseURL: fc.URL, Token: fc.Token, BotUser: fc.BotUser,
				RPS: fc.RPS, Burst: fc.Burst,
			})
		case "gitlab":
			f, err = gitlab.New(gitlab.Options{
				BaseURL: fc.URL, Token: fc.Token, BotUser: fc.BotUser,
				RPS: fc.RPS, Burst: fc.Burst,
			})
		case "gitea":
			f, err = gitea.New(gitea.Options{
				BaseURL: fc.URL, Token: fc.Token, BotUser: fc.BotUser,
				RPS: fc.RPS, Burst: fc.Burst,
			})
		default:
			err = errors.New(errors.ErrCodeConfigInvalid,
				"unknown forge type `"+fc.Type+"`")
		}
		if err != nil {
			return nil, err
		}
		forges[fc.Type] = forgeEntry{forge: f, cfg: fc}
	}
	return forges, nil
}

// buildTracker creates the issue tracker binding, nil when unconfigured
func buildTracker(cfg *config.Config) (tracker.IssueTracker, error) {
	switch cfg.Tracker.Type {
	case "":
		return nil, nil
	case "jira":
		return jira.NewTracker(jira.ClientConfig{
			BaseURL:  cfg.Tracker.URL,
			Email:    cfg.Tracker.Email,
			APIToken: cfg.Tracker.Token,
			Project:  cfg.Tracker.Project,
		})
	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"unknown tracker type `"+cfg.Tracker.Type+"`")
	}
}

// headRefFor maps a PR id to the forge's hidden head ref
func headRefFor(forgeType, prID string) string {
	switch forgeType {
	case "gitlab":
		return gitlab.HeadRef(prID)
	case "gitea":
		return gitea.HeadRef(prID)
	default:
		return github.HeadRef(prID)
	}
}

// buildSources assembles one bot and poll source per configured repository
func buildSources(cfg *config.Config, forges map[string]forgeEntry, trk tracker.IssueTracker) ([]scheduler.Source, error) {
	var sources []scheduler.Source
	for i := range cfg.Repositories {
		rc := &cfg.Repositories[i]
		entry, ok := forges[rc.Forge]
		if !ok {
			return nil, errors.New(errors.ErrCodeConfigInvalid,
				"repository "+rc.Name+" references unknown forge `"+rc.Forge+"`")
		}
		repo, err := entry.forge.Repository(rc.Name)
		if err != nil {
			return nil, err
		}
		censusRepo := repo
		if rc.CensusRepo != "" && rc.CensusRepo != rc.Name {
			censusRepo, err = entry.forge.Repository(rc.CensusRepo)
			if err != nil {
				return nil, err
			}
		}
		seeds, err := gitrepo.NewSeedStorage(rc.SeedStorage)
		if err != nil {
			return nil, err
		}

		forgeType := entry.cfg.Type
		token := entry.cfg.Token
		bot, err := prbot.New(prbot.Options{
			Repo:       repo,
			CensusRepo: censusRepo,
			Config:     rc,
			Tracker:    trk,
			NewWorkbench: func(ctx context.Context, pr *forge.PullRequest) (gitrepo.Workbench, error) {
				return gitrepo.NewWorkbench(ctx, gitrepo.WorkbenchOptions{
					Seeds:        seeds,
					RepoName:     pr.Repo,
					URL:          repo.URL(),
					Token:        token,
					TargetBranch: pr.TargetBranch,
					HeadRef:      headRefFor(forgeType, pr.ID),
					HeadHash:     pr.HeadHash,
				})
			},
			OpenRepository: entry.forge.Repository,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, scheduler.NewRepoSource(bot))
	}
	return sources, nil
}
