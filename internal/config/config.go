// Package config provides configuration management for the application.
// It supports YAML configuration files with environment variable overrides
// for secrets.
package config

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/logger"
	"github.com/mergebot/mergebot/pkg/telemetry"
)

// Default configuration values
const (
	defaultSeedStorage     = "./seeds"
	defaultPollInterval    = "@every 30s"
	defaultMaxWorkers      = 4
	defaultMaxRetries      = 5
	defaultWorkItemTimeout = 600 // seconds
	defaultForgeRPS        = 10
	defaultForgeBurst      = 20
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Database  DatabaseConfig   `yaml:"database"`
	Forges    []ForgeConfig    `yaml:"forges"`
	Tracker   TrackerConfig    `yaml:"tracker"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	// Repositories lists the per-repository bot configurations
	Repositories []RepoConfig `yaml:"repositories"`
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// DatabaseConfig holds the run-log database configuration
type DatabaseConfig struct {
	// Path is the sqlite file for the operator run log; empty disables it
	Path string `yaml:"path"`
}

// ForgeConfig holds credentials for one forge
type ForgeConfig struct {
	Type    string `yaml:"type"` // github, gitlab, gitea
	URL     string `yaml:"url"`  // for self-hosted instances
	Token   string `yaml:"token"`
	BotUser string `yaml:"bot_user"`
	// RPS and Burst tune the token-bucket limiter wrapping this forge
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TrackerConfig holds issue tracker binding
type TrackerConfig struct {
	Type    string `yaml:"type"` // jira
	URL     string `yaml:"url"`
	Email   string `yaml:"email"`
	Token   string `yaml:"token"`
	Project string `yaml:"project"`
}

// SchedulerConfig tunes the work-item scheduler
type SchedulerConfig struct {
	// PollInterval is a cron spec for the periodic tick
	PollInterval string `yaml:"poll_interval"`
	// MaxWorkers bounds the worker pool
	MaxWorkers int `yaml:"max_workers"`
	// MaxRetries is the retry budget per work item
	MaxRetries int `yaml:"max_retries"`
	// WorkItemTimeout is the wall-clock timeout per work item in seconds
	WorkItemTimeout int `yaml:"work_item_timeout"`
}

// RepoConfig is the per-repository bot configuration
type RepoConfig struct {
	// Name is the repository name on the forge ("owner/repo")
	Name string `yaml:"name"`
	// Forge names the ForgeConfig entry hosting this repository
	Forge string `yaml:"forge"`
	// Project is the census project name governing roles
	Project string `yaml:"project"`
	// CensusRepo is the repository holding the census data set
	CensusRepo string `yaml:"census_repo"`
	// CensusRef is the census revision to resolve roles at
	CensusRef string `yaml:"census_ref"`
	// CensusLink is a template URL used in replies; {{contributor}} is substituted
	CensusLink string `yaml:"census_link"`
	// IssueProject is the optional issue tracker project binding
	IssueProject string `yaml:"issue_project"`
	// LabelConfiguration maps label names to path regex lists
	LabelConfiguration map[string][]string `yaml:"labels"`
	// ExternalPullRequestCommands are advertised in /help but handled elsewhere
	ExternalPullRequestCommands map[string]string `yaml:"external_pr_commands"`
	// ExternalCommitCommands are advertised in /help for commit comments
	ExternalCommitCommands map[string]string `yaml:"external_commit_commands"`
	// SeedStorage is the directory for the materialization cache
	SeedStorage string `yaml:"seed_storage"`
	// Forks maps repository names to hosted forks used by /backport
	Forks map[string]string `yaml:"forks"`
	// ProcessPR enables pull request processing
	ProcessPR *bool `yaml:"process_pr"`
	// ProcessCommit enables commit comment processing
	ProcessCommit *bool `yaml:"process_commit"`
	// EnableCSR accepts the /csr command
	EnableCSR bool `yaml:"enable_csr"`
	// UseStaleReviews counts approvals given on an older head
	UseStaleReviews bool `yaml:"use_stale_reviews"`
	// Integrators is the user allow-list for /branch and /tag
	Integrators []string `yaml:"integrators"`
}

// ProcessPREnabled reports whether PR processing is on (default true)
func (r *RepoConfig) ProcessPREnabled() bool {
	return r.ProcessPR == nil || *r.ProcessPR
}

// ProcessCommitEnabled reports whether commit processing is on (default true)
func (r *RepoConfig) ProcessCommitEnabled() bool {
	return r.ProcessCommit == nil || *r.ProcessCommit
}

// IsIntegrator reports whether the user is on the integrator allow-list
func (r *RepoConfig) IsIntegrator(username string) bool {
	for _, u := range r.Integrators {
		if u == username {
			return true
		}
	}
	return false
}

// ContributorLink renders the census link template for a contributor
func (r *RepoConfig) ContributorLink(username string) string {
	if r.CensusLink == "" {
		return username
	}
	return strings.ReplaceAll(r.CensusLink, "{{contributor}}", username)
}

// envPattern matches ${VAR} references in config values
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references from the environment
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigNotFound, "cannot read config file "+path, err)
	}
	expanded := expandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "cannot parse config file "+path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded")
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.PollInterval == "" {
		c.Scheduler.PollInterval = defaultPollInterval
	}
	if c.Scheduler.MaxWorkers <= 0 {
		c.Scheduler.MaxWorkers = defaultMaxWorkers
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = defaultMaxRetries
	}
	if c.Scheduler.WorkItemTimeout <= 0 {
		c.Scheduler.WorkItemTimeout = defaultWorkItemTimeout
	}
	for i := range c.Forges {
		if c.Forges[i].RPS <= 0 {
			c.Forges[i].RPS = defaultForgeRPS
		}
		if c.Forges[i].Burst <= 0 {
			c.Forges[i].Burst = defaultForgeBurst
		}
	}
	for i := range c.Repositories {
		if c.Repositories[i].SeedStorage == "" {
			c.Repositories[i].SeedStorage = defaultSeedStorage
		}
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	forges := make(map[string]bool)
	for _, f := range c.Forges {
		switch f.Type {
		case "github", "gitlab", "gitea":
		default:
			return errors.New(errors.ErrCodeConfigInvalid, "unknown forge type `"+f.Type+"`")
		}
		forges[f.Type] = true
	}
	for _, r := range c.Repositories {
		if r.Name == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "repository entry without a name")
		}
		if !forges[r.Forge] {
			return errors.New(errors.ErrCodeConfigInvalid, "repository "+r.Name+" references unknown forge `"+r.Forge+"`")
		}
		if r.Project == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "repository "+r.Name+" has no census project")
		}
		if r.CensusRepo == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "repository "+r.Name+" has no census repository")
		}
	}
	return nil
}

// Repository returns the RepoConfig for a repository name
func (c *Config) Repository(name string) (*RepoConfig, bool) {
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i], true
		}
	}
	return nil, false
}
