// Package config loads the bot configuration from an optional YAML file,
// environment variables and built-in defaults, in ascending precedence of
// defaults < file < environment.
package config

import (
	"time"

	"github.com/softstack/batchbot/pkg/dispatch"
	"github.com/softstack/batchbot/pkg/permission"
	"github.com/softstack/batchbot/pkg/upload"
)

// Config is the full bot configuration.
type Config struct {
	// Instance names this bot instance; commands can target it with an
	// instance filter.
	Instance string `mapstructure:"instance" yaml:"instance"`

	Logging     Logging         `mapstructure:"logging" yaml:"logging"`
	Server      Server          `mapstructure:"server" yaml:"server"`
	Manager     Manager         `mapstructure:"manager" yaml:"manager"`
	Scheduler   Scheduler       `mapstructure:"scheduler" yaml:"scheduler"`
	Bookkeeping Bookkeeping     `mapstructure:"bookkeeping" yaml:"bookkeeping"`
	Build       dispatch.Config `mapstructure:"build" yaml:"build"`
	Results     Results         `mapstructure:"results" yaml:"results"`
	Permissions Permissions     `mapstructure:"permissions" yaml:"permissions"`
	Deploy      Deploy          `mapstructure:"deploy" yaml:"deploy"`

	// Comments overrides individual comment templates by key.
	Comments map[string]string `mapstructure:"comments" yaml:"comments,omitempty"`
}

// Logging configures the process logger.
type Logging struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Server configures the webhook HTTP listener.
type Server struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Manager configures the reconciliation loop.
type Manager struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// Scheduler configures the batch scheduler boundary.
type Scheduler struct {
	User       string `mapstructure:"user" yaml:"user"`
	SubmitCmd  string `mapstructure:"submit_cmd" yaml:"submit_cmd"`
	QueueCmd   string `mapstructure:"queue_cmd" yaml:"queue_cmd"`
	ReleaseCmd string `mapstructure:"release_cmd" yaml:"release_cmd"`
}

// Bookkeeping places the shared-filesystem job bookkeeping.
type Bookkeeping struct {
	JobsBaseDir string `mapstructure:"jobs_base_dir" yaml:"jobs_base_dir"`
	JobIDsDir   string `mapstructure:"job_ids_dir" yaml:"job_ids_dir"`
}

// Results configures outcome classification.
type Results struct {
	SuccessMarker   string `mapstructure:"success_marker" yaml:"success_marker"`
	ArtifactPattern string `mapstructure:"artifact_pattern" yaml:"artifact_pattern"`
}

// ClassPermissions is the account list for one permission class.
type ClassPermissions struct {
	Accounts         []string `mapstructure:"accounts" yaml:"accounts"`
	EmptyMeansAnyone bool     `mapstructure:"empty_means_anyone" yaml:"empty_means_anyone"`
}

// Permissions configures the three permission classes.
type Permissions struct {
	Build   ClassPermissions `mapstructure:"build" yaml:"build"`
	Command ClassPermissions `mapstructure:"command" yaml:"command"`
	Deploy  ClassPermissions `mapstructure:"deploy" yaml:"deploy"`
}

// Policy converts the configured permissions into the runtime policy.
func (p Permissions) Policy() permission.Policy {
	return permission.Policy{
		Build:   permission.ClassPolicy{Accounts: p.Build.Accounts, EmptyMeansAnyone: p.Build.EmptyMeansAnyone},
		Command: permission.ClassPolicy{Accounts: p.Command.Accounts, EmptyMeansAnyone: p.Command.EmptyMeansAnyone},
		Deploy:  permission.ClassPolicy{Accounts: p.Deploy.Accounts, EmptyMeansAnyone: p.Deploy.EmptyMeansAnyone},
	}
}

// Deploy configures artifact uploads.
type Deploy struct {
	// Enabled switches the whole deployment path on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// UploadPolicy is one of all, latest, once, none.
	UploadPolicy string `mapstructure:"upload_policy" yaml:"upload_policy"`

	// DestinationPrefix prefixes object keys in the bucket.
	DestinationPrefix string `mapstructure:"destination_prefix" yaml:"destination_prefix"`

	// HistoryDir holds the shared uploaded.txt ledger.
	HistoryDir string `mapstructure:"history_dir" yaml:"history_dir"`

	// UploadOnFinish uploads admitted artifacts as soon as their job
	// succeeds, without waiting for a deploy command.
	UploadOnFinish bool `mapstructure:"upload_on_finish" yaml:"upload_on_finish"`

	Storage upload.Config `mapstructure:"storage" yaml:"storage"`
}
