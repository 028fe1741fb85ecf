package config

import (
	"errors"
	"fmt"
	"os/user"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BATCHBOT"

// Load reads the configuration. path may be empty; the loader then looks
// for batchbot.yaml in the working directory and /etc/batchbot, and a
// missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("batchbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/batchbot")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance", "batchbot")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("manager.poll_interval", "60s")
	v.SetDefault("manager.max_iterations", -1)

	v.SetDefault("scheduler.user", currentUserName())
	v.SetDefault("scheduler.submit_cmd", "sbatch")
	v.SetDefault("scheduler.queue_cmd", "squeue")
	v.SetDefault("scheduler.release_cmd", "scontrol")

	v.SetDefault("bookkeeping.jobs_base_dir", "jobs")
	v.SetDefault("bookkeeping.job_ids_dir", "job_ids")

	v.SetDefault("build.job_name_prefix", "batchbot")
	v.SetDefault("build.default_time_limit", "24:00:00")

	v.SetDefault("permissions.build.empty_means_anyone", true)
	v.SetDefault("permissions.command.empty_means_anyone", true)
	v.SetDefault("permissions.deploy.empty_means_anyone", false)

	v.SetDefault("deploy.enabled", false)
	v.SetDefault("deploy.upload_policy", "once")
	v.SetDefault("deploy.upload_on_finish", false)
}

func validate(cfg *Config) error {
	switch cfg.Deploy.UploadPolicy {
	case "all", "latest", "once", "none":
	default:
		return fmt.Errorf("deploy.upload_policy: unknown policy %q", cfg.Deploy.UploadPolicy)
	}
	if cfg.Deploy.Enabled {
		if err := cfg.Deploy.Storage.Validate(); err != nil {
			return fmt.Errorf("deploy.storage: %w", err)
		}
		if cfg.Deploy.HistoryDir == "" {
			return fmt.Errorf("deploy.history_dir is required when deployment is enabled")
		}
	}
	return nil
}

func currentUserName() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// Redacted renders the configuration as YAML with credentials masked,
// for the show_config command.
func (c *Config) Redacted() (string, error) {
	clone := *c
	if clone.Deploy.Storage.AccessKeyID != "" {
		clone.Deploy.Storage.AccessKeyID = "<redacted>"
	}
	if clone.Deploy.Storage.SecretAccessKey != "" {
		clone.Deploy.Storage.SecretAccessKey = "<redacted>"
	}
	out, err := yaml.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
