// Package config loads the daemon configuration from .caw/config.json,
// CAW_* environment variables, and CLI flags, in ascending precedence:
// defaults, then file, then environment, then flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/tracing"
)

// Transport selects how the daemon talks to front-ends.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// DBMode selects where the workflow database lives.
const (
	DBModeGlobal  = "global"
	DBModePerRepo = "per-repo"
)

// Dir is the per-repo state directory.
const Dir = ".caw"

// FileName is the config file name inside Dir.
const FileName = "config.json"

// PRConfig holds pull-request cycle settings.
type PRConfig struct {
	// Cycle is the cycle mode: "auto", "hitl", or "off". Empty defers
	// to lower-precedence layers at resolve time.
	Cycle string `mapstructure:"cycle" json:"cycle"`
}

// AgentConfig holds agent spawning settings.
type AgentConfig struct {
	// Runtime names the agent backend recorded on agent rows.
	Runtime string `mapstructure:"runtime" json:"runtime"`

	// AutoSetup provisions worktrees for tasks that lack one.
	AutoSetup bool `mapstructure:"autoSetup" json:"autoSetup"`
}

// Config is the fully resolved daemon configuration.
type Config struct {
	Transport string         `mapstructure:"transport" json:"transport"`
	Port      int            `mapstructure:"port" json:"port"`
	DBMode    string         `mapstructure:"dbMode" json:"dbMode"`
	RepoPath  string         `mapstructure:"repoPath" json:"repoPath"`
	PR        PRConfig       `mapstructure:"pr" json:"pr"`
	Agent     AgentConfig    `mapstructure:"agent" json:"agent"`
	Tracing   tracing.Config `mapstructure:"tracing" json:"tracing"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Transport: TransportStdio,
		Port:      7431,
		DBMode:    DBModePerRepo,
		RepoPath:  ".",
		PR:        PRConfig{Cycle: ""},
		Agent:     AgentConfig{Runtime: "claude", AutoSetup: true},
		Tracing:   tracing.DefaultConfig(),
	}
}

// knownKeys are the file keys Load recognizes; anything else warns.
var knownKeys = map[string]struct{}{
	"transport":             {},
	"port":                  {},
	"dbmode":                {},
	"repopath":              {},
	"pr.cycle":              {},
	"agent.runtime":         {},
	"agent.autosetup":       {},
	"tracing.enabled":       {},
	"tracing.exporter":      {},
	"tracing.file_path":     {},
	"tracing.otlp_endpoint": {},
	"tracing.sample_rate":   {},
	"tracing.service_name":  {},
}

// Load reads the config file at path (missing file is fine) and the
// CAW_* environment, layered over Defaults. Unknown file keys are
// logged and ignored. CLI flag overrides are the caller's job; apply
// them to the returned Config afterwards.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults := Defaults()
	v.SetDefault("transport", defaults.Transport)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("dbMode", defaults.DBMode)
	v.SetDefault("repoPath", defaults.RepoPath)
	v.SetDefault("pr.cycle", defaults.PR.Cycle)
	v.SetDefault("agent.runtime", defaults.Agent.Runtime)
	v.SetDefault("agent.autoSetup", defaults.Agent.AutoSetup)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	v.SetEnvPrefix("CAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("transport") // CAW_TRANSPORT
	_ = v.BindEnv("port")      // CAW_PORT
	_ = v.BindEnv("dbMode", "CAW_DB_MODE")
	_ = v.BindEnv("repoPath", "CAW_REPO_PATH")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debug(log.CatConfig, "no config file", "path", path)
	} else {
		warnUnknownKeys(v, path)
	}

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges. Empty values were already defaulted.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1, 65535], got %d", c.Port)
	}
	switch c.DBMode {
	case DBModeGlobal, DBModePerRepo:
	default:
		return fmt.Errorf("dbMode must be %q or %q, got %q", DBModeGlobal, DBModePerRepo, c.DBMode)
	}
	switch c.PR.Cycle {
	case "", "auto", "hitl", "off":
	default:
		return fmt.Errorf("pr.cycle must be \"auto\", \"hitl\", or \"off\", got %q", c.PR.Cycle)
	}
	return nil
}

// StateDir returns the .caw directory for the configured repo.
func (c *Config) StateDir() string {
	return filepath.Join(c.RepoPath, Dir)
}

// ConfigPath returns the config file path for a repo.
func ConfigPath(repoPath string) string {
	return filepath.Join(repoPath, Dir, FileName)
}

func warnUnknownKeys(v *viper.Viper, path string) {
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := knownKeys[strings.ToLower(k)]; !ok {
			log.Warn(log.CatConfig, "ignoring unknown config key", "key", k, "path", path)
		}
	}
}
