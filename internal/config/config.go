// Package config loads the routerctl configuration file.
//
// Typed sections (paths, supervisor, log, history ...) go through viper so
// they pick up defaults and ROUTERCTL_* environment overrides. The sections
// whose keys are user data (litellm_base, profiles, services, credentials)
// are read from the raw YAML tree instead, since viper folds keys to lower
// case and loses their order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/routerctl/internal/doc"
	"github.com/loykin/routerctl/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. ROUTERCTL_PATHS_RUNTIME_DIR.
const EnvPrefix = "ROUTERCTL"

// ErrInvalid marks configuration the core can not run with.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	// File is the absolute path the configuration was read from.
	File string `mapstructure:"-"`

	Paths       Paths       `mapstructure:"paths"`
	Activation  Activation  `mapstructure:"activation"`
	Supervisor  Supervisor  `mapstructure:"supervisor"`
	Log         LogConfig   `mapstructure:"log"`
	ProcessLogs ProcessLogs `mapstructure:"process_logs"`
	History     History     `mapstructure:"history"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Server      Server      `mapstructure:"server"`

	Services    map[string]Service `mapstructure:"-"`
	Credentials map[string]string  `mapstructure:"-"` // upstream name -> file
	Base        *doc.Mapping       `mapstructure:"-"`
	Profiles    *doc.Mapping       `mapstructure:"-"`
}

type Paths struct {
	RuntimeDir   string `mapstructure:"runtime_dir"`
	ActiveConfig string `mapstructure:"active_config"`
	StateFile    string `mapstructure:"state_file"`
}

// EventLog is the JSON-lines event file inside the runtime directory.
func (p Paths) EventLog() string { return filepath.Join(p.RuntimeDir, "events.log") }

// ProcessLogDir receives one <service>.log per launched service.
func (p Paths) ProcessLogDir() string { return filepath.Join(p.RuntimeDir, "process-logs") }

type Service struct {
	Command       Command           `mapstructure:"command"`
	Env           map[string]string `mapstructure:"env"`
	Host          string            `mapstructure:"host"`
	Port          int               `mapstructure:"port"`
	ReadinessPath string            `mapstructure:"readiness_path"`
}

type Command struct {
	Args []string `mapstructure:"args"`
	Cwd  string   `mapstructure:"cwd"`
}

type Activation struct {
	RestartService string `mapstructure:"restart_service"`
	Restart        bool   `mapstructure:"restart"`
}

type Supervisor struct {
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	KillPolls    int           `mapstructure:"kill_polls"`
}

type LogConfig struct {
	Level  string  `mapstructure:"level"`
	Format string  `mapstructure:"format"`
	File   LogFile `mapstructure:"file"`
}

type LogFile struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger converts to the logger package's configuration.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		File: logger.FileConfig{
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

type ProcessLogs struct {
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

type History struct {
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Metrics struct {
	Textfile string `mapstructure:"textfile"`
	Listen   string `mapstructure:"listen"`
}

type Server struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      TLS        `mapstructure:"tls"`
	Auth     ServerAuth `mapstructure:"auth"`
}

type TLS struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	Hosts        []string `mapstructure:"hosts"`
}

type ServerAuth struct {
	TokenFile    string `mapstructure:"token_file"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

func setDefaults(v *viper.Viper) {
	// every overridable key needs a default so AutomaticEnv sees it on Unmarshal
	v.SetDefault("paths.runtime_dir", "")
	v.SetDefault("paths.active_config", "")
	v.SetDefault("paths.state_file", "")
	v.SetDefault("activation.restart_service", "router")
	v.SetDefault("activation.restart", true)
	v.SetDefault("supervisor.stop_timeout", 10*time.Second)
	v.SetDefault("supervisor.poll_interval", 100*time.Millisecond)
	v.SetDefault("supervisor.kill_polls", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("process_logs.max_size_mb", 50)
	v.SetDefault("process_logs.max_backups", 3)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", 2*time.Second)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.auth.token_file", "")
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads path, applies defaults and environment overrides, resolves
// relative paths against the file's directory and checks the fields the
// core depends on.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(expandPath(path))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(abs)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", abs, err)
	}
	cfg := &Config{File: abs}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", abs, err)
	}

	tree, err := doc.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", abs, err)
	}
	if err := cfg.loadTree(tree); err != nil {
		return nil, err
	}

	cfg.resolvePaths(filepath.Dir(abs))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadTree(tree *doc.Mapping) error {
	var err error
	if c.Base, err = section(tree, "litellm_base"); err != nil {
		return err
	}
	if c.Profiles, err = section(tree, "profiles"); err != nil {
		return err
	}

	c.Services = map[string]Service{}
	if n, ok := tree.Get("services"); ok {
		if err := decode(doc.ToGo(n), &c.Services); err != nil {
			return fmt.Errorf("%w: services: %w", ErrInvalid, err)
		}
	}

	var creds struct {
		Upstream map[string]struct {
			File string `mapstructure:"file"`
		} `mapstructure:"upstream"`
	}
	if n, ok := tree.Get("credentials"); ok {
		if err := decode(doc.ToGo(n), &creds); err != nil {
			return fmt.Errorf("%w: credentials: %w", ErrInvalid, err)
		}
	}
	c.Credentials = make(map[string]string, len(creds.Upstream))
	for name, u := range creds.Upstream {
		c.Credentials[name] = u.File
	}
	return nil
}

// section returns the mapping stored under key, or nil when absent or null.
func section(tree *doc.Mapping, key string) (*doc.Mapping, error) {
	n, ok := tree.Get(key)
	if !ok {
		return nil, nil
	}
	switch v := n.(type) {
	case *doc.Mapping:
		return v, nil
	case *doc.Scalar:
		if v.Value == nil {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: %s must be a mapping, got %s", ErrInvalid, key, n.Kind())
}

func decode(in any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return d.Decode(in)
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" {
			return ""
		}
		p = expandPath(p)
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return filepath.Clean(p)
	}
	c.Paths.RuntimeDir = abs(c.Paths.RuntimeDir)
	c.Paths.ActiveConfig = abs(c.Paths.ActiveConfig)
	c.Paths.StateFile = abs(c.Paths.StateFile)
	c.Log.File.Path = abs(c.Log.File.Path)
	c.Metrics.Textfile = abs(c.Metrics.Textfile)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
	c.Server.Auth.TokenFile = abs(c.Server.Auth.TokenFile)
	for name, f := range c.Credentials {
		c.Credentials[name] = abs(f)
	}
	for name, s := range c.Services {
		if s.Command.Cwd != "" && !strings.Contains(s.Command.Cwd, "${") {
			s.Command.Cwd = abs(s.Command.Cwd)
		}
		c.Services[name] = s
	}
}

// Validate checks only what activation and supervision need to run.
func (c *Config) Validate() error {
	var problems []string
	if c.Paths.RuntimeDir == "" {
		problems = append(problems, "paths.runtime_dir is required")
	}
	if c.Paths.ActiveConfig == "" {
		problems = append(problems, "paths.active_config is required")
	}
	if c.Paths.StateFile == "" {
		problems = append(problems, "paths.state_file is required")
	}
	if c.Base == nil {
		problems = append(problems, "litellm_base is required")
	}
	if c.Profiles == nil || c.Profiles.Len() == 0 {
		problems = append(problems, "at least one profile is required")
	}
	for _, name := range c.ServiceNames() {
		if len(c.Services[name].Command.Args) == 0 {
			problems = append(problems, fmt.Sprintf("services.%s.command.args must not be empty", name))
		}
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		problems = append(problems, "server.tls needs cert_file and key_file or dir")
	}
	if c.Supervisor.StopTimeout < 0 {
		problems = append(problems, "supervisor.stop_timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ServiceNames returns the configured service names sorted.
func (c *Config) ServiceNames() []string {
	out := make([]string, 0, len(c.Services))
	for n := range c.Services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// expandPath expands a leading ~ and $VAR references.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}
