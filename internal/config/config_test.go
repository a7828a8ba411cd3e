package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/routerctl/internal/doc"
)

const fullConfig = `
paths:
  runtime_dir: run
  active_config: run/litellm.active.yaml
  state_file: run/state.json
services:
  router:
    command:
      args: ["litellm", "--config", "${ROUTERCTL_ACTIVE_CONFIG}", "--port", "4000"]
      cwd: work
    env:
      LITELLM_LOG: DEBUG
      NUM_WORKERS: 2
    host: 127.0.0.1
    port: 4000
    readiness_path: /health/readiness
  Sidecar:
    command:
      args: ["sleep", "60"]
credentials:
  upstream:
    OpenAI:
      file: secrets/openai.key
    anthropic:
      file: /etc/routerctl/anthropic.key
litellm_base:
  model_list:
    - model_name: GPT
      litellm_params:
        model: openai/gpt-4o
        api_key_ref: OpenAI
  router_settings:
    num_retries: 1
profiles:
  Reliability:
    router_settings:
      num_retries: 3
  cost:
    router_settings:
      num_retries: 0
supervisor:
  stop_timeout: 3s
  poll_interval: 50ms
history:
  sinks: ["sqlite://events.db"]
  timeout: 500ms
log:
  level: debug
  format: json
  file:
    path: logs/routerctl.log
    max_size_mb: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "routerctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, fullConfig)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, filepath.Join(dir, "run"), cfg.Paths.RuntimeDir)
	assert.Equal(t, filepath.Join(dir, "run", "litellm.active.yaml"), cfg.Paths.ActiveConfig)
	assert.Equal(t, filepath.Join(dir, "run", "state.json"), cfg.Paths.StateFile)
	assert.Equal(t, filepath.Join(dir, "run", "events.log"), cfg.Paths.EventLog())
	assert.Equal(t, filepath.Join(dir, "run", "process-logs"), cfg.Paths.ProcessLogDir())

	assert.Equal(t, []string{"Sidecar", "router"}, cfg.ServiceNames())
	router := cfg.Services["router"]
	assert.Equal(t, []string{"litellm", "--config", "${ROUTERCTL_ACTIVE_CONFIG}", "--port", "4000"}, router.Command.Args)
	assert.Equal(t, filepath.Join(dir, "work"), router.Command.Cwd)
	assert.Equal(t, map[string]string{"LITELLM_LOG": "DEBUG", "NUM_WORKERS": "2"}, router.Env)
	assert.Equal(t, 4000, router.Port)
	assert.Equal(t, "/health/readiness", router.ReadinessPath)

	assert.Equal(t, map[string]string{
		"OpenAI":    filepath.Join(dir, "secrets", "openai.key"),
		"anthropic": "/etc/routerctl/anthropic.key",
	}, cfg.Credentials)

	assert.Equal(t, []string{"Reliability", "cost"}, cfg.Profiles.Keys())
	name, ok := cfg.Base.Lookup("model_list")
	require.True(t, ok)
	assert.Equal(t, doc.KindList, name.Kind())

	assert.Equal(t, 3*time.Second, cfg.Supervisor.StopTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Supervisor.PollInterval)
	assert.Equal(t, 20, cfg.Supervisor.KillPolls)
	assert.Equal(t, []string{"sqlite://events.db"}, cfg.History.Sinks)
	assert.Equal(t, 500*time.Millisecond, cfg.History.Timeout)

	lc := cfg.Log.Logger()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
	assert.Equal(t, filepath.Join(dir, "logs", "routerctl.log"), lc.File.Path)
	assert.Equal(t, 5, lc.File.MaxSizeMB)
	assert.Equal(t, 3, lc.File.MaxBackups)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
paths: {runtime_dir: /tmp/r, active_config: /tmp/r/a.json, state_file: /tmp/r/s.json}
litellm_base: {}
profiles: {p: {}}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "router", cfg.Activation.RestartService)
	assert.True(t, cfg.Activation.Restart)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.StopTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Supervisor.PollInterval)
	assert.Equal(t, 50, cfg.ProcessLogs.MaxSizeMB)
	assert.Equal(t, 3, cfg.ProcessLogs.MaxBackups)
	assert.Equal(t, 2*time.Second, cfg.History.Timeout)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Listen)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "color", cfg.Log.Format)
	assert.Empty(t, cfg.Services)
	assert.Empty(t, cfg.Credentials)
	assert.Equal(t, 0, cfg.Base.Len())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, fullConfig)
	t.Setenv("ROUTERCTL_SUPERVISOR_STOP_TIMEOUT", "750ms")
	t.Setenv("ROUTERCTL_PATHS_RUNTIME_DIR", "/var/run/routerctl")
	t.Setenv("ROUTERCTL_ACTIVATION_RESTART", "false")
	t.Setenv("ROUTERCTL_SERVER_LISTEN", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Supervisor.StopTimeout)
	assert.Equal(t, "/var/run/routerctl", cfg.Paths.RuntimeDir)
	assert.False(t, cfg.Activation.Restart)
	assert.Equal(t, ":9999", cfg.Server.Listen)
}

func TestLoadExpandsVariablesInPaths(t *testing.T) {
	t.Setenv("ROUTERCTL_TEST_ROOT", "/srv/llm")
	path := writeConfig(t, `
paths:
  runtime_dir: $ROUTERCTL_TEST_ROOT/run
  active_config: ${ROUTERCTL_TEST_ROOT}/active.yaml
  state_file: ~/state.json
litellm_base: {}
profiles: {p: {}}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/llm/run", cfg.Paths.RuntimeDir)
	assert.Equal(t, "/srv/llm/active.yaml", cfg.Paths.ActiveConfig)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state.json"), cfg.Paths.StateFile)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing paths", "litellm_base: {}\nprofiles: {p: {}}\n", "paths.runtime_dir is required"},
		{"missing base", "paths: {runtime_dir: r, active_config: a, state_file: s}\nprofiles: {p: {}}\n", "litellm_base is required"},
		{"no profiles", "paths: {runtime_dir: r, active_config: a, state_file: s}\nlitellm_base: {}\nprofiles: {}\n", "at least one profile"},
		{"empty args", "paths: {runtime_dir: r, active_config: a, state_file: s}\nlitellm_base: {}\nprofiles: {p: {}}\nservices: {router: {command: {args: []}}}\n", "services.router.command.args"},
		{"base not mapping", "paths: {runtime_dir: r, active_config: a, state_file: s}\nlitellm_base: [1]\nprofiles: {p: {}}\n", "litellm_base must be a mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "paths: [unclosed\n"))
	require.Error(t, err)
}

func TestCwdWithVariableIsLeftForLaunchTime(t *testing.T) {
	path := writeConfig(t, `
paths: {runtime_dir: r, active_config: a, state_file: s}
litellm_base: {}
profiles: {p: {}}
services:
  router:
    command: {args: [x], cwd: "${ROUTERCTL_RUNTIME_DIR}"}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${ROUTERCTL_RUNTIME_DIR}", cfg.Services["router"].Command.Cwd)
}

func TestLoadServerSecurity(t *testing.T) {
	path := writeConfig(t, `
paths: {runtime_dir: r, active_config: a, state_file: s}
litellm_base: {}
profiles: {p: {}}
server:
  tls: {enabled: true, dir: tls, auto_generate: true, hosts: [localhost, 10.0.0.5]}
  auth: {token_file: secrets/api.token, username: ops, password_hash: "$2a$10$abc"}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	dir := filepath.Dir(path)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, filepath.Join(dir, "tls"), cfg.Server.TLS.Dir)
	assert.Equal(t, []string{"localhost", "10.0.0.5"}, cfg.Server.TLS.Hosts)
	assert.Equal(t, filepath.Join(dir, "secrets", "api.token"), cfg.Server.Auth.TokenFile)
	assert.Equal(t, "$2a$10$abc", cfg.Server.Auth.PasswordHash)

	_, err = Load(writeConfig(t, `
paths: {runtime_dir: r, active_config: a, state_file: s}
litellm_base: {}
profiles: {p: {}}
server: {tls: {enabled: true}}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.tls")
}
