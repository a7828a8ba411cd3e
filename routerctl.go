// Package routerctl manages a local LLM router: it activates configuration
// profiles and supervises the router process that consumes them.
//
// App wires the configuration into the supervisor, the profile activator
// and the event log. The CLI and the HTTP API are thin layers over it.
package routerctl

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/routerctl/internal/auth"
	"github.com/loykin/routerctl/internal/config"
	"github.com/loykin/routerctl/internal/env"
	"github.com/loykin/routerctl/internal/eventlog"
	"github.com/loykin/routerctl/internal/history"
	"github.com/loykin/routerctl/internal/history/factory"
	"github.com/loykin/routerctl/internal/metrics"
	"github.com/loykin/routerctl/internal/process"
	"github.com/loykin/routerctl/internal/profile"
	"github.com/loykin/routerctl/internal/runrecord"
	iapi "github.com/loykin/routerctl/internal/server"
	itls "github.com/loykin/routerctl/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = process.Status

type Event = eventlog.Event

type State = profile.State

type Activation = profile.Activation

type HistorySink = history.Sink

var (
	ErrUnknownService = process.ErrUnknownService
	ErrUnknownProfile = profile.ErrUnknownProfile
	ErrStopFailed     = process.ErrStopFailed
)

// Environment variables injected into every launched service.
const (
	EnvActiveConfig = "ROUTERCTL_ACTIVE_CONFIG"
	EnvRuntimeDir   = "ROUTERCTL_RUNTIME_DIR"
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger
	probe  process.Probe
	sinks  []history.Sink
	store  *runrecord.DirStore
	events *eventlog.Log
	sup    *process.Supervisor
	act    *profile.Activator
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.logger = l } }

// WithProbe replaces the OS liveness probe.
func WithProbe(p process.Probe) Option { return func(a *App) { a.probe = p } }

// WithHistorySinks adds event mirrors on top of the configured DSNs.
func WithHistorySinks(s ...HistorySink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s...) }
}

// Load reads the configuration file at path and builds an App from it.
func Load(path string, opts ...Option) (*App, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(c, opts...)
}

// New builds an App from an already loaded configuration. Call Close to
// release history sinks.
func New(c *config.Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	a := &App{cfg: c, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		a.logger.Warn("metrics registration failed", "error", err)
	}

	// an unreachable mirror must not block service control
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			a.logger.Warn("history sink disabled", "error", err)
			continue
		}
		a.sinks = append(a.sinks, s)
	}
	mirrors := make([]eventlog.Mirror, len(a.sinks))
	for i, s := range a.sinks {
		mirrors[i] = s
	}
	a.events = eventlog.New(c.Paths.EventLog(),
		eventlog.WithMirrors(mirrors...),
		eventlog.WithTimeout(c.History.Timeout),
		eventlog.WithLogger(a.logger),
	)

	a.store = runrecord.NewDirStore(c.Paths.RuntimeDir)
	a.sup = process.NewSupervisor(process.Options{
		Store:         a.store,
		Probe:         a.probe,
		Events:        a.events,
		Services:      a.commands(),
		LogDir:        c.Paths.ProcessLogDir(),
		LogMaxSizeMB:  c.ProcessLogs.MaxSizeMB,
		LogMaxBackups: c.ProcessLogs.MaxBackups,
		PollInterval:  c.Supervisor.PollInterval,
		KillPolls:     c.Supervisor.KillPolls,
		Logger:        a.logger,
	})
	a.act = profile.New(profile.Options{
		Base:             c.Base,
		Profiles:         c.Profiles,
		Credentials:      c.Credentials,
		ActiveConfigPath: c.Paths.ActiveConfig,
		StatePath:        c.Paths.StateFile,
		Events:           a.events,
		Logger:           a.logger,
	})
	return a, nil
}

// commands resolves every configured service into a launch command with
// its composed environment and ${VAR} references expanded.
func (a *App) commands() map[string]process.Command {
	base := env.New()
	base.FromOS()
	base.Set(EnvActiveConfig, a.cfg.Paths.ActiveConfig)
	base.Set(EnvRuntimeDir, a.cfg.Paths.RuntimeDir)

	out := make(map[string]process.Command, len(a.cfg.Services))
	for name, svc := range a.cfg.Services {
		vars := base.Map(svc.Env)
		out[name] = process.Command{
			Args: env.ExpandAll(svc.Command.Args, vars),
			Dir:  env.Expand(svc.Command.Cwd, vars),
			Env:  base.Merge(svc.Env),
		}
	}
	return out
}

func (a *App) Config() *config.Config { return a.cfg }

// Start launches a configured service unless it is already running.
func (a *App) Start(name string) (int, error) {
	c, err := a.sup.Command(name)
	if err != nil {
		return 0, err
	}
	return a.sup.Start(name, c)
}

// Stop stops name using the configured stop timeout. Names that are no
// longer configured can still be stopped while a run record exists.
func (a *App) Stop(name string) (bool, error) {
	if _, err := a.sup.Command(name); err != nil {
		if _, rerr := a.store.Read(name); errors.Is(rerr, runrecord.ErrNotFound) || errors.Is(rerr, runrecord.ErrBadName) {
			return false, err
		}
	}
	return a.sup.Stop(name, a.cfg.Supervisor.StopTimeout), nil
}

// Restart stops and starts a configured service. It never starts a second
// instance when the stop could not be confirmed.
func (a *App) Restart(name string) (int, error) {
	c, err := a.sup.Command(name)
	if err != nil {
		return 0, err
	}
	return a.sup.Restart(name, c, a.cfg.Supervisor.StopTimeout)
}

// Status reports one service, configured or left over from an earlier
// configuration.
func (a *App) Status(name string) (Status, error) {
	if _, err := a.sup.Command(name); err != nil {
		if _, rerr := a.store.Read(name); errors.Is(rerr, runrecord.ErrNotFound) || errors.Is(rerr, runrecord.ErrBadName) {
			return Status{}, err
		}
	}
	return a.sup.Status(name)
}

// StatusAll reports every configured service followed by any other name
// that still has a run record.
func (a *App) StatusAll() ([]Status, error) {
	names := a.cfg.ServiceNames()
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	recorded, err := a.store.Names()
	if err != nil {
		return nil, err
	}
	for _, n := range recorded {
		if !seen[n] {
			names = append(names, n)
		}
	}
	out := make([]Status, 0, len(names))
	for _, n := range names {
		st, err := a.sup.Status(n)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", n, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Profiles lists the configured profile names in file order.
func (a *App) Profiles() []string { return a.act.Profiles() }

// Activate writes the active configuration for profile. When restart is
// set, activation.restart is enabled and the restart service is running,
// that service is restarted so it reads the new configuration. A restart
// failure is returned with the committed activation.
func (a *App) Activate(name string, restart bool) (Activation, error) {
	res, err := a.act.Activate(name)
	if err != nil {
		return Activation{}, err
	}
	out := Activation{Result: res}
	svc := a.cfg.Activation.RestartService
	if !restart || !a.cfg.Activation.Restart || svc == "" {
		return out, nil
	}
	if _, err := a.sup.Command(svc); err != nil || !a.sup.IsRunning(svc) {
		return out, nil
	}
	out.Service = svc
	pid, err := a.Restart(svc)
	if err != nil {
		return out, err
	}
	out.Restarted = true
	out.PID = pid
	return out, nil
}

// State reads the run state written by the last activation.
func (a *App) State() (State, error) { return profile.ReadState(a.cfg.Paths.StateFile) }

// Events returns up to limit of the most recent events, oldest first.
func (a *App) Events(limit int) ([]Event, error) { return eventlog.Tail(a.events.Path(), limit) }

// NewHTTPServer returns an API server bound to server.listen, with
// server.auth applied and TLSConfig set when server.tls is enabled.
func (a *App) NewHTTPServer() (*http.Server, error) {
	sc := a.cfg.Server
	authn, err := auth.New(auth.Options{
		TokenFile:    sc.Auth.TokenFile,
		Username:     sc.Auth.Username,
		PasswordHash: sc.Auth.PasswordHash,
	})
	if err != nil {
		return nil, err
	}
	srv := iapi.NewServer(sc.Listen, sc.BasePath, a, iapi.WithAuth(authn))
	if sc.TLS.Enabled {
		srv.TLSConfig, err = itls.Setup(itls.Options{
			CertFile:     sc.TLS.CertFile,
			KeyFile:      sc.TLS.KeyFile,
			Dir:          sc.TLS.Dir,
			AutoGenerate: sc.TLS.AutoGenerate,
			MinVersion:   sc.TLS.MinVersion,
			Hosts:        sc.TLS.Hosts,
		})
		if err != nil {
			return nil, err
		}
	}
	if !authn.Enabled() {
		a.logger.Warn("API authentication is off", "listen", sc.Listen)
	}
	return srv, nil
}

// NewMetricsServer returns a plain HTTP server exposing /metrics on
// metrics.listen, or nil when that key is empty and /metrics is only
// served next to the API.
func (a *App) NewMetricsServer() *http.Server {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// WriteMetrics exports the metric registry to metrics.textfile, if set.
func (a *App) WriteMetrics() error {
	if a.cfg.Metrics.Textfile == "" {
		return nil
	}
	return metrics.WriteTextfile(a.cfg.Metrics.Textfile)
}

// Close delivers queued events to the history sinks, then releases them.
func (a *App) Close() error {
	errs := []error{a.events.Close()}
	for _, s := range a.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
