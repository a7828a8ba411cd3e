// Package profile composes the active router configuration from the base
// document and a named overlay, then persists it together with the run state.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/routerctl/internal/atomicfile"
	"github.com/loykin/routerctl/internal/credential"
	"github.com/loykin/routerctl/internal/doc"
	"github.com/loykin/routerctl/internal/eventlog"
	"github.com/loykin/routerctl/internal/metrics"
)

// ErrUnknownProfile is returned when the requested profile is not configured.
var ErrUnknownProfile = errors.New("unknown profile")

// State is the run-state document written next to the active configuration.
type State struct {
	CurrentProfile string    `json:"current_profile"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Result describes a committed activation.
type Result struct {
	Profile          string    `json:"profile"`
	ActiveConfigPath string    `json:"active_config"`
	StatePath        string    `json:"state_file"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Activation reports an activation together with the optional restart of
// the service consuming the active configuration.
type Activation struct {
	Result
	Restarted bool   `json:"restarted"`
	Service   string `json:"service,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

type Options struct {
	Base             *doc.Mapping
	Profiles         *doc.Mapping // name -> overlay mapping
	Credentials      map[string]string
	ActiveConfigPath string
	StatePath        string
	Events           eventlog.Recorder
	Logger           *slog.Logger
	Now              func() time.Time
}

// Activator is safe for concurrent use. Activations within one process
// commit one at a time, so the Run State always names the profile held by
// the Active Configuration. Separate processes are not serialized.
type Activator struct {
	opts Options
	mu   sync.Mutex // held from Prepare until both files are renamed
}

func New(opts Options) *Activator {
	if opts.Base == nil {
		opts.Base = doc.NewMapping()
	}
	if opts.Events == nil {
		opts.Events = eventlog.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Activator{opts: opts}
}

// Profiles returns the configured profile names in document order.
func (a *Activator) Profiles() []string { return a.opts.Profiles.Keys() }

// Compose returns the merged, credential-resolved document for name without
// writing anything.
func (a *Activator) Compose(name string) (*doc.Mapping, error) {
	overlay, err := a.overlay(name)
	if err != nil {
		return nil, err
	}
	merged := doc.Merge(a.opts.Base, overlay)
	r := credential.NewResolver(a.opts.Credentials)
	r.OnRead(metrics.IncCredentialRead)
	return r.ResolveModelLists(merged)
}

// Activate composes profile name and atomically replaces the active
// configuration and the run state. Nothing is written unless composition
// succeeds.
func (a *Activator) Activate(name string) (Result, error) {
	begin := time.Now()
	res, err := a.activate(name)
	metrics.ObserveActivation(name, time.Since(begin).Seconds())

	ev := eventlog.Event{Event: eventlog.ProfileActivate, Profile: name, Result: eventlog.ResultSuccess}
	if err != nil {
		ev.Result = eventlog.ResultFailed
		ev.Detail = err.Error()
		var ce *credential.Error
		if errors.As(err, &ce) {
			ev.Provider = ce.Ref
		}
		a.opts.Logger.Warn("profile activation failed", "profile", name, "error", err)
	} else {
		a.opts.Logger.Info("profile activated", "profile", name, "active_config", res.ActiveConfigPath)
	}
	metrics.IncActivation(name, ev.Result)
	a.opts.Events.Record(ev)
	return res, err
}

func (a *Activator) activate(name string) (Result, error) {
	resolved, err := a.Compose(name)
	if err != nil {
		return Result{}, err
	}
	body, err := doc.EncodeFor(a.opts.ActiveConfigPath, resolved)
	if err != nil {
		return Result{}, fmt.Errorf("encode active config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st := State{CurrentProfile: name, UpdatedAt: a.opts.Now().UTC()}
	stateBody, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode state: %w", err)
	}
	stateBody = append(stateBody, '\n')

	// Both temp files are complete before either target is replaced.
	cfg, err := atomicfile.Prepare(a.opts.ActiveConfigPath, body, 0o600)
	if err != nil {
		return Result{}, err
	}
	state, err := atomicfile.Prepare(a.opts.StatePath, stateBody, 0o644)
	if err != nil {
		cfg.Discard()
		return Result{}, err
	}
	if err := atomicfile.CommitAll(cfg, state); err != nil {
		return Result{}, err
	}
	return Result{
		Profile:          name,
		ActiveConfigPath: a.opts.ActiveConfigPath,
		StatePath:        a.opts.StatePath,
		UpdatedAt:        st.UpdatedAt,
	}, nil
}

func (a *Activator) overlay(name string) (*doc.Mapping, error) {
	n, ok := a.opts.Profiles.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	switch v := n.(type) {
	case *doc.Mapping:
		return v, nil
	case *doc.Scalar:
		if v.Value == nil {
			return doc.NewMapping(), nil
		}
	}
	return nil, fmt.Errorf("profile %q: overlay must be a mapping, got %s", name, n.Kind())
}

// ReadState loads the run state. A missing file returns os.ErrNotExist.
func ReadState(path string) (State, error) {
	var st State
	b, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("parse state %s: %w", path, err)
	}
	return st, nil
}
