package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loykin/routerctl"
	"github.com/loykin/routerctl/pkg/client"
)

// backend is what the commands need; *routerctl.App runs them in this
// process and remote forwards them to "routerctl serve".
type backend interface {
	Start(name string) (int, error)
	Stop(name string) (bool, error)
	Restart(name string) (int, error)
	Status(name string) (routerctl.Status, error)
	StatusAll() ([]routerctl.Status, error)
	Activate(profile string, restart bool) (routerctl.Activation, error)
	State() (routerctl.State, error)
	Events(limit int) ([]routerctl.Event, error)
	Profiles() []string
}

var _ backend = (*routerctl.App)(nil)

type remote struct {
	c       *client.Client
	timeout time.Duration
	err     error // last error from Profiles, which can not return one
}

func newRemote(f *GlobalFlags) (*remote, error) {
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Insecure: f.APIInsecure,
		CACert:   f.APICACert,
	}
	if f.APITokenFile != "" {
		b, err := os.ReadFile(f.APITokenFile)
		if err != nil {
			return nil, fmt.Errorf("read api token: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(b))
	}
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return &remote{c: c, timeout: f.APITimeout}, nil
}

func (r *remote) ctx() (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *remote) Start(name string) (int, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Start(ctx, name)
}

func (r *remote) Stop(name string) (bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Stop(ctx, name)
}

func (r *remote) Restart(name string) (int, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Restart(ctx, name)
}

func (r *remote) Status(name string) (routerctl.Status, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Status(ctx, name)
}

func (r *remote) StatusAll() ([]routerctl.Status, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.StatusAll(ctx)
}

func (r *remote) Activate(profile string, restart bool) (routerctl.Activation, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Activate(ctx, profile, restart)
}

func (r *remote) State() (routerctl.State, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.State(ctx)
}

func (r *remote) Events(limit int) ([]routerctl.Event, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.c.Events(ctx, limit)
}

func (r *remote) Profiles() []string {
	ctx, cancel := r.ctx()
	defer cancel()
	ps, err := r.c.Profiles(ctx)
	r.err = err
	return ps
}
