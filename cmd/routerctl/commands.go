package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/routerctl"
	"github.com/loykin/routerctl/internal/auth"
	"github.com/loykin/routerctl/internal/config"
	"github.com/loykin/routerctl/internal/logger"
)

// command runs CLI operations. Without --api-url every invocation loads
// its own App and state lives in the runtime directory; with it the
// operation is forwarded to a running server.
type command struct {
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

// with runs fn against the selected backend.
func (c *command) with(fn func(b backend) error) error {
	if c.flags.APIUrl != "" {
		r, err := newRemote(c.flags)
		if err != nil {
			return err
		}
		return fn(r)
	}
	return c.withApp(func(app *routerctl.App) error { return fn(app) })
}

// withApp loads the configuration, runs fn and exports metrics afterwards.
func (c *command) withApp(fn func(app *routerctl.App) error) error {
	cfg, err := config.Load(c.flags.configPath())
	if err != nil {
		return err
	}
	lg, closer := logger.New(cfg.Log.Logger(), c.errOut)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(lg)

	app, err := routerctl.New(cfg, routerctl.WithLogger(lg))
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	runErr := fn(app)
	if err := app.WriteMetrics(); err != nil {
		lg.Warn("metrics textfile export failed", "error", err)
	}
	return runErr
}

func (c *command) Start(name string) error {
	return c.with(func(app backend) error {
		pid, err := app.Start(name)
		if err != nil {
			return err
		}
		printJSON(c.out, map[string]any{"name": name, "pid": pid})
		return nil
	})
}

func (c *command) Stop(name string) error {
	return c.with(func(app backend) error {
		ok, err := app.Stop(name)
		if err != nil {
			return err
		}
		printJSON(c.out, map[string]any{"name": name, "stopped": ok})
		if !ok {
			return fmt.Errorf("%s: stop failed", name)
		}
		return nil
	})
}

func (c *command) Restart(name string) error {
	return c.with(func(app backend) error {
		pid, err := app.Restart(name)
		if err != nil {
			return err
		}
		printJSON(c.out, map[string]any{"name": name, "pid": pid})
		return nil
	})
}

func (c *command) Status(name string) error {
	return c.with(func(app backend) error {
		if name != "" {
			st, err := app.Status(name)
			if err != nil {
				return err
			}
			printJSON(c.out, st)
			return nil
		}
		sts, err := app.StatusAll()
		if err != nil {
			return err
		}
		printJSON(c.out, sts)
		return nil
	})
}

func (c *command) Activate(profile string, restart bool) error {
	return c.with(func(app backend) error {
		act, err := app.Activate(profile, restart)
		if act.Profile != "" {
			printJSON(c.out, act)
		}
		return err
	})
}

func (c *command) Current() error {
	return c.with(func(app backend) error {
		st, err := app.State()
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("no profile has been activated")
		}
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	})
}

func (c *command) Profiles() error {
	return c.with(func(app backend) error {
		for _, p := range app.Profiles() {
			_, _ = fmt.Fprintln(c.out, p)
		}
		if r, ok := app.(*remote); ok {
			return r.err
		}
		return nil
	})
}

func (c *command) Events(limit int) error {
	return c.with(func(app backend) error {
		evs, err := app.Events(limit)
		if err != nil {
			return err
		}
		if evs == nil {
			evs = []routerctl.Event{}
		}
		printJSON(c.out, evs)
		return nil
	})
}

// Serve runs the HTTP API until ctx is cancelled or SIGINT/SIGTERM arrives.
func (c *command) Serve(ctx context.Context, flags ServeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.withApp(func(app *routerctl.App) error {
		cfg := app.Config()
		if flags.Listen != "" {
			cfg.Server.Listen = flags.Listen
		}
		if flags.BasePath != "" {
			cfg.Server.BasePath = flags.BasePath
		}
		srv, err := app.NewHTTPServer()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 2)
		go func() {
			if srv.TLSConfig != nil {
				// certificates come from TLSConfig.GetCertificate
				errCh <- srv.ListenAndServeTLS("", "")
				return
			}
			errCh <- srv.ListenAndServe()
		}()
		slog.Info("serving API", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "tls", srv.TLSConfig != nil)

		servers := []*http.Server{srv}
		if msrv := app.NewMetricsServer(); msrv != nil {
			servers = append(servers, msrv)
			go func() { errCh <- msrv.ListenAndServe() }()
			slog.Info("serving metrics", "addr", msrv.Addr)
		}

		var runErr error
		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			}
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}
		}
		return runErr
	})
}

// HashPassword prints a bcrypt hash for server.auth.password_hash. The
// password is read from the first line of in.
func (c *command) HashPassword(in io.Reader) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}
