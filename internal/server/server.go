// Package server exposes routerctl operations over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/routerctl/internal/auth"
	"github.com/loykin/routerctl/internal/eventlog"
	"github.com/loykin/routerctl/internal/metrics"
	"github.com/loykin/routerctl/internal/process"
	"github.com/loykin/routerctl/internal/profile"
)

// Controller is the set of operations the API exposes.
type Controller interface {
	StatusAll() ([]process.Status, error)
	Status(name string) (process.Status, error)
	Start(name string) (int, error)
	Stop(name string) (bool, error)
	Restart(name string) (int, error)
	Profiles() []string
	Activate(profile string, restart bool) (profile.Activation, error)
	State() (profile.State, error)
	Events(limit int) ([]eventlog.Event, error)
}

const defaultEventLimit = 50

// Router provides embeddable HTTP handlers.
// Endpoints, relative to basePath:
//
//	GET  /services
//	GET  /services/:name
//	POST /services/:name/start
//	POST /services/:name/stop
//	POST /services/:name/restart
//	GET  /profiles
//	POST /profiles/:name/activate   query: restart=false skips the restart
//	GET  /state
//	GET  /events                    query: limit=N
//
// GET /metrics is always served at the root, outside authentication.
type Router struct {
	ctl      Controller
	basePath string
	auth     *auth.Authenticator
}

type Option func(*Router)

// WithAuth requires every API request to pass a.
func WithAuth(a *auth.Authenticator) Option { return func(r *Router) { r.auth = a } }

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	if r.auth.Enabled() {
		group.Use(r.auth.GinAuth())
	}
	group.GET("/services", r.handleList)
	group.GET("/services/:name", r.handleStatus)
	group.POST("/services/:name/start", r.handleStart)
	group.POST("/services/:name/stop", r.handleStop)
	group.POST("/services/:name/restart", r.handleRestart)
	group.GET("/profiles", r.handleProfiles)
	group.POST("/profiles/:name/activate", r.handleActivate)
	group.GET("/state", r.handleState)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer builds an http.Server for addr using this router. The caller
// runs ListenAndServe (or ListenAndServeTLS when TLSConfig is set) and
// Shutdown.
func NewServer(addr, basePath string, ctl Controller, opts ...Option) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ctl, basePath, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// activation may restart a service and wait out its stop timeout
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type pidResp struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

type stopResp struct {
	Name    string `json:"name"`
	Stopped bool   `json:"stopped"`
}

func (r *Router) handleList(c *gin.Context) {
	sts, err := r.ctl.StatusAll()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	st, err := r.ctl.Status(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	pid, err := r.ctl.Start(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{Name: name, PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	stopped, err := r.ctl.Stop(name)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if !stopped {
		code = http.StatusInternalServerError
	}
	writeJSON(c, code, stopResp{Name: name, Stopped: stopped})
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := serviceName(c)
	if !ok {
		return
	}
	pid, err := r.ctl.Restart(name)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pidResp{Name: name, PID: pid})
}

func (r *Router) handleProfiles(c *gin.Context) {
	ps := r.ctl.Profiles()
	if ps == nil {
		ps = []string{}
	}
	writeJSON(c, http.StatusOK, ps)
}

func (r *Router) handleActivate(c *gin.Context) {
	restart, ok := queryBool(c, "restart", true)
	if !ok {
		return
	}
	act, err := r.ctl.Activate(c.Param("name"), restart)
	if err != nil {
		// the files are committed even when the follow-up restart fails
		if act.Profile != "" {
			writeJSON(c, statusFor(err), gin.H{"activation": act, "error": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, act)
}

func (r *Router) handleState(c *gin.Context) {
	st, err := r.ctl.State()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, ok := queryPositive(c, "limit", defaultEventLimit)
	if !ok {
		return
	}
	evs, err := r.ctl.Events(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if evs == nil {
		evs = []eventlog.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}
