// Package eventlog is the append-only audit trail of lifecycle transitions.
//
// Recording never fails from the caller's point of view: write errors are
// logged at debug level and dropped so that observability can not abort a
// start, stop or activation. Mirrors are fed from a bounded queue by a
// single goroutine, so a slow mirror never delays the caller; events that
// arrive while the queue is full are dropped from the mirrors only.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds.
const (
	ServiceStart    = "service_start"
	ServiceStop     = "service_stop"
	ServiceRestart  = "service_restart"
	ProfileActivate = "profile_activate"
)

// Results.
const (
	ResultSuccess        = "success"
	ResultFailed         = "failed"
	ResultAlreadyRunning = "already-running"
	ResultNotRunning     = "not-running"
	ResultStalePID       = "stale-pid"
	ResultKilled         = "killed"
)

// Event is one line of the event log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Service   string    `json:"service,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Result    string    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder accepts events. Implementations must not block for long and must
// be safe for concurrent use.
type Recorder interface {
	Record(e Event)
}

// Mirror is an additional destination receiving a copy of every event.
type Mirror interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds the events waiting for mirrors.
const DefaultQueueSize = 256

// Log appends events as JSON lines to a file and forwards them to mirrors.
type Log struct {
	path    string
	mu      sync.Mutex
	mirrors []Mirror
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	queueSize int
	queue     chan Event
	pmu       sync.Mutex
	idle      *sync.Cond // signalled when pending drops to zero
	pending   int
	qmu       sync.RWMutex // guards closed against sends on queue
	closed    bool
	done      chan struct{}
}

type Option func(*Log)

func WithMirrors(ms ...Mirror) Option {
	return func(l *Log) { l.mirrors = append(l.mirrors, ms...) }
}

// WithTimeout bounds how long a single mirror may take per event.
func WithTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithQueueSize bounds the events buffered for mirrors.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New returns a Log appending to path. The file and its directory are
// created on first write.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path:      path,
		timeout:   2 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
		queueSize: DefaultQueueSize,
	}
	for _, o := range opts {
		o(l)
	}
	if len(l.mirrors) > 0 {
		l.idle = sync.NewCond(&l.pmu)
		l.queue = make(chan Event, l.queueSize)
		l.done = make(chan struct{})
		go l.forward()
	}
	return l
}

func (l *Log) Path() string { return l.path }

// Record appends e. A zero Timestamp is set to the current UTC time.
func (l *Log) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if err := l.append(e); err != nil {
		l.logger.Debug("event log write failed", "path", l.path, "event", e.Event, "error", err)
	}
	if l.queue != nil {
		l.enqueue(e)
	}
}

func (l *Log) enqueue(e Event) {
	l.qmu.RLock()
	defer l.qmu.RUnlock()
	if l.closed {
		return
	}
	l.track(1)
	select {
	case l.queue <- e:
	default:
		l.track(-1)
		l.logger.Debug("event mirror queue full, dropping", "event", e.Event)
	}
}

func (l *Log) forward() {
	defer close(l.done)
	for e := range l.queue {
		for _, m := range l.mirrors {
			l.mirror(m, e)
		}
		l.track(-1)
	}
}

func (l *Log) track(delta int) {
	l.pmu.Lock()
	l.pending += delta
	if l.pending == 0 {
		l.idle.Broadcast()
	}
	l.pmu.Unlock()
}

// Flush waits until every queued event has been offered to the mirrors.
func (l *Log) Flush() {
	if l.queue == nil {
		return
	}
	l.pmu.Lock()
	for l.pending > 0 {
		l.idle.Wait()
	}
	l.pmu.Unlock()
}

// Close delivers the queued events and stops forwarding. Events recorded
// afterwards still reach the file but no longer the mirrors.
func (l *Log) Close() error {
	if l.queue == nil {
		return nil
	}
	l.qmu.Lock()
	if l.closed {
		l.qmu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.qmu.Unlock()
	<-l.done
	return nil
}

func (l *Log) append(e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	// one write per record keeps lines whole across concurrent appenders
	_, werr := f.Write(b)
	cerr := f.Close()
	return errors.Join(werr, cerr)
}

func (l *Log) mirror(m Mirror, e Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Debug("event mirror panicked", "event", e.Event, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := m.Send(ctx, e); err != nil {
		l.logger.Debug("event mirror failed", "event", e.Event, "error", err)
	}
}

// Tail returns up to n of the most recent events in path, oldest first.
// Lines that do not parse are skipped. A missing file yields no events.
func Tail(path string, n int) ([]Event, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(Event) {}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Filter returns the recorded events of the given kind.
func (m *Memory) Filter(kind string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Event == kind {
			out = append(out, e)
		}
	}
	return out
}
