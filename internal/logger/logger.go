package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config selects the console format and an optional rotated diagnostic
// file. Every record goes to both destinations.
type Config struct {
	Level  string     // debug, info, warn, error
	Format string     // color, text or json
	File   FileConfig // Path empty disables the file
}

// FileConfig follows lumberjack semantics.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w and, when configured, to a rotated file
// in JSON. The returned Closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var console slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		console = slog.NewJSONHandler(w, opts)
	case "text":
		console = slog.NewTextHandler(w, opts)
	default:
		console = NewColorTextHandler(w, opts, true)
	}
	if cfg.File.Path == "" {
		return slog.New(console), nopCloser{}
	}
	fw := cfg.File.Writer()
	return slog.New(multiHandler{console, slog.NewJSONHandler(fw, opts)}), fw
}

// Writer returns the rotating writer for the file.
func (c FileConfig) Writer() *lj.Logger {
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// RotateIfLarger rotates path lumberjack-style when it has reached
// maxSizeMB, keeping maxBackups old copies. Service processes hold their
// log open for their whole life, so rotation only happens before a launch.
func RotateIfLarger(path string, maxSizeMB, maxBackups int) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	size := valOr(maxSizeMB, DefaultMaxSizeMB)
	if fi.Size() < int64(size)*1024*1024 {
		return nil
	}
	l := &lj.Logger{Filename: path, MaxSize: size, MaxBackups: valOr(maxBackups, DefaultMaxBackups)}
	if err := l.Rotate(); err != nil {
		return err
	}
	return l.Close()
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler fans records out to every handler that is enabled for them.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(as []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(as)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
