// Package log builds the slog.Logger used by the command line tools and
// installs it as the transfer engine's logger.
//
// Without a log file, records below error go to stdout and errors go to
// stderr. The console output is colored when stdout is a terminal.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/ardnew/softudc/pkg"
)

// ParseLevel converts a level name to a slog level. Unknown names map to
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return pkg.LevelTrace
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

// Setup builds a logger writing to the console and, if logFile is set, to
// that file. The returned closers must be closed on exit.
func Setup(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	level := ParseLevel(logLevel)

	var handlers []slog.Handler
	var closers []io.Closer
	if logFile == "" {
		handlers = append(handlers,
			LevelFilter{
				pass: func(l slog.Level) bool { return l < slog.LevelError },
				h:    consoleHandler(os.Stdout, level),
			},
			LevelFilter{
				pass: func(l slog.Level) bool { return l >= slog.LevelError },
				h:    consoleHandler(os.Stderr, slog.LevelError),
			},
		)
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closers = append(closers, f)
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
			slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}),
		)
	}

	logger := slog.New(MultiHandler{hs: handlers})
	slog.SetDefault(logger)
	pkg.SetLogger(logger)
	pkg.SetLogLevel(level)
	return logger, closers, nil
}

// consoleHandler colors output for terminals and falls back to plain text.
func consoleHandler(f *os.File, level slog.Level) slog.Handler {
	if term.IsTerminal(int(f.Fd())) && os.Getenv("TERM") != "dumb" {
		return &colorHandler{w: f, level: level}
	}
	return slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
}

// MultiHandler fans records out to several handlers.
type MultiHandler struct{ hs []slog.Handler }

// NewMultiHandler returns a handler writing to each of hs.
func NewMultiHandler(hs ...slog.Handler) MultiHandler {
	return MultiHandler{hs: hs}
}

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.hs {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithAttrs(attrs)
	}
	return MultiHandler{hs: out}
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.hs))
	for i, h := range m.hs {
		out[i] = h.WithGroup(name)
	}
	return MultiHandler{hs: out}
}

// LevelFilter passes to h only the levels pass accepts.
type LevelFilter struct {
	pass func(slog.Level) bool
	h    slog.Handler
}

// NewLevelFilter wraps h with the predicate pass.
func NewLevelFilter(pass func(slog.Level) bool, h slog.Handler) LevelFilter {
	return LevelFilter{pass: pass, h: h}
}

func (f LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.pass(level) && f.h.Enabled(ctx, level)
}

func (f LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if !f.pass(r.Level) {
		return nil
	}
	return f.h.Handle(ctx, r)
}

func (f LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithAttrs(attrs)}
}

func (f LevelFilter) WithGroup(name string) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithGroup(name)}
}

type colorHandler struct {
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	case l >= slog.LevelDebug:
		return "\033[34m"
	default:
		return "\033[35m"
	}
}

func levelName(l slog.Level) string {
	if l < slog.LevelDebug {
		return "TRACE"
	}
	return l.String()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString("\033[90m")
	b.WriteString(r.Time.Format("15:04:05.000000"))
	b.WriteString("\033[0m ")
	b.WriteString(levelColor(r.Level))
	fmt.Fprintf(&b, "%5s", levelName(r.Level))
	b.WriteString("\033[0m ")
	b.WriteString(r.Message)

	write := func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	b.WriteByte('\n')

	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{w: h.w, level: h.level, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}
