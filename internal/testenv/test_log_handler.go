// Package testenv holds helpers shared by docsync tests.
package testenv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/forkful/docsync/pkg/logger"
)

// Record is one captured log line.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   string
}

// TestLogHandler is a slog.Handler that prints message index, level and
// content without the timestamp, so test output stays deterministic.
// Every record is also kept for assertions.
//
// It prints to stdout rather than through testing.T because session and
// cache goroutines may still log after a test returns.
type TestLogHandler struct {
	quiet bool
	attrs []slog.Attr
	group string
	state *handlerState
}

type handlerState struct {
	mu          sync.Mutex
	index       int
	records     []Record
	ignoreDebug bool
}

// TestLogHandlerOption configures a TestLogHandler.
type TestLogHandlerOption func(*TestLogHandler)

// WithQuiet keeps records without printing them.
func WithQuiet() TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.quiet = true
	}
}

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() TestLogHandlerOption {
	return func(h *TestLogHandler) {
		h.state.ignoreDebug = true
	}
}

func NewTestLogHandler(opts ...TestLogHandlerOption) *TestLogHandler {
	h := &TestLogHandler{state: &handlerState{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLogger is shorthand for a logger.Logger backed by a TestLogHandler.
func NewLogger(opts ...TestLogHandlerOption) logger.Logger {
	return logger.New(NewTestLogHandler(opts...))
}

//nolint:gocritic
func (h *TestLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.state.ignoreDebug {
		return nil
	}

	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		parts = append(parts, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, h.format(a))
		return true
	})
	attrs := strings.Join(parts, ", ")

	h.state.mu.Lock()
	idx := h.state.index
	h.state.index++
	h.state.records = append(h.state.records, Record{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.state.mu.Unlock()

	if h.quiet {
		return nil
	}
	if attrs != "" {
		fmt.Printf("[%d] %s: %s %s\n", idx, r.Level, r.Message, attrs)
	} else {
		fmt.Printf("[%d] %s: %s\n", idx, r.Level, r.Message)
	}
	return nil
}

func (h *TestLogHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			sub = append(sub, fmt.Sprintf("%s.%s=%v", key, ga.Key, ga.Value))
		}
		return strings.Join(sub, ", ")
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TestLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *TestLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TestLogHandler{
		quiet: h.quiet,
		attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		group: h.group,
		state: h.state,
	}
}

func (h *TestLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &TestLogHandler{quiet: h.quiet, attrs: h.attrs, group: group, state: h.state}
}

// Records returns a copy of every record handled so far.
func (h *TestLogHandler) Records() []Record {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return append([]Record(nil), h.state.records...)
}

// Contains reports whether any record at level has a message starting with prefix.
func (h *TestLogHandler) Contains(level slog.Level, prefix string) bool {
	for _, r := range h.Records() {
		if r.Level == level && strings.HasPrefix(r.Message, prefix) {
			return true
		}
	}
	return false
}
