// Package logging builds the slog loggers every component takes in its
// Config. Records are rendered by pterm on stderr.
package logging

import (
	"context"
	"log/slog"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// New returns a logger tagged with the component name.
func New(component string) *slog.Logger {
	return slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger)).With("component", component)
}

// SetDebug toggles debug-level output for all loggers returned by New.
func SetDebug(on bool) {
	if on {
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	} else {
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	}
}

// discardHandler is a no-op slog handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
