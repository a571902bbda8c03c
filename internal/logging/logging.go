// Package logging builds the root zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Options configures New.
type Options struct {
	Level  string    // trace|debug|info|warn|error; default info
	Format string    // auto|json|console; default auto
	Out    io.Writer // default os.Stderr
}

// New returns a logger writing to opts.Out. With format auto, console output
// is used when Out is a terminal and JSON otherwise.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: level %q: %w", opts.Level, err)
		}
		level = l
	}

	var w io.Writer
	switch opts.Format {
	case "", "auto":
		if IsTerminal(out) {
			w = console(out)
		} else {
			w = out
		}
	case "console":
		w = console(out)
	case "json":
		w = out
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func console(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
