package observability

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogOptions selects the logger sinks and verbosity.
type LogOptions struct {
	Level  string
	Format string // console | json
	File   string // optional combined log file
	// Quiet drops the stdout sink, for when stdout carries a protocol stream.
	Quiet bool
}

// InitLogger builds the process logger and installs it as the zerolog global.
// The returned closer releases the log file when one was opened.
func InitLogger(app string, opts LogOptions) (zerolog.Logger, func() error) {
	var console io.Writer = os.Stdout
	if !strings.EqualFold(opts.Format, "json") {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if opts.Quiet {
		console = io.Discard
	}

	closer := func() error { return nil }
	out := console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				out = zerolog.MultiLevelWriter(console, f)
				closer = f.Close
			}
		}
	}

	logger := zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, closer
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
