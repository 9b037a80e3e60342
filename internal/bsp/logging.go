package bsp

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
)

const bannerField = "banner"

// color helpers
var (
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colWarn    = color.Warn
	colError   = color.Error
)

// LogOptions selects the console verbosity tier and an optional logfile.
type LogOptions struct {
	Verbose bool
	Debug   bool
	Logfile string
	Console io.Writer
}

// ConsoleLevel maps the info/verbose/debug tiers onto logrus levels. Process
// output is logged at trace, so it only reaches the console with --debug.
func (o LogOptions) ConsoleLevel() log.Level {
	switch {
	case o.Debug:
		return log.TraceLevel
	case o.Verbose:
		return log.DebugLevel
	}
	return log.InfoLevel
}

// NewLogger builds the run logger. Entries are routed through hooks so the
// console and the logfile can filter at different levels. The returned
// closer flushes and closes the logfile.
func NewLogger(opts LogOptions) (*log.Logger, func() error, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	logger := log.New()
	logger.Out = io.Discard
	logger.SetLevel(opts.ConsoleLevel())
	logger.AddHook(&writerHook{
		out:   console,
		level: opts.ConsoleLevel(),
		fmt:   &consoleFormatter{text: &log.TextFormatter{DisableTimestamp: true}},
	})

	closer := func() error { return nil }
	if opts.Logfile != "" {
		f, err := os.OpenFile(opts.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open logfile %s: %w", opts.Logfile, err)
		}
		logger.SetLevel(log.TraceLevel)
		logger.AddHook(&writerHook{
			out:   f,
			level: log.TraceLevel,
			fmt:   &log.TextFormatter{DisableColors: true, FullTimestamp: true},
		})
		closer = f.Close
	}
	return logger, closer, nil
}

type writerHook struct {
	mu    sync.Mutex
	out   io.Writer
	level log.Level
	fmt   log.Formatter
}

func (h *writerHook) Levels() []log.Level { return log.AllLevels }

func (h *writerHook) Fire(entry *log.Entry) error {
	if entry.Level > h.level {
		return nil
	}
	b, err := h.fmt.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(b)
	return err
}

// consoleFormatter prints banners as "-> message" and everything else with
// the regular text formatter.
type consoleFormatter struct {
	text log.Formatter
}

func (f *consoleFormatter) Format(entry *log.Entry) ([]byte, error) {
	if _, ok := entry.Data[bannerField]; ok {
		return []byte(colArrow.Sprint("-> ") + colSuccess.Sprint(entry.Message) + "\n"), nil
	}
	msg := entry.Message
	if err, ok := entry.Data[log.ErrorKey]; ok {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	if entry.Level <= log.ErrorLevel {
		return []byte(colError.Sprint("error: ") + msg + "\n"), nil
	}
	if entry.Level == log.WarnLevel {
		return []byte(colWarn.Sprint("warning: ") + msg + "\n"), nil
	}
	return f.text.Format(entry)
}
