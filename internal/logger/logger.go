package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"pairdesk/internal/constants"
)

type Logger struct {
	logger *zerolog.Logger
	file   *os.File
}

type Options struct {
	Debug   bool
	NoColor bool
	// Dir enables a JSON log file next to the console output. Empty uses
	// no file; "auto" picks the per-OS application log directory.
	Dir string
	Tag string
	// Quiet drops the console writer. The agent uses it while its TUI owns
	// the terminal.
	Quiet bool
}

// New creates a console logger, optionally teeing JSON lines into a daily
// log file.
func New(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: constants.TimeFormatShort,
		NoColor:    opts.NoColor,
	}
	if opts.Quiet {
		out = io.Discard
	}

	l := &Logger{}
	if opts.Dir != "" {
		dir := opts.Dir
		if dir == "auto" {
			var err error
			if dir, err = LogDir(); err != nil {
				return nil, fmt.Errorf("failed to get log directory: %w", err)
			}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := filepath.Join(dir, fmt.Sprintf("%s-%s.log", tagOr(opts.Tag), time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		out = zerolog.MultiLevelWriter(out, file)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.Tag != "" {
		ctx = ctx.Str("s", opts.Tag)
	}
	zl := ctx.Logger()
	l.logger = &zl
	return l, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{logger: &zl}
}

// Wrap adapts an existing zerolog logger (e.g. one writing to a test buffer).
func Wrap(zl zerolog.Logger) *Logger { return &Logger{logger: &zl} }

func LogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(homeDir, "AppData", "Local", constants.AppName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", constants.AppName), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, constants.AppName, "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "share", constants.AppName, "logs"), nil
	}
}

func tagOr(tag string) string {
	if tag == "" {
		return constants.AppName
	}
	return tag
}

// With creates a child logger with the field added to its context.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Extend adds some additional context to the existing logger.
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	logger := ctx.Logger()
	return &Logger{logger: &logger}
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

// Info starts a new message with info level.
func (l *Logger) Info() *zerolog.Event { return l.logger.Info() }

// Warn starts a new message with warn level.
func (l *Logger) Warn() *zerolog.Event { return l.logger.Warn() }

// Error starts a new message with error level.
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Fatal starts a new message with fatal level. The os.Exit(1) function
// is called by the Msg method.
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

// Printf sends a log event using debug level and no extra field.
func (l *Logger) Printf(format string, v ...any) { l.logger.Printf(format, v...) }

func (l *Logger) GetLogPath() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
