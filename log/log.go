// Package log wraps zerolog behind a process-wide logger with console
// rendering. An init hook installs an error-level stderr logger, so code
// that runs before Init can already log safely.
package log

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level names accepted by Init.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// timeFormat is RFC3339 with fixed millisecond precision.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var levels = map[string]zerolog.Level{
	LogLevelDebug: zerolog.DebugLevel,
	LogLevelInfo:  zerolog.InfoLevel,
	LogLevelWarn:  zerolog.WarnLevel,
	LogLevelError: zerolog.ErrorLevel,
}

var (
	mu     sync.RWMutex
	logger zerolog.Logger
)

func init() {
	// $LOG_LEVEL overrides the default, so tests can turn logging up
	// without touching flags.
	Init(cmp.Or(os.Getenv("LOG_LEVEL"), LogLevelError), "stderr", nil)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Logger returns a copy of the process logger for callers that need the
// zerolog API directly.
func Logger() *zerolog.Logger {
	l := current()
	return &l
}

// warnMirror duplicates warn level and above onto a second writer,
// typically an error log file.
type warnMirror struct {
	out io.Writer
}

var _ zerolog.LevelWriter = (*warnMirror)(nil)

func (w *warnMirror) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *warnMirror) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return w.out.Write(p)
}

// Init replaces the process logger. Output is "stdout", "stderr" or a file
// path; a path ending in ".json" receives raw JSON lines while the console
// rendering still goes to stdout. When errorOutput is non-nil, warn level
// and above are mirrored there uncolored. Unknown levels panic.
func Init(level, output string, errorOutput io.Writer) {
	lvl, ok := levels[level]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %q", level))
	}

	var writers []io.Writer
	console := io.Writer(os.Stdout)
	switch output {
	case "stdout":
	case "stderr":
		console = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output: %v", err))
		}
		if strings.HasSuffix(output, ".json") {
			writers = append(writers, f)
		} else {
			console = f
		}
	}
	writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: timeFormat})
	if errorOutput != nil {
		writers = append(writers, &warnMirror{out: zerolog.ConsoleWriter{
			Out:        errorOutput,
			TimeFormat: timeFormat,
			NoColor:    true,
		}})
	}
	out := writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	// Every public helper in this package sits one frame above zerolog.
	zerolog.CallerSkipFrameCount = 3
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
	l.Debug().Msgf("logger ready at level %s writing to %s", level, output)
}

// Level reports the active level as one of the Init level names.
func Level() string {
	lvl := current().GetLevel()
	for name, l := range levels {
		if l == lvl {
			return name
		}
	}
	panic(fmt.Sprintf("invalid log level: %q", lvl))
}

// Debugw logs at debug level with key-value fields.
func Debugw(msg string, keyvalues ...any) {
	Logger().Debug().Fields(keyvalues).Msg(msg)
}

// Infow logs at info level with key-value fields.
func Infow(msg string, keyvalues ...any) {
	Logger().Info().Fields(keyvalues).Msg(msg)
}

// Warnw logs at warn level with key-value fields.
func Warnw(msg string, keyvalues ...any) {
	Logger().Warn().Fields(keyvalues).Msg(msg)
}

// Errorw logs the error at error level with a descriptive message.
func Errorw(err error, msg string) {
	Logger().Error().Err(err).Msg(msg)
}

// Monitor logs a periodic stats snapshot at info level. The caller field
// is suppressed since the emitting line carries no information.
func Monitor(msg string, args map[string]any) {
	Logger().Info().CallerSkipFrame(100).Fields(args).Msg(msg)
}

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...any) {
	Logger().Debug().Msgf(template, args...)
}

// Infof logs a formatted message at info level.
func Infof(template string, args ...any) {
	Logger().Info().Msgf(template, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(template string, args ...any) {
	Logger().Warn().Msgf(template, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...any) {
	Logger().Error().Msgf(template, args...)
}

// Fatalf logs a formatted message with a stack trace and exits.
func Fatalf(template string, args ...any) {
	Logger().Fatal().Msgf(template+"\n"+string(debug.Stack()), args...)
}

// Debug logs its arguments at debug level. The Sprint cost is skipped
// when debug is disabled.
func Debug(args ...any) {
	l := current()
	if l.GetLevel() > zerolog.DebugLevel {
		return
	}
	l.Debug().Msg(fmt.Sprint(args...))
}

// Info logs its arguments at info level.
func Info(args ...any) {
	Logger().Info().Msg(fmt.Sprint(args...))
}

// Warn logs its arguments at warn level.
func Warn(args ...any) {
	Logger().Warn().Msg(fmt.Sprint(args...))
}

// Error logs its arguments at error level.
func Error(args ...any) {
	Logger().Error().Msg(fmt.Sprint(args...))
}

// Fatal logs its arguments with a stack trace and exits.
func Fatal(args ...any) {
	Logger().Fatal().Msg(fmt.Sprint(args...) + "\n" + string(debug.Stack()))
	// zerolog's Fatal exits the process; the panic marks that for
	// static analysis.
	panic("unreachable")
}
