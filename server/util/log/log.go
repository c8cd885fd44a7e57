// Package log routes all server logging through a single zerolog logger.
package log

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	logLevel         = flag.String("app.log_level", "info", "The desired log level. Logs with a level >= this level will be emitted. One of {'fatal', 'error', 'warn', 'info', 'debug'}")
	includeShortFile = flag.Bool("app.log_include_short_file_name", false, "If true, log messages will include shortened originating file name.")
	enableStructured = flag.Bool("app.log_enable_structured", false, "If true, log messages will be json-formatted.")
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Configure applies the log flags. It is called once from main after flag
// parsing; messages logged before that use the default (info) setup.
func Configure() error {
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	var l zerolog.Logger
	if *enableStructured {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	ctx := l.Level(level).With().Timestamp()
	if *includeShortFile {
		ctx = ctx.Caller()
	}
	logger = ctx.Logger()
	return nil
}

// Logger is a named sub-logger. Components that want their log lines tagged
// with a component name should hold one of these.
type Logger struct {
	zl zerolog.Logger
}

// NamedSubLogger returns a Logger tagged with the given name.
func NamedSubLogger(name string) Logger {
	return Logger{zl: logger.With().Str("name", name).Logger()}
}

func (l Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l Logger) Warningf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}
func (l Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// Debug logs to the DEBUG log.
func Debug(message string) {
	logger.Debug().Msg(message)
}

// Debugf logs to the DEBUG log. Arguments are handled in the manner of fmt.Printf.
func Debugf(format string, args ...interface{}) {
	logger.Debug().Msgf(format, args...)
}

// Info logs to the INFO log.
func Info(message string) {
	logger.Info().Msg(message)
}

// Infof logs to the INFO log. Arguments are handled in the manner of fmt.Printf.
func Infof(format string, args ...interface{}) {
	logger.Info().Msgf(format, args...)
}

// Warning logs to the WARNING log.
func Warning(message string) {
	logger.Warn().Msg(message)
}

// Warningf logs to the WARNING log. Arguments are handled in the manner of fmt.Printf.
func Warningf(format string, args ...interface{}) {
	logger.Warn().Msgf(format, args...)
}

// Error logs to the ERROR log.
func Error(message string) {
	logger.Error().Msg(message)
}

// Errorf logs to the ERROR log. Arguments are handled in the manner of fmt.Printf.
func Errorf(format string, args ...interface{}) {
	logger.Error().Msgf(format, args...)
}

// Fatal logs to the FATAL log and exits the process.
func Fatal(message string) {
	logger.Fatal().Msg(message)
}

// Fatalf logs to the FATAL log and exits the process. Arguments are handled
// in the manner of fmt.Printf.
func Fatalf(format string, args ...interface{}) {
	logger.Fatal().Msgf(format, args...)
}

// Print logs at the INFO log level, like the standard library "log" package.
func Print(message string) {
	logger.Info().Msg(message)
}

// Printf logs at the INFO log level, like the standard library "log" package.
func Printf(format string, args ...interface{}) {
	logger.Info().Msgf(format, args...)
}

// Println logs at the INFO log level, like the standard library "log" package.
func Println(args ...interface{}) {
	logger.Info().Msg(fmt.Sprintln(args...))
}
