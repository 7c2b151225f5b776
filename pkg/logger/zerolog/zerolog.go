package zerolog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/raykavin/coinalert/pkg/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultTimeFormat = "2006-01-02 15:04:05"
	maxMessageSize    = 80
	maxCallerFile     = 18
	maxCallerLine     = 4
)

// New builds the process logger. Console output is colored unless JSON is
// requested; when a log file is configured every entry is also written to it
// as JSON with size based rotation.
func New(settings core.LogSettings) (*Adapter, error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	level, err := zerolog.ParseLevel(strings.ToLower(settings.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	timeFormat := settings.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}

	writers := []io.Writer{consoleWriter(os.Stdout, timeFormat, settings.Colored, settings.JSON)}
	if settings.File != "" {
		writers = append(writers, fileWriter(settings.File))
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()

	return NewAdapter(&l), nil
}

func fileWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

func consoleWriter(out io.Writer, timeFormat string, colored, jsonFormat bool) io.Writer {
	if jsonFormat {
		return out
	}

	return zerolog.ConsoleWriter{
		Out:           out,
		NoColor:       !colored,
		TimeFormat:    timeFormat,
		FormatLevel:   formatLevel,
		FormatMessage: formatMessage,
		FormatCaller:  formatCaller,
		FormatTimestamp: func(i any) string {
			return formatTimestamp(i, timeFormat)
		},
	}
}

func formatLevel(i any) string {
	level, _ := i.(string)
	switch level {
	case zerolog.LevelTraceValue:
		return term.Cyanf("[TRC]")
	case zerolog.LevelDebugValue:
		return term.Cyanf("[DBG]")
	case zerolog.LevelInfoValue:
		return term.Greenf("[INF]")
	case zerolog.LevelWarnValue:
		return term.Yellowf("[WAR]")
	case zerolog.LevelErrorValue:
		return term.Redf("[ERR]")
	case zerolog.LevelFatalValue:
		return term.Redf("[FTL]")
	case zerolog.LevelPanicValue:
		return term.Redf("[PAN]")
	default:
		return term.Whitef("[UNK]")
	}
}

func formatMessage(i any) string {
	msg, ok := i.(string)
	if !ok || msg == "" {
		return ">"
	}

	if len(msg) > maxMessageSize {
		msg = msg[:maxMessageSize]
	}
	return term.Whitef("> %-*s", maxMessageSize, msg)
}

func formatCaller(i any) string {
	name, ok := i.(string)
	if !ok || name == "" {
		return ""
	}

	file, line, found := strings.Cut(filepath.Base(name), ":")
	if !found {
		return name
	}

	if len(file) > maxCallerFile {
		file = file[:maxCallerFile]
	}
	if len(line) > maxCallerLine {
		line = line[len(line)-maxCallerLine:]
	}

	return term.Yellowf("[%-*s:%*s]", maxCallerFile, file, maxCallerLine, line)
}

func formatTimestamp(i any, layout string) string {
	raw, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}

	if ts, err := time.ParseInLocation(time.RFC3339, raw, time.Local); err == nil {
		raw = ts.In(time.Local).Format(layout)
	}
	return term.Cyanf("[%s]", raw)
}
