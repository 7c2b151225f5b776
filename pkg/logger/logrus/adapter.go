// Package logrus backs logger.Logger with sirupsen/logrus
package logrus

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Adapter struct {
	entry *logrus.Entry
}

// New builds a logrus logger from the log settings
func New(settings core.LogSettings) (*Adapter, error) {
	level, err := logrus.ParseLevel(strings.ToLower(settings.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)

	var out io.Writer = os.Stdout
	if settings.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   settings.File,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
	}
	l.SetOutput(out)

	if settings.JSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: settings.TimeFormat})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: settings.TimeFormat,
			ForceColors:     settings.Colored,
			DisableColors:   !settings.Colored,
		})
	}

	return NewAdapter(logrus.NewEntry(l)), nil
}

func NewAdapter(entry *logrus.Entry) *Adapter {
	return &Adapter{entry: entry}
}

func (a *Adapter) WithField(key string, value any) logger.Logger {
	return &Adapter{entry: a.entry.WithField(key, value)}
}

func (a *Adapter) WithFields(fields map[string]any) logger.Logger {
	return &Adapter{entry: a.entry.WithFields(fields)}
}

func (a *Adapter) WithError(err error) logger.Logger {
	return &Adapter{entry: a.entry.WithError(err)}
}

func (a *Adapter) Debug(args ...any) { a.entry.Debug(args...) }
func (a *Adapter) Info(args ...any)  { a.entry.Info(args...) }
func (a *Adapter) Warn(args ...any)  { a.entry.Warn(args...) }
func (a *Adapter) Error(args ...any) { a.entry.Error(args...) }
func (a *Adapter) Fatal(args ...any) { a.entry.Fatal(args...) }

func (a *Adapter) Debugf(format string, args ...any) { a.entry.Debugf(format, args...) }
func (a *Adapter) Infof(format string, args ...any)  { a.entry.Infof(format, args...) }
func (a *Adapter) Warnf(format string, args ...any)  { a.entry.Warnf(format, args...) }
func (a *Adapter) Errorf(format string, args ...any) { a.entry.Errorf(format, args...) }
func (a *Adapter) Fatalf(format string, args ...any) { a.entry.Fatalf(format, args...) }

func (a *Adapter) SetLevel(level logger.Level) {
	switch level {
	case logger.TraceLevel:
		a.entry.Logger.SetLevel(logrus.TraceLevel)
	case logger.DebugLevel:
		a.entry.Logger.SetLevel(logrus.DebugLevel)
	case logger.InfoLevel:
		a.entry.Logger.SetLevel(logrus.InfoLevel)
	case logger.WarnLevel:
		a.entry.Logger.SetLevel(logrus.WarnLevel)
	case logger.ErrorLevel:
		a.entry.Logger.SetLevel(logrus.ErrorLevel)
	case logger.FatalLevel:
		a.entry.Logger.SetLevel(logrus.FatalLevel)
	case logger.PanicLevel, logger.Disabled:
		a.entry.Logger.SetLevel(logrus.PanicLevel)
	}
}

func (a *Adapter) GetLevel() logger.Level {
	switch a.entry.Logger.GetLevel() {
	case logrus.TraceLevel:
		return logger.TraceLevel
	case logrus.DebugLevel:
		return logger.DebugLevel
	case logrus.WarnLevel:
		return logger.WarnLevel
	case logrus.ErrorLevel:
		return logger.ErrorLevel
	case logrus.FatalLevel:
		return logger.FatalLevel
	case logrus.PanicLevel:
		return logger.PanicLevel
	default:
		return logger.InfoLevel
	}
}
