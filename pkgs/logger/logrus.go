package logger

import (
	"io"
	"os"
	"path/filepath"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// logrusLogger implements Logger on top of logrus. Module() returns a
// child logger sharing the same output hooks but tagging every entry
// with a "mod" field, the same namespacing the interface expects from
// callers that nest loggers per package (eventcache, relay, fetchplan, ...).
type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a root Logger that writes leveled, structured entries
// to stderr. If logDir is non-empty, entries are additionally routed
// by level to per-level rotated files under logDir via lfshook, with
// daily rotation supplied by file-rotatelogs.
func New(logDir string) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)

	if logDir != "" {
		base.AddHook(rotatingFileHook(logDir))
	}

	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func rotatingFileHook(dir string) logrus.Hook {
	writer := func(level string) io.Writer {
		w, _ := rotatelogs.New(
			filepath.Join(dir, level+".%Y%m%d.log"),
			rotatelogs.WithLinkName(filepath.Join(dir, level+".log")),
			rotatelogs.WithRotationTime(oneDay),
			rotatelogs.WithMaxAge(maxLogAge),
		)
		return w
	}
	return lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: writer("debug"),
		logrus.InfoLevel:  writer("info"),
		logrus.WarnLevel:  writer("warn"),
		logrus.ErrorLevel: writer("error"),
		logrus.FatalLevel: writer("fatal"),
	}, &logrus.TextFormatter{FullTimestamp: true})
}

func (l *logrusLogger) SetToDebug() { l.entry.Logger.SetLevel(logrus.DebugLevel) }
func (l *logrusLogger) SetToInfo()  { l.entry.Logger.SetLevel(logrus.InfoLevel) }
func (l *logrusLogger) SetToError() { l.entry.Logger.SetLevel(logrus.ErrorLevel) }

// Module returns a child logger tagging every entry with the given
// namespace, e.g. logger.Module("fetchplan").
func (l *logrusLogger) Module(ns string) Logger {
	return &logrusLogger{entry: l.entry.WithField("mod", ns)}
}

func (l *logrusLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Info(msg) }
func (l *logrusLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l *logrusLogger) Fatal(msg string, kv ...interface{}) { l.fields(kv).Fatal(msg) }
func (l *logrusLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }

// fields turns an alternating key, value, key, value... slice into a
// logrus.Fields-decorated entry, ignoring a trailing unpaired key.
func (l *logrusLogger) fields(kv []interface{}) *logrus.Entry {
	if len(kv) == 0 {
		return l.entry
	}
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return l.entry.WithFields(f)
}
