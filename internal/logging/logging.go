package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional; rotated by lumberjack, written alongside stderr
}

// New builds the process logger. Unknown levels fall back to info.
func New(opts Options) *logrus.Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	l.SetOutput(out)
	return l
}

// Component tags entries with the subsystem that produced them.
func Component(l logrus.FieldLogger, name string) logrus.FieldLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", name)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
