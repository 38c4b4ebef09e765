package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup points the standard logrus logger at stdout and a rotating file
// in logDir. The returned closer flushes the file on shutdown.
func Setup(logDir, level string, debug bool) (io.Closer, error) {
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		return nil, err
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "app.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logrus.WithField("level", level).Warn("Invalid log level, using info")
	}
	if debug {
		lvl = logrus.DebugLevel
	}

	Configure(logrus.StandardLogger(), io.MultiWriter(os.Stdout, logFile), lvl, debug)
	return logFile, nil
}

// Configure applies output, level and formatter to l.
func Configure(l *logrus.Logger, out io.Writer, lvl logrus.Level, debug bool) {
	l.SetOutput(out)
	l.SetLevel(lvl)
	if debug {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
		return
	}
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
}
