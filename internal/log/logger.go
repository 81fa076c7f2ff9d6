package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var root = newLogrusLogger(logrus.New())

func init() {
	root.log.SetFormatter(&formatter{
		pattern: "%time [%level] %caller: %msg%n",
		time:    "2006-01-02 15:04:05",
	})
	root.log.SetReportCaller(true)
}

// Init reconfigures the global logger from config. Safe to skip entirely;
// the default is info-level console output.
func Init(cfg *LoggerConfig) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := make([]io.Writer, 0, len(cfg.Appenders))
	for _, ap := range cfg.Appenders {
		switch strings.ToLower(ap.Type) {
		case "console", "":
			writers = append(writers, os.Stdout)
		case "file":
			if ap.File.Filename == "" {
				return fmt.Errorf("file appender requires 'filename' field")
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   ap.File.Filename,
				MaxSize:    ap.File.MaxSizeMB,
				MaxBackups: ap.File.MaxBackups,
				MaxAge:     ap.File.MaxAgeDays,
				Compress:   ap.File.Compress,
			})
		default:
			return fmt.Errorf("unsupported appender type: %s", ap.Type)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	root.log.SetOutput(io.MultiWriter(writers...))
	root.log.SetLevel(level)
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultConfig().Pattern
	}
	timeLayout := cfg.Time
	if timeLayout == "" {
		timeLayout = DefaultConfig().Time
	}
	root.log.SetFormatter(&formatter{pattern: pattern, time: timeLayout})
	return nil
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	return root
}

func parseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info", "":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown level: %s", s)
	}
}

type logrusLogger struct {
	log   *logrus.Logger
	entry *logrus.Entry
}

func newLogrusLogger(l *logrus.Logger) *logrusLogger {
	return &logrusLogger{log: l}
}

func (l *logrusLogger) target() logrus.Ext1FieldLogger {
	if l.entry != nil {
		return l.entry
	}
	return l.log
}

func (l *logrusLogger) Print(args ...interface{})                 { l.target().Print(args...) }
func (l *logrusLogger) Printf(format string, args ...interface{}) { l.target().Printf(format, args...) }
func (l *logrusLogger) Trace(args ...interface{})                 { l.target().Trace(args...) }
func (l *logrusLogger) Tracef(format string, args ...interface{}) { l.target().Tracef(format, args...) }
func (l *logrusLogger) Debug(args ...interface{})                 { l.target().Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.target().Debugf(format, args...) }
func (l *logrusLogger) Info(args ...interface{})                  { l.target().Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.target().Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                  { l.target().Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.target().Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                 { l.target().Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.target().Errorf(format, args...) }
func (l *logrusLogger) Fatal(args ...interface{})                 { l.target().Fatal(args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.target().Fatalf(format, args...) }

func (l *logrusLogger) WithField(field string, value interface{}) Logger {
	if l.entry != nil {
		return &logrusLogger{log: l.log, entry: l.entry.WithField(field, value)}
	}
	return &logrusLogger{log: l.log, entry: l.log.WithField(field, value)}
}

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	if l.entry != nil {
		return &logrusLogger{log: l.log, entry: l.entry.WithFields(logrus.Fields(fields))}
	}
	return &logrusLogger{log: l.log, entry: l.log.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	if l.entry != nil {
		return &logrusLogger{log: l.log, entry: l.entry.WithError(err)}
	}
	return &logrusLogger{log: l.log, entry: l.log.WithError(err)}
}

func (l *logrusLogger) IsTraceEnabled() bool { return l.log.IsLevelEnabled(logrus.TraceLevel) }
func (l *logrusLogger) IsDebugEnabled() bool { return l.log.IsLevelEnabled(logrus.DebugLevel) }
func (l *logrusLogger) IsInfoEnabled() bool  { return l.log.IsLevelEnabled(logrus.InfoLevel) }
