package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

func SetupLogger(level string) {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "15:04:05.000000000",
		FullTimestamp:   true,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logrus.Warnf("unknown log level %q, using %s", level, lvl)
	}

	logrus.SetLevel(lvl)
}

// WithField returns an entry tagged with a single field, typically the component name.
func WithField(key string, value any) *logrus.Entry {
	return logrus.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.WithFields(fields)
}

func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

func Debug(args ...any) {
	logrus.Debug(args...)
}

func Debugf(format string, args ...any) {
	logrus.Debugf(format, args...)
}

func Info(args ...any) {
	logrus.Info(args...)
}

func Infof(format string, args ...any) {
	logrus.Infof(format, args...)
}

func Warn(args ...any) {
	logrus.Warn(args...)
}

func Warnf(format string, args ...any) {
	logrus.Warnf(format, args...)
}

func Error(args ...any) {
	logrus.Error(args...)
}

func Errorf(format string, args ...any) {
	logrus.Errorf(format, args...)
}

func Fatal(args ...any) {
	logrus.Fatal(args...)
}

func Fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}
