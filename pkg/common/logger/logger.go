package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log carries the service name on every line so aggregated logs from the
// platform stay attributable per service.
var Log *logrus.Entry

func Init() {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	base.SetLevel(logLevel)

	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "sleep-service"
	}
	Log = base.WithField("service", service)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}
