package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"gigmarket/internal/config"
)

const serviceName = "gigmarket"

// DefaultFieldsHook stamps every entry with the service identity.
type DefaultFieldsHook struct {
	Service  string
	Instance string
}

func (hook *DefaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *DefaultFieldsHook) Fire(e *logrus.Entry) error {
	e.Data["service"] = hook.Service
	e.Data["instance"] = hook.Instance
	return nil
}

func instance() string {
	if v := os.Getenv("GIGMARKET_INSTANCE"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// New builds a logger from the logging section. Unknown levels fall back to
// info.
func New(cfg config.LoggingConfig, out io.Writer) *logrus.Logger {
	log := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	log.Out = out
	switch strings.ToLower(cfg.Format) {
	case "text":
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		log.Formatter = &logrus.JSONFormatter{}
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.AddHook(&DefaultFieldsHook{Service: serviceName, Instance: instance()})
	return log
}
