// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"log/syslog"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"petrel/internal/conf"
)

// Initialize applies level and format to the standard logger and attaches
// the syslog hook when an address is configured.
func Initialize(cfg conf.LoggingConfig) error {
	return initialize(log.StandardLogger(), cfg)
}

func initialize(l *log.Logger, cfg conf.LoggingConfig) error {
	switch cfg.Level {
	case "debug":
		l.SetLevel(log.DebugLevel)
	case "info":
		l.SetLevel(log.InfoLevel)
	case "error":
		l.SetLevel(log.ErrorLevel)
	case "warning":
		l.SetLevel(log.WarnLevel)
	default:
		l.SetLevel(log.InfoLevel)
	}

	switch cfg.Format {
	case "discard":
		l.SetOutput(io.Discard)
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if cfg.SyslogAddress == "" {
		return nil
	}
	network, addr := cfg.SyslogNetwork, cfg.SyslogAddress
	if addr == "local" {
		network, addr = "", ""
	}
	hook, err := lSyslog.NewSyslogHook(network, addr, syslog.LOG_INFO|syslog.LOG_MAIL, "petrel")
	if err != nil {
		return errors.Wrap(err, "unable to init syslog hook")
	}
	l.AddHook(hook)
	return nil
}
