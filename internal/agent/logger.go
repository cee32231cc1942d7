package agent

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogOptions configures the agent logger
type LogOptions struct {
	Level  string `mapstructure:"level"`  // trace|debug|info|warning|error
	Format string `mapstructure:"format"` // text|json
	File   string `mapstructure:"file"`   // also append to this file when set
}

// NewLogger builds a logrus logger from opts
func NewLogger(opts LogOptions) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		l.SetOutput(io.MultiWriter(file, os.Stdout))
	} else {
		l.SetOutput(os.Stdout)
	}
	return l, nil
}
