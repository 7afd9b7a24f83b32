// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package logging builds the logger used by sigrelay.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings.
type Config struct {
	// Level is a logrus level name, such as "info" or "debug".
	Level string

	// Format is either "text" or "json".
	Format string

	// File is a path to write logs to, rotated when it grows.
	// If empty or "console", logs go to stderr.
	File string
}

// New creates a logger from cfg.
func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = os.Stderr

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "Parse log level %q", cfg.Level)
	}
	log.Level = level

	switch cfg.Format {
	case "", "text":
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		log.Formatter = &logrus.JSONFormatter{}
	default:
		return nil, errors.Errorf("Unknown log format %q", cfg.Format)
	}

	if cfg.File != "" && cfg.File != "console" {
		log.Out = io.Writer(&lumberjack.Logger{
			Filename:   filepath.ToSlash(cfg.File),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	return log, nil
}
