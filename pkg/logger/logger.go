// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logger builds the process logger every hwdec component derives its
// own logger from.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

func init() {
	// Users of our logging will always adhere to these global settings:
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldInteger = false
	zerolog.DurationFieldUnit = time.Millisecond
}

type Config struct { //nolint:govet // Don't care about alignment.
	Level   string `yaml:"level" json:"level" env:"LOG_LEVEL" doc:"Log level. One of: trace, debug, info, warn, error, fatal, panic"`
	Console bool   `yaml:"console" json:"console" env:"LOG_CONSOLE" doc:"Logging includes terminal colors"`
	Output  string `yaml:"output" json:"output" env:"LOG_OUTPUT" doc:"Where logs go. One of: stdout, stderr"`
}

func ConfigDefault() Config {
	return Config{
		Level:   zerolog.InfoLevel.String(),
		Console: false,
		Output:  "stdout",
	}
}

// Validate checks the level and output before New, which panics on them.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	if _, err := output(c); err != nil {
		return err
	}

	return nil
}

func output(c *Config) (*os.File, error) {
	switch c.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return nil, fmt.Errorf("log output [%s] not one of stdout, stderr", c.Output)
	}
}

func termOut(c *Config, f *os.File) io.Writer {
	if c.Console || isatty.IsTerminal(f.Fd()) {
		return zerolog.ConsoleWriter{
			Out:        f,
			TimeFormat: "2006-01-02T15:04:05.000000", // Omitting timezone on console.
		}
	}

	return f
}

// New returns the process logger. A bad config panics; call Validate first
// to report it gracefully.
func New(c *Config) zerolog.Logger {
	f, err := output(c)
	if err != nil {
		panic(err.Error())
	}

	return NewWithWriter(c, termOut(c, f))
}

// NewWithWriter is New writing to w, without terminal detection.
func NewWithWriter(c *Config, w io.Writer) (log zerolog.Logger) {
	zLevel, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		panic(err.Error())
	}

	log = zerolog.New(w).
		Level(zLevel).
		With().Timestamp().Caller().
		Logger()

	return log
}
