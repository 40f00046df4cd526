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

// Package config loads a component config from the environment, then
// overlays a YAML file on top.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

type NoConfigError struct {
	Path string
}

func (e *NoConfigError) Error() string {
	return "cannot find config file [" + e.Path + "], continuing with defaults"
}

// ParseError is a config file that exists but does not decode.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file [" + e.Path + "]: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseFile(path string, out interface{}) error {
	if path == "" {
		return &NoConfigError{path}
	}

	f, err := os.Open(path)
	if err != nil {
		ncErr := &NoConfigError{path}

		return ncErr
	}
	defer f.Close() //nolint:errcheck // Don't care about error

	return Decode(path, f, out)
}

// Decode overlays the YAML document in r onto out. Unknown keys are an
// error so a misspelled setting does not silently fall back to its default.
func Decode(path string, r io.Reader, out interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &ParseError{Path: path, Err: err}
	}

	return nil
}

func parseEnv(envPrefix string, out interface{}) error {
	envErr := env.Parse(out, env.Options{Prefix: envPrefix})
	if envErr != nil {
		return fmt.Errorf("config failed to parse environment: %w", envErr)
	}

	return nil
}

// Init fills out from the environment, then from the file at path. A
// missing file returns *NoConfigError, which callers treat as non-fatal.
func Init(path string, envPrefix string, out interface{}) error {
	// First, we parse the environment variables.
	if err := parseEnv(envPrefix, out); err != nil {
		return err
	}

	// Now we open, read, and parse the contents of the config file.
	return parseFile(path, out)
}

// Dump writes v as YAML, e.g. to show the effective config.
func Dump(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return enc.Close()
}
