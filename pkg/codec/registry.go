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

package codec

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ParserFactory builds a fresh parser.
type ParserFactory func() Parser

// HALFactory builds a fresh HAL.
type HALFactory func() HAL

type entry struct {
	parser ParserFactory
	hal    HALFactory
}

// Registry maps coding types to stage factories. Build one at startup and
// hand it to the pipeline; there is no package level registry.
type Registry struct {
	lock    sync.Mutex
	entries map[CodingType]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[CodingType]entry)}
}

// Register adds the stages for coding c.
func (r *Registry) Register(c CodingType, p ParserFactory, h HALFactory) error {
	if p == nil || h == nil {
		return fmt.Errorf("register %s: nil factory", c)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.entries[c]; ok {
		return fmt.Errorf("register %s: %w", c, ErrDuplicateCoding)
	}

	r.entries[c] = entry{parser: p, hal: h}

	return nil
}

// New builds a parser and HAL for coding c.
func (r *Registry) New(c CodingType) (Parser, HAL, error) {
	r.lock.Lock()
	e, ok := r.entries[c]
	r.lock.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", c, ErrUnsupportedCoding)
	}

	return e.parser(), e.hal(), nil
}

// Codings lists the registered coding types in ascending order.
func (r *Registry) Codings() []CodingType {
	r.lock.Lock()
	defer r.lock.Unlock()

	cs := make([]CodingType, 0, len(r.entries))
	for c := range r.entries {
		cs = append(cs, c)
	}

	slices.Sort(cs)

	return cs
}
