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

// Package regprog builds and reads the register programs reference HALs
// hand to a device. A program is opaque to the pipeline: a short header
// followed by (offset, value) register writes, all little-endian.
package regprog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic starts every program.
const Magic uint32 = 0x31505248 // "HRP1"

const (
	headerLen = 12
	regLen    = 8
)

var (
	ErrShort = errors.New("register program truncated")
	ErrMagic = errors.New("not a register program")
)

// Reg is one register write.
type Reg struct {
	Offset uint32
	Value  uint32
}

// Program accumulates register writes for one hardware job.
type Program struct {
	// Codec is a small tag identifying the HAL that built the program.
	Codec uint32
	Regs  []Reg
}

// New starts an empty program for the given codec tag.
func New(codec uint32) *Program {
	return &Program{Codec: codec}
}

// Set appends a register write. Later writes to the same offset win when
// the program is executed.
func (p *Program) Set(offset, value uint32) *Program {
	p.Regs = append(p.Regs, Reg{Offset: offset, Value: value})

	return p
}

// Get returns the last value written to offset.
func (p *Program) Get(offset uint32) (uint32, bool) {
	for i := len(p.Regs) - 1; i >= 0; i-- {
		if p.Regs[i].Offset == offset {
			return p.Regs[i].Value, true
		}
	}

	return 0, false
}

// Bytes encodes the program.
func (p *Program) Bytes() []byte {
	b := make([]byte, 0, headerLen+regLen*len(p.Regs))
	b = binary.LittleEndian.AppendUint32(b, Magic)
	b = binary.LittleEndian.AppendUint32(b, p.Codec)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Regs))) //nolint:gosec // Bounded by memory.

	for _, r := range p.Regs {
		b = binary.LittleEndian.AppendUint32(b, r.Offset)
		b = binary.LittleEndian.AppendUint32(b, r.Value)
	}

	return b
}

// Decode parses an encoded program.
func Decode(b []byte) (*Program, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%d byte header: %w", len(b), ErrShort)
	}

	if m := binary.LittleEndian.Uint32(b); m != Magic {
		return nil, fmt.Errorf("magic %#08x: %w", m, ErrMagic)
	}

	p := &Program{Codec: binary.LittleEndian.Uint32(b[4:])}
	n := int(binary.LittleEndian.Uint32(b[8:]))

	body := b[headerLen:]
	if len(body) < n*regLen {
		return nil, fmt.Errorf("%d registers in %d bytes: %w", n, len(body), ErrShort)
	}

	p.Regs = make([]Reg, n)

	for i := range p.Regs {
		off := i * regLen
		p.Regs[i] = Reg{
			Offset: binary.LittleEndian.Uint32(body[off:]),
			Value:  binary.LittleEndian.Uint32(body[off+4:]),
		}
	}

	return p, nil
}
