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

// Package vp8 is a reference VP8 parser and HAL. The parser reads only the
// uncompressed frame header: frame type, visibility, first partition size
// and, on key frames, the picture dimensions.
package vp8

import (
	"errors"
	"fmt"
)

const (
	frameTagLen   = 3
	keyHeaderLen  = 10
	maxDimension  = 1<<14 - 1
	startCode0    = 0x9d
	startCode1    = 0x01
	startCode2    = 0x2a
	partSizeShift = 5
)

var (
	ErrShortFrame = errors.New("vp8 frame too short")
	ErrStartCode  = errors.New("vp8 key frame start code mismatch")
	ErrDimensions = errors.New("vp8 key frame has zero dimension")
)

// Header is the uncompressed data chunk at the start of every frame.
type Header struct {
	Keyframe      bool
	Version       int
	Show          bool
	FirstPartSize int

	// Key frames only.
	Width       int
	Height      int
	ScaleWidth  int
	ScaleHeight int
}

// ParseHeader decodes the frame tag and, for key frames, the start code and
// dimensions that follow it.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < frameTagLen {
		return Header{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortFrame)
	}

	tag := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16

	h := Header{
		Keyframe:      tag&1 == 0,
		Version:       int(tag>>1) & 7,
		Show:          (tag>>4)&1 == 1,
		FirstPartSize: int(tag >> partSizeShift),
	}

	if !h.Keyframe {
		return h, nil
	}

	if len(b) < keyHeaderLen {
		return h, fmt.Errorf("%d byte key frame: %w", len(b), ErrShortFrame)
	}

	if b[3] != startCode0 || b[4] != startCode1 || b[5] != startCode2 {
		return h, fmt.Errorf("% x: %w", b[3:6], ErrStartCode)
	}

	w := int(b[6]) | int(b[7])<<8
	v := int(b[8]) | int(b[9])<<8

	h.Width, h.ScaleWidth = w&maxDimension, w>>14
	h.Height, h.ScaleHeight = v&maxDimension, v>>14

	if h.Width == 0 || h.Height == 0 {
		return h, fmt.Errorf("%dx%d: %w", h.Width, h.Height, ErrDimensions)
	}

	return h, nil
}

// AppendHeader appends the uncompressed chunk for h to b. It is the inverse
// of ParseHeader and is used to synthesize streams.
func AppendHeader(b []byte, h Header) []byte {
	tag := uint32(h.Version&7)<<1 | uint32(h.FirstPartSize)<<partSizeShift //nolint:gosec // Masked below.
	if !h.Keyframe {
		tag |= 1
	}

	if h.Show {
		tag |= 1 << 4
	}

	b = append(b, byte(tag), byte(tag>>8), byte(tag>>16))

	if !h.Keyframe {
		return b
	}

	w := h.Width&maxDimension | h.ScaleWidth<<14
	v := h.Height&maxDimension | h.ScaleHeight<<14

	return append(b, startCode0, startCode1, startCode2,
		byte(w), byte(w>>8), byte(v), byte(v>>8))
}
