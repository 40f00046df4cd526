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

// Package jpeg is a reference JPEG parser and HAL. The parser walks the
// marker segments far enough to find the frame header; every picture is
// intra coded and shown.
package jpeg

import (
	"errors"
	"fmt"
)

const (
	markerPrefix = 0xff

	markerSOI  = 0xd8
	markerEOI  = 0xd9
	markerSOS  = 0xda
	markerSOF0 = 0xc0 // baseline
	markerSOF1 = 0xc1 // extended sequential
	markerSOF2 = 0xc2 // progressive
	markerTEM  = 0x01
	markerRST0 = 0xd0
	markerRST7 = 0xd7
)

var (
	ErrNotJPEG     = errors.New("missing JPEG start of image")
	ErrNoFrame     = errors.New("no supported JPEG frame header")
	ErrTruncated   = errors.New("truncated JPEG segment")
	ErrUnsupported = errors.New("unsupported JPEG frame type")
)

// Frame is the part of the frame header the HAL needs.
type Frame struct {
	Progressive bool
	Precision   int
	Width       int
	Height      int
	Components  int
	// ScanOffset is where entropy coded data starts.
	ScanOffset int
}

// ParseFrame finds the frame header of a JPEG image.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 2 || b[0] != markerPrefix || b[1] != markerSOI {
		return Frame{}, ErrNotJPEG
	}

	var (
		f    Frame
		have bool
	)

	for i := 2; ; {
		// Fill bytes may pad between markers.
		for i < len(b) && b[i] == markerPrefix && i+1 < len(b) && b[i+1] == markerPrefix {
			i++
		}

		if i+1 >= len(b) {
			return Frame{}, fmt.Errorf("marker at %d: %w", i, ErrTruncated)
		}

		if b[i] != markerPrefix {
			return Frame{}, fmt.Errorf("byte %#02x at %d is not a marker: %w", b[i], i, ErrTruncated)
		}

		m := b[i+1]
		i += 2

		switch {
		case m == markerTEM || (m >= markerRST0 && m <= markerRST7):
			continue
		case m == markerEOI:
			if !have {
				return Frame{}, ErrNoFrame
			}

			return f, nil
		}

		if i+2 > len(b) {
			return Frame{}, fmt.Errorf("length of marker %#02x: %w", m, ErrTruncated)
		}

		n := int(b[i])<<8 | int(b[i+1])
		if n < 2 || i+n > len(b) {
			return Frame{}, fmt.Errorf("marker %#02x length %d: %w", m, n, ErrTruncated)
		}

		seg := b[i+2 : i+n]

		switch m {
		case markerSOF0, markerSOF1, markerSOF2:
			if len(seg) < 6 {
				return Frame{}, fmt.Errorf("frame header: %w", ErrTruncated)
			}

			f = Frame{
				Progressive: m == markerSOF2,
				Precision:   int(seg[0]),
				Height:      int(seg[1])<<8 | int(seg[2]),
				Width:       int(seg[3])<<8 | int(seg[4]),
				Components:  int(seg[5]),
			}

			if f.Width == 0 || f.Height == 0 {
				return Frame{}, fmt.Errorf("%dx%d frame: %w", f.Width, f.Height, ErrUnsupported)
			}

			have = true

		case markerSOS:
			if !have {
				return Frame{}, ErrNoFrame
			}

			f.ScanOffset = i + n

			return f, nil

		default:
			if m >= 0xc3 && m <= 0xcf && m != 0xc4 && m != 0xc8 && m != 0xcc {
				return Frame{}, fmt.Errorf("SOF%d: %w", m-markerSOF0, ErrUnsupported)
			}
		}

		i += n
	}
}
