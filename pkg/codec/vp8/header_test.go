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

package vp8

import (
	"errors"
	"testing"
)

func TestParseHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Header
	}{
		{"key frame", Header{Keyframe: true, Show: true, FirstPartSize: 1234, Width: 1920, Height: 1080}},
		{"hidden key frame", Header{Keyframe: true, Version: 2, FirstPartSize: 7, Width: 176, Height: 144, ScaleWidth: 1}},
		{"inter frame", Header{Show: true, FirstPartSize: 0x7ffff}},
	}

	for _, tt := range tests {
		got, err := ParseHeader(AppendHeader(nil, tt.in))
		if err != nil {
			t.Errorf("%s: ParseHeader: %v", tt.name, err)

			continue
		}

		if got != tt.in {
			t.Errorf("%s: got %+v, want %+v", tt.name, got, tt.in)
		}
	}
}

func TestParseHeaderErrors(t *testing.T) {
	t.Parallel()

	key := AppendHeader(nil, Header{Keyframe: true, Width: 64, Height: 64})

	badCode := append([]byte{}, key...)
	badCode[4] = 0xff

	zero := AppendHeader(nil, Header{Keyframe: true, Width: 0, Height: 64})

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"truncated key frame", key[:6], ErrShortFrame},
		{"start code", badCode, ErrStartCode},
		{"zero width", zero, ErrDimensions},
	}

	for _, tt := range tests {
		if _, err := ParseHeader(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: ParseHeader = %v, want %v", tt.name, err, tt.want)
		}
	}
}
