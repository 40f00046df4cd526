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

package mimer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/ivf"
)

func ivfStream(t *testing.T, fourCC string) []byte {
	t.Helper()

	var buf bytes.Buffer
	if _, err := ivf.NewWriter(&buf, ivf.Header{FourCC: fourCC, Width: 64, Height: 64}); err != nil {
		t.Fatalf("ivf.NewWriter: %v", err)
	}

	return buf.Bytes()
}

func TestDetectCoding(t *testing.T) {
	t.Parallel()

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0}

	tests := []struct {
		name      string
		in        []byte
		mediaType string
		coding    codec.CodingType
	}{
		{"ivf vp8", ivfStream(t, "VP80"), MediaTypeIVF, codec.CodingVP8},
		{"h264 sps", []byte{0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1e}, MediaTypeH264, codec.CodingH264},
		{"h264 aud", []byte{0, 0, 1, 0x09, 0xf0}, MediaTypeH264, codec.CodingH264},
		{"h265 vps", []byte{0, 0, 0, 1, 0x40, 0x01, 0x0c}, MediaTypeH265, codec.CodingH265},
		{"mpeg4 vos", []byte{0, 0, 1, 0xb0, 0x01}, MediaTypeMPEG4, codec.CodingMPEG4},
		{"jpeg", jpeg, MediaTypeJPEG, codec.CodingJPEG},
	}

	for _, tt := range tests {
		mediaType, c, err := DetectCoding(tt.in)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)

			continue
		}

		if mediaType != tt.mediaType || c != tt.coding {
			t.Errorf("%s: got %s/%s, want %s/%s", tt.name, mediaType, c, tt.mediaType, tt.coding)
		}
	}
}

func TestDetectCodingUnknown(t *testing.T) {
	t.Parallel()

	if _, _, err := DetectCoding(ivfStream(t, "AV01")); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("ivf av1 = %v, want ErrUnknownStream", err)
	}

	if _, c, err := DetectCoding([]byte("plain text, not video")); !errors.Is(err, ErrUnknownStream) || c != codec.CodingUnknown {
		t.Errorf("text = %s, %v, want unknown", c, err)
	}
}

func TestGetContentTypeFromShortReader(t *testing.T) {
	t.Parallel()

	in := ivfStream(t, "VP80")

	mediaType, sniffed, err := GetContentTypeFromReader(bytes.NewReader(in))
	if err != nil {
		t.Fatalf("GetContentTypeFromReader: %v", err)
	}

	if mediaType != MediaTypeIVF || !bytes.Equal(sniffed, in) {
		t.Errorf("got %s with %d bytes, want %s with %d", mediaType, len(sniffed), MediaTypeIVF, len(in))
	}

	if got := GetContentType("/nonexistent/stream.ivf"); got != UnknownMediaType {
		t.Errorf("missing file = %s, want %s", got, UnknownMediaType)
	}
}
