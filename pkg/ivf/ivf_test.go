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

package ivf

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadWrite(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := Header{FourCC: "VP80", Width: 320, Height: 240, Rate: 30, Scale: 1, FrameCount: 2}

	w, err := NewWriter(&buf, hdr)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	frames := []Frame{{PTS: 0, Data: []byte{1, 2, 3}}, {PTS: 1, Data: []byte{4}}}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	if r.Header() != hdr {
		t.Errorf("header = %+v, want %+v", r.Header(), hdr)
	}

	for i, want := range frames {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}

		if got.PTS != want.PTS || !bytes.Equal(got.Data, want.Data) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestBadStreams(t *testing.T) {
	t.Parallel()

	if _, err := NewReader(bytes.NewReader(make([]byte, 32))); !errors.Is(err, ErrSignature) {
		t.Errorf("NewReader(zeros) = %v, want ErrSignature", err)
	}

	var buf bytes.Buffer

	w, _ := NewWriter(&buf, Header{FourCC: "VP80"})
	_ = w.WriteFrame(Frame{Data: []byte{1, 2, 3, 4}})

	truncated := buf.Bytes()[:buf.Len()-1]

	r, err := NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Next on truncated frame = %v, want ErrUnexpectedEOF", err)
	}
}
