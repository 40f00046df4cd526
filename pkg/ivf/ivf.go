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

// Package ivf reads and writes the IVF container: a 32 byte file header
// followed by frames, each with a 12 byte size and timestamp header.
package ivf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	signature      = "DKIF"
	fileHeaderLen  = 32
	frameHeaderLen = 12

	// MaxFrameSize guards against garbage frame sizes.
	MaxFrameSize = 64 << 20
)

var (
	ErrSignature = errors.New("not an IVF stream")
	ErrFrameSize = errors.New("IVF frame too large")
)

// Header is the IVF file header.
type Header struct {
	Version    uint16
	FourCC     string
	Width      uint16
	Height     uint16
	Rate       uint32
	Scale      uint32
	FrameCount uint32
}

// Frame is one IVF frame.
type Frame struct {
	PTS  int64
	Data []byte
}

// Reader reads frames from an IVF stream.
type Reader struct {
	r      *bufio.Reader
	header Header
	frames int
}

// NewReader reads the file header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	var b [fileHeaderLen]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		return nil, fmt.Errorf("ivf header: %w", err)
	}

	if string(b[:4]) != signature {
		return nil, fmt.Errorf("signature %q: %w", b[:4], ErrSignature)
	}

	hdrLen := int(binary.LittleEndian.Uint16(b[6:]))

	h := Header{
		Version:    binary.LittleEndian.Uint16(b[4:]),
		FourCC:     string(b[8:12]),
		Width:      binary.LittleEndian.Uint16(b[12:]),
		Height:     binary.LittleEndian.Uint16(b[14:]),
		Rate:       binary.LittleEndian.Uint32(b[16:]),
		Scale:      binary.LittleEndian.Uint32(b[20:]),
		FrameCount: binary.LittleEndian.Uint32(b[24:]),
	}

	// Some writers use a longer header.
	if hdrLen > fileHeaderLen {
		if _, err := br.Discard(hdrLen - fileHeaderLen); err != nil {
			return nil, fmt.Errorf("ivf header padding: %w", err)
		}
	}

	return &Reader{r: br, header: h}, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next frame, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Frame, error) {
	var b [frameHeaderLen]byte

	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("ivf frame %d header: %w", r.frames, err)
		}

		return Frame{}, err
	}

	size := binary.LittleEndian.Uint32(b[:])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame %d size %d: %w", r.frames, size, ErrFrameSize)
	}

	f := Frame{
		PTS:  int64(binary.LittleEndian.Uint64(b[4:])), //nolint:gosec // Timestamps are signed in the pipeline.
		Data: make([]byte, size),
	}

	if _, err := io.ReadFull(r.r, f.Data); err != nil {
		return Frame{}, fmt.Errorf("ivf frame %d: %w", r.frames, io.ErrUnexpectedEOF)
	}

	r.frames++

	return f, nil
}

// Writer writes an IVF stream.
type Writer struct {
	w io.Writer
}

// NewWriter writes the file header for h to w.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	b := make([]byte, fileHeaderLen)
	copy(b, signature)
	binary.LittleEndian.PutUint16(b[4:], h.Version)
	binary.LittleEndian.PutUint16(b[6:], fileHeaderLen)
	copy(b[8:12], h.FourCC)
	binary.LittleEndian.PutUint16(b[12:], h.Width)
	binary.LittleEndian.PutUint16(b[14:], h.Height)
	binary.LittleEndian.PutUint32(b[16:], h.Rate)
	binary.LittleEndian.PutUint32(b[20:], h.Scale)
	binary.LittleEndian.PutUint32(b[24:], h.FrameCount)

	if _, err := w.Write(b); err != nil {
		return nil, err
	}

	return &Writer{w: w}, nil
}

// WriteFrame appends one frame.
func (w *Writer) WriteFrame(f Frame) error {
	b := make([]byte, frameHeaderLen, frameHeaderLen+len(f.Data))
	binary.LittleEndian.PutUint32(b, uint32(len(f.Data))) //nolint:gosec // Checked by the reader.
	binary.LittleEndian.PutUint64(b[4:], uint64(f.PTS))   //nolint:gosec // Round trips through int64.
	b = append(b, f.Data...)

	_, err := w.w.Write(b)

	return err
}
