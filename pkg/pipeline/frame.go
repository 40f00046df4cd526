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

package pipeline

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/slots"
)

// Frame is one output of the pipeline: a decoded picture, an info change
// notice, or a bare end of stream marker. Every frame must be Released.
type Frame struct {
	// Slot is the frame slot the picture lives in. Zero for notices.
	Slot slots.Handle
	// Buffer holds the picture. It may be nil for a degraded picture that
	// never got memory.
	Buffer *buffer.Buffer
	PTS    int64
	Info   slots.FrameInfo
	// Err is set on degraded pictures. They are delivered anyway.
	Err slots.ErrInfo

	// InfoChange marks a notice that the stream geometry changed to
	// Geometry. Pictures after it use the new size.
	InfoChange bool
	Geometry   slots.Geometry

	// EOS marks the last output of a stream.
	EOS bool

	frames  *slots.Table
	display bool
	once    sync.Once
}

// Release hands the picture back. It is safe to call more than once.
func (f *Frame) Release() {
	f.once.Do(func() {
		if f.Buffer != nil {
			_ = f.Buffer.DecRef()
		}

		if f.display {
			_ = f.frames.ClrDisplay(f.Slot)
		}
	})
}

// Degraded reports whether the picture carries an error.
func (f *Frame) Degraded() bool {
	return f.Err.Any()
}

func (f *Frame) MarshalZerologObject(e *zerolog.Event) {
	switch {
	case f.InfoChange:
		e.Bool("infoChange", true).Int(lCount, f.Geometry.Count).Int(lSize, f.Geometry.Size)
	case f.Slot.Valid():
		e.Object(lSlot, f.Slot).
			Int64(lPTS, f.PTS).
			Int("width", f.Info.Width).
			Int("height", f.Info.Height).
			Bool("keyframe", f.Info.Keyframe)

		if f.Err.Any() {
			e.Object("err", f.Err)
		}
	}

	if f.EOS {
		e.Bool("eos", true)
	}
}
