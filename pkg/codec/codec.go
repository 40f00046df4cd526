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

// Package codec defines the contract every codec specific parser and HAL
// stage implements, and the registry the pipeline selects them from.
package codec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

var (
	// ErrUnsupportedCoding is a coding type with no registered stages.
	ErrUnsupportedCoding = errors.New("unsupported coding type")
	// ErrDuplicateCoding is a second registration of a coding type.
	ErrDuplicateCoding = errors.New("coding type already registered")
	// ErrUnsupportedCommand is a Control command the stage does not handle.
	ErrUnsupportedCommand = errors.New("unsupported control command")
	// ErrNoPicture is returned by Parse for a packet that completes no
	// picture, such as a header only packet. The task is abandoned.
	ErrNoPicture = errors.New("packet carries no picture")
	// ErrFrameTooLarge is a stream whose pictures exceed the session's
	// frame size limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// CodingType is a compressed video format.
type CodingType int

const (
	CodingUnknown CodingType = iota
	CodingH264
	CodingH265
	CodingJPEG
	CodingMPEG4
	CodingVP8
)

var codingNames = map[CodingType]string{
	CodingUnknown: "unknown",
	CodingH264:    "h264",
	CodingH265:    "h265",
	CodingJPEG:    "jpeg",
	CodingMPEG4:   "mpeg4",
	CodingVP8:     "vp8",
}

func (c CodingType) String() string {
	if n, ok := codingNames[c]; ok {
		return n
	}

	return "coding(" + strconv.Itoa(int(c)) + ")"
}

// ParseCoding maps a name like "vp8" or "H264" to its CodingType.
func ParseCoding(s string) (CodingType, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for c, n := range codingNames {
		if c != CodingUnknown && n == s {
			return c, nil
		}
	}

	return CodingUnknown, errors.New("unknown coding [" + s + "]")
}

// Descriptor names a stage implementation.
type Descriptor struct {
	Name   string
	Coding CodingType
	// ContextSize is the size of the stage's private state, reported for
	// accounting only.
	ContextSize int
}

func (d Descriptor) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", d.Name).Str("coding", d.Coding.String()).Int("contextSize", d.ContextSize)
}

// Command is a stage control request.
type Command int

const (
	// CmdGetGeometry asks the parser for the current stream geometry; arg is
	// a *slots.Geometry to fill.
	CmdGetGeometry Command = iota + 1
	// CmdSetSkipOnError tells the HAL whether to skip the device for
	// pictures that already carry an error; arg is a bool.
	CmdSetSkipOnError
	// CmdSetImmediateOut tells the parser to mark every picture shown; arg is
	// a bool.
	CmdSetImmediateOut
)

// Packet is one unit of compressed input.
type Packet struct {
	Data []byte
	PTS  int64
	// EOS marks the end of the stream. Data may be empty.
	EOS bool
}

// ParserEnv is what the pipeline gives a parser at Init.
type ParserEnv struct {
	Frames *slots.Table
	// SlotCount is how many frame slots the parser should ask for in Setup.
	SlotCount int
	// MaxFrameSize caps the buffer size a stream may ask for. Zero means no
	// limit.
	MaxFrameSize int
	Logger       zerolog.Logger
}

// FrameSize returns the buffer size for width x height, or ErrFrameTooLarge
// if it is over the limit.
func (e ParserEnv) FrameSize(width, height int) (int, error) {
	size := FrameSize(width, height)
	if e.MaxFrameSize > 0 && size > e.MaxFrameSize {
		return 0, fmt.Errorf("%dx%d needs %d bytes, limit %d: %w", width, height, size, e.MaxFrameSize, ErrFrameTooLarge)
	}

	return size, nil
}

// Parser turns packets into decode syntax. Parse runs on the parser
// goroutine only. It must call Frames.Setup before claiming an output slot,
// fill t.Output and t.Refs (taking a SetRef on each reference), mark the
// output with SetDecoding, and release its own hold on pictures of the old
// geometry before announcing a changed one. CodecUse on the output is the
// parser's to keep while the picture stays in its reference set. A
// bitstream error sets t.ParseErr and returns nil.
type Parser interface {
	Descriptor() Descriptor
	Init(env ParserEnv) error
	Deinit() error
	Parse(ctx context.Context, pkt Packet, t *task.Task) error
	Reset() error
	Flush() error
	Control(cmd Command, arg any) error
}

// HALEnv is what the pipeline gives a HAL at Init.
type HALEnv struct {
	Frames  *slots.Table
	Packets *slots.Table
	Device  device.Device
	// Scratch supplies per job working memory. May be nil.
	Scratch *buffer.Pool
	// Timeout bounds each device wait.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// HAL turns syntax into a register program and drives the device. All
// methods but Control run on the HAL goroutine only. Control comes from the
// parser goroutine and must be safe against a running Start or Wait.
type HAL interface {
	Descriptor() Descriptor
	Init(env HALEnv) error
	Deinit() error
	RegGen(ctx context.Context, t *task.Task) error
	Start(ctx context.Context, t *task.Task) error
	// Wait blocks until the device finishes t. A device timeout sets
	// t.HWTimeout and a failed job sets t.HWError; neither is returned as an
	// error.
	Wait(ctx context.Context, t *task.Task) error
	Reset() error
	Flush() error
	Control(cmd Command, arg any) error
}

// FrameSize is the NV12 buffer size for a picture, with both dimensions
// padded to whole macroblocks.
func FrameSize(width, height int) int {
	w := (width + 15) &^ 15
	h := (height + 15) &^ 15

	return w * h * 3 / 2
}
