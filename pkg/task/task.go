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

// Package task implements the bounded parser to HAL task handoff.
package task

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/slots"
)

const (
	lCount   = "count"
	lGen     = "gen"
	lOutput  = "output"
	lRefs    = "refs"
	lState   = "state"
	lTaskIdx = "task"
)

// MaxRefs bounds how many reference pictures one task may name.
const MaxRefs = 16

var (
	// ErrQueueFull means every task record is queued or in flight. Back off
	// and let the HAL stage drain.
	ErrQueueFull = errors.New("task queue full")
	// ErrStaleTask is a handle to a task record that has since been recycled.
	ErrStaleTask = errors.New("stale task handle")
	// ErrBadState is an operation on a task in the wrong state, e.g. Submit
	// of a task that is already queued.
	ErrBadState = errors.New("task in wrong state")
	// ErrTooManyRefs is an AddRef beyond MaxRefs.
	ErrTooManyRefs = errors.New("too many reference pictures")
	// ErrInvalidCount is a queue built with no task records.
	ErrInvalidCount = errors.New("invalid task count")
	// ErrClosed is any blocking operation on a closed queue.
	ErrClosed = errors.New("task queue closed")
)

// State is the life cycle state of one task record.
type State int

const (
	StateFree State = iota
	// StateFilling: the parser owns the task and is writing syntax into it.
	StateFilling
	// StateQueued: submitted and visible to the HAL stage.
	StateQueued
	// StateInFlight: the HAL stage owns the task.
	StateInFlight
	// StateCompleting: slot state is being released; the record is not
	// reusable yet.
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateFilling:
		return "filling"
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "inflight"
	case StateCompleting:
		return "completing"
	}

	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Handle names one use of one task record.
type Handle struct {
	Index int
	Gen   uint32
}

func (h Handle) String() string {
	return strconv.Itoa(h.Index) + "#" + strconv.FormatUint(uint64(h.Gen), 10)
}

func (h Handle) MarshalZerologObject(e *zerolog.Event) {
	e.Int(lTaskIdx, h.Index).Uint32(lGen, h.Gen)
}

// Info is the per-picture metadata the parser hands to the HAL stage.
type Info struct {
	slots.FrameInfo

	PTS int64
	// Show is false for pictures decoded only to be referenced.
	Show bool
	// EOS marks the last picture of the stream.
	EOS bool
}

// Task is one picture in flight between the parser and the HAL stage. It
// borrows slots by handle and never owns a buffer.
type Task struct {
	// Input is the stream slot holding the compressed data, if the codec
	// reads it from a slot.
	Input *slots.Handle
	// Output is the frame slot being decoded into.
	Output slots.Handle
	// Refs are frame slots this picture predicts from. Each one carries a
	// SetRef taken by the parser and dropped at completion.
	Refs []slots.Handle

	// Syntax is the codec specific decode syntax. Only the parser and HAL of
	// the same codec interpret it.
	Syntax any
	Info   Info

	Valid     bool
	ParseErr  bool
	RefErr    bool
	HWTimeout bool
	// HWError is any other device failure: the job could not be submitted
	// or the device reported it failed.
	HWError bool
}

// AddRef appends a reference picture. The caller must already hold the
// slot reference.
func (t *Task) AddRef(h slots.Handle) error {
	if len(t.Refs) >= MaxRefs {
		return fmt.Errorf("ref %s: %w", h, ErrTooManyRefs)
	}

	t.Refs = append(t.Refs, h)

	return nil
}

// Degraded reports whether the picture carries any error.
func (t *Task) Degraded() bool {
	return t.ParseErr || t.RefErr || t.HWTimeout || t.HWError
}

func (t *Task) clear() {
	refs := t.Refs[:0]
	*t = Task{Refs: refs}
}

func (t *Task) MarshalZerologObject(e *zerolog.Event) {
	e.Object(lOutput, t.Output).
		Int(lRefs, len(t.Refs)).
		Int64("pts", t.Info.PTS).
		Bool("valid", t.Valid).
		Bool("parseErr", t.ParseErr).
		Bool("refErr", t.RefErr).
		Bool("hwTimeout", t.HWTimeout).
		Bool("hwError", t.HWError)

	if t.Input != nil {
		e.Object("input", *t.Input)
	}
}

// Stats counts task records by state, plus lifetime totals.
type Stats struct {
	Count      int
	Free       int
	Filling    int
	Queued     int
	InFlight   int
	Completing int

	Submitted uint64
	Completed uint64
	Flushed   uint64
	Canceled  uint64
}

func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int(lCount, s.Count).
		Int("free", s.Free).
		Int("queued", s.Queued).
		Int("inflight", s.InFlight).
		Uint64("submitted", s.Submitted).
		Uint64("completed", s.Completed).
		Uint64("flushed", s.Flushed)
}
