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

package slots

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	lCount   = "count"
	lFlags   = "flags"
	lGen     = "gen"
	lIndex   = "slot"
	lPTS     = "pts"
	lRefs    = "refs"
	lSize    = "size"
	lState   = "infoChange"
	lTable   = "table"
	lBufSize = "bufSize"
)

// MaxCapacity bounds the number of slots a table may hold.
const MaxCapacity = 64

var (
	// ErrNoFreeSlot means every slot is busy. Retry after a completion.
	ErrNoFreeSlot = errors.New("no free slot")
	// ErrNoMemory means the table itself could not be allocated.
	ErrNoMemory = errors.New("slot table allocation failed")
	// ErrInvalidArgument is a bad Setup count or size.
	ErrInvalidArgument = errors.New("invalid slot table argument")
	// ErrInvalidIndex is a handle whose index is outside the table.
	ErrInvalidIndex = errors.New("invalid slot index")
	// ErrRefUnderflow is a ClrRef on a slot that has no references.
	ErrRefUnderflow = errors.New("slot reference count underflow")
	// ErrStaleHandle is a handle from a previous occupant of the slot.
	ErrStaleHandle = errors.New("stale slot handle")
	// ErrNoInfoChange is a Ready with no info change pending.
	ErrNoInfoChange = errors.New("no info change pending")
	// ErrCommitting is a Setup racing a Ready commit. Retry.
	ErrCommitting = errors.New("info change commit in progress")
	// ErrClosed is any operation on a closed table.
	ErrClosed = errors.New("slot table closed")
)

// IndexError reports an out-of-range slot index.
type IndexError struct {
	Index    int
	Capacity int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("slot index %d out of range [0,%d)", e.Index, e.Capacity)
}

func (e *IndexError) Unwrap() error {
	return ErrInvalidIndex
}

// Flag is one role facet of a slot. Facets are independent; a slot may hold
// any combination of them at once.
type Flag uint8

const (
	// FlagCodecUse: the parser owns the picture, either while decoding into
	// it or while keeping it in its picture buffer.
	FlagCodecUse Flag = 1 << iota
	// FlagHALOutput: the HAL stage is writing, or has written, the buffer.
	FlagHALOutput
	// FlagHALInput: the HAL stage is reading the buffer (stream slots).
	FlagHALInput
	// FlagDisplayPending: decoded and waiting for the output consumer.
	FlagDisplayPending
)

var flagNames = []struct {
	f    Flag
	name string
}{
	{FlagCodecUse, "codec"},
	{FlagHALOutput, "hal_out"},
	{FlagHALInput, "hal_in"},
	{FlagDisplayPending, "display"},
}

func (f Flag) String() string {
	if f == 0 {
		return "none"
	}

	names := make([]string, 0, len(flagNames))

	for _, fn := range flagNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}

	return strings.Join(names, "|")
}

// Handle names one occupancy of one slot. A handle stops being valid as soon
// as the slot is recycled, and every table operation checks that.
type Handle struct {
	Index int
	Gen   uint32
}

// Valid reports whether h was ever issued. Generation 0 never is.
func (h Handle) Valid() bool {
	return h.Gen != 0
}

func (h Handle) String() string {
	return strconv.Itoa(h.Index) + "#" + strconv.FormatUint(uint64(h.Gen), 10)
}

func (h Handle) MarshalZerologObject(e *zerolog.Event) {
	e.Int(lIndex, h.Index).Uint32(lGen, h.Gen)
}

// ErrInfo is the error metadata carried by a decoded picture. A picture with
// error bits set is still delivered; the consumer decides what to do.
type ErrInfo struct {
	ParseErr  bool
	RefErr    bool
	HWTimeout bool
	HWError   bool // the device rejected or failed the job
	Discarded bool // flushed before the hardware ran
}

// Any reports whether any error bit is set.
func (e ErrInfo) Any() bool {
	return e.ParseErr || e.RefErr || e.HWTimeout || e.HWError || e.Discarded
}

func (e ErrInfo) merge(o ErrInfo) ErrInfo {
	return ErrInfo{
		ParseErr:  e.ParseErr || o.ParseErr,
		RefErr:    e.RefErr || o.RefErr,
		HWTimeout: e.HWTimeout || o.HWTimeout,
		HWError:   e.HWError || o.HWError,
		Discarded: e.Discarded || o.Discarded,
	}
}

func (e ErrInfo) MarshalZerologObject(ev *zerolog.Event) {
	ev.Bool("parseErr", e.ParseErr).
		Bool("refErr", e.RefErr).
		Bool("hwTimeout", e.HWTimeout).
		Bool("hwError", e.HWError).
		Bool("discarded", e.Discarded)
}

// FrameInfo describes the picture held in a slot.
type FrameInfo struct {
	Width    int
	Height   int
	Keyframe bool
}

// Geometry is what Setup negotiates: how many slots are usable and how large
// each slot's buffer must be.
type Geometry struct {
	Count int
	Size  int
}

// InfoChangeState is the state of the geometry negotiation.
type InfoChangeState int

const (
	// StateApplied: the current geometry is in force.
	StateApplied InfoChangeState = iota
	// StatePending: a new geometry was announced and waits for Ready.
	StatePending
	// StateCommitting: Ready is retiring buffers of the old geometry.
	StateCommitting
)

func (s InfoChangeState) String() string {
	switch s {
	case StateApplied:
		return "applied"
	case StatePending:
		return "pending"
	case StateCommitting:
		return "committing"
	}

	return "state(" + strconv.Itoa(int(s)) + ")"
}

// SlotState is a snapshot of one slot, for stats and logging.
type SlotState struct {
	Index   int
	Gen     uint32
	InUse   bool
	Flags   Flag
	Refs    int
	PTS     int64
	BufSize int
	Err     ErrInfo
}

func (s SlotState) MarshalZerologObject(e *zerolog.Event) {
	e.Int(lIndex, s.Index).
		Uint32(lGen, s.Gen).
		Str(lFlags, s.Flags.String()).
		Int(lRefs, s.Refs).
		Int64(lPTS, s.PTS).
		Int(lBufSize, s.BufSize)
}
