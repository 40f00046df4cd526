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
	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

type counters struct {
	packets     uint64
	pictures    uint64
	dropped     uint64
	frames      uint64
	degraded    uint64
	infoChanges uint64
	eos         uint64
	flushes     uint64
	resets      uint64
	discarded   uint64
}

// Stats is a point-in-time view of a session.
type Stats struct {
	Coding  string
	Running bool

	Packets     uint64 // accepted by Put
	Pictures    uint64 // submitted to the HAL stage
	Dropped     uint64 // packets that produced no picture
	Frames      uint64 // pictures delivered
	Degraded    uint64 // delivered with error bits
	InfoChanges uint64
	EOS         uint64
	Flushes     uint64
	Resets      uint64
	Discarded   uint64 // queued tasks thrown away by Flush or Reset

	Tasks         task.Stats
	Geometry      slots.Geometry
	InfoChange    slots.InfoChangeState
	FramesInUse   int
	PacketsInUse  int
	FrameSlots    []slots.SlotState
	Scratch       buffer.PoolStats
	ScratchActive bool
}

// Stats collects counters from every layer of the session.
func (p *Pipeline) Stats() Stats {
	p.lock.Lock()
	c := p.stats
	p.lock.Unlock()

	state, applied, _ := p.frames.InfoChange()

	s := Stats{
		Coding:       p.coding.String(),
		Running:      p.Running(),
		Packets:      c.packets,
		Pictures:     c.pictures,
		Dropped:      c.dropped,
		Frames:       c.frames,
		Degraded:     c.degraded,
		InfoChanges:  c.infoChanges,
		EOS:          c.eos,
		Flushes:      c.flushes,
		Resets:       c.resets,
		Discarded:    c.discarded,
		Tasks:        p.queue.Stats(),
		Geometry:     applied,
		InfoChange:   state,
		FramesInUse:  p.frames.InUse(),
		PacketsInUse: p.packets.InUse(),
		FrameSlots:   p.frames.Snapshot(),
	}

	if p.scratch != nil {
		s.Scratch = p.scratch.Stats()
		s.ScratchActive = true
	}

	return s
}

func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Str(lCoding, s.Coding).
		Bool("running", s.Running).
		Uint64("packets", s.Packets).
		Uint64("pictures", s.Pictures).
		Uint64("dropped", s.Dropped).
		Uint64("frames", s.Frames).
		Uint64("degraded", s.Degraded).
		Uint64("infoChanges", s.InfoChanges).
		Int("framesInUse", s.FramesInUse).
		Object("tasks", s.Tasks)
}
