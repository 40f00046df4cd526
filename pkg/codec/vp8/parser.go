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
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

const (
	lHeight = "height"
	lWidth  = "width"
	lPTS    = "pts"
)

// DefaultSlotCount is used when the pipeline does not say how many frame
// slots to request: the two reference pictures and two pictures in flight.
const DefaultSlotCount = 4

// Syntax is the decode syntax a VP8 task carries to the HAL.
type Syntax struct {
	Header

	// Width and Height of the stream, carried on inter frames too.
	Width  int
	Height int
}

// Parser tracks the last and golden reference pictures. It keeps
// FlagCodecUse on each picture while it is a reference.
type Parser struct {
	env       codec.ParserEnv
	log       zerolog.Logger
	immediate bool

	setup  bool
	width  int
	height int

	last   slots.Handle
	golden slots.Handle
}

var _ codec.Parser = (*Parser)(nil)

// NewParser returns an uninitialized VP8 parser.
func NewParser() codec.Parser {
	return &Parser{}
}

func (p *Parser) Descriptor() codec.Descriptor {
	return codec.Descriptor{
		Name:        "vp8d_parser",
		Coding:      codec.CodingVP8,
		ContextSize: int(unsafe.Sizeof(Parser{})),
	}
}

func (p *Parser) Init(env codec.ParserEnv) error {
	if env.Frames == nil {
		return errors.New("vp8 parser needs a frame slot table")
	}

	if env.SlotCount <= 0 {
		env.SlotCount = DefaultSlotCount
	}

	if env.SlotCount > env.Frames.Capacity() {
		env.SlotCount = env.Frames.Capacity()
	}

	p.env = env
	p.log = env.Logger.With().Str("parser", "vp8").Logger()

	return nil
}

func (p *Parser) Deinit() error {
	p.dropRefs()

	return nil
}

// Parse handles one VP8 frame.
func (p *Parser) Parse(ctx context.Context, pkt codec.Packet, t *task.Task) error {
	hdr, err := ParseHeader(pkt.Data)
	if err != nil {
		if !p.setup {
			p.log.Warn().Err(err).Int64(lPTS, pkt.PTS).Msg("dropping undecodable frame before first key frame")

			return codec.ErrNoPicture
		}

		p.log.Warn().Err(err).Int64(lPTS, pkt.PTS).Msg("corrupt frame header")

		return p.emitBroken(ctx, pkt, t)
	}

	if !hdr.Keyframe && !p.last.Valid() {
		p.log.Warn().Int64(lPTS, pkt.PTS).Msg("inter frame without reference, waiting for key frame")

		return codec.ErrNoPicture
	}

	if hdr.Keyframe {
		if err := p.applyGeometry(hdr.Width, hdr.Height); err != nil {
			return err
		}
	}

	out, err := p.env.Frames.WaitUnused(ctx)
	if err != nil {
		return fmt.Errorf("vp8 output slot: %w", err)
	}

	t.Output = out

	if !hdr.Keyframe {
		for _, ref := range p.refs() {
			if err := p.env.Frames.SetRef(ref); err != nil {
				return fmt.Errorf("vp8 reference %s: %w", ref, err)
			}

			if err := t.AddRef(ref); err != nil {
				_ = p.env.Frames.ClrRef(ref)

				return err
			}
		}
	}

	if err := p.env.Frames.SetDecoding(out); err != nil {
		return fmt.Errorf("vp8 output %s: %w", out, err)
	}

	t.Syntax = &Syntax{Header: hdr, Width: p.width, Height: p.height}
	t.Valid = true
	t.Info = task.Info{
		FrameInfo: slots.FrameInfo{Width: p.width, Height: p.height, Keyframe: hdr.Keyframe},
		PTS:       pkt.PTS,
		Show:      hdr.Show || p.immediate,
		EOS:       pkt.EOS,
	}

	if hdr.Keyframe {
		p.dropRefs()
		p.golden = out
	} else if p.last != p.golden {
		p.release(p.last)
	}

	p.last = out

	return nil
}

// refs returns the distinct reference pictures an inter frame predicts from.
func (p *Parser) refs() []slots.Handle {
	refs := []slots.Handle{p.last}
	if p.golden.Valid() && p.golden != p.last {
		refs = append(refs, p.golden)
	}

	return refs
}

// emitBroken produces a picture flagged with a parse error so the consumer
// still sees one output per input. It is never used as a reference.
func (p *Parser) emitBroken(ctx context.Context, pkt codec.Packet, t *task.Task) error {
	out, err := p.env.Frames.WaitUnused(ctx)
	if err != nil {
		return fmt.Errorf("vp8 output slot: %w", err)
	}

	t.Output = out

	if err := p.env.Frames.SetDecoding(out); err != nil {
		return err
	}

	if err := p.env.Frames.ClrFlag(out, slots.FlagCodecUse); err != nil {
		return err
	}

	t.Syntax = &Syntax{Width: p.width, Height: p.height}
	t.ParseErr = true
	t.Info = task.Info{
		FrameInfo: slots.FrameInfo{Width: p.width, Height: p.height},
		PTS:       pkt.PTS,
		Show:      true,
		EOS:       pkt.EOS,
	}

	return nil
}

// applyGeometry announces the stream size to the slot table. A change of
// size drops both references first so the old pictures can drain.
func (p *Parser) applyGeometry(width, height int) error {
	if p.setup && width == p.width && height == p.height {
		return nil
	}

	size, err := p.env.FrameSize(width, height)
	if err != nil {
		return fmt.Errorf("vp8 setup: %w", err)
	}

	changed := p.setup
	if changed {
		p.dropRefs()
	}

	if err := p.env.Frames.Setup(p.env.SlotCount, size, changed); err != nil {
		return fmt.Errorf("vp8 setup %dx%d: %w", width, height, err)
	}

	p.log.Info().Int(lWidth, width).Int(lHeight, height).Bool("changed", changed).Msg("stream geometry")

	p.setup = true
	p.width = width
	p.height = height

	return nil
}

func (p *Parser) release(h slots.Handle) {
	if !h.Valid() {
		return
	}

	if err := p.env.Frames.ClrFlag(h, slots.FlagCodecUse); err != nil {
		p.log.Error().Err(err).Object("slot", h).Msg("failed to release reference picture")
	}
}

func (p *Parser) dropRefs() {
	p.release(p.last)

	if p.golden != p.last {
		p.release(p.golden)
	}

	p.last = slots.Handle{}
	p.golden = slots.Handle{}
}

// Reset drops the reference pictures. The next inter frame is discarded
// until a key frame arrives.
func (p *Parser) Reset() error {
	p.dropRefs()

	return nil
}

// Flush is Reset for VP8: there is no reordering to drain.
func (p *Parser) Flush() error {
	p.dropRefs()

	return nil
}

func (p *Parser) Control(cmd codec.Command, arg any) error {
	switch cmd {
	case codec.CmdSetImmediateOut:
		v, ok := arg.(bool)
		if !ok {
			return fmt.Errorf("immediate out wants bool, got %T", arg)
		}

		p.immediate = v

		return nil

	case codec.CmdGetGeometry:
		g, ok := arg.(*slots.Geometry)
		if !ok {
			return fmt.Errorf("geometry wants *slots.Geometry, got %T", arg)
		}

		*g = slots.Geometry{}
		if p.setup {
			*g = slots.Geometry{Count: p.env.SlotCount, Size: codec.FrameSize(p.width, p.height)}
		}

		return nil

	case codec.CmdSetSkipOnError:
	}

	return fmt.Errorf("vp8 parser command %d: %w", cmd, codec.ErrUnsupportedCommand)
}
