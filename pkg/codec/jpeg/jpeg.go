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

package jpeg

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/regprog"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

// DefaultSlotCount covers one picture decoding, one in flight and one being
// displayed.
const DefaultSlotCount = 3

// Parser finds the geometry of each image. JPEG has no references, so the
// parser lets go of every output as soon as it is handed to the HAL.
type Parser struct {
	env codec.ParserEnv
	log zerolog.Logger

	setup  bool
	width  int
	height int
}

var _ codec.Parser = (*Parser)(nil)

func NewParser() codec.Parser {
	return &Parser{}
}

func (p *Parser) Descriptor() codec.Descriptor {
	return codec.Descriptor{Name: "jpegd_parser", Coding: codec.CodingJPEG}
}

func (p *Parser) Init(env codec.ParserEnv) error {
	if env.Frames == nil {
		return errors.New("jpeg parser needs a frame slot table")
	}

	if env.SlotCount <= 0 {
		env.SlotCount = DefaultSlotCount
	}

	env.SlotCount = min(env.SlotCount, env.Frames.Capacity())

	p.env = env
	p.log = env.Logger.With().Str("parser", "jpeg").Logger()

	return nil
}

func (p *Parser) Deinit() error { return nil }

func (p *Parser) Parse(ctx context.Context, pkt codec.Packet, t *task.Task) error {
	f, err := ParseFrame(pkt.Data)
	if err != nil && !p.setup {
		p.log.Warn().Err(err).Int64("pts", pkt.PTS).Msg("dropping undecodable image")

		return codec.ErrNoPicture
	}

	if err != nil {
		p.log.Warn().Err(err).Int64("pts", pkt.PTS).Msg("corrupt image")

		t.ParseErr = true
		f = Frame{Width: p.width, Height: p.height}
	} else if err := p.applyGeometry(f.Width, f.Height); err != nil {
		return err
	}

	out, err := p.env.Frames.WaitUnused(ctx)
	if err != nil {
		return fmt.Errorf("jpeg output slot: %w", err)
	}

	t.Output = out

	if err := p.env.Frames.SetDecoding(out); err != nil {
		return err
	}

	if err := p.env.Frames.ClrFlag(out, slots.FlagCodecUse); err != nil {
		return err
	}

	t.Syntax = &f
	t.Valid = !t.ParseErr
	t.Info = task.Info{
		FrameInfo: slots.FrameInfo{Width: f.Width, Height: f.Height, Keyframe: true},
		PTS:       pkt.PTS,
		Show:      true,
		EOS:       pkt.EOS,
	}

	return nil
}

func (p *Parser) applyGeometry(width, height int) error {
	if p.setup && width == p.width && height == p.height {
		return nil
	}

	size, err := p.env.FrameSize(width, height)
	if err != nil {
		return fmt.Errorf("jpeg setup: %w", err)
	}

	if err := p.env.Frames.Setup(p.env.SlotCount, size, p.setup); err != nil {
		return fmt.Errorf("jpeg setup %dx%d: %w", width, height, err)
	}

	p.log.Info().Int("width", width).Int("height", height).Bool("changed", p.setup).Msg("image geometry")

	p.setup = true
	p.width = width
	p.height = height

	return nil
}

func (p *Parser) Reset() error { return nil }

func (p *Parser) Flush() error { return nil }

func (p *Parser) Control(cmd codec.Command, arg any) error {
	if cmd != codec.CmdGetGeometry {
		return fmt.Errorf("jpeg parser command %d: %w", cmd, codec.ErrUnsupportedCommand)
	}

	g, ok := arg.(*slots.Geometry)
	if !ok {
		return fmt.Errorf("geometry wants *slots.Geometry, got %T", arg)
	}

	*g = slots.Geometry{}
	if p.setup {
		*g = slots.Geometry{Count: p.env.SlotCount, Size: codec.FrameSize(p.width, p.height)}
	}

	return nil
}

// Codec tag and register layout of the reference JPEG program.
const (
	CodecTag uint32 = 3

	RegWidth       uint32 = 0x00
	RegHeight      uint32 = 0x04
	RegProgressive uint32 = 0x08
	RegComponents  uint32 = 0x0c
	RegScanOffset  uint32 = 0x10
	RegOutput      uint32 = 0x14
)

// HAL drives the device for JPEG tasks.
type HAL struct {
	env    codec.HALEnv
	runner *codec.Runner
	prog   []byte
}

var _ codec.HAL = (*HAL)(nil)

func NewHAL() codec.HAL {
	return &HAL{}
}

func (h *HAL) Descriptor() codec.Descriptor {
	return codec.Descriptor{Name: "jpegd_hal", Coding: codec.CodingJPEG}
}

func (h *HAL) Init(env codec.HALEnv) error {
	if env.Frames == nil || env.Device == nil {
		return errors.New("jpeg hal needs a frame slot table and a device")
	}

	env.Logger = env.Logger.With().Str("hal", "jpeg").Logger()
	h.env = env
	h.runner = codec.NewRunner(env)

	return nil
}

func (h *HAL) Deinit() error {
	if h.runner != nil {
		h.runner.Drop()
	}

	return nil
}

func (h *HAL) RegGen(_ context.Context, t *task.Task) error {
	f, ok := t.Syntax.(*Frame)
	if !ok {
		return fmt.Errorf("jpeg hal: unexpected syntax %T", t.Syntax)
	}

	var progressive uint32
	if f.Progressive {
		progressive = 1
	}

	//nolint:gosec // All values are bounded by 16 bits or the slot capacity.
	h.prog = regprog.New(CodecTag).
		Set(RegWidth, uint32(f.Width)).
		Set(RegHeight, uint32(f.Height)).
		Set(RegProgressive, progressive).
		Set(RegComponents, uint32(f.Components)).
		Set(RegScanOffset, uint32(f.ScanOffset)).
		Set(RegOutput, uint32(t.Output.Index)).
		Bytes()

	return nil
}

func (h *HAL) Start(ctx context.Context, t *task.Task) error {
	prog := h.prog
	h.prog = nil

	if prog == nil {
		return errors.New("jpeg hal: Start without RegGen")
	}

	return h.runner.Start(ctx, t, prog)
}

func (h *HAL) Wait(ctx context.Context, t *task.Task) error {
	return h.runner.Wait(ctx, t)
}

func (h *HAL) Reset() error {
	h.prog = nil
	h.runner.Drop()

	return nil
}

func (h *HAL) Flush() error {
	return h.Reset()
}

func (h *HAL) Control(cmd codec.Command, arg any) error {
	if cmd != codec.CmdSetSkipOnError {
		return fmt.Errorf("jpeg hal command %d: %w", cmd, codec.ErrUnsupportedCommand)
	}

	v, ok := arg.(bool)
	if !ok {
		return fmt.Errorf("skip on error wants bool, got %T", arg)
	}

	h.runner.SetSkipOnError(v)

	return nil
}
