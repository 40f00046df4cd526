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

	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/regprog"
	"github.com/TurbineOne/hwdec/pkg/task"
)

// Codec tag and register layout of the reference VP8 program.
const (
	CodecTag uint32 = 8

	RegWidth     uint32 = 0x00
	RegHeight    uint32 = 0x04
	RegKeyframe  uint32 = 0x08
	RegFirstPart uint32 = 0x0c
	RegOutput    uint32 = 0x10
	RegRefCount  uint32 = 0x14
	RegRefBase   uint32 = 0x20
)

// HAL drives the device for VP8 tasks.
type HAL struct {
	env    codec.HALEnv
	runner *codec.Runner
	prog   []byte
}

var _ codec.HAL = (*HAL)(nil)

// NewHAL returns an uninitialized VP8 HAL.
func NewHAL() codec.HAL {
	return &HAL{}
}

func (h *HAL) Descriptor() codec.Descriptor {
	return codec.Descriptor{Name: "vp8d_hal", Coding: codec.CodingVP8, ContextSize: 0}
}

func (h *HAL) Init(env codec.HALEnv) error {
	if env.Frames == nil || env.Device == nil {
		return errors.New("vp8 hal needs a frame slot table and a device")
	}

	env.Logger = env.Logger.With().Str("hal", "vp8").Logger()
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

func b2u(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// RegGen builds the register program for t.
func (h *HAL) RegGen(_ context.Context, t *task.Task) error {
	syn, ok := t.Syntax.(*Syntax)
	if !ok {
		return fmt.Errorf("vp8 hal: unexpected syntax %T", t.Syntax)
	}

	p := regprog.New(CodecTag).
		Set(RegWidth, uint32(syn.Width)).   //nolint:gosec // Bounded by 14 bits.
		Set(RegHeight, uint32(syn.Height)). //nolint:gosec // Bounded by 14 bits.
		Set(RegKeyframe, b2u(syn.Keyframe)).
		Set(RegFirstPart, uint32(syn.FirstPartSize)). //nolint:gosec // Bounded by 19 bits.
		Set(RegOutput, uint32(t.Output.Index)).       //nolint:gosec // Bounded by slot capacity.
		Set(RegRefCount, uint32(len(t.Refs)))         //nolint:gosec // Bounded by task.MaxRefs.

	for i, ref := range t.Refs {
		p.Set(RegRefBase+uint32(4*i), uint32(ref.Index)) //nolint:gosec // Bounded by slot capacity.
	}

	h.prog = p.Bytes()

	return nil
}

func (h *HAL) Start(ctx context.Context, t *task.Task) error {
	prog := h.prog
	h.prog = nil

	if prog == nil {
		return errors.New("vp8 hal: Start without RegGen")
	}

	return h.runner.Start(ctx, t, prog)
}

func (h *HAL) Wait(ctx context.Context, t *task.Task) error {
	return h.runner.Wait(ctx, t)
}

func (h *HAL) Reset() error {
	h.prog = nil

	if n := h.runner.Drop(); n > 0 {
		h.env.Logger.Debug().Int("jobs", n).Msg("dropped outstanding jobs on reset")
	}

	return nil
}

func (h *HAL) Flush() error {
	h.prog = nil
	h.runner.Drop()

	return nil
}

func (h *HAL) Control(cmd codec.Command, arg any) error {
	if cmd != codec.CmdSetSkipOnError {
		return fmt.Errorf("vp8 hal command %d: %w", cmd, codec.ErrUnsupportedCommand)
	}

	v, ok := arg.(bool)
	if !ok {
		return fmt.Errorf("skip on error wants bool, got %T", arg)
	}

	h.runner.SetSkipOnError(v)

	return nil
}
