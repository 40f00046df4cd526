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
	"context"
	"errors"
	"fmt"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

// parserLoop owns the parser. Control requests are served between packets.
func (p *Pipeline) parserLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-p.ctrlC:
			err := p.serve(ctx, req)
			req.doneC <- err

			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

		case pkt := <-p.packetC:
			if err := p.decode(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// decode runs one packet through the parser and submits the task. Only
// cancellation and a closed queue are returned; anything else drops or
// degrades the picture.
func (p *Pipeline) decode(ctx context.Context, pkt codec.Packet) error {
	if len(pkt.Data) == 0 {
		if pkt.EOS {
			return p.endOfStream(ctx)
		}

		return nil
	}

	h, err := p.queue.AcquireWait(ctx)
	if err != nil {
		return err
	}

	t, err := p.queue.Task(h)
	if err != nil {
		return err
	}

	if err := p.attachInput(ctx, t, pkt.Data); err != nil {
		p.cancel(h, "input", err)

		return ctxErr(ctx, err)
	}

	err = p.parser.Parse(ctx, pkt, t)

	switch {
	case err == nil:
	case errors.Is(err, codec.ErrNoPicture):
		p.cancel(h, "", nil)

		if pkt.EOS {
			return p.endOfStream(ctx)
		}

		return nil
	default:
		p.cancel(h, "parse", err)

		return ctxErr(ctx, err)
	}

	if p.frames.IsChanged() {
		if err := p.commitInfoChange(ctx, t.Output); err != nil {
			// The parser may already keep the output as a reference. It lets
			// go of it before the task does, or it is left with a handle to a
			// reclaimed slot.
			if ferr := p.parser.Flush(); ferr != nil {
				p.log.Warn().Err(ferr).Msg("parser flush failed")
			}

			p.cancel(h, "info change", err)

			return ctxErr(ctx, err)
		}
	}

	if err := p.attachOutput(t); err != nil {
		// Without memory the picture goes out degraded.
		p.log.Warn().Err(err).Object(lSlot, t.Output).Msg("no output buffer")

		t.ParseErr = true
	}

	_ = p.frames.SetPTS(t.Output, t.Info.PTS)
	_ = p.frames.SetFrameInfo(t.Output, t.Info.FrameInfo)

	p.lock.Lock()
	p.stats.pictures++
	p.lock.Unlock()

	return p.queue.Submit(h)
}

// ctxErr returns ctx.Err() if the failure was caused by cancellation.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, task.ErrClosed) || errors.Is(err, slots.ErrClosed) {
		return task.ErrClosed
	}

	return nil
}

func (p *Pipeline) cancel(h task.Handle, what string, err error) {
	if cerr := p.queue.Cancel(h); cerr != nil {
		p.log.Warn().Err(cerr).Object(lTask, h).Msg("task cancel failed")
	}

	p.lock.Lock()
	p.stats.dropped++
	p.lock.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Str(lOp, what).Msg("packet dropped")
	}
}

// attachInput copies data into a stream slot and hands it to the HAL.
func (p *Pipeline) attachInput(ctx context.Context, t *task.Task, data []byte) error {
	in, err := p.packets.WaitUnused(ctx)
	if err != nil {
		return err
	}

	b, err := p.packets.GetBuffer(in)
	if err == nil && b != nil && b.Size() < len(data) {
		_ = b.DecRef()
		b = nil
		err = p.packets.DropBuffer(in)
	}

	if err == nil && b == nil {
		b, err = p.newInputBuffer(in, len(data))
	}

	if err != nil {
		_ = p.packets.ClrFlag(in, slots.FlagCodecUse)

		return err
	}

	copy(b.Bytes(), data)
	clear(b.Bytes()[len(data):])
	_ = b.DecRef()

	// HALInput goes on before CodecUse comes off, or the slot is reclaimed.
	if err := p.packets.SetFlag(in, slots.FlagHALInput); err != nil {
		return err
	}

	_ = p.packets.ClrFlag(in, slots.FlagCodecUse)
	t.Input = &in

	return nil
}

// newInputBuffer attaches a fresh stream buffer. Oversized packets get a
// buffer of their own size, which is dropped when the slot is reclaimed.
func (p *Pipeline) newInputBuffer(in slots.Handle, size int) (*buffer.Buffer, error) {
	nb, err := p.alloc.Alloc(max(size, p.config.StreamBufferSize))
	if err != nil {
		return nil, err
	}

	defer nb.DecRef() //nolint:errcheck // The slot holds its own reference.

	return p.packets.SetBuffer(in, nb)
}

// attachOutput makes sure the output slot has a frame buffer of the applied
// size.
func (p *Pipeline) attachOutput(t *task.Task) error {
	b, err := p.frames.GetBuffer(t.Output)
	if err != nil {
		return err
	}

	if b != nil {
		return b.DecRef()
	}

	nb, err := p.alloc.Alloc(p.frames.BufferSize())
	if err != nil {
		return err
	}

	defer nb.DecRef() //nolint:errcheck // The slot holds its own reference.

	b, err = p.frames.SetBuffer(t.Output, nb)
	if err != nil {
		return err
	}

	return b.DecRef()
}

// commitInfoChange waits until nothing but the announcing picture touches
// the old geometry, commits the change and tells the consumer.
func (p *Pipeline) commitInfoChange(ctx context.Context, announcing slots.Handle) error {
	if err := p.queue.WaitIdle(ctx); err != nil {
		return err
	}

	if err := p.frames.WaitDrained(ctx, announcing); err != nil {
		return err
	}

	if err := p.frames.Ready(); err != nil {
		return err
	}

	return p.emit(ctx, &Frame{InfoChange: true, Geometry: p.frames.Size()})
}

// endOfStream waits for every submitted picture to come out, then emits the
// EOS marker.
func (p *Pipeline) endOfStream(ctx context.Context) error {
	if err := p.queue.WaitIdle(ctx); err != nil {
		return err
	}

	p.lock.Lock()
	p.stats.eos++
	p.lock.Unlock()

	return p.emit(ctx, &Frame{EOS: true})
}

// serve runs a control request on the parser goroutine.
func (p *Pipeline) serve(ctx context.Context, req ctrlReq) error {
	l := p.log.With().Str(lOp, req.op.String()).Logger()

	switch req.op {
	case opFlush:
		if err := p.parser.Flush(); err != nil {
			l.Warn().Err(err).Msg("parser flush failed")
		}

		n := p.queue.Flush()

		if err := p.queue.WaitIdle(ctx); err != nil {
			return err
		}

		if err := p.hal.Flush(); err != nil {
			l.Warn().Err(err).Msg("hal flush failed")
		}

		p.lock.Lock()
		p.stats.flushes++
		p.stats.discarded += uint64(n)
		p.lock.Unlock()

		l.Info().Int(lCount, n).Msg("pipeline flushed")

		return nil

	case opReset:
		if err := p.parser.Reset(); err != nil {
			l.Warn().Err(err).Msg("parser reset failed")
		}

		n, err := p.queue.Reset(ctx)
		if err != nil {
			return err
		}

		if p.scratch != nil {
			p.scratch.Reset()
		}

		if err := p.hal.Reset(); err != nil {
			l.Warn().Err(err).Msg("hal reset failed")
		}

		p.lock.Lock()
		p.stats.resets++
		p.stats.discarded += uint64(n)
		p.lock.Unlock()

		l.Info().Int(lCount, n).Msg("pipeline reset")

		return nil

	case opControl:
		err := p.parser.Control(req.cmd, req.arg)
		if errors.Is(err, codec.ErrUnsupportedCommand) {
			err = p.hal.Control(req.cmd, req.arg)
		}

		return err

	default:
		return fmt.Errorf("control op %d: %w", req.op, codec.ErrUnsupportedCommand)
	}
}

// halLoop owns the HAL.
func (p *Pipeline) halLoop(ctx context.Context) error {
	for {
		h, err := p.queue.Take(ctx)
		if err != nil {
			return err
		}

		if err := p.run(ctx, h); err != nil {
			return err
		}
	}
}

// run drives one task through the HAL and delivers its picture. Errors from
// the HAL degrade the picture; only cancellation stops the loop.
func (p *Pipeline) run(ctx context.Context, h task.Handle) error {
	t, err := p.queue.Task(h)
	if err != nil {
		return err
	}

	for _, ref := range t.Refs {
		if e, err := p.frames.GetErrInfo(ref); err == nil && e.Any() {
			t.RefErr = true
		}
	}

	l := p.log.With().Object(lTask, h).Logger()

	switch err := p.hal.RegGen(ctx, t); {
	case err != nil:
		l.Warn().Err(err).Msg("register generation failed")

		t.ParseErr = true
	default:
		if err := p.hal.Start(ctx, t); err != nil {
			if ctx.Err() != nil {
				return p.abandon(ctx, h, t)
			}

			l.Warn().Err(err).Msg("hal start failed")

			t.HWError = true

			break
		}

		if err := p.hal.Wait(ctx, t); err != nil {
			if ctx.Err() != nil {
				return p.abandon(ctx, h, t)
			}

			l.Warn().Err(err).Msg("hal wait failed")

			if errors.Is(err, device.ErrHardwareTimeout) {
				t.HWTimeout = true
			} else {
				t.HWError = true
			}
		}
	}

	var f *Frame

	switch {
	case t.Info.Show:
		f = p.picture(t)
	case t.Info.EOS:
		f = &Frame{EOS: true}
	}

	var emitErr error
	if f != nil {
		emitErr = p.emit(ctx, f)
	}

	if err := p.queue.Complete(h, t.ParseErr, t.RefErr); err != nil {
		l.Warn().Err(err).Msg("task complete failed")
	}

	return emitErr
}

// abandon completes a task whose HAL work was cut short by cancellation.
func (p *Pipeline) abandon(ctx context.Context, h task.Handle, t *task.Task) error {
	_ = p.queue.Complete(h, t.ParseErr, t.RefErr)

	return ctx.Err()
}

// picture builds the output frame for t and marks it pending display. Must
// run before the task completes, while the output is still held.
func (p *Pipeline) picture(t *task.Task) *Frame {
	e := slots.ErrInfo{ParseErr: t.ParseErr, RefErr: t.RefErr, HWTimeout: t.HWTimeout, HWError: t.HWError}

	f := &Frame{
		Slot:   t.Output,
		PTS:    t.Info.PTS,
		Info:   t.Info.FrameInfo,
		Err:    e,
		EOS:    t.Info.EOS,
		frames: p.frames,
	}

	if err := p.frames.SetDisplay(t.Output); err == nil {
		f.display = true
	}

	f.Buffer, _ = p.frames.GetBuffer(t.Output)

	return f
}
