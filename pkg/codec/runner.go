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

package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

type job struct {
	ticket  device.Ticket
	scratch *buffer.Buffer
}

// Runner is the device half shared by the reference HALs: it resolves the
// task's slots to buffers, submits the program and waits with the
// configured timeout.
type Runner struct {
	env         HALEnv
	skipOnError bool

	lock sync.Mutex
	jobs map[slots.Handle]job
}

// NewRunner returns a runner bound to env.
func NewRunner(env HALEnv) *Runner {
	return &Runner{
		env:         env,
		skipOnError: true,
		jobs:        make(map[slots.Handle]job),
	}
}

// SetSkipOnError controls whether pictures already flagged with a parse or
// reference error go to the device at all.
func (r *Runner) SetSkipOnError(skip bool) {
	r.lock.Lock()
	r.skipOnError = skip
	r.lock.Unlock()
}

func (r *Runner) skip(t *task.Task) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.skipOnError && (t.ParseErr || t.RefErr)
}

// Start submits prog for t.
func (r *Runner) Start(ctx context.Context, t *task.Task, prog []byte) error {
	if r.skip(t) {
		return nil
	}

	dst, err := r.env.Frames.GetBuffer(t.Output)
	if err != nil {
		return fmt.Errorf("output %s: %w", t.Output, err)
	}

	if dst == nil {
		return fmt.Errorf("output %s has no buffer", t.Output)
	}

	defer dst.DecRef() //nolint:errcheck // The device holds its own reference.

	j := device.Job{Program: prog, Dst: dst}

	if t.Input != nil && r.env.Packets != nil {
		src, err := r.env.Packets.GetBuffer(*t.Input)
		if err != nil {
			return fmt.Errorf("input %s: %w", *t.Input, err)
		}

		if src != nil {
			defer src.DecRef() //nolint:errcheck // The device holds its own reference.

			j.Src = src
		}
	}

	var scratch *buffer.Buffer

	if r.env.Scratch != nil {
		scratch, err = r.env.Scratch.GetUnused()

		switch {
		case errors.Is(err, buffer.ErrPoolExhausted):
			r.env.Logger.Debug().Object("output", t.Output).Msg("no scratch block, submitting without")
		case err != nil:
			return err
		default:
			j.Scratch = scratch
		}
	}

	ticket, err := r.env.Device.Submit(ctx, j)
	if err != nil {
		if scratch != nil {
			_ = scratch.DecRef()
		}

		return fmt.Errorf("device submit: %w", err)
	}

	r.lock.Lock()
	r.jobs[t.Output] = job{ticket: ticket, scratch: scratch}
	r.lock.Unlock()

	return nil
}

// Wait waits for the job Start submitted for t. A timeout is recorded on
// the task, not returned.
func (r *Runner) Wait(ctx context.Context, t *task.Task) error {
	r.lock.Lock()
	j, ok := r.jobs[t.Output]
	delete(r.jobs, t.Output)
	r.lock.Unlock()

	if !ok {
		// Skipped in Start.
		return nil
	}

	if j.scratch != nil {
		defer j.scratch.DecRef() //nolint:errcheck // Returns the block to the pool.
	}

	wctx := ctx

	if r.env.Timeout > 0 {
		var cancel context.CancelFunc

		wctx, cancel = context.WithTimeout(ctx, r.env.Timeout)
		defer cancel()
	}

	err := r.env.Device.Wait(wctx, j.ticket)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrHardwareTimeout):
		t.HWTimeout = true

		r.env.Logger.Warn().Object("output", t.Output).Msg("hardware timeout")

		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		t.HWError = true

		r.env.Logger.Warn().Err(err).Object("output", t.Output).Msg("device job failed")

		return nil
	}
}

// Drop forgets every outstanding job. Used by Flush and Reset.
func (r *Runner) Drop() int {
	r.lock.Lock()
	jobs := r.jobs
	r.jobs = make(map[slots.Handle]job)
	r.lock.Unlock()

	for _, j := range jobs {
		if j.scratch != nil {
			_ = j.scratch.DecRef()
		}
	}

	return len(jobs)
}
