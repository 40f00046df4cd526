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

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/hwdec/pkg/contract"
	"github.com/TurbineOne/hwdec/pkg/slots"
)

// Options configures a Queue.
type Options struct {
	// Frames is the picture slot table that task outputs and references
	// point into. Required.
	Frames *slots.Table
	// Packets is the stream slot table task inputs point into, if any.
	Packets *slots.Table
	// Trace logs every task transition at trace level.
	Trace  bool
	Logger *zerolog.Logger
}

type record struct {
	state State
	gen   uint32
	task  Task
}

// Queue is a fixed pool of task records moving through
// Free -> Filling -> Queued -> InFlight -> Completing -> Free.
// Queued tasks are taken strictly in submission order.
//
// The queue lock is never held while calling into a slot table.
type Queue struct {
	frames  *slots.Table
	packets *slots.Table
	trace   bool
	log     zerolog.Logger

	lock    sync.Mutex
	recs    []record
	fifo    []int
	closed  bool
	stats   Stats
	notifyC chan struct{}
}

// New builds a queue of count task records.
func New(count int, opts Options) (*Queue, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count %d: %w", count, ErrInvalidCount)
	}

	if opts.Frames == nil {
		return nil, errors.New("task queue needs a frame slot table")
	}

	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}

	return &Queue{
		frames:  opts.Frames,
		packets: opts.Packets,
		trace:   opts.Trace,
		log:     l,
		recs:    make([]record, count),
		fifo:    make([]int, 0, count),
		notifyC: make(chan struct{}),
	}, nil
}

// Count returns the number of task records.
func (q *Queue) Count() int {
	return len(q.recs)
}

// Close wakes every blocked caller. Blocking calls return ErrClosed after it.
func (q *Queue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	close(q.notifyC)
	q.notifyC = make(chan struct{})
}

func (q *Queue) logState(op string, h Handle, s State) {
	if q.trace {
		q.log.Trace().Object("handle", h).Str(lState, s.String()).Msg(op)
	}
}

// lookup resolves h under the lock and checks the record is in state want.
func (q *Queue) lookup(op string, h Handle, want State) (*record, error) {
	if h.Index < 0 || h.Index >= len(q.recs) {
		return nil, contract.Violate("task."+op, ErrStaleTask,
			fmt.Sprintf("index %d out of range [0,%d)", h.Index, len(q.recs)))
	}

	r := &q.recs[h.Index]
	if r.gen != h.Gen || r.state == StateFree {
		return nil, contract.Violate("task."+op, ErrStaleTask,
			fmt.Sprintf("handle %s, record gen %d state %s", h, r.gen, r.state))
	}

	if r.state != want {
		return nil, contract.Violate("task."+op, ErrBadState,
			fmt.Sprintf("handle %s is %s, want %s", h, r.state, want))
	}

	return r, nil
}

// Acquire claims a free task record for filling. It never blocks.
func (q *Queue) Acquire() (Handle, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.acquireLocked()
}

func (q *Queue) acquireLocked() (Handle, error) {
	if q.closed {
		return Handle{}, ErrClosed
	}

	for i := range q.recs {
		r := &q.recs[i]
		if r.state != StateFree {
			continue
		}

		r.gen++
		if r.gen == 0 {
			r.gen = 1
		}

		r.state = StateFilling
		r.task.clear()

		h := Handle{Index: i, Gen: r.gen}
		q.logState("task acquired", h, r.state)

		return h, nil
	}

	return Handle{}, ErrQueueFull
}

// AcquireWait is Acquire that suspends until a record is freed.
func (q *Queue) AcquireWait(ctx context.Context) (Handle, error) {
	for {
		q.lock.Lock()
		h, err := q.acquireLocked()
		waitC := q.notifyC
		q.lock.Unlock()

		if !errors.Is(err, ErrQueueFull) {
			return h, err
		}

		select {
		case <-waitC:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}
}

// Task returns the record behind h. The parser may use it while the task is
// Filling and the HAL stage while it is InFlight.
func (q *Queue) Task(h Handle) (*Task, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if h.Index < 0 || h.Index >= len(q.recs) {
		return nil, contract.Violate("task.Task", ErrStaleTask, "index out of range")
	}

	r := &q.recs[h.Index]
	if r.gen != h.Gen || (r.state != StateFilling && r.state != StateInFlight) {
		return nil, contract.Violate("task.Task", ErrStaleTask,
			fmt.Sprintf("handle %s, record gen %d state %s", h, r.gen, r.state))
	}

	return &r.task, nil
}

// Submit hands a filled task to the HAL stage.
func (q *Queue) Submit(h Handle) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	r, err := q.lookup("Submit", h, StateFilling)
	if err != nil {
		return err
	}

	r.state = StateQueued
	q.fifo = append(q.fifo, h.Index)
	q.stats.Submitted++
	q.logState("task submitted", h, r.state)
	q.notifyLocked()

	return nil
}

// Take blocks until a task is queued and returns the oldest one, now
// InFlight and owned by the caller.
func (q *Queue) Take(ctx context.Context) (Handle, error) {
	for {
		q.lock.Lock()

		if q.closed {
			q.lock.Unlock()

			return Handle{}, ErrClosed
		}

		if len(q.fifo) > 0 {
			idx := q.fifo[0]
			q.fifo = slices.Delete(q.fifo, 0, 1)

			r := &q.recs[idx]
			r.state = StateInFlight
			h := Handle{Index: idx, Gen: r.gen}
			q.logState("task taken", h, r.state)
			q.lock.Unlock()

			return h, nil
		}

		waitC := q.notifyC
		q.lock.Unlock()

		select {
		case <-waitC:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}
}

// held is a copy of the slot handles a task points at, taken under the queue
// lock so they can be released after dropping it.
type held struct {
	input  *slots.Handle
	output slots.Handle
	refs   []slots.Handle
	errs   slots.ErrInfo
}

func (r *record) holds() held {
	h := held{
		output: r.task.Output,
		refs:   slices.Clone(r.task.Refs),
		errs: slots.ErrInfo{
			ParseErr:  r.task.ParseErr,
			RefErr:    r.task.RefErr,
			HWTimeout: r.task.HWTimeout,
			HWError:   r.task.HWError,
		},
	}

	if r.task.Input != nil {
		in := *r.task.Input
		h.input = &in
	}

	return h
}

// release drops everything a task held in the slot tables. outFlags are the
// output facets to clear.
func (q *Queue) release(hd held, outFlags slots.Flag) error {
	var errs []error

	for _, ref := range hd.refs {
		if err := q.frames.ClrRef(ref); err != nil {
			errs = append(errs, fmt.Errorf("ref %s: %w", ref, err))
		}
	}

	if hd.input != nil && q.packets != nil {
		if err := q.packets.ClrFlag(*hd.input, slots.FlagHALInput); err != nil {
			errs = append(errs, fmt.Errorf("input %s: %w", *hd.input, err))
		}
	}

	if hd.output.Valid() {
		if hd.errs.Any() {
			if err := q.frames.SetErrInfo(hd.output, hd.errs); err != nil {
				errs = append(errs, fmt.Errorf("output %s: %w", hd.output, err))
			}
		}

		if err := q.frames.ClrFlag(hd.output, outFlags); err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", hd.output, err))
		}
	}

	return errors.Join(errs...)
}

func (q *Queue) free(idx int) {
	q.lock.Lock()
	q.recs[idx].state = StateFree
	q.notifyLocked()
	q.lock.Unlock()
}

// finish moves a task in state want to Completing and returns what it holds.
func (q *Queue) finish(op string, h Handle, want State, mark func(*record)) (held, error) {
	q.lock.Lock()
	defer q.lock.Unlock()

	r, err := q.lookup(op, h, want)
	if err != nil {
		return held{}, err
	}

	mark(r)
	r.state = StateCompleting
	q.logState("task completing", h, r.state)

	return r.holds(), nil
}

// Complete finishes an InFlight task. Its references and input are released
// and the output slot gets the error bits and drops HALOutput. Error bits
// degrade the picture; it is still delivered.
func (q *Queue) Complete(h Handle, parseErr, refErr bool) error {
	hd, err := q.finish("Complete", h, StateInFlight, func(r *record) {
		r.task.ParseErr = r.task.ParseErr || parseErr
		r.task.RefErr = r.task.RefErr || refErr
		q.stats.Completed++
	})
	if err != nil {
		return err
	}

	err = q.release(hd, slots.FlagHALOutput)

	q.free(h.Index)

	return err
}

// Cancel returns a task that is still Filling to the pool, dropping what it
// holds. The output loses both CodecUse and HALOutput. Used when the parser
// gives up on a picture after claiming slots for it.
func (q *Queue) Cancel(h Handle) error {
	hd, err := q.finish("Cancel", h, StateFilling, func(*record) {
		q.stats.Canceled++
	})
	if err != nil {
		return err
	}

	hd.errs = slots.ErrInfo{}
	err = q.release(hd, slots.FlagCodecUse|slots.FlagHALOutput)

	q.free(h.Index)

	return err
}

// Flush discards every queued task without running the HAL stage on it, as
// if it had completed with an error, and returns how many it discarded.
// Output slots lose CodecUse and HALOutput and are marked Discarded. In-flight
// tasks are left to complete normally. A second Flush with nothing submitted
// in between does nothing.
func (q *Queue) Flush() int {
	q.lock.Lock()

	flushed := make([]int, len(q.fifo))
	copy(flushed, q.fifo)
	q.fifo = q.fifo[:0]

	holds := make([]held, 0, len(flushed))

	for _, idx := range flushed {
		r := &q.recs[idx]
		r.state = StateCompleting

		hd := r.holds()
		hd.errs.Discarded = true
		holds = append(holds, hd)
	}

	q.stats.Flushed += uint64(len(flushed))
	q.lock.Unlock()

	for i, hd := range holds {
		if err := q.release(hd, slots.FlagCodecUse|slots.FlagHALOutput); err != nil {
			q.log.Warn().Err(err).Int(lTaskIdx, flushed[i]).Msg("flushed task release failed")
		}
	}

	if len(flushed) > 0 {
		q.lock.Lock()
		for _, idx := range flushed {
			q.recs[idx].state = StateFree
		}

		q.notifyLocked()
		q.lock.Unlock()

		q.log.Debug().Int(lCount, len(flushed)).Msg("task queue flushed")
	}

	return len(flushed)
}

// Reset flushes, waits for in-flight tasks, then resets both slot tables,
// which drops every reference relationship and any pending info change.
func (q *Queue) Reset(ctx context.Context) (int, error) {
	n := q.Flush()

	if err := q.WaitIdle(ctx); err != nil {
		return n, err
	}

	q.frames.Reset()

	if q.packets != nil {
		q.packets.Reset()
	}

	return n, nil
}

// Idle reports whether no task is queued, in flight or completing.
func (q *Queue) Idle() bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.idleLocked()
}

func (q *Queue) idleLocked() bool {
	for i := range q.recs {
		switch q.recs[i].state {
		case StateQueued, StateInFlight, StateCompleting:
			return false
		case StateFree, StateFilling:
		}
	}

	return true
}

// WaitIdle blocks until Idle holds. Filling tasks do not count; the caller is
// normally the parser, which owns them.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()

			return ErrClosed
		}

		idle := q.idleLocked()
		waitC := q.notifyC
		q.lock.Unlock()

		if idle {
			return nil
		}

		select {
		case <-waitC:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.lock.Lock()
	defer q.lock.Unlock()

	s := q.stats
	s.Count = len(q.recs)

	for i := range q.recs {
		switch q.recs[i].state {
		case StateFree:
			s.Free++
		case StateFilling:
			s.Filling++
		case StateQueued:
			s.Queued++
		case StateInFlight:
			s.InFlight++
		case StateCompleting:
			s.Completing++
		}
	}

	return s
}
