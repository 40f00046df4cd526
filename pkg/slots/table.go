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

// Package slots implements the picture buffer slot table shared by the parser
// and HAL stages: a fixed set of slots, each tracking which roles currently
// hold its buffer, plus the two-phase geometry (info change) negotiation.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/contract"
)

// Options configures a Table.
type Options struct {
	// Name shows up in logs, e.g. "frame" or "packet".
	Name string
	// Trace logs every slot transition at trace level.
	Trace  bool
	Logger *zerolog.Logger
}

type slot struct {
	inUse bool
	gen   uint32
	flags Flag
	refs  int
	pts   int64
	err   ErrInfo
	info  FrameInfo
	buf   *buffer.Buffer
}

// Table owns a fixed number of slots. All slot state is guarded by one lock.
type Table struct {
	name  string
	trace bool
	log   zerolog.Logger

	lock    sync.Mutex
	slots   []slot
	closed  bool
	inUse   int
	setup   bool
	state   InfoChangeState
	applied Geometry
	pending Geometry

	// notifyC is closed and replaced whenever a slot is reclaimed or a role is
	// dropped, waking anything blocked in WaitUnused or WaitDrained.
	notifyC chan struct{}
}

// New allocates an empty table of capacity slots.
func New(capacity int, opts Options) (*Table, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("capacity %d: %w", capacity, ErrNoMemory)
	}

	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}

	name := opts.Name
	if name == "" {
		name = "slots"
	}

	return &Table{
		name:    name,
		trace:   opts.Trace,
		log:     l.With().Str(lTable, name).Logger(),
		slots:   make([]slot, capacity),
		notifyC: make(chan struct{}),
	}, nil
}

// Capacity returns the number of slots the table was built with.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Close releases every attached buffer and wakes all waiters. Any later
// operation returns ErrClosed.
func (t *Table) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	t.closed = true

	for i := range t.slots {
		s := &t.slots[i]
		if s.buf != nil {
			_ = s.buf.DecRef()
			s.buf = nil
		}
	}

	t.notifyLocked()
}

func (t *Table) notifyLocked() {
	close(t.notifyC)
	t.notifyC = make(chan struct{})
}

// Setup announces the geometry of the stream. The first call, and any call
// with changed == false, takes effect at once. With changed == true the new
// geometry is only recorded as pending: in-flight work still points at
// buffers of the old geometry, so nothing is resized until Ready.
func (t *Table) Setup(count, size int, changed bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrClosed
	}

	if count <= 0 || size <= 0 || count > len(t.slots) {
		return fmt.Errorf("setup count %d size %d capacity %d: %w", count, size, len(t.slots), ErrInvalidArgument)
	}

	g := Geometry{Count: count, Size: size}

	switch {
	case t.state == StateCommitting:
		return ErrCommitting

	case !t.setup || !changed:
		t.setup = true
		t.applied = g

		if t.state == StatePending && t.pending == g {
			t.state = StateApplied
		}

		t.log.Debug().Int(lCount, count).Int(lSize, size).Msg("slot geometry applied")

	default:
		t.state = StatePending
		t.pending = g

		t.log.Info().Int(lCount, count).Int(lSize, size).
			Int("oldCount", t.applied.Count).Int("oldSize", t.applied.Size).
			Msg("slot geometry change pending")
	}

	return nil
}

// IsChanged reports whether a geometry change is waiting for Ready.
func (t *Table) IsChanged() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state != StateApplied
}

// InfoChange returns the negotiation state with the applied and pending
// geometries.
func (t *Table) InfoChange() (InfoChangeState, Geometry, Geometry) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state, t.applied, t.pending
}

// Size returns the applied geometry.
func (t *Table) Size() Geometry {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.applied
}

// BufferSize returns the buffer size slots must carry under the applied
// geometry. It only changes at Ready.
func (t *Table) BufferSize() int {
	return t.Size().Size
}

// Ready commits a pending geometry change. The caller must have confirmed the
// old geometry is drained (see WaitDrained), so at most the picture that
// announced the change still holds HAL output. Buffers of the wrong size
// that are not being read, referenced or displayed are detached so the next
// user allocates at the new size; the rest are detached when their slot is
// reclaimed.
func (t *Table) Ready() error {
	t.lock.Lock()

	if t.closed {
		t.lock.Unlock()

		return ErrClosed
	}

	if t.state != StatePending {
		t.lock.Unlock()

		return ErrNoInfoChange
	}

	t.state = StateCommitting
	old := t.applied
	t.applied = t.pending

	var retired []*buffer.Buffer

	const held = FlagHALInput | FlagDisplayPending

	for i := range t.slots {
		s := &t.slots[i]
		if s.buf == nil || s.buf.Size() == t.applied.Size {
			continue
		}

		if s.flags&held != 0 || s.refs > 0 {
			continue
		}

		retired = append(retired, s.buf)
		s.buf = nil
	}
	t.lock.Unlock()

	for _, b := range retired {
		_ = b.DecRef()
	}

	t.lock.Lock()
	t.state = StateApplied
	t.log.Info().Int(lCount, t.applied.Count).Int(lSize, t.applied.Size).
		Int("oldCount", old.Count).Int("oldSize", old.Size).Int("retired", len(retired)).
		Msg("slot geometry change committed")
	t.notifyLocked()
	t.lock.Unlock()

	return nil
}

// lookup resolves h under the lock. A handle whose generation does not match
// the slot's current occupancy is a contract violation.
func (t *Table) lookup(op string, h Handle) (*slot, error) {
	if t.closed {
		return nil, ErrClosed
	}

	if h.Index < 0 || h.Index >= len(t.slots) {
		return nil, &IndexError{Index: h.Index, Capacity: len(t.slots)}
	}

	s := &t.slots[h.Index]
	if !s.inUse || s.gen != h.Gen {
		return nil, contract.Violate(t.name+"."+op, ErrStaleHandle,
			fmt.Sprintf("handle %s, slot gen %d in use %t", h, s.gen, s.inUse))
	}

	return s, nil
}

// reclaimLocked returns s to the free pool iff nothing holds it any more.
func (t *Table) reclaimLocked(idx int) {
	s := &t.slots[idx]
	if !s.inUse || s.flags != 0 || s.refs != 0 {
		return
	}

	s.inUse = false
	s.pts = 0
	s.err = ErrInfo{}
	s.info = FrameInfo{}
	t.inUse--

	// Buffers are kept across occupants of identical geometry only.
	if s.buf != nil && s.buf.Size() != t.applied.Size {
		_ = s.buf.DecRef()
		s.buf = nil
	}

	if t.trace {
		t.log.Trace().Int(lIndex, idx).Uint32(lGen, s.gen).Msg("slot reclaimed")
	}
}

// GetUnused claims the lowest-indexed free slot among the applied count. The
// new occupancy gets a fresh generation and starts with FlagCodecUse.
func (t *Table) GetUnused() (Handle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.getUnusedLocked()
}

func (t *Table) getUnusedLocked() (Handle, error) {
	if t.closed {
		return Handle{}, ErrClosed
	}

	if t.state == StateCommitting {
		return Handle{}, ErrNoFreeSlot
	}

	count := t.applied.Count
	if !t.setup {
		count = len(t.slots)
	}

	for i := 0; i < count; i++ {
		s := &t.slots[i]
		if s.inUse {
			continue
		}

		s.inUse = true
		s.gen++

		if s.gen == 0 {
			s.gen = 1
		}

		s.flags = FlagCodecUse
		s.refs = 0
		t.inUse++

		h := Handle{Index: i, Gen: s.gen}
		if t.trace {
			t.log.Trace().Object("handle", h).Msg("slot claimed")
		}

		return h, nil
	}

	return Handle{}, ErrNoFreeSlot
}

// WaitUnused is GetUnused that suspends until a slot is reclaimed.
func (t *Table) WaitUnused(ctx context.Context) (Handle, error) {
	for {
		t.lock.Lock()
		h, err := t.getUnusedLocked()
		waitC := t.notifyC
		t.lock.Unlock()

		if !errors.Is(err, ErrNoFreeSlot) {
			return h, err
		}

		select {
		case <-waitC:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}
}

// DrainedExcept reports whether no slot other than except is held by the
// parser, the HAL stage, or a reference. Pictures pending display do not
// count: they hold a finished buffer and nothing writes to it any more.
func (t *Table) DrainedExcept(except Handle) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.drainedLocked(except)
}

func (t *Table) drainedLocked(except Handle) bool {
	const busy = FlagCodecUse | FlagHALOutput | FlagHALInput

	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse || (except.Valid() && i == except.Index && s.gen == except.Gen) {
			continue
		}

		if s.flags&busy != 0 || s.refs > 0 {
			return false
		}
	}

	return true
}

// WaitDrained blocks until DrainedExcept(except) holds.
func (t *Table) WaitDrained(ctx context.Context, except Handle) error {
	for {
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()

			return ErrClosed
		}

		drained := t.drainedLocked(except)
		waitC := t.notifyC
		t.lock.Unlock()

		if drained {
			return nil
		}

		select {
		case <-waitC:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetFlag adds a role facet to the slot.
func (t *Table) SetFlag(h Handle, f Flag) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetFlag", h)
	if err != nil {
		return err
	}

	s.flags |= f

	if t.trace {
		t.log.Trace().Object("handle", h).Str(lFlags, s.flags.String()).Msg("slot flag set")
	}

	return nil
}

// ClrFlag drops a role facet. Dropping a facet the slot does not hold is a
// no-op. The slot is reclaimed if that was its last hold.
func (t *Table) ClrFlag(h Handle, f Flag) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("ClrFlag", h)
	if err != nil {
		return err
	}

	s.flags &^= f

	if t.trace {
		t.log.Trace().Object("handle", h).Str(lFlags, s.flags.String()).Msg("slot flag cleared")
	}

	t.reclaimLocked(h.Index)
	t.notifyLocked()

	return nil
}

// SetRef records one more in-flight decode referencing the slot.
func (t *Table) SetRef(h Handle) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetRef", h)
	if err != nil {
		return err
	}

	s.refs++

	return nil
}

// ClrRef drops one reference. Dropping a reference that was never taken is a
// contract violation and leaves the count at zero.
func (t *Table) ClrRef(h Handle) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("ClrRef", h)
	if err != nil {
		return err
	}

	if s.refs == 0 {
		return contract.Violate(t.name+".ClrRef", ErrRefUnderflow, "handle "+h.String())
	}

	s.refs--
	t.reclaimLocked(h.Index)
	t.notifyLocked()

	return nil
}

// SetDecoding marks the slot as HAL output.
func (t *Table) SetDecoding(h Handle) error {
	return t.SetFlag(h, FlagHALOutput)
}

// ClrDecoding is called by the HAL stage once the device has finished with
// the slot. From here on the picture may be displayed.
func (t *Table) ClrDecoding(h Handle) error {
	return t.ClrFlag(h, FlagHALOutput)
}

// SetDisplay queues the picture for output.
func (t *Table) SetDisplay(h Handle) error {
	return t.SetFlag(h, FlagDisplayPending)
}

// ClrDisplay is called by the output consumer once it is done with the
// picture.
func (t *Table) ClrDisplay(h Handle) error {
	return t.ClrFlag(h, FlagDisplayPending)
}

// SetBuffer attaches b to the slot, taking a reference to it. If a buffer is
// already attached, b is left alone and the existing buffer is kept. Either
// way the attached buffer is returned with a reference for the caller.
func (t *Table) SetBuffer(h Handle, b *buffer.Buffer) (*buffer.Buffer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetBuffer", h)
	if err != nil {
		return nil, err
	}

	if s.buf == nil {
		if err := b.IncRef(); err != nil {
			return nil, err
		}

		s.buf = b
	}

	if err := s.buf.IncRef(); err != nil {
		return nil, err
	}

	return s.buf, nil
}

// GetBuffer returns the attached buffer with a reference for the caller, or
// nil if none is attached.
func (t *Table) GetBuffer(h Handle) (*buffer.Buffer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("GetBuffer", h)
	if err != nil {
		return nil, err
	}

	if s.buf == nil {
		return nil, nil //nolint:nilnil // No buffer attached yet.
	}

	if err := s.buf.IncRef(); err != nil {
		return nil, err
	}

	return s.buf, nil
}

// DropBuffer detaches the slot's buffer so the next SetBuffer attaches a new
// one. Only the owner of a freshly claimed slot may call it.
func (t *Table) DropBuffer(h Handle) error {
	t.lock.Lock()

	s, err := t.lookup("DropBuffer", h)
	if err != nil {
		t.lock.Unlock()

		return err
	}

	b := s.buf
	s.buf = nil
	t.lock.Unlock()

	if b != nil {
		return b.DecRef()
	}

	return nil
}

func (t *Table) SetPTS(h Handle, pts int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetPTS", h)
	if err != nil {
		return err
	}

	s.pts = pts

	return nil
}

func (t *Table) GetPTS(h Handle) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("GetPTS", h)
	if err != nil {
		return 0, err
	}

	return s.pts, nil
}

// SetErrInfo merges error bits into the slot's error metadata.
func (t *Table) SetErrInfo(h Handle, e ErrInfo) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetErrInfo", h)
	if err != nil {
		return err
	}

	s.err = s.err.merge(e)

	return nil
}

func (t *Table) GetErrInfo(h Handle) (ErrInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("GetErrInfo", h)
	if err != nil {
		return ErrInfo{}, err
	}

	return s.err, nil
}

func (t *Table) SetFrameInfo(h Handle, info FrameInfo) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("SetFrameInfo", h)
	if err != nil {
		return err
	}

	s.info = info

	return nil
}

func (t *Table) GetFrameInfo(h Handle) (FrameInfo, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s, err := t.lookup("GetFrameInfo", h)
	if err != nil {
		return FrameInfo{}, err
	}

	return s.info, nil
}

// Reset invalidates every reference relationship: reference counts and parser
// ownership are cleared on all slots, and a pending geometry change is
// abandoned in favor of the geometry in force before it. Slots still held by
// the HAL stage or the output consumer stay allocated.
func (t *Table) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return
	}

	if t.state == StatePending {
		t.log.Info().Int(lCount, t.pending.Count).Int(lSize, t.pending.Size).
			Msg("pending slot geometry change aborted by reset")
	}

	t.state = StateApplied
	t.pending = Geometry{}

	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}

		s.refs = 0
		s.flags &^= FlagCodecUse
		t.reclaimLocked(i)
	}

	t.notifyLocked()
}

// InUse returns the number of occupied slots.
func (t *Table) InUse() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.inUse
}

// Snapshot returns the state of every slot.
func (t *Table) Snapshot() []SlotState {
	t.lock.Lock()
	defer t.lock.Unlock()

	states := make([]SlotState, len(t.slots))

	for i := range t.slots {
		s := &t.slots[i]
		states[i] = SlotState{
			Index: i,
			Gen:   s.gen,
			InUse: s.inUse,
			Flags: s.flags,
			Refs:  s.refs,
			PTS:   s.pts,
			Err:   s.err,
		}

		if s.buf != nil {
			states[i].BufSize = s.buf.Size()
		}
	}

	return states
}

func (t *Table) MarshalZerologObject(e *zerolog.Event) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e.Str(lTable, t.name).
		Int("capacity", len(t.slots)).
		Int("inUse", t.inUse).
		Int(lCount, t.applied.Count).
		Int(lSize, t.applied.Size).
		Str(lState, t.state.String())
}
