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

// Package buffer implements reference-counted picture and stream buffers.
//
// A Buffer's backing memory is handed back to its allocator exactly once, when
// the last reference is dropped. There is no way to borrow a Buffer without
// holding a reference: anything that keeps a *Buffer past a call must IncRef
// it and DecRef it when done.
package buffer

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/contract"
)

const (
	lBacking = "backing"
	lBufID   = "bufID"
	lRefs    = "refs"
	lSize    = "size"
	lFD      = "fd"
)

var (
	// ErrDoubleRelease is a DecRef on a buffer with no references left.
	ErrDoubleRelease = errors.New("buffer released more times than referenced")
	// ErrReleased is an IncRef on a buffer whose memory is already gone.
	ErrReleased = errors.New("buffer already released")
	// ErrPoolExhausted means every block of a Pool is in use. Not fatal.
	ErrPoolExhausted = errors.New("no unused block in pool")
	// ErrInvalidSize is an allocation request the allocator cannot serve.
	ErrInvalidSize = errors.New("invalid buffer size")
	// ErrForeignBuffer is a buffer handed to a pool that did not allocate it.
	ErrForeignBuffer = errors.New("buffer does not belong to this pool")
)

// Backing identifies where a Buffer's memory lives.
type Backing int

const (
	BackingHeap Backing = iota
	BackingPool
	BackingExternal
)

func (b Backing) String() string {
	switch b {
	case BackingHeap:
		return "heap"
	case BackingPool:
		return "pool"
	case BackingExternal:
		return "external"
	}

	return "backing(" + strconv.Itoa(int(b)) + ")"
}

// Allocator provides backing memory for buffers.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Name() string
}

//nolint:gochecknoglobals // Process-unique buffer ids.
var nextID atomic.Uint64

// Buffer is a reference-counted handle to a block of memory. The zero value is
// not usable; buffers come from an Allocator, a Pool or Import.
type Buffer struct {
	id      uint64
	size    int
	backing Backing
	fd      int

	lock    sync.Mutex
	refs    int
	inert   bool // detached by a pool reset; further ref traffic is ignored
	data    []byte
	release func(*Buffer, []byte)
}

func newBuffer(data []byte, backing Backing, fd int, release func(*Buffer, []byte)) *Buffer {
	return &Buffer{
		id:      nextID.Add(1),
		size:    len(data),
		backing: backing,
		fd:      fd,
		refs:    1,
		data:    data,
		release: release,
	}
}

// Import wraps memory owned outside this package, e.g. a dma-buf mapping.
// The returned Buffer holds one reference; release runs when it drops to zero.
// fd is informational and may be -1.
func Import(data []byte, fd int, release func()) *Buffer {
	var rel func(*Buffer, []byte)
	if release != nil {
		rel = func(*Buffer, []byte) { release() }
	}

	return newBuffer(data, BackingExternal, fd, rel)
}

func (b *Buffer) ID() uint64       { return b.id }
func (b *Buffer) Size() int        { return b.size }
func (b *Buffer) Backing() Backing { return b.backing }
func (b *Buffer) FD() int          { return b.fd }

// Bytes returns the buffer memory. It is only valid while the caller holds a
// reference, and is nil once the buffer has been released.
func (b *Buffer) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.data
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.refs
}

// IncRef adds a reference. Referencing a released buffer is a contract
// violation.
func (b *Buffer) IncRef() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.refs == 0 || b.inert {
		return contract.Violate("buffer.IncRef", ErrReleased, "buf "+strconv.FormatUint(b.id, 10))
	}

	b.refs++

	return nil
}

// DecRef drops a reference, releasing the memory on the 1 -> 0 transition.
// A DecRef with no references left is rejected and releases nothing.
func (b *Buffer) DecRef() error {
	b.lock.Lock()

	if b.inert {
		b.lock.Unlock()

		return nil
	}

	if b.refs == 0 {
		b.lock.Unlock()

		return contract.Violate("buffer.DecRef", ErrDoubleRelease, "buf "+strconv.FormatUint(b.id, 10))
	}

	b.refs--
	if b.refs > 0 {
		b.lock.Unlock()

		return nil
	}

	data := b.data
	b.data = nil
	release := b.release
	b.lock.Unlock()

	// The release callback may take allocator locks, so it runs unlocked.
	if release != nil {
		release(b, data)
	}

	return nil
}

// detach makes b inert: its memory is taken back without running release.
func (b *Buffer) detach() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.inert = true
	b.refs = 0
	b.data = nil
}

func (b *Buffer) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64(lBufID, b.id).
		Int(lSize, b.size).
		Str(lBacking, b.backing.String()).
		Int(lRefs, b.Refs())

	if b.fd >= 0 {
		e.Int(lFD, b.fd)
	}
}

// HeapAllocator allocates buffers from the Go heap and keeps live counters so
// callers can verify nothing leaks.
type HeapAllocator struct {
	liveBuffers atomic.Int64
	liveBytes   atomic.Int64
}

// NewHeapAllocator returns a new HeapAllocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

func (a *HeapAllocator) Name() string {
	return "heap"
}

func (a *HeapAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	a.liveBuffers.Add(1)
	a.liveBytes.Add(int64(size))

	return newBuffer(make([]byte, size), BackingHeap, -1, a.release), nil
}

func (a *HeapAllocator) release(b *Buffer, _ []byte) {
	a.liveBuffers.Add(-1)
	a.liveBytes.Add(-int64(b.size))
}

// Live returns the number of unreleased buffers and their total size.
func (a *HeapAllocator) Live() (buffers int, bytes int64) {
	return int(a.liveBuffers.Load()), a.liveBytes.Load()
}
