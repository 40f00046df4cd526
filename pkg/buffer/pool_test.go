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

package buffer

import (
	"errors"
	"testing"
)

func TestPoolRecyclesBlocks(t *testing.T) {
	t.Parallel()

	p, err := NewPool(128, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	b1, _ := p.GetUnused()
	b2, _ := p.GetUnused()

	if _, err := p.GetUnused(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third GetUnused = %v, want ErrPoolExhausted", err)
	}

	if err := p.RefUsed(b1); err != nil {
		t.Fatalf("RefUsed: %v", err)
	}

	_ = p.UnrefUsed(b1)

	if got := p.Stats().Free; got != 0 {
		t.Fatalf("free after partial unref = %d, want 0", got)
	}

	mem := &b1.Bytes()[0]

	_ = p.UnrefUsed(b1)

	b3, err := p.GetUnused()
	if err != nil {
		t.Fatalf("GetUnused after unref: %v", err)
	}

	if &b3.Bytes()[0] != mem {
		t.Error("recycled buffer does not reuse the freed block")
	}

	if b3.Size() != 128 || b3.Backing() != BackingPool {
		t.Errorf("got size %d backing %v", b3.Size(), b3.Backing())
	}

	_ = b2.DecRef()
	_ = b3.DecRef()

	if got := p.Stats().Free; got != 2 {
		t.Errorf("free = %d, want 2", got)
	}
}

func TestPoolReset(t *testing.T) {
	t.Parallel()

	p, _ := NewPool(16, 3)
	held, _ := p.GetUnused()
	_, _ = p.GetUnused()

	p.Reset()

	st := p.Stats()
	if st.Free != 3 || st.Resets != 1 {
		t.Fatalf("stats after reset = %+v, want 3 free 1 reset", st)
	}

	if held.Bytes() != nil {
		t.Error("buffer from before reset still exposes memory")
	}

	// Inert buffers must not push their block a second time.
	if err := held.DecRef(); err != nil {
		t.Errorf("DecRef of inert buffer = %v, want nil", err)
	}

	if got := p.Stats().Free; got != 3 {
		t.Errorf("free after inert DecRef = %d, want 3", got)
	}
}

func TestPoolResetDuringRelease(t *testing.T) {
	t.Parallel()

	p, err := NewPool(64, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	b, _ := p.GetUnused()

	// Interleave by hand: DecRef has taken the data but not yet reached the
	// pool lock when Reset sweeps.
	b.lock.Lock()
	data := b.data
	b.data = nil
	b.refs = 0
	b.lock.Unlock()

	p.Reset()
	p.put(b, data)

	if s := p.Stats(); s.Free != 2 {
		t.Fatalf("free = %d after racing release, want 2", s.Free)
	}

	// A stray release beyond the pool's size is ignored.
	p.put(b, data)

	if s := p.Stats(); s.Free != 2 {
		t.Errorf("free = %d after stray release, want 2", s.Free)
	}
}

func TestPoolForeignBuffer(t *testing.T) {
	t.Parallel()

	p, _ := NewPool(16, 1)
	other, _ := NewHeapAllocator().Alloc(16)

	if err := p.RefUsed(other); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("RefUsed(foreign) = %v, want ErrForeignBuffer", err)
	}

	if err := p.UnrefUsed(other); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("UnrefUsed(foreign) = %v, want ErrForeignBuffer", err)
	}
}

func TestPoolAllocSize(t *testing.T) {
	t.Parallel()

	p, _ := NewPool(16, 1)

	if _, err := p.Alloc(17); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Alloc(17) = %v, want ErrInvalidSize", err)
	}

	b, err := p.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc(8): %v", err)
	}

	if b.Size() != 16 {
		t.Errorf("size = %d, want block size 16", b.Size())
	}
}

func TestNewPoolInvalid(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(0, 4); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("NewPool(0, 4) = %v, want ErrInvalidSize", err)
	}
}
