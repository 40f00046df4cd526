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
	"sync"
	"testing"

	"github.com/TurbineOne/hwdec/pkg/contract"
)

func skipIfViolationsPanic(t *testing.T) {
	t.Helper()

	if contract.Panics() {
		t.Skip("contract violations panic in this build")
	}
}

func TestHeapReleaseOnLastRef(t *testing.T) {
	t.Parallel()

	a := NewHeapAllocator()

	b, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := b.IncRef(); err != nil {
		t.Fatalf("IncRef: %v", err)
	}

	if err := b.DecRef(); err != nil {
		t.Fatalf("DecRef: %v", err)
	}

	if n, _ := a.Live(); n != 1 {
		t.Fatalf("live buffers after first DecRef = %d, want 1", n)
	}

	if b.Bytes() == nil {
		t.Fatal("Bytes() nil while a reference is held")
	}

	if err := b.DecRef(); err != nil {
		t.Fatalf("DecRef: %v", err)
	}

	if n, sz := a.Live(); n != 0 || sz != 0 {
		t.Fatalf("live after last DecRef = %d/%d, want 0/0", n, sz)
	}

	if b.Bytes() != nil {
		t.Error("Bytes() non-nil after release")
	}
}

func TestDoubleReleaseRejected(t *testing.T) {
	t.Parallel()
	skipIfViolationsPanic(t)

	a := NewHeapAllocator()
	b, _ := a.Alloc(16)
	_ = b.DecRef()

	err := b.DecRef()
	if !errors.Is(err, ErrDoubleRelease) {
		t.Fatalf("second DecRef = %v, want ErrDoubleRelease", err)
	}

	if !contract.Is(err) {
		t.Errorf("second DecRef error is not a contract violation")
	}

	if n, _ := a.Live(); n != 0 {
		t.Errorf("live = %d, want 0", n)
	}

	if err := b.IncRef(); !errors.Is(err, ErrReleased) {
		t.Errorf("IncRef after release = %v, want ErrReleased", err)
	}
}

func TestAllocInvalidSize(t *testing.T) {
	t.Parallel()

	if _, err := NewHeapAllocator().Alloc(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Alloc(0) = %v, want ErrInvalidSize", err)
	}
}

func TestImportRunsReleaseOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	b := Import(make([]byte, 8), 7, func() { calls++ })

	if b.Backing() != BackingExternal || b.FD() != 7 {
		t.Fatalf("got backing %v fd %d", b.Backing(), b.FD())
	}

	_ = b.DecRef()

	if calls != 1 {
		t.Errorf("release calls = %d, want 1", calls)
	}
}

func TestConcurrentRefs(t *testing.T) {
	t.Parallel()

	a := NewHeapAllocator()
	b, _ := a.Alloc(32)

	const workers = 16

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		if err := b.IncRef(); err != nil {
			t.Fatalf("IncRef: %v", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = b.DecRef()
		}()
	}

	wg.Wait()

	if got := b.Refs(); got != 1 {
		t.Fatalf("refs = %d, want 1", got)
	}

	_ = b.DecRef()

	if n, _ := a.Live(); n != 0 {
		t.Errorf("live = %d, want 0", n)
	}
}

func TestBackingString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		b    Backing
		want string
	}{
		{BackingHeap, "heap"},
		{BackingPool, "pool"},
		{BackingExternal, "external"},
		{Backing(9), "backing(9)"},
	}

	for _, tt := range tests {
		if got := tt.b.String(); got != tt.want {
			t.Errorf("Backing(%d).String() = %q, want %q", int(tt.b), got, tt.want)
		}
	}
}
