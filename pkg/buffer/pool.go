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
	"fmt"
	"sync"
)

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	BlockSize int
	Blocks    int
	Free      int
	Resets    int
}

// Pool is a slab of same-size blocks. Blocks are recycled when their Buffer
// drops its last reference, so short-lived scratch allocations never reach the
// general allocator after warm-up.
type Pool struct {
	blockSize int

	lock   sync.Mutex
	free   [][]byte
	used   map[*Buffer]struct{}
	blocks int
	resets int
}

// NewPool returns a pool of blockCount blocks of blockSize bytes each.
func NewPool(blockSize, blockCount int) (*Pool, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("pool %dx%d: %w", blockCount, blockSize, ErrInvalidSize)
	}

	p := &Pool{
		blockSize: blockSize,
		free:      make([][]byte, 0, blockCount),
		used:      make(map[*Buffer]struct{}, blockCount),
		blocks:    blockCount,
	}

	// One contiguous slab, carved into blocks.
	slab := make([]byte, blockSize*blockCount)
	for i := 0; i < blockCount; i++ {
		p.free = append(p.free, slab[i*blockSize:(i+1)*blockSize:(i+1)*blockSize])
	}

	return p, nil
}

func (p *Pool) Name() string {
	return "pool"
}

// BlockSize returns the size of every block.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// GetUnused takes a free block. The Buffer holds one reference.
func (p *Pool) GetUnused() (*Buffer, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	n := len(p.free)
	if n == 0 {
		return nil, ErrPoolExhausted
	}

	block := p.free[n-1]
	p.free = p.free[:n-1]

	b := newBuffer(block, BackingPool, -1, p.put)
	p.used[b] = struct{}{}

	return b, nil
}

// Alloc implements Allocator for requests that fit in one block.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 || size > p.blockSize {
		return nil, fmt.Errorf("pool alloc %d > block %d: %w", size, p.blockSize, ErrInvalidSize)
	}

	return p.GetUnused()
}

// RefUsed adds a reference to a block handed out by this pool.
func (p *Pool) RefUsed(b *Buffer) error {
	if !p.owns(b) {
		return ErrForeignBuffer
	}

	return b.IncRef()
}

// UnrefUsed drops a reference to a block handed out by this pool. The block
// returns to the free list when the last reference goes.
func (p *Pool) UnrefUsed(b *Buffer) error {
	if !p.owns(b) {
		return ErrForeignBuffer
	}

	return b.DecRef()
}

func (p *Pool) owns(b *Buffer) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	_, ok := p.used[b]

	return ok
}

// put is the release callback of every pool Buffer.
func (p *Pool) put(b *Buffer, data []byte) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.used[b]; ok {
		delete(p.used, b)
	} else if len(p.free) >= p.blocks {
		return
	}

	// A block whose last DecRef raced a Reset was skipped by the sweep and
	// comes back here.
	p.free = append(p.free, data[:p.blockSize])
}

// Reset forcibly returns every block to the free list. Buffers handed out
// before the reset become inert: Bytes returns nil and DecRef is a no-op.
// Only call this at stream reset, never while blocks are in flight.
func (p *Pool) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()

	for b := range p.used {
		data := b.Bytes()
		b.detach()

		if data != nil {
			p.free = append(p.free, data[:p.blockSize])
		}
	}

	p.used = make(map[*Buffer]struct{}, p.blocks)
	p.resets++
}

func (p *Pool) Stats() PoolStats {
	p.lock.Lock()
	defer p.lock.Unlock()

	return PoolStats{
		BlockSize: p.blockSize,
		Blocks:    p.blocks,
		Free:      len(p.free),
		Resets:    p.resets,
	}
}
