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

// Package device is the boundary between HAL stages and the decode hardware.
// A job is an opaque register program plus the buffers it reads and writes;
// the pipeline only ever learns whether a job succeeded, failed or timed out.
package device

import (
	"context"
	"errors"

	"github.com/TurbineOne/hwdec/pkg/buffer"
)

var (
	// ErrHardwareTimeout means the device did not complete a job in time.
	// The picture is marked erroneous and decoding continues.
	ErrHardwareTimeout = errors.New("hardware timeout")
	// ErrUnknownTicket is a Wait on a ticket that was never issued or has
	// already been waited for.
	ErrUnknownTicket = errors.New("unknown device ticket")
	// ErrBadProgram is a job the device rejected.
	ErrBadProgram = errors.New("bad register program")
	// ErrClosed is any operation on a closed device.
	ErrClosed = errors.New("device closed")
)

// Job is one unit of hardware work.
type Job struct {
	Program []byte
	// Src is the compressed input, if the job reads one.
	Src *buffer.Buffer
	// Dst is the picture buffer the job writes.
	Dst *buffer.Buffer
	// Scratch is optional working memory.
	Scratch *buffer.Buffer
}

// Ticket identifies a submitted job.
type Ticket uint64

// Device accepts jobs and reports their completion. Implementations must
// allow Wait from a different goroutine than Submit.
type Device interface {
	Name() string
	Submit(ctx context.Context, job Job) (Ticket, error)
	// Wait blocks until the job completes. A ctx deadline expiring while the
	// job is outstanding is reported as ErrHardwareTimeout.
	Wait(ctx context.Context, t Ticket) error
	Close() error
}
