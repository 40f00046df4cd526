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

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/codec/regprog"
)

const lTicket = "ticket"

// LoopbackConfig configures the simulated device.
type LoopbackConfig struct {
	Latency    time.Duration `yaml:"latency" json:"latency" doc:"Simulated time the device spends on each job"`
	QueueDepth int           `yaml:"queueDepth" json:"queueDepth" doc:"Jobs accepted before Submit blocks"`
}

// LoopbackConfigDefault returns the default values for a LoopbackConfig.
func LoopbackConfigDefault() LoopbackConfig {
	return LoopbackConfig{
		Latency:    0,
		QueueDepth: 4,
	}
}

// LoopbackStats counts jobs by outcome.
type LoopbackStats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Stalled   uint64
}

type pending struct {
	job  Job
	done chan error
	once sync.Once
}

// release drops the references Submit took on the job buffers.
func (p *pending) release() {
	p.once.Do(func() {
		for _, b := range []*buffer.Buffer{p.job.Src, p.job.Dst, p.job.Scratch} {
			if b != nil {
				_ = b.DecRef()
			}
		}
	})
}

// Loopback is a device that runs jobs on its own goroutine. A job checks the
// register program, copies Src into the front of Dst and fills the rest of
// Dst with the register count. Completion is delivered from the device
// goroutine, like an interrupt.
type Loopback struct {
	cfg LoopbackConfig
	log zerolog.Logger

	jobC  chan *pending
	doneC chan struct{}
	wg    sync.WaitGroup

	lock     sync.Mutex
	next     Ticket
	inflight map[Ticket]*pending
	stalled  []*pending
	stall    int
	closed   bool
	stats    LoopbackStats
}

var _ Device = (*Loopback)(nil)

// NewLoopback starts a loopback device.
func NewLoopback(cfg LoopbackConfig, logger *zerolog.Logger) *Loopback {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}

	d := &Loopback{
		cfg:      cfg,
		log:      l.With().Str("device", "loopback").Logger(),
		jobC:     make(chan *pending, cfg.QueueDepth),
		doneC:    make(chan struct{}),
		inflight: make(map[Ticket]*pending),
	}

	d.wg.Add(1)

	go d.run()

	return d
}

func (d *Loopback) Name() string {
	return "loopback"
}

// Stall makes the next n jobs never complete. Their waiters time out.
func (d *Loopback) Stall(n int) {
	d.lock.Lock()
	d.stall += n
	d.lock.Unlock()
}

func (d *Loopback) Stats() LoopbackStats {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.stats
}

// Submit queues a job. The device holds a reference on each job buffer until
// the job has run.
func (d *Loopback) Submit(ctx context.Context, job Job) (Ticket, error) {
	p := &pending{job: job, done: make(chan error, 1)}

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()

		return 0, ErrClosed
	}

	held := make([]*buffer.Buffer, 0, 3)

	for _, b := range []*buffer.Buffer{job.Src, job.Dst, job.Scratch} {
		if b == nil {
			continue
		}

		if err := b.IncRef(); err != nil {
			d.lock.Unlock()

			for _, h := range held {
				_ = h.DecRef()
			}

			return 0, fmt.Errorf("job buffer %d: %w", b.ID(), err)
		}

		held = append(held, b)
	}

	d.next++
	t := d.next
	d.inflight[t] = p
	d.stats.Submitted++
	d.lock.Unlock()

	select {
	case d.jobC <- p:
		return t, nil
	case <-ctx.Done():
	case <-d.doneC:
	}

	d.lock.Lock()
	delete(d.inflight, t)
	d.lock.Unlock()
	p.release()

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	return 0, ErrClosed
}

func (d *Loopback) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.doneC:
			return
		case p := <-d.jobC:
			d.execute(p)
		}
	}
}

// execute runs one job. The job may already have been waited out; it still
// runs so its buffers are released.
func (d *Loopback) execute(p *pending) {
	if d.cfg.Latency > 0 {
		timer := time.NewTimer(d.cfg.Latency)

		select {
		case <-timer.C:
		case <-d.doneC:
			timer.Stop()

			return
		}
	}

	d.lock.Lock()
	stalled := d.stall > 0
	if stalled {
		d.stall--
		d.stats.Stalled++
		d.stalled = append(d.stalled, p)
	}
	d.lock.Unlock()

	if stalled {
		return
	}

	err := runJob(p.job)
	p.release()

	d.lock.Lock()
	if err != nil {
		d.stats.Failed++
	} else {
		d.stats.Completed++
	}
	d.lock.Unlock()

	p.done <- err
}

func runJob(job Job) error {
	prog, err := regprog.Decode(job.Program)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadProgram, err)
	}

	if job.Dst == nil {
		return nil
	}

	dst := job.Dst.Bytes()

	var n int
	if job.Src != nil {
		n = copy(dst, job.Src.Bytes())
	}

	fill := byte(len(prog.Regs))
	for i := n; i < len(dst); i++ {
		dst[i] = fill
	}

	if job.Scratch != nil {
		clear(job.Scratch.Bytes())
	}

	return nil
}

// Wait blocks until ticket t completes.
func (d *Loopback) Wait(ctx context.Context, t Ticket) error {
	d.lock.Lock()
	p, ok := d.inflight[t]
	d.lock.Unlock()

	if !ok {
		return fmt.Errorf("ticket %d: %w", t, ErrUnknownTicket)
	}

	var err error

	select {
	case err = <-p.done:
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("ticket %d: %w", t, ErrHardwareTimeout)
		}
	case <-d.doneC:
		err = ErrClosed
	}

	d.lock.Lock()
	delete(d.inflight, t)

	if errors.Is(err, ErrHardwareTimeout) {
		d.stats.TimedOut++
	}
	d.lock.Unlock()

	if errors.Is(err, ErrHardwareTimeout) {
		d.log.Warn().Uint64(lTicket, uint64(t)).Msg("device job timed out")
	}

	return err
}

// Close stops the device. Jobs that never ran are dropped and their buffer
// references released.
func (d *Loopback) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()

		return nil
	}

	d.closed = true
	close(d.doneC)
	d.lock.Unlock()

	d.wg.Wait()

	d.lock.Lock()
	abandoned := make([]*pending, 0, len(d.inflight)+len(d.stalled))

	for _, p := range d.inflight {
		abandoned = append(abandoned, p)
	}

	abandoned = append(abandoned, d.stalled...)
	d.stalled = nil
	d.lock.Unlock()

	for drained := false; !drained; {
		select {
		case p := <-d.jobC:
			abandoned = append(abandoned, p)
		default:
			drained = true
		}
	}

	for _, p := range abandoned {
		p.release()
	}

	return nil
}
