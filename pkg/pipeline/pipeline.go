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

// Package pipeline runs one decode session: a parser goroutine turning
// packets into tasks and a HAL goroutine driving the device, joined by the
// task queue and the frame and packet slot tables.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

const (
	lCoding = "coding"
	lCount  = "count"
	lPTS    = "pts"
	lSize   = "size"
	lSlot   = "slot"
	lTask   = "task"
	lOp     = "op"
)

var (
	// ErrUnsupportedCoding is a session for a coding nothing is registered for.
	ErrUnsupportedCoding = codec.ErrUnsupportedCoding
	// ErrNotRunning is a Put or control request on a pipeline whose Run has
	// not started or has returned.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrRunning is a second Run.
	ErrRunning = errors.New("pipeline already running")
)

type ctrlOp int

const (
	opFlush ctrlOp = iota
	opReset
	opControl
)

func (o ctrlOp) String() string {
	switch o {
	case opFlush:
		return "flush"
	case opReset:
		return "reset"
	case opControl:
		return "control"
	default:
		return "unknown"
	}
}

type ctrlReq struct {
	op    ctrlOp
	cmd   codec.Command
	arg   any
	doneC chan error
}

// Pipeline is one decode session.
type Pipeline struct {
	config Config
	log    zerolog.Logger
	coding codec.CodingType

	parser codec.Parser
	hal    codec.HAL

	frames  *slots.Table
	packets *slots.Table
	queue   *task.Queue
	alloc   buffer.Allocator
	scratch *buffer.Pool

	packetC chan codec.Packet
	frameC  chan *Frame
	ctrlC   chan ctrlReq
	runC    chan struct{} // closed when Run starts
	doneC   chan struct{} // closed when Run returns

	lock    sync.Mutex
	started bool
	closed  bool
	stats   counters
}

// New builds a session for coding. The allocator backs frame and stream
// buffers; dev runs the register programs. Neither is closed by the
// pipeline.
func New(config *Config, registry *codec.Registry, coding codec.CodingType,
	alloc buffer.Allocator, dev device.Device, logger *zerolog.Logger,
) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	if alloc == nil || dev == nil {
		return nil, errors.New("pipeline needs an allocator and a device")
	}

	l := logger.With().Str("pkg", "pipeline").Str(lCoding, coding.String()).Logger()

	if config.LogLevel != ConfigDefault().LogLevel {
		level, err := zerolog.ParseLevel(config.LogLevel)
		if err != nil {
			l.Error().Err(err).Msg("failed to parse log level, ignoring")
		} else {
			l = l.Level(level)
		}
	}

	parser, hal, err := registry.New(coding)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:  *config,
		log:     l,
		coding:  coding,
		parser:  parser,
		hal:     hal,
		alloc:   alloc,
		packetC: make(chan codec.Packet, config.PacketQueueDepth),
		frameC:  make(chan *Frame, config.FrameQueueDepth),
		ctrlC:   make(chan ctrlReq),
		runC:    make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	frameLog := l.With().Str("table", "frame").Logger()

	p.frames, err = slots.New(config.SlotCapacity, slots.Options{
		Name: "frame", Trace: config.Debug.TraceSlots, Logger: &frameLog,
	})
	if err != nil {
		return nil, err
	}

	packetLog := l.With().Str("table", "packet").Logger()
	packetCount := config.TaskCount + 1

	p.packets, err = slots.New(packetCount, slots.Options{
		Name: "packet", Trace: config.Debug.TraceSlots, Logger: &packetLog,
	})
	if err != nil {
		return nil, err
	}

	if err := p.packets.Setup(packetCount, config.StreamBufferSize, false); err != nil {
		return nil, err
	}

	taskLog := l.With().Str("stage", "task").Logger()

	p.queue, err = task.New(config.TaskCount, task.Options{
		Frames: p.frames, Packets: p.packets, Trace: config.Debug.TraceTasks, Logger: &taskLog,
	})
	if err != nil {
		return nil, err
	}

	if config.ScratchBlocks > 0 {
		if p.scratch, err = buffer.NewPool(config.ScratchBlockSize, config.ScratchBlocks); err != nil {
			return nil, err
		}
	}

	if err := parser.Init(codec.ParserEnv{
		Frames:       p.frames,
		SlotCount:    config.SlotCount,
		MaxFrameSize: config.MaxFrameSize,
		Logger:       l,
	}); err != nil {
		return nil, fmt.Errorf("%s init: %w", parser.Descriptor().Name, err)
	}

	if err := hal.Init(codec.HALEnv{
		Frames:  p.frames,
		Packets: p.packets,
		Device:  dev,
		Scratch: p.scratch,
		Timeout: config.DeviceTimeout,
		Logger:  l,
	}); err != nil {
		_ = parser.Deinit()

		return nil, fmt.Errorf("%s init: %w", hal.Descriptor().Name, err)
	}

	l.Info().Object("parser", parser.Descriptor()).Object("hal", hal.Descriptor()).
		Str("device", dev.Name()).Str("allocator", alloc.Name()).Msg("pipeline created")

	return p, nil
}

// Coding returns the coding the session decodes.
func (p *Pipeline) Coding() codec.CodingType {
	return p.coding
}

// Frames returns the output channel. It is closed when Run returns.
func (p *Pipeline) Frames() <-chan *Frame {
	return p.frameC
}

// Started is closed once Run has begun; Put and control requests are
// accepted from then on.
func (p *Pipeline) Started() <-chan struct{} {
	return p.runC
}

// Running reports whether Run is active.
func (p *Pipeline) Running() bool {
	select {
	case <-p.runC:
	default:
		return false
	}

	select {
	case <-p.doneC:
		return false
	default:
		return true
	}
}

// Run runs the parser and HAL goroutines until ctx is done or either fails.
// The consumer must keep reading Frames, or both stages stall.
func (p *Pipeline) Run(ctx context.Context) error {
	p.lock.Lock()
	if p.started || p.closed {
		p.lock.Unlock()

		return ErrRunning
	}

	p.started = true
	p.lock.Unlock()

	close(p.runC)

	defer close(p.frameC)
	defer close(p.doneC)

	p.log.Info().Msg("pipeline running")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.parserLoop(gctx) })
	g.Go(func() error { return p.halLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, task.ErrClosed) {
		err = nil
	}

	p.log.Info().Err(err).Msg("pipeline stopped")

	return err
}

// Put queues one packet. The pipeline owns pkt.Data from here on.
func (p *Pipeline) Put(ctx context.Context, pkt codec.Packet) error {
	select {
	case <-p.runC:
	default:
		return ErrNotRunning
	}

	select {
	case p.packetC <- pkt:
		p.lock.Lock()
		p.stats.packets++
		p.lock.Unlock()

		return nil
	case <-p.doneC:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request runs a control operation on the parser goroutine.
func (p *Pipeline) request(ctx context.Context, req ctrlReq) error {
	select {
	case <-p.runC:
	default:
		return ErrNotRunning
	}

	req.doneC = make(chan error, 1)

	select {
	case p.ctrlC <- req:
	case <-p.doneC:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.doneC:
		return err
	case <-p.doneC:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush discards queued work and drops the parser's reference pictures.
// Packets still queued ahead of the parser are decoded afterwards.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.request(ctx, ctrlReq{op: opFlush})
}

// Reset is Flush plus a full reset of slot state: reference counts, parser
// ownership and any pending info change are dropped.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.request(ctx, ctrlReq{op: opReset})
}

// Control forwards a command to the parser, then to the HAL if the parser
// does not know it.
func (p *Pipeline) Control(ctx context.Context, cmd codec.Command, arg any) error {
	return p.request(ctx, ctrlReq{op: opControl, cmd: cmd, arg: arg})
}

// Close releases the session. Call it after Run returns; pictures the
// consumer still holds stay valid until Released.
func (p *Pipeline) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()

		return nil
	}

	p.closed = true
	started := p.started
	p.lock.Unlock()

	if started {
		<-p.doneC
	}

	p.queue.Close()

	errs := []error{p.hal.Deinit(), p.parser.Deinit()}

	p.frames.Close()
	p.packets.Close()

	p.log.Info().Msg("pipeline closed")

	return errors.Join(errs...)
}

// emit hands f to the consumer.
func (p *Pipeline) emit(ctx context.Context, f *Frame) error {
	// Counted before the send so a consumer never sees a frame the stats
	// do not.
	p.lock.Lock()
	switch {
	case f.InfoChange:
		p.stats.infoChanges++
	case f.Slot.Valid():
		p.stats.frames++
		if f.Err.Any() {
			p.stats.degraded++
		}
	}
	p.lock.Unlock()

	select {
	case p.frameC <- f:
		p.log.Debug().Object("frame", f).Msg("frame out")

		return nil
	case <-ctx.Done():
		f.Release()

		return ctx.Err()
	}
}
