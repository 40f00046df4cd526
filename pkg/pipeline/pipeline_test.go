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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/builtin"
	"github.com/TurbineOne/hwdec/pkg/codec/vp8"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/slots"
)

const frameWait = 5 * time.Second

type fixture struct {
	p     *Pipeline
	dev   *device.Loopback
	alloc *buffer.HeapAllocator
}

func testConfig() Config {
	c := ConfigDefault()
	c.StreamBufferSize = 64
	c.ScratchBlockSize = 64
	c.DeviceTimeout = time.Second

	return c
}

func start(t *testing.T, coding codec.CodingType, mod func(*Config)) *fixture {
	t.Helper()

	cfg := testConfig()
	if mod != nil {
		mod(&cfg)
	}

	nop := zerolog.Nop()
	dev := device.NewLoopback(device.LoopbackConfigDefault(), &nop)
	alloc := buffer.NewHeapAllocator()

	p, err := New(&cfg, builtin.Registry(), coding, alloc, dev, &nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runC := make(chan error, 1)

	go func() { runC <- p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-runC; err != nil {
			t.Errorf("Run: %v", err)
		}

		for f := range p.Frames() {
			f.Release()
		}

		_ = p.Close()
		_ = dev.Close()
	})

	// Put fails until Run is up.
	select {
	case <-p.Started():
	case <-time.After(frameWait):
		t.Fatal("Run did not start")
	}

	return &fixture{p: p, dev: dev, alloc: alloc}
}

func (f *fixture) put(t *testing.T, data []byte, pts int64, eos bool) {
	t.Helper()

	if err := f.p.Put(context.Background(), codec.Packet{Data: data, PTS: pts, EOS: eos}); err != nil {
		t.Fatalf("Put(pts %d): %v", pts, err)
	}
}

func (f *fixture) next(t *testing.T) *Frame {
	t.Helper()

	select {
	case fr, ok := <-f.p.Frames():
		if !ok {
			t.Fatal("frame channel closed")
		}

		return fr
	case <-time.After(frameWait):
		t.Fatal("no frame")
	}

	return nil
}

// eventually polls Stats until cond holds.
func eventually(t *testing.T, p *Pipeline, cond func(Stats) bool) Stats {
	t.Helper()

	deadline := time.Now().Add(frameWait)

	for {
		s := p.Stats()
		if cond(s) {
			return s
		}

		if time.Now().After(deadline) {
			t.Fatalf("condition not met, stats = %+v", s)
		}

		time.Sleep(time.Millisecond)
	}
}

func keyframe(w, h int) []byte {
	return vp8.AppendHeader(nil, vp8.Header{Keyframe: true, Show: true, FirstPartSize: 10, Width: w, Height: h})
}

func interframe(show bool) []byte {
	return vp8.AppendHeader(nil, vp8.Header{Show: show, FirstPartSize: 10})
}

func TestDecodeVP8Stream(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	packets := [][]byte{keyframe(32, 16), interframe(true), interframe(true)}
	for i, data := range packets {
		f.put(t, data, int64(i), i == len(packets)-1)
	}

	for i, data := range packets {
		fr := f.next(t)

		if fr.PTS != int64(i) || !fr.Slot.Valid() || fr.Degraded() {
			t.Fatalf("frame %d = %+v", i, fr)
		}

		if fr.Info.Width != 32 || fr.Info.Height != 16 || fr.Info.Keyframe != (i == 0) {
			t.Errorf("frame %d info = %+v", i, fr.Info)
		}

		if fr.Buffer == nil || fr.Buffer.Size() != codec.FrameSize(32, 16) {
			t.Fatalf("frame %d buffer = %v", i, fr.Buffer)
		}

		// The loopback device copies the stream buffer to the front of the
		// picture and fills the rest with the register count.
		got := fr.Buffer.Bytes()
		if !bytes.Equal(got[:len(data)], data) {
			t.Errorf("frame %d starts % x, want % x", i, got[:len(data)], data)
		}

		// One register per reference: none, last, then last and golden.
		wantFill := byte(6 + min(i, 2))

		if got[len(got)-1] != wantFill {
			t.Errorf("frame %d fill = %d, want %d", i, got[len(got)-1], wantFill)
		}

		if fr.EOS != (i == len(packets)-1) {
			t.Errorf("frame %d eos = %t", i, fr.EOS)
		}

		fr.Release()
		fr.Release()
	}

	// The last task completes just after its frame is handed out.
	s := eventually(t, f.p, func(s Stats) bool { return s.Tasks.Completed == 3 })
	if s.Packets != 3 || s.Pictures != 3 || s.Frames != 3 || s.Degraded != 0 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}

	// Last and golden stay with the parser.
	if s.FramesInUse != 2 {
		t.Errorf("frames in use = %d, want 2", s.FramesInUse)
	}
}

func TestHiddenFrameAndEOSMarker(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	f.put(t, keyframe(16, 16), 0, false)
	f.put(t, interframe(false), 1, false)
	f.put(t, nil, 0, true)

	fr := f.next(t)
	if fr.PTS != 0 {
		t.Errorf("first frame pts = %d, want 0", fr.PTS)
	}

	fr.Release()

	fr = f.next(t)
	if !fr.EOS || fr.Slot.Valid() {
		t.Errorf("want bare EOS marker, got %+v", fr)
	}

	fr.Release()

	if s := f.p.Stats(); s.Pictures != 2 || s.Frames != 1 || s.EOS != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestInfoChange(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	f.put(t, keyframe(32, 16), 0, false)
	f.put(t, interframe(true), 1, false)
	f.put(t, keyframe(64, 32), 2, false)

	held := []*Frame{f.next(t), f.next(t)}

	notice := f.next(t)
	if !notice.InfoChange || notice.Geometry.Size != codec.FrameSize(64, 32) {
		t.Fatalf("want info change to 64x32, got %+v", notice)
	}

	notice.Release()

	fr := f.next(t)
	if fr.PTS != 2 || fr.Buffer == nil || fr.Buffer.Size() != codec.FrameSize(64, 32) {
		t.Fatalf("frame after change = %+v", fr)
	}

	// Pictures of the old size held by the consumer stay intact.
	for _, h := range held {
		if h.Buffer.Size() != codec.FrameSize(32, 16) {
			t.Errorf("old picture resized to %d", h.Buffer.Size())
		}

		h.Release()
	}

	fr.Release()

	if s := f.p.Stats(); s.InfoChanges != 1 || s.InfoChange != slots.StateApplied {
		t.Errorf("stats = %+v", s)
	}
}

func TestCancelDuringInfoChange(t *testing.T) {
	t.Parallel()

	var errorLogs atomic.Int32

	l := zerolog.New(io.Discard).Hook(zerolog.HookFunc(func(_ *zerolog.Event, level zerolog.Level, _ string) {
		if level >= zerolog.ErrorLevel {
			errorLogs.Add(1)
		}
	}))

	// Nobody reads frames, so the first picture blocks the HAL stage and the
	// info change can never drain.
	cfg := testConfig()
	cfg.FrameQueueDepth = 0

	nop := zerolog.Nop()
	dev := device.NewLoopback(device.LoopbackConfigDefault(), &nop)

	t.Cleanup(func() { _ = dev.Close() })

	p, err := New(&cfg, builtin.Registry(), codec.CodingVP8, buffer.NewHeapAllocator(), dev, &l)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runC := make(chan error, 1)

	go func() { runC <- p.Run(ctx) }()

	<-p.Started()

	for i, data := range [][]byte{keyframe(32, 16), keyframe(64, 32)} {
		if err := p.Put(ctx, codec.Packet{Data: data, PTS: int64(i)}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	eventually(t, p, func(s Stats) bool { return s.InfoChange == slots.StatePending })

	cancel()

	if err := <-runC; err != nil {
		t.Errorf("Run: %v", err)
	}

	for fr := range p.Frames() {
		fr.Release()
	}

	if n := p.Stats().FramesInUse; n != 0 {
		t.Errorf("frame slots in use after cancel = %d, want 0", n)
	}

	// Deinit must not find the parser holding a reclaimed slot.
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	if n := errorLogs.Load(); n != 0 {
		t.Errorf("%d error logs, want none", n)
	}
}

// rejectingDevice refuses every job.
type rejectingDevice struct {
	*device.Loopback
}

func (d rejectingDevice) Submit(context.Context, device.Job) (device.Ticket, error) {
	return 0, device.ErrBadProgram
}

func TestRejectedJobIsHardwareError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	nop := zerolog.Nop()
	dev := rejectingDevice{device.NewLoopback(device.LoopbackConfigDefault(), &nop)}

	t.Cleanup(func() { _ = dev.Close() })

	p, err := New(&cfg, builtin.Registry(), codec.CodingVP8, buffer.NewHeapAllocator(), dev, &nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runC := make(chan error, 1)

	go func() { runC <- p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-runC

		for fr := range p.Frames() {
			fr.Release()
		}

		_ = p.Close()
	})

	<-p.Started()

	if err := p.Put(ctx, codec.Packet{Data: keyframe(16, 16)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case fr := <-p.Frames():
		if !fr.Err.HWError || fr.Err.HWTimeout {
			t.Errorf("err = %+v, want HWError only", fr.Err)
		}

		fr.Release()
	case <-time.After(frameWait):
		t.Fatal("no frame")
	}
}

func TestDeviceTimeoutPropagatesToReferences(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, func(c *Config) { c.DeviceTimeout = 20 * time.Millisecond })
	f.dev.Stall(1)

	f.put(t, keyframe(16, 16), 0, false)
	f.put(t, interframe(true), 1, false)

	key := f.next(t)
	if !key.Err.HWTimeout {
		t.Errorf("key frame err = %+v, want HWTimeout", key.Err)
	}

	inter := f.next(t)
	if !inter.Err.RefErr || inter.Err.HWTimeout {
		t.Errorf("inter frame err = %+v, want RefErr only", inter.Err)
	}

	key.Release()
	inter.Release()

	// The referencing picture is skipped, not sent to the device.
	if st := f.dev.Stats(); st.Submitted != 1 || st.TimedOut != 1 {
		t.Errorf("device stats = %+v", st)
	}

	if s := f.p.Stats(); s.Degraded != 2 {
		t.Errorf("degraded = %d, want 2", s.Degraded)
	}
}

func TestCorruptPackets(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	f.put(t, []byte{0x00}, 0, false) // Before any key frame: dropped.
	f.put(t, keyframe(16, 16), 1, false)
	f.put(t, []byte{0x00}, 2, false) // After setup: delivered broken.

	f.next(t).Release()

	fr := f.next(t)
	if fr.PTS != 2 || !fr.Err.ParseErr {
		t.Errorf("corrupt frame = %+v", fr)
	}

	fr.Release()

	if s := f.p.Stats(); s.Dropped != 1 || s.Frames != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestFlushDropsReferences(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	f.put(t, keyframe(16, 16), 0, false)
	f.next(t).Release()

	if err := f.p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// With no reference left the inter frame is dropped.
	f.put(t, interframe(true), 1, false)
	f.put(t, keyframe(16, 16), 2, false)

	fr := f.next(t)
	if fr.PTS != 2 {
		t.Errorf("after flush got pts %d, want 2", fr.PTS)
	}

	fr.Release()

	if s := f.p.Stats(); s.Flushes != 1 || s.Dropped != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestResetReleasesSlots(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)

	f.put(t, keyframe(16, 16), 0, false)
	f.put(t, interframe(true), 1, false)
	f.next(t).Release()
	f.next(t).Release()

	if err := f.p.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	s := f.p.Stats()
	if s.Resets != 1 || s.FramesInUse != 0 || s.PacketsInUse != 0 {
		t.Errorf("stats after reset = %+v", s)
	}

	// Decoding resumes at the next key frame.
	f.put(t, keyframe(16, 16), 2, false)

	if fr := f.next(t); fr.PTS != 2 {
		t.Errorf("after reset got pts %d, want 2", fr.PTS)
	} else {
		fr.Release()
	}
}

func TestControl(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingVP8, nil)
	ctx := context.Background()

	f.put(t, keyframe(48, 32), 0, false)
	f.next(t).Release()

	var g slots.Geometry
	if err := f.p.Control(ctx, codec.CmdGetGeometry, &g); err != nil {
		t.Fatalf("GetGeometry: %v", err)
	}

	if g.Size != codec.FrameSize(48, 32) {
		t.Errorf("geometry = %+v", g)
	}

	// Handled by the HAL.
	if err := f.p.Control(ctx, codec.CmdSetSkipOnError, false); err != nil {
		t.Errorf("SetSkipOnError: %v", err)
	}

	if err := f.p.Control(ctx, codec.CmdSetImmediateOut, true); err != nil {
		t.Fatalf("SetImmediateOut: %v", err)
	}

	f.put(t, interframe(false), 1, false)

	if fr := f.next(t); fr.PTS != 1 {
		t.Errorf("hidden frame not shown in immediate mode: %+v", fr)
	} else {
		fr.Release()
	}

	if err := f.p.Control(ctx, codec.Command(99), nil); !errors.Is(err, codec.ErrUnsupportedCommand) {
		t.Errorf("unknown command = %v, want ErrUnsupportedCommand", err)
	}
}

func TestDecodeJPEG(t *testing.T) {
	t.Parallel()

	f := start(t, codec.CodingJPEG, nil)

	img := []byte{
		0xff, 0xd8,
		0xff, 0xc0, 0x00, 0x0b, 8, 0, 16, 0, 32, 1, 1, 0x11, 0,
		0xff, 0xda, 0x00, 0x08, 1, 1, 0, 0, 0x3f, 0,
		0x12, 0x34, 0xff, 0xd9,
	}

	f.put(t, img, 7, false)
	f.put(t, img, 8, true)

	for _, pts := range []int64{7, 8} {
		fr := f.next(t)
		if fr.PTS != pts || fr.Info.Width != 32 || fr.Info.Height != 16 || fr.Degraded() {
			t.Errorf("frame = %+v", fr)
		}

		fr.Release()
	}

	// JPEG keeps no references.
	eventually(t, f.p, func(s Stats) bool { return s.FramesInUse == 0 && s.PacketsInUse == 0 })
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	nop := zerolog.Nop()
	dev := device.NewLoopback(device.LoopbackConfigDefault(), &nop)

	defer dev.Close()

	cfg := testConfig()

	if _, err := New(&cfg, builtin.Registry(), codec.CodingH264, buffer.NewHeapAllocator(), dev, &nop); !errors.Is(err, ErrUnsupportedCoding) {
		t.Errorf("New(h264) = %v, want ErrUnsupportedCoding", err)
	}

	bad := testConfig()
	bad.TaskCount = 0
	bad.LogLevel = "loud"

	if _, err := New(&bad, builtin.Registry(), codec.CodingVP8, buffer.NewHeapAllocator(), dev, &nop); err == nil {
		t.Error("bad config accepted")
	}

	p, err := New(&cfg, builtin.Registry(), codec.CodingVP8, buffer.NewHeapAllocator(), dev, &nop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Put(context.Background(), codec.Packet{Data: []byte{1}}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Put before Run = %v, want ErrNotRunning", err)
	}

	if err := p.Flush(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Flush before Run = %v, want ErrNotRunning", err)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	if err := p.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Run after Close = %v, want ErrRunning", err)
	}
}
