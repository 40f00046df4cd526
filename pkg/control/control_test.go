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

package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/TurbineOne/hwdec/pkg/pipeline"
	"github.com/TurbineOne/hwdec/pkg/slots"
	"github.com/TurbineOne/hwdec/pkg/task"
)

type fakePipeline struct {
	lock     sync.Mutex
	flushes  int
	resets   int
	flushErr error
}

func (f *fakePipeline) Stats() pipeline.Stats {
	f.lock.Lock()
	defer f.lock.Unlock()

	return pipeline.Stats{
		Coding:   "vp8",
		Running:  true,
		Frames:   5,
		Flushes:  uint64(f.flushes), //nolint:gosec // Test counter.
		Tasks:    task.Stats{Count: 2, Free: 2, Completed: 5},
		Geometry: slots.Geometry{Count: 4, Size: 384},
		FrameSlots: []slots.SlotState{
			{Index: 0, Gen: 3, InUse: true, Flags: slots.FlagCodecUse, BufSize: 384},
			{Index: 1},
		},
	}
}

func (f *fakePipeline) Flush(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.flushErr != nil {
		return f.flushErr
	}

	f.flushes++

	return nil
}

func (f *fakePipeline) Reset(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.resets++

	return nil
}

func (f *fakePipeline) Running() bool { return true }

func serve(t *testing.T, p Pipeline) (*Service, *Client) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	nop := zerolog.Nop()
	svc := New(p, &nop)

	server := grpc.NewServer()
	svc.Register(server)

	go func() { _ = server.Serve(lis) }()

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Close()
		server.Stop()
	})

	return svc, c
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	_, c := serve(t, &fakePipeline{})

	st, err := c.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	m := st.AsMap()

	if m["coding"] != "vp8" || m["frames"] != float64(5) || m["running"] != true {
		t.Errorf("stats = %v", m)
	}

	tasks, _ := m["tasks"].(map[string]any)
	if tasks["completed"] != float64(5) {
		t.Errorf("tasks = %v", tasks)
	}

	list, _ := m["slots"].([]any)
	if len(list) != 1 {
		t.Fatalf("slots = %v, want only the slot in use", list)
	}

	if s0, _ := list[0].(map[string]any); s0["flags"] != "codec" || s0["gen"] != float64(3) {
		t.Errorf("slot 0 = %v", s0)
	}

	if _, ok := m["scratch"]; ok {
		t.Error("scratch reported without a pool")
	}
}

func TestFlushReset(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	_, c := serve(t, p)
	ctx := context.Background()

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	p.lock.Lock()
	flushes, resets := p.flushes, p.resets
	p.flushErr = pipeline.ErrNotRunning
	p.lock.Unlock()

	if flushes != 1 || resets != 1 {
		t.Errorf("flushes %d resets %d, want 1 and 1", flushes, resets)
	}

	err := c.Flush(ctx)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Flush on stopped pipeline = %v, want FailedPrecondition", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	svc, c := serve(t, &fakePipeline{})
	ctx := context.Background()

	if ok, err := c.Serving(ctx); err != nil || ok {
		t.Errorf("Serving before start = %t, %v", ok, err)
	}

	svc.SetServing(true)

	if ok, err := c.Serving(ctx); err != nil || !ok {
		t.Errorf("Serving after start = %t, %v", ok, err)
	}

	svc.Shutdown()

	if ok, _ := c.Serving(ctx); ok {
		t.Error("Serving after shutdown")
	}
}

func TestRewriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   error
		want codes.Code
	}{
		{nil, codes.OK},
		{pipeline.ErrNotRunning, codes.FailedPrecondition},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.NotFound, "kept"), codes.NotFound},
	}

	for _, tt := range tests {
		if got := status.Code(rewriteError(tt.in)); got != tt.want {
			t.Errorf("rewriteError(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
