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

package interrupt

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func TestRunReturnsOnSignal(t *testing.T) {
	// Catch the signal here too, so one sent before run subscribes does not
	// kill the test binary.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR1)

	defer signal.Stop(guard)

	errC := make(chan error, 1)

	go func() { errC <- run(context.Background(), syscall.SIGUSR1) }()

	// run subscribes asynchronously; keep signalling until it sees one.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)

	defer tick.Stop()

	for {
		select {
		case err := <-errC:
			var sigErr *SignalError
			if !errors.As(err, &sigErr) || sigErr.Signal != syscall.SIGUSR1 {
				t.Errorf("run = %v, want SIGUSR1", err)
			}

			return
		case <-tick.C:
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGUSR1)
		case <-deadline:
			t.Fatal("run did not return")
		}
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}
