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

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/TurbineOne/hwdec/pkg/buffer"
	"github.com/TurbineOne/hwdec/pkg/codec"
	"github.com/TurbineOne/hwdec/pkg/codec/builtin"
	"github.com/TurbineOne/hwdec/pkg/control"
	"github.com/TurbineOne/hwdec/pkg/device"
	"github.com/TurbineOne/hwdec/pkg/interrupt"
	"github.com/TurbineOne/hwdec/pkg/pipeline"
)

var log zerolog.Logger //nolint:gochecknoglobals // Don't care.

func main() {
	initConfig() // May early exit if config init fails.

	src, coding, err := openSource(currentConfig.Input)
	if err != nil {
		log.Error().Err(err).Msg("failed to open input")

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := interrupt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Info().Err(err).Msg("stopping")
		}

		cancel()
	}()

	dev := device.NewLoopback(currentConfig.Device, &log)

	defer func() {
		_ = dev.Close()
	}()

	p, err := pipeline.New(&currentConfig.Pipeline, builtin.Registry(), coding,
		buffer.NewHeapAllocator(), dev, &log)
	if err != nil {
		log.Error().Err(err).Str("coding", coding.String()).Msg("failed to create pipeline")

		return
	}

	defer func() {
		_ = p.Close()
	}()

	svc := control.New(p, &log)
	server := grpc.NewServer()
	svc.Register(server)

	if currentConfig.Control.Enable {
		serviceSocket := filepath.Join(currentConfig.Control.SocketRoot, control.SocketName)
		if err := os.RemoveAll(serviceSocket); err != nil {
			log.Error().Err(err).Msg("failed to remove existing socket")
		}

		l, err := net.Listen("unix", serviceSocket)
		if err != nil {
			log.Error().Err(err).Msg("failed to listen on socket")

			return
		}

		go func() {
			log.Info().Str("socket", serviceSocket).Msg("starting server")

			if err := server.Serve(l); err != nil {
				log.Error().Err(err).Msg("gRPC server failed")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return feed(gctx, p, src) })
	g.Go(func() error {
		// The stream is done once the EOS frame is out.
		err := consume(gctx, p)
		cancel()

		return err
	})

	select {
	case <-p.Started():
		svc.SetServing(true)
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("decode failed")
	}

	svc.Shutdown()
	server.Stop()

	log.Info().Object("stats", p.Stats()).Msg("server stopped")
}

// feed puts every packet of src, flagging the last one as end of stream.
func feed(ctx context.Context, p *pipeline.Pipeline, src source) error {
	select {
	case <-p.Started():
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		pkt, err := src.Next()
		if errors.Is(err, io.EOF) {
			return p.Put(ctx, codec.Packet{EOS: true})
		}

		if err != nil {
			return err
		}

		if err := p.Put(ctx, pkt); err != nil {
			return err
		}
	}
}

// consume logs and releases frames until end of stream.
func consume(ctx context.Context, p *pipeline.Pipeline) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-p.Frames():
			if !ok {
				return nil
			}

			ev := log.Debug()
			if f.Degraded() {
				ev = log.Warn()
			}

			ev.Object("frame", f).Msg("frame")

			eos := f.EOS
			f.Release()

			if eos {
				return nil
			}
		}
	}
}
