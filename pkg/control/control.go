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

// Package control serves the gRPC control surface of a running pipeline:
// statistics, flush and reset, plus the standard health service.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/TurbineOne/hwdec/pkg/pipeline"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "hwdec.control.v1.Control"
	// SocketName is the unix socket the service listens on.
	SocketName = "hwdec.sock"

	grpcErrorFormat = "%s"
)

// Pipeline is the part of a pipeline the service drives.
type Pipeline interface {
	Stats() pipeline.Stats
	Flush(ctx context.Context) error
	Reset(ctx context.Context) error
	Running() bool
}

// ControlServer is the server API of the control service.
type ControlServer interface {
	GetStats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Flush(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	Reset(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
}

// Service implements ControlServer on top of a pipeline.
type Service struct {
	pipeline Pipeline
	health   *health.Server
	log      zerolog.Logger
}

var _ ControlServer = (*Service)(nil)

// New returns a service for p. It reports NOT_SERVING until SetServing.
func New(p Pipeline, logger *zerolog.Logger) *Service {
	s := &Service{
		pipeline: p,
		health:   health.NewServer(),
		log:      logger.With().Str("pkg", "control").Logger(),
	}

	s.SetServing(false)

	return s
}

// Register adds the control and health services to server.
func (s *Service) Register(server *grpc.Server) {
	server.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
}

// SetServing updates the health status of the control service.
func (s *Service) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Shutdown marks every service NOT_SERVING for good.
func (s *Service) Shutdown() {
	s.health.Shutdown()
}

// rewriteError maps pipeline errors to gRPC status codes.
func rewriteError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, pipeline.ErrNotRunning):
		return status.Errorf(codes.FailedPrecondition, grpcErrorFormat, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, grpcErrorFormat, err.Error())
	}
}

// StatsStruct renders s as a protobuf Struct.
func StatsStruct(s pipeline.Stats) (*structpb.Struct, error) {
	slotList := make([]any, 0, len(s.FrameSlots))

	for _, st := range s.FrameSlots {
		if !st.InUse {
			continue
		}

		slotList = append(slotList, map[string]any{
			"index":   st.Index,
			"gen":     st.Gen,
			"flags":   st.Flags.String(),
			"refs":    st.Refs,
			"pts":     st.PTS,
			"bufSize": st.BufSize,
		})
	}

	m := map[string]any{
		"coding":      s.Coding,
		"running":     s.Running,
		"packets":     s.Packets,
		"pictures":    s.Pictures,
		"dropped":     s.Dropped,
		"frames":      s.Frames,
		"degraded":    s.Degraded,
		"infoChanges": s.InfoChanges,
		"eos":         s.EOS,
		"flushes":     s.Flushes,
		"resets":      s.Resets,
		"discarded":   s.Discarded,
		"tasks": map[string]any{
			"count":     s.Tasks.Count,
			"free":      s.Tasks.Free,
			"filling":   s.Tasks.Filling,
			"queued":    s.Tasks.Queued,
			"inflight":  s.Tasks.InFlight,
			"submitted": s.Tasks.Submitted,
			"completed": s.Tasks.Completed,
			"flushed":   s.Tasks.Flushed,
			"canceled":  s.Tasks.Canceled,
		},
		"geometry": map[string]any{
			"count": s.Geometry.Count,
			"size":  s.Geometry.Size,
		},
		"infoChange":   s.InfoChange.String(),
		"framesInUse":  s.FramesInUse,
		"packetsInUse": s.PacketsInUse,
		"slots":        slotList,
	}

	if s.ScratchActive {
		m["scratch"] = map[string]any{
			"blockSize": s.Scratch.BlockSize,
			"blocks":    s.Scratch.Blocks,
			"free":      s.Scratch.Free,
			"resets":    s.Scratch.Resets,
		}
	}

	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	return st, nil
}

func (s *Service) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := StatsStruct(s.pipeline.Stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, grpcErrorFormat, err.Error())
	}

	return st, nil
}

func (s *Service) Flush(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.pipeline.Flush(ctx); err != nil {
		s.log.Warn().Err(err).Msg("flush request failed")

		return nil, rewriteError(err)
	}

	s.log.Info().Msg("flushed by request")

	return &emptypb.Empty{}, nil
}

func (s *Service) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.pipeline.Reset(ctx); err != nil {
		s.log.Warn().Err(err).Msg("reset request failed")

		return nil, rewriteError(err)
	}

	s.log.Info().Msg("reset by request")

	return &emptypb.Empty{}, nil
}

// Config configures the control socket.
type Config struct { //nolint:govet // Don't care about alignment.
	Enable     bool   `yaml:"enable" json:"enable" env:"CONTROL_ENABLE" doc:"Serve the control service on a unix socket"`
	SocketRoot string `yaml:"socketRoot" json:"socketRoot" env:"CONTROL_SOCKET_ROOT" doc:"Directory holding the control socket"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		Enable:     true,
		SocketRoot: "/tmp",
	}
}
