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
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a control service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to target, e.g. "unix:///run/hwdec/hwdec.sock". Extra
// options come after the default insecure transport.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("control dial %s: %w", target, err)
	}

	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStats(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out); err != nil {
		return nil, err //nolint:wrapcheck // Keep the gRPC status.
	}

	return out, nil
}

func (c *Client) Flush(ctx context.Context) error {
	return c.conn.Invoke(ctx, methodFlush, &emptypb.Empty{}, new(emptypb.Empty)) //nolint:wrapcheck // Keep the gRPC status.
}

func (c *Client) Reset(ctx context.Context) error {
	return c.conn.Invoke(ctx, methodReset, &emptypb.Empty{}, new(emptypb.Empty)) //nolint:wrapcheck // Keep the gRPC status.
}

// Serving reports whether the control service reports SERVING.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err //nolint:wrapcheck // Keep the gRPC status.
	}

	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
