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

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const (
	methodGetStats = "/" + ServiceName + "/GetStats"
	methodFlush    = "/" + ServiceName + "/Flush"
	methodReset    = "/" + ServiceName + "/Reset"
)

// ServiceDesc describes the control service. The messages are well known
// types, so there is no generated code.
//
//nolint:gochecknoglobals // grpc.ServiceDesc is registered by address.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "Flush", Handler: flushHandler},
		{MethodName: "Reset", Handler: resetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hwdec/control/v1/control.proto",
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(ControlServer).GetStats(ctx, in) //nolint:forcetypeassert // HandlerType guarantees it.
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetStats(ctx, req.(*emptypb.Empty)) //nolint:forcetypeassert // As above.
	}

	return interceptor(ctx, in, info, handler)
}

func flushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(ControlServer).Flush(ctx, in) //nolint:forcetypeassert // HandlerType guarantees it.
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFlush}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Flush(ctx, req.(*emptypb.Empty)) //nolint:forcetypeassert // As above.
	}

	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(ControlServer).Reset(ctx, in) //nolint:forcetypeassert // HandlerType guarantees it.
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReset}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Reset(ctx, req.(*emptypb.Empty)) //nolint:forcetypeassert // As above.
	}

	return interceptor(ctx, in, info, handler)
}
