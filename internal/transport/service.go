/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"context"

	"google.golang.org/grpc"
)

// Handler is implemented by whichever tier accepts connections from
// below: a domain accepting a local's Register/Schedule/
// TryCancelSchedule/Heartbeat calls, or a parent domain accepting the
// same from a child domain forwarding upward.
type Handler interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisteredResponse, error)
	Schedule(ctx context.Context, req *ScheduleRequest) (*ScheduleResponse, error)
	TryCancelSchedule(ctx context.Context, req *TryCancelScheduleRequest) (*TryCancelScheduleResponse, error)
	Heartbeat(stream HeartbeatServerStream) error
}

// HeartbeatServerStream is the server side of the bidirectional
// Heartbeat RPC: receive pings from the caller, send pongs back.
type HeartbeatServerStream interface {
	Send(*HeartbeatPong) error
	Recv() (*HeartbeatPing, error)
	Context() context.Context
}

type heartbeatServerStream struct {
	grpc.ServerStream
}

func (s *heartbeatServerStream) Send(m *HeartbeatPong) error {
	return s.ServerStream.SendMsg(m)
}

func (s *heartbeatServerStream) Recv() (*HeartbeatPing, error) {
	m := new(HeartbeatPing)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerHandler(ctx context.Context, dec func(any) error, h Handler, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return h.Register(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: ServiceName + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func scheduleHandler(ctx context.Context, dec func(any) error, h Handler, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(ScheduleRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return h.Schedule(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: ServiceName + "/Schedule"}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.Schedule(ctx, req.(*ScheduleRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func tryCancelScheduleHandler(ctx context.Context, dec func(any) error, h Handler, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(TryCancelScheduleRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return h.TryCancelSchedule(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: ServiceName + "/TryCancelSchedule"}
	handler := func(ctx context.Context, req any) (any, error) {
		return h.TryCancelSchedule(ctx, req.(*TryCancelScheduleRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func heartbeatHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).Heartbeat(&heartbeatServerStream{ServerStream: stream})
}

// ServiceName is the gRPC service name this package registers under,
// in place of the package-qualified name protoc would generate.
const ServiceName = "fnsched.transport.Transport"

// serviceDesc is the hand-assembled equivalent of what
// protoc-gen-go-grpc emits for a .proto service definition — the only
// difference is the methods are wired to the Handler interface above
// instead of generated stubs, and messages travel over the "json"
// codec registered in codec.go instead of "proto".
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return registerHandler(ctx, dec, srv.(Handler), interceptor)
			},
		},
		{
			MethodName: "Schedule",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return scheduleHandler(ctx, dec, srv.(Handler), interceptor)
			},
		},
		{
			MethodName: "TryCancelSchedule",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return tryCancelScheduleHandler(ctx, dec, srv.(Handler), interceptor)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Heartbeat",
			Handler:       heartbeatHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fnsched/transport.proto",
}

// RegisterServer wires a Handler onto a *grpc.Server under the
// hand-assembled ServiceDesc.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
