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
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// ServerOption tweaks NewServer's grpc.Server construction.
type ServerOption func(*serverConfig)

type serverConfig struct {
	grpcOpts []grpc.ServerOption
}

// WithGRPCOptions appends raw grpc.ServerOptions, for callers that
// need TLS credentials or interceptors beyond this package's defaults.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) {
		c.grpcOpts = append(c.grpcOpts, opts...)
	}
}

// NewServer builds a *grpc.Server with h wired in under the
// hand-assembled ServiceDesc, forcing every call onto the "json" codec
// registered in codec.go. Heartbeat streams are long-lived, so the
// keepalive policy here matches what a ping/pong stream across a
// domain/local boundary needs: frequent enough to notice a dead peer
// without tripping on ordinary scheduling latency.
func NewServer(h Handler, opts ...ServerOption) *grpc.Server {
	cfg := &serverConfig{
		grpcOpts: []grpc.ServerOption{
			grpc.ForceServerCodec(jsonCodec{}),
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	srv := grpc.NewServer(cfg.grpcOpts...)
	RegisterServer(srv, h)
	return srv
}

// Serve is a small convenience wrapper around net.Listen + Server so
// cmd/ entrypoints don't each repeat the boilerplate.
func Serve(address string, h Handler, opts ...ServerOption) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return NewServer(h, opts...).Serve(lis)
}
