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
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/fnsched/core/utils"
)

// Client is a thin typed wrapper around a *grpc.ClientConn dialed
// against this package's hand-assembled ServiceDesc. One Client is
// held per upstream address a local or child domain talks to; on
// leader change the caller Closes the old one and Dials the new
// leader address out of the Topology a Register call returned.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address using the "json" codec as the default call
// codec and a keepalive policy tuned for a long-lived Heartbeat
// stream, mirroring the dialing idiom this tree's other gRPC client
// uses for its own control-plane connection.
func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// maxReconnectBackoff caps DialWithRetry's per-attempt wait.
const maxReconnectBackoff = 30 * time.Second

// DialWithRetry is the reconnect path a domain or local node's own
// upstream client goes through after invalidating a dead connection:
// it retries Dial up to maxAttempts times, waiting
// utils.CalculateBackoff between attempts, rather than surfacing the
// first transient dial failure straight back to the caller's own
// fixed-interval register loop.
func DialWithRetry(ctx context.Context, address string, maxAttempts int) (*Client, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := Dial(ctx, address)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(utils.CalculateBackoff(attempt, maxReconnectBackoff)):
		}
	}
	return nil, fmt.Errorf("dial %s failed after %d attempts: %w", address, maxAttempts, lastErr)
}

func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisteredResponse, error) {
	resp := new(RegisteredResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/Register", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Schedule(ctx context.Context, req *ScheduleRequest) (*ScheduleResponse, error) {
	resp := new(ScheduleResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/Schedule", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) TryCancelSchedule(ctx context.Context, req *TryCancelScheduleRequest) (*TryCancelScheduleResponse, error) {
	resp := new(TryCancelScheduleResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/TryCancelSchedule", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HeartbeatClientStream is the caller side of the bidirectional
// Heartbeat RPC.
type HeartbeatClientStream interface {
	Send(*HeartbeatPing) error
	Recv() (*HeartbeatPong, error)
	grpc.ClientStream
}

type heartbeatClientStream struct {
	grpc.ClientStream
}

func (s *heartbeatClientStream) Send(m *HeartbeatPing) error {
	return s.ClientStream.SendMsg(m)
}

func (s *heartbeatClientStream) Recv() (*HeartbeatPong, error) {
	m := new(HeartbeatPong)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Heartbeat opens the bidirectional ping/pong stream used by spec.md
// §4.5's liveness loop.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatClientStream, error) {
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, ServiceName+"/Heartbeat")
	if err != nil {
		return nil, err
	}
	return &heartbeatClientStream{ClientStream: stream}, nil
}
