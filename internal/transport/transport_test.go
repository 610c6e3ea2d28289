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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/core/pkg/model"
)

// fakeHandler is a scripted Handler for exercising the client/server
// round trip over a real loopback listener rather than mocking grpc
// itself.
type fakeHandler struct {
	registerReq *RegisterRequest
}

func (h *fakeHandler) Register(ctx context.Context, req *RegisterRequest) (*RegisteredResponse, error) {
	h.registerReq = req
	return &RegisteredResponse{Code: "OK", Topology: Topology{LeaderAddress: "leader:7000"}}, nil
}

func (h *fakeHandler) Schedule(ctx context.Context, req *ScheduleRequest) (*ScheduleResponse, error) {
	return &ScheduleResponse{RequestID: req.RequestID, UnitID: "A1", Code: "OK"}, nil
}

func (h *fakeHandler) TryCancelSchedule(ctx context.Context, req *TryCancelScheduleRequest) (*TryCancelScheduleResponse, error) {
	return &TryCancelScheduleResponse{MsgID: req.MsgID}, nil
}

func (h *fakeHandler) Heartbeat(stream HeartbeatServerStream) error {
	for {
		ping, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(&HeartbeatPong{From: "domain", Sequence: ping.Sequence}); err != nil {
			return err
		}
	}
}

func newLoopbackPair(t *testing.T, h Handler) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(h)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial(context.Background(), lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRegisterRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	client := newLoopbackPair(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Register(ctx, &RegisterRequest{
		Name:    "local-1",
		Address: "127.0.0.1:9001",
		ResourceUnitMap: map[string]*model.ResourceUnit{
			"A1": model.NewResourceUnit("A1", "local-1"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Code)
	assert.Equal(t, "leader:7000", resp.Topology.LeaderAddress)
	require.NotNil(t, h.registerReq)
	assert.Equal(t, "local-1", h.registerReq.Name)
}

func TestScheduleAndTryCancelRoundTrip(t *testing.T) {
	client := newLoopbackPair(t, &fakeHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Schedule(ctx, &ScheduleRequest{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "A1", resp.UnitID)

	cancelResp, err := client.TryCancelSchedule(ctx, &TryCancelScheduleRequest{ID: "i1", MsgID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", cancelResp.MsgID)
}

func TestHeartbeatStreamRoundTrip(t *testing.T) {
	client := newLoopbackPair(t, &fakeHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := client.Heartbeat(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&HeartbeatPing{From: "local-1", Sequence: 1}))
	pong, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pong.Sequence)

	require.NoError(t, stream.Send(&HeartbeatPing{From: "local-1", Sequence: 2}))
	pong, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pong.Sequence)

	require.NoError(t, stream.CloseSend())
}
