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

package domainservice

import (
	"context"
	"time"

	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/transport"
	"github.com/fnsched/core/pkg/model"
)

// RunUpward drives this node's upward-facing lifecycle: register,
// retry on failure up to MaxRegisterTimes, then run the heartbeat
// ping/pong loop until it is lost, at which point it re-registers.
// Returns only when ctx is cancelled or registration is exhausted
// (spec.md §4.5 / §7 "Fatal errors ... register exhaustion").
func (s *Service) RunUpward(ctx context.Context, resourceUnitMap map[string]*model.ResourceUnit) fnerrors.Status {
	if s.cfg.UpstreamAddress == "" {
		<-ctx.Done()
		return fnerrors.OK
	}
	s.resourceUnitMap = resourceUnitMap

	for {
		if status := s.registerOnce(ctx); status.IsError() {
			s.mu.Lock()
			s.registerTry++
			exhausted := s.registerTry >= s.cfg.MaxRegisterTimes
			s.mu.Unlock()
			if exhausted {
				s.logger.Error("register exhausted, failing node", "name", s.cfg.Name, "tries", s.cfg.MaxRegisterTimes)
				return fnerrors.New(fnerrors.CodeInnerSystemError, "register exhausted after %d attempts", s.cfg.MaxRegisterTimes)
			}
			select {
			case <-ctx.Done():
				return fnerrors.OK
			case <-time.After(s.cfg.RegisterInterval):
				continue
			}
		}

		s.mu.Lock()
		s.registerTry = 0
		s.mu.Unlock()

		lost := s.runHeartbeatLoop(ctx)
		if !lost {
			return fnerrors.OK // ctx cancelled
		}
		s.logger.Warn("heartbeat lost, re-registering", "name", s.cfg.Name)
		s.invalidateUpstream()
	}
}

func (s *Service) registerOnce(ctx context.Context) fnerrors.Status {
	client, err := s.upstreamClient(ctx)
	if err != nil {
		s.logger.Warn("failed to dial upstream for register", "error", err)
		return fnerrors.New(fnerrors.CodeTransportError, "%s", err)
	}

	resp, err := client.Register(ctx, &transport.RegisterRequest{
		Name:            s.cfg.Name,
		Address:         s.cfg.Address,
		ResourceUnitMap: s.resourceUnitMap,
	})
	if err != nil {
		s.logger.Warn("register call failed", "error", err)
		s.invalidateUpstream()
		return fnerrors.New(fnerrors.CodeTransportError, "%s", err)
	}
	if resp.Code != string(fnerrors.CodeOK) {
		return fnerrors.New(fnerrors.Code(resp.Code), "%s", resp.Message)
	}

	// A topology naming a different leader triggers a follow-up
	// registration to that leader.
	if resp.Topology.LeaderAddress != "" && resp.Topology.LeaderAddress != s.cfg.UpstreamAddress {
		s.logger.Info("register response names a different leader, re-registering there", "leader", resp.Topology.LeaderAddress)
		s.cfg.UpstreamAddress = resp.Topology.LeaderAddress
		s.invalidateUpstream()
		return s.registerOnce(ctx)
	}
	return fnerrors.OK
}

// runHeartbeatLoop drives the ping side of the ping/pong protocol
// against the upstream connection. Returns true if the connection was
// lost (caller should re-register), false if ctx was cancelled.
func (s *Service) runHeartbeatLoop(ctx context.Context) bool {
	client, err := s.upstreamClient(ctx)
	if err != nil {
		return true
	}
	stream, err := client.Heartbeat(ctx)
	if err != nil {
		return true
	}

	pongs := make(chan *transport.HeartbeatPong, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			pong, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case pongs <- pong:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.ReceivedPingTimeout / 2)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return true
		case <-ticker.C:
			seq++
			if err := stream.Send(&transport.HeartbeatPing{From: s.cfg.Name, Sequence: seq}); err != nil {
				return true
			}
			select {
			case <-pongs:
				if s.cfg.Progress != nil {
					if err := s.cfg.Progress.ReportProgress(); err != nil {
						s.logger.Warn("failed to report progress", "name", s.cfg.Name, "error", err)
					}
				}
			case <-time.After(s.cfg.ReceivedPingTimeout):
				s.logger.Warn("ping pong lost", "name", s.cfg.Name)
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
}
