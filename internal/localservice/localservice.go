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

// Package localservice implements the leaf tier: it owns the
// function-agent-facing ScheduleQueue/BundleManager directly (no
// component registers beneath it), and registers/heartbeats upward to
// its domain the same way a non-leader domain does to its own parent
// (spec.md §4.5).
package localservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/transport"
	"github.com/fnsched/core/pkg/model"
	"github.com/fnsched/core/utils/progress_check"
)

const (
	defaultReceivedPingTimeout = 6 * time.Second
	defaultRegisterInterval    = 2 * time.Second
	defaultMaxRegisterTimes    = 10
	dialRetryAttempts          = 3
)

// Scheduler is the local placement authority: spec.md §4.3's
// ScheduleQueue, consulted directly since a local owns its agents.
type Scheduler interface {
	Submit(ctx context.Context, item *model.QueueItem) (model.ScheduleResponse, error)
	SubmitGroup(ctx context.Context, group *model.QueueItem) (map[string]model.ScheduleResponse, fnerrors.Status)
}

// Config mirrors domainservice.Config's registration/heartbeat knobs.
type Config struct {
	Name                string
	Address             string
	DomainAddress       string
	ReceivedPingTimeout time.Duration
	RegisterInterval    time.Duration
	MaxRegisterTimes    int

	// Progress is optional: when set, every received heartbeat pong
	// reports liveness to it for an external process-health check.
	Progress *progress_check.ProgressWriter
}

// Service is the local-tier actor.
type Service struct {
	cfg    Config
	logger *slog.Logger
	queue  Scheduler

	domainMu sync.Mutex
	domain   *transport.Client

	mu           sync.Mutex
	inFlightReqs map[string]*model.CancelTag
	registerTry  int
}

// New builds a local service over queue, the local ScheduleQueue/
// BundleManager facade already wired to this node's own ResourceView.
func New(cfg Config, queue Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReceivedPingTimeout <= 0 {
		cfg.ReceivedPingTimeout = defaultReceivedPingTimeout
	}
	if cfg.RegisterInterval <= 0 {
		cfg.RegisterInterval = defaultRegisterInterval
	}
	if cfg.MaxRegisterTimes <= 0 {
		cfg.MaxRegisterTimes = defaultMaxRegisterTimes
	}
	return &Service{
		cfg:          cfg,
		logger:       logger,
		queue:        queue,
		inFlightReqs: make(map[string]*model.CancelTag),
	}
}

// Schedule is the entrypoint the in-process executor/proxy calls to
// place an instance. Duplicate requestIds are rejected without retry
// (spec.md §4.5 "Idempotence"), mirroring domainservice.Service.
func (s *Service) Schedule(ctx context.Context, req *model.ScheduleRequest) (model.ScheduleResponse, fnerrors.Status) {
	s.mu.Lock()
	if _, dup := s.inFlightReqs[req.RequestID]; dup {
		s.mu.Unlock()
		return model.ScheduleResponse{RequestID: req.RequestID, Code: string(fnerrors.CodeParameterError)},
			fnerrors.New(fnerrors.CodeParameterError, "request %s already in flight", req.RequestID)
	}
	tag := model.NewCancelTag()
	s.inFlightReqs[req.RequestID] = tag
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlightReqs, req.RequestID)
		s.mu.Unlock()
	}()

	item := &model.QueueItem{RequestID: req.RequestID, CancelTag: tag, Instance: &req.Instance}
	resp, err := s.queue.Submit(ctx, item)
	if err != nil {
		return model.ScheduleResponse{RequestID: req.RequestID, Code: string(fnerrors.CodeRequestTimeout)},
			fnerrors.New(fnerrors.CodeRequestTimeout, "%s", err)
	}
	return resp, fnerrors.OK
}

// TryCancelSchedule fires the CancelTag for a locally in-flight
// request, if any, unconditionally.
func (s *Service) TryCancelSchedule(requestID string) {
	s.mu.Lock()
	tag, ok := s.inFlightReqs[requestID]
	s.mu.Unlock()
	if ok {
		tag.Fire()
	}
}

func (s *Service) domainClient(ctx context.Context) (*transport.Client, error) {
	s.domainMu.Lock()
	defer s.domainMu.Unlock()
	if s.domain != nil {
		return s.domain, nil
	}
	if s.cfg.DomainAddress == "" {
		return nil, fmt.Errorf("no domain address configured for %s", s.cfg.Name)
	}
	client, err := transport.DialWithRetry(ctx, s.cfg.DomainAddress, dialRetryAttempts)
	if err != nil {
		return nil, err
	}
	s.domain = client
	return client, nil
}

func (s *Service) invalidateDomainClient() {
	s.domainMu.Lock()
	defer s.domainMu.Unlock()
	if s.domain != nil {
		s.domain.Close()
		s.domain = nil
	}
}

// RunUpward registers with the configured domain, retrying up to
// MaxRegisterTimes, then drives the heartbeat ping loop until it is
// lost, re-registering each time it is. Returns only when ctx is
// cancelled or registration is exhausted.
func (s *Service) RunUpward(ctx context.Context, resourceUnitMap map[string]*model.ResourceUnit) fnerrors.Status {
	for {
		if status := s.registerOnce(ctx, resourceUnitMap); status.IsError() {
			s.mu.Lock()
			s.registerTry++
			exhausted := s.registerTry >= s.cfg.MaxRegisterTimes
			s.mu.Unlock()
			if exhausted {
				s.logger.Error("register exhausted, failing node", "name", s.cfg.Name)
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

		if !s.runHeartbeatLoop(ctx) {
			return fnerrors.OK
		}
		s.logger.Warn("heartbeat lost, re-registering", "name", s.cfg.Name)
		s.invalidateDomainClient()
	}
}

func (s *Service) registerOnce(ctx context.Context, resourceUnitMap map[string]*model.ResourceUnit) fnerrors.Status {
	client, err := s.domainClient(ctx)
	if err != nil {
		s.logger.Warn("failed to dial domain for register", "error", err)
		return fnerrors.New(fnerrors.CodeTransportError, "%s", err)
	}
	resp, err := client.Register(ctx, &transport.RegisterRequest{
		Name:            s.cfg.Name,
		Address:         s.cfg.Address,
		ResourceUnitMap: resourceUnitMap,
	})
	if err != nil {
		s.logger.Warn("register call failed", "error", err)
		s.invalidateDomainClient()
		return fnerrors.New(fnerrors.CodeTransportError, "%s", err)
	}
	if resp.Code != string(fnerrors.CodeOK) {
		return fnerrors.New(fnerrors.Code(resp.Code), "%s", resp.Message)
	}
	if resp.Topology.LeaderAddress != "" && resp.Topology.LeaderAddress != s.cfg.DomainAddress {
		s.logger.Info("register response names a different domain leader, re-registering there", "leader", resp.Topology.LeaderAddress)
		s.cfg.DomainAddress = resp.Topology.LeaderAddress
		s.invalidateDomainClient()
		return s.registerOnce(ctx, resourceUnitMap)
	}
	return fnerrors.OK
}

// runHeartbeatLoop mirrors domainservice.Service.runHeartbeatLoop:
// true means lost (caller should re-register), false means ctx was
// cancelled.
func (s *Service) runHeartbeatLoop(ctx context.Context) bool {
	client, err := s.domainClient(ctx)
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
