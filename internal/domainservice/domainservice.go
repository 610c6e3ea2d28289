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

// Package domainservice implements the domain tier: it accepts
// Register/Schedule/TryCancelSchedule/Heartbeat calls from locals (and
// child domains) below it, decides locally vs. forwards upward based
// on its own leadership (spec.md §4.5), and registers itself upward
// to its own parent the same way a local would.
package domainservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fnsched/core/internal/abnormal"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/kvstore"
	"github.com/fnsched/core/internal/topologystore"
	"github.com/fnsched/core/internal/transport"
	"github.com/fnsched/core/pkg/model"
	"github.com/fnsched/core/utils/progress_check"
)

const (
	defaultReceivedPingTimeout = 6 * time.Second
	defaultRegisterInterval    = 2 * time.Second
	defaultMaxRegisterTimes    = 10
	dialRetryAttempts          = 3
	defaultPutReadyResCycle    = 5 * time.Second

	// readyAgentCountKey is the literal key spec.md §6 names for the
	// ready-agent-count publication (unprefixed, unlike the /yr/...
	// paths the rest of the KV layout uses).
	readyAgentCountKey = "ready_agent_count"
)

// Scheduler is the subset of schedulequeue.Queue this service drives.
type Scheduler interface {
	Submit(ctx context.Context, item *model.QueueItem) (model.ScheduleResponse, error)
	SubmitGroup(ctx context.Context, group *model.QueueItem) (map[string]model.ScheduleResponse, fnerrors.Status)
}

// ReadyViewer exposes the domain's own ResourceView for ready-agent
// counting; satisfied by *resourceview.View.
type ReadyViewer interface {
	Snapshot() *model.ResourceUnit
}

// Config carries spec.md §6's recognized registration/heartbeat
// options.
type Config struct {
	Name                string
	Address             string
	UpstreamAddress     string // empty if this node is the root
	ReceivedPingTimeout time.Duration
	RegisterInterval    time.Duration
	MaxRegisterTimes    int

	// Progress is optional: when set, every received heartbeat pong
	// reports liveness to it for an external process-health check
	// (mirrors the teacher's listener-loop progress reporting).
	Progress *progress_check.ProgressWriter

	// PutReadyResCycle is the ready-agent-count publication cadence
	// (spec.md §6 putReadyResCycleMs). Only the leader publishes.
	PutReadyResCycle time.Duration
}

// inFlight tracks a schedule request currently being placed, so a
// duplicate Schedule call for the same requestId is rejected instead
// of retried (spec.md §4.5 "Idempotence").
type inFlight struct {
	cancel *model.CancelTag
}

// Service is the domain-tier actor: server to locals/child-domains
// below, client to its own parent above.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	explorer abnormal.Explorer
	topology *topologystore.Store
	queue    Scheduler
	view     ReadyViewer
	kv       kvstore.Client

	upstream   *transport.Client
	upstreamMu sync.Mutex

	mu              sync.Mutex
	children        map[string]*childLink
	inFlightReqs    map[string]*inFlight
	registerTry     int
	fenced          bool
	resourceUnitMap map[string]*model.ResourceUnit

	readyMu        sync.Mutex
	prevReadyCount int
	prevReadyAgent map[string]struct{}
}

type childLink struct {
	name    string
	address string
}

var _ transport.Handler = (*Service)(nil)

// New builds a domain service. explorer may be nil for the root
// domain (always leader, no forwarding ever happens). view and kv may
// both be nil, in which case RunPutReadyRes is a no-op; pass the
// domain's own ResourceView and its metric-store KV client to enable
// ready-agent-count publication (spec.md §6).
func New(cfg Config, explorer abnormal.Explorer, topology *topologystore.Store, queue Scheduler, view ReadyViewer, kv kvstore.Client, logger *slog.Logger) *Service {
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
	if cfg.PutReadyResCycle <= 0 {
		cfg.PutReadyResCycle = defaultPutReadyResCycle
	}
	return &Service{
		cfg:            cfg,
		logger:         logger,
		explorer:       explorer,
		topology:       topology,
		queue:          queue,
		view:           view,
		kv:             kv,
		children:       make(map[string]*childLink),
		inFlightReqs:   make(map[string]*inFlight),
		prevReadyAgent: make(map[string]struct{}),
	}
}

// isLeader reports whether this domain handles schedule requests
// itself rather than forwarding upward. A domain with no explorer
// (the root) is always its own leader.
func (s *Service) isLeader() bool {
	if s.explorer == nil {
		return true
	}
	return s.explorer.IsLeader()
}

// Register implements transport.Handler: a local or child domain
// below us is announcing itself and the resource units it owns.
func (s *Service) Register(ctx context.Context, req *transport.RegisterRequest) (*transport.RegisteredResponse, error) {
	s.mu.Lock()
	s.children[req.Name] = &childLink{name: req.Name, address: req.Address}
	s.mu.Unlock()

	if s.topology != nil {
		resources := make(map[string]float64)
		for _, unit := range req.ResourceUnitMap {
			if unit == nil {
				continue
			}
			for kind, val := range unit.Capacity {
				resources[kind] += val.Scalar
			}
		}
		if err := s.topology.UpsertAgent(ctx, topologystore.AgentInfo{
			AgentID:      req.Name,
			DomainID:     s.cfg.Name,
			Address:      req.Address,
			Resources:    resources,
			RegisteredAt: time.Now(),
			UpdatedAt:    time.Now(),
		}); err != nil {
			s.logger.Error("failed to record topology for registering node", "name", req.Name, "error", err)
		}
	}

	s.logger.Info("node registered", "name", req.Name, "address", req.Address)
	return &transport.RegisteredResponse{
		Code: string(fnerrors.CodeOK),
		Topology: transport.Topology{
			LeaderAddress: s.leaderAddressForReply(),
			Members:       s.memberAddresses(),
		},
	}, nil
}

func (s *Service) leaderAddressForReply() string {
	if s.explorer == nil {
		return s.cfg.Address
	}
	return s.explorer.LeaderAddress()
}

func (s *Service) memberAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.address)
	}
	return out
}

// Schedule implements transport.Handler. Duplicate requestIds are
// rejected without retry; the caller is expected to wait on the
// original response (spec.md §4.5 "Idempotence").
func (s *Service) Schedule(ctx context.Context, req *transport.ScheduleRequest) (*transport.ScheduleResponse, error) {
	s.mu.Lock()
	if _, dup := s.inFlightReqs[req.RequestID]; dup {
		s.mu.Unlock()
		return &transport.ScheduleResponse{
			RequestID: req.RequestID,
			Code:      string(fnerrors.CodeParameterError),
			Message:   fmt.Sprintf("request %s already in flight", req.RequestID),
		}, nil
	}
	tag := model.NewCancelTag()
	s.inFlightReqs[req.RequestID] = &inFlight{cancel: tag}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlightReqs, req.RequestID)
		s.mu.Unlock()
	}()

	if !s.isLeader() {
		resp, err := s.forwardSchedule(ctx, req)
		return resp, err
	}

	item := &model.QueueItem{RequestID: req.RequestID, CancelTag: tag, Instance: &req.Instance}
	resp, err := s.queue.Submit(ctx, item)
	if err != nil {
		return &transport.ScheduleResponse{
			RequestID: req.RequestID,
			Code:      string(fnerrors.CodeRequestTimeout),
			Message:   err.Error(),
		}, nil
	}
	return &resp, nil
}

// forwardSchedule is ForwardSchedule/ResponseForwardSchedule: a domain
// that is not the leader dials its own upstream (the elected leader,
// learned from the last Registered reply) and relays the request
// using the same Schedule RPC shape one level up.
func (s *Service) forwardSchedule(ctx context.Context, req *transport.ScheduleRequest) (*transport.ScheduleResponse, error) {
	client, err := s.upstreamClient(ctx)
	if err != nil {
		return &transport.ScheduleResponse{
			RequestID: req.RequestID,
			Code:      string(fnerrors.CodeTransportError),
			Message:   err.Error(),
		}, nil
	}
	resp, err := client.Schedule(ctx, req)
	if err != nil {
		return &transport.ScheduleResponse{
			RequestID: req.RequestID,
			Code:      string(fnerrors.CodeTransportError),
			Message:   err.Error(),
		}, nil
	}
	return resp, nil
}

// TryCancelSchedule forwards a cancellation to whichever in-flight
// request owns id; the response unconditionally echoes MsgID
// regardless of whether a matching request was found.
func (s *Service) TryCancelSchedule(ctx context.Context, req *transport.TryCancelScheduleRequest) (*transport.TryCancelScheduleResponse, error) {
	s.mu.Lock()
	entry, ok := s.inFlightReqs[req.ID]
	s.mu.Unlock()
	if ok {
		entry.cancel.Fire()
	} else if !s.isLeader() {
		if client, err := s.upstreamClient(ctx); err == nil {
			_, _ = client.TryCancelSchedule(ctx, req)
		}
	}
	return &transport.TryCancelScheduleResponse{MsgID: req.MsgID}, nil
}

// Heartbeat implements transport.Handler's server side of the
// ping/pong stream: echo a pong for every ping received until the
// stream ends.
func (s *Service) Heartbeat(stream transport.HeartbeatServerStream) error {
	for {
		ping, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(&transport.HeartbeatPong{From: s.cfg.Name, Sequence: ping.Sequence}); err != nil {
			return err
		}
	}
}

func (s *Service) upstreamClient(ctx context.Context) (*transport.Client, error) {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	if s.upstream != nil {
		return s.upstream, nil
	}
	addr := s.cfg.UpstreamAddress
	if s.explorer != nil {
		if leader := s.explorer.LeaderAddress(); leader != "" {
			addr = leader
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("no upstream address known for %s", s.cfg.Name)
	}
	client, err := transport.DialWithRetry(ctx, addr, dialRetryAttempts)
	if err != nil {
		return nil, err
	}
	s.upstream = client
	return client, nil
}

// invalidateUpstream drops the cached client, forcing the next call to
// re-dial — used after a leader change or a lost heartbeat.
func (s *Service) invalidateUpstream() {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
}
