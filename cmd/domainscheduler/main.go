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

// Command domainscheduler runs one domain-tier node: it accepts
// registrations from locals and child domains below it, holds a
// ResourceView/ScheduleQueue/BundleManager/LeaseKeeper for the
// resources it owns, and registers/heartbeats upward to its own
// parent unless it is the root.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fnsched/core/internal/abnormal"
	"github.com/fnsched/core/internal/bundlemanager"
	"github.com/fnsched/core/internal/domainservice"
	"github.com/fnsched/core/internal/kvstore/redisstore"
	"github.com/fnsched/core/internal/leasekeeper"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/internal/schedulequeue"
	"github.com/fnsched/core/internal/topologystore"
	"github.com/fnsched/core/internal/transport"
	"github.com/fnsched/core/utils/logging"
	metrics "github.com/fnsched/core/utils/metrics-go"
	"github.com/fnsched/core/utils/postgres"
	"github.com/fnsched/core/utils/progress_check"
	redisutil "github.com/fnsched/core/utils/redis"
)

func main() {
	name := flag.String("name", "", "this domain's identity; a random suffix is appended if empty")
	address := flag.String("address", "localhost:7100", "address this domain listens on and advertises upward")
	upstream := flag.String("upstream-address", "", "address of this domain's own parent; empty means this is the root")
	reserveToBindTimeoutMs := flag.Int("reserve-to-bind-timeout-ms", 30000, "reserveToBindTimeoutMs (spec.md §6)")
	putReadyResCycleMs := flag.Int("put-ready-res-cycle-ms", 5000, "putReadyResCycleMs (spec.md §6): ready_agent_count publication cadence")
	progressFile := flag.String("progress-file", "", "if set, write a liveness timestamp here on every received heartbeat pong")

	logFlags := logging.RegisterFlags()
	redisFlags := redisutil.RegisterRedisFlags()
	pgFlags := postgres.RegisterPostgresFlags()
	metricsFlags := metrics.RegisterMetricsFlags("domainscheduler")
	flag.Parse()

	logger := logging.InitLogger("domainscheduler", logFlags.ToConfig())

	if *name == "" {
		*name = "domain-" + uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metrics.InitMetricCreator(metricsFlags.ToMetricsConfig()); err != nil {
		logger.Warn("metrics disabled", "error", err)
	}
	defer metrics.GetMetricCreator().Shutdown(context.Background())

	redisClient, err := redisutil.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return
	}
	defer redisClient.Close()
	kv := redisstore.New(redisClient)

	pgClient, err := postgres.NewPostgresClient(ctx, pgFlags.ToPostgresConfig(), logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return
	}
	defer pgClient.Close()
	topology, err := topologystore.New(ctx, pgClient, logger)
	if err != nil {
		logger.Error("failed to initialize topology store", "error", err)
		return
	}

	view := resourceview.New(*name, uuid.NewString(), false)
	queue := schedulequeue.New(view, logger)
	defer queue.Stop()

	resolveView := func(rGroupName string) *resourceview.View {
		if rGroupName == "" || rGroupName == *name {
			return view
		}
		return nil
	}
	bundleMgr := bundlemanager.New(*name, kv, resolveView, queue, time.Duration(*reserveToBindTimeoutMs)*time.Millisecond, logger)
	defer bundleMgr.Stop()
	if status := bundleMgr.Sync(ctx); status.IsError() {
		logger.Error("failed to sync bundles from kv store on startup", "error", status.Error())
	}

	leases := leasekeeper.New(kv, logger)
	defer leases.Stop()

	explorer := abnormal.NewKVExplorer(*address, kv, logger)
	if err := explorer.Start(ctx); err != nil {
		logger.Error("failed to start leadership explorer", "error", err)
		return
	}
	defer explorer.Stop()

	fenceProcessor := abnormal.New(*name, kv, instanceLister{view}, func() {
		logger.Error("self-fenced, terminating process", "name", *name)
		cancel()
	}, logger)
	if err := fenceProcessor.Start(ctx); err != nil {
		logger.Error("failed to start abnormal processor", "error", err)
		return
	}
	defer fenceProcessor.Stop()

	var progress *progress_check.ProgressWriter
	if *progressFile != "" {
		progress, err = progress_check.NewProgressWriter(*progressFile)
		if err != nil {
			logger.Error("failed to create progress writer", "error", err)
			return
		}
	}

	svc := domainservice.New(domainservice.Config{
		Name:             *name,
		Address:          *address,
		UpstreamAddress:  *upstream,
		Progress:         progress,
		PutReadyResCycle: time.Duration(*putReadyResCycleMs) * time.Millisecond,
	}, explorer, topology, queue, view, kv, logger)

	go func() {
		if status := svc.RunUpward(ctx, nil); status.IsError() {
			logger.Error("domain register/heartbeat loop exited fatally", "error", status.Error())
			cancel()
		}
	}()

	go svc.RunPutReadyRes(ctx)

	go func() {
		if err := transport.Serve(*address, svc); err != nil {
			logger.Error("transport server exited", "error", err)
			cancel()
		}
	}()

	logger.Info("domain scheduler started", "name", *name, "address", *address)
	<-ctx.Done()
	logger.Info("domain scheduler shutting down", "name", *name)
}

// instanceLister adapts resourceview.View to abnormal.InstanceLister.
type instanceLister struct {
	view *resourceview.View
}

func (l instanceLister) LocalInstanceCount() int {
	return len(l.view.Snapshot().Instances)
}
