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

// Command localscheduler runs one local-tier node: the leaf of the
// hierarchy. It owns the resources directly attached to it, accepts
// Schedule/TryCancelSchedule calls in-process from whatever runs
// alongside it, and registers/heartbeats upward to its domain. Unlike
// a domain it never accepts registrations from below.
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
	"github.com/fnsched/core/internal/kvstore/redisstore"
	"github.com/fnsched/core/internal/leasekeeper"
	"github.com/fnsched/core/internal/localservice"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/internal/schedulequeue"
	"github.com/fnsched/core/utils/logging"
	metrics "github.com/fnsched/core/utils/metrics-go"
	"github.com/fnsched/core/utils/progress_check"
	redisutil "github.com/fnsched/core/utils/redis"
)

func main() {
	name := flag.String("name", "", "this local's identity; a random suffix is appended if empty")
	address := flag.String("address", "localhost:7200", "address this local advertises to its domain")
	domainAddress := flag.String("domain-address", "", "address of the domain this local reports to")
	reserveToBindTimeoutMs := flag.Int("reserve-to-bind-timeout-ms", 30000, "reserveToBindTimeoutMs (spec.md §6)")
	progressFile := flag.String("progress-file", "", "if set, write a liveness timestamp here on every received heartbeat pong")

	logFlags := logging.RegisterFlags()
	redisFlags := redisutil.RegisterRedisFlags()
	metricsFlags := metrics.RegisterMetricsFlags("localscheduler")
	flag.Parse()

	logger := logging.InitLogger("localscheduler", logFlags.ToConfig())

	if *name == "" {
		*name = "local-" + uuid.NewString()
	}
	if *domainAddress == "" {
		logger.Error("domain-address is required")
		return
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

	viewInitTime := uuid.NewString()
	view := resourceview.New(*name, viewInitTime, true)
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

	svc := localservice.New(localservice.Config{
		Name:          *name,
		Address:       *address,
		DomainAddress: *domainAddress,
		Progress:      progress,
	}, queue, logger)

	go func() {
		if status := svc.RunUpward(ctx, nil); status.IsError() {
			logger.Error("local register/heartbeat loop exited fatally", "error", status.Error())
			cancel()
		}
	}()

	logger.Info("local scheduler started", "name", *name, "address", *address, "domain", *domainAddress)
	<-ctx.Done()
	logger.Info("local scheduler shutting down", "name", *name)
}

// instanceLister adapts resourceview.View to abnormal.InstanceLister.
type instanceLister struct {
	view *resourceview.View
}

func (l instanceLister) LocalInstanceCount() int {
	return len(l.view.Snapshot().Instances)
}
