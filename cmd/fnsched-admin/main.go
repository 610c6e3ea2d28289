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

// Command fnsched-admin queries the persisted topology directly
// (QueryAgentInfo / QueryResourcesInfo, spec.md §6) without going
// through a running domain's actor bus. GetSchedulingQueue has no
// standalone equivalent here since queue depth only exists inside a
// live domain/local process; use that process's own metrics endpoint
// for that instead (internal/telemetry's fnsched_queue_depth gauge).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fnsched/core/internal/topologystore"
	"github.com/fnsched/core/utils/logging"
	"github.com/fnsched/core/utils/postgres"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fnsched-admin <agent|resources> [flags]")
	fmt.Fprintln(os.Stderr, "  agent -id AGENT_ID        query one agent's recorded topology entry")
	fmt.Fprintln(os.Stderr, "  resources -domain DOMAIN  list every agent registered under a domain")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sub := os.Args[1]
	agentID := flag.String("id", "", "agent id to query")
	domainID := flag.String("domain", "", "domain id to list agents under")
	pgFlags := postgres.RegisterPostgresFlags()
	logFlags := logging.RegisterFlags()
	os.Args = os.Args[1:]
	flag.Parse()

	logger := logging.InitLogger("fnsched-admin", logFlags.ToConfig())
	ctx := context.Background()

	pgClient, err := postgres.NewPostgresClient(ctx, pgFlags.ToPostgresConfig(), logger)
	if err != nil {
		fail(logger, "failed to connect to postgres", err)
	}
	defer pgClient.Close()

	store, err := topologystore.New(ctx, pgClient, logger)
	if err != nil {
		fail(logger, "failed to initialize topology store", err)
	}

	switch sub {
	case "agent":
		if *agentID == "" {
			usage()
			os.Exit(2)
		}
		info, err := store.QueryAgentInfo(ctx, *agentID)
		if err != nil {
			fail(logger, "QueryAgentInfo failed", err)
		}
		printJSON(info)
	case "resources":
		if *domainID == "" {
			usage()
			os.Exit(2)
		}
		infos, err := store.QueryResourcesInfo(ctx, *domainID)
		if err != nil {
			fail(logger, "QueryResourcesInfo failed", err)
		}
		printJSON(infos)
	default:
		usage()
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fail(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
