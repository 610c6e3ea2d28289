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

// Package topologystore is a queryable, crash-recoverable cache of
// which locals/agents are currently registered with this domain. It
// answers QueryAgentInfo/QueryResourcesInfo without blocking the
// DomainService actor's mailbox on a database round trip. This is a
// read cache of current topology, not a log of schedule decisions —
// no placement result is ever written here.
package topologystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fnsched/core/utils/postgres"
)

// AgentInfo is one row of the topology cache: a registered local or
// function-agent, keyed by its id, with the resource summary it last
// advertised at registration time.
type AgentInfo struct {
	AgentID     string
	DomainID    string
	Address     string
	Resources   map[string]float64
	RegisteredAt time.Time
	UpdatedAt   time.Time
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS topology_agents (
	agent_id      TEXT PRIMARY KEY,
	domain_id     TEXT NOT NULL,
	address       TEXT NOT NULL,
	resources     JSONB NOT NULL DEFAULT '{}',
	registered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS topology_agents_domain_id_idx ON topology_agents (domain_id);
`

// Store is the pgxpool-backed topology cache.
type Store struct {
	client *postgres.PostgresClient
	logger *slog.Logger
}

// New wraps an already-connected PostgresClient and ensures the
// topology_agents table exists.
func New(ctx context.Context, client *postgres.PostgresClient, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := client.Pool().Exec(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("failed to ensure topology_agents schema: %w", err)
	}
	return &Store{client: client, logger: logger}, nil
}

// UpsertAgent records (or refreshes) a registered agent's topology
// entry. Called from the DomainService's Register handler.
func (s *Store) UpsertAgent(ctx context.Context, info AgentInfo) error {
	resources, err := json.Marshal(info.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources for agent %s: %w", info.AgentID, err)
	}
	now := info.UpdatedAt
	_, err = s.client.Pool().Exec(ctx, `
		INSERT INTO topology_agents (agent_id, domain_id, address, resources, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (agent_id) DO UPDATE SET
			domain_id = EXCLUDED.domain_id,
			address = EXCLUDED.address,
			resources = EXCLUDED.resources,
			updated_at = EXCLUDED.updated_at
	`, info.AgentID, info.DomainID, info.Address, resources, now)
	if err != nil {
		return fmt.Errorf("failed to upsert topology for agent %s: %w", info.AgentID, err)
	}
	return nil
}

// RemoveAgent drops an agent's topology entry, e.g. once
// AbnormalProcessor or a heartbeat timeout has declared it dead.
func (s *Store) RemoveAgent(ctx context.Context, agentID string) error {
	if _, err := s.client.Pool().Exec(ctx, `DELETE FROM topology_agents WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to remove topology for agent %s: %w", agentID, err)
	}
	return nil
}

// QueryAgentInfo answers spec.md §6's QueryAgentInfo: the registration
// record for a single agent, or (nil, nil) if not found.
func (s *Store) QueryAgentInfo(ctx context.Context, agentID string) (*AgentInfo, error) {
	row := s.client.Pool().QueryRow(ctx, `
		SELECT agent_id, domain_id, address, resources, registered_at, updated_at
		FROM topology_agents WHERE agent_id = $1
	`, agentID)
	info, err := scanAgentInfo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent %s: %w", agentID, err)
	}
	return info, nil
}

// QueryResourcesInfo answers spec.md §6's QueryResourcesInfo: every
// agent currently registered under domainID.
func (s *Store) QueryResourcesInfo(ctx context.Context, domainID string) ([]AgentInfo, error) {
	rows, err := s.client.Pool().Query(ctx, `
		SELECT agent_id, domain_id, address, resources, registered_at, updated_at
		FROM topology_agents WHERE domain_id = $1
		ORDER BY agent_id
	`, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources for domain %s: %w", domainID, err)
	}
	defer rows.Close()

	var out []AgentInfo
	for rows.Next() {
		info, err := scanAgentInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topology row: %w", err)
		}
		out = append(out, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading topology rows: %w", err)
	}
	return out, nil
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose
// Scan with the same signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentInfo(row rowScanner) (*AgentInfo, error) {
	var info AgentInfo
	var resources []byte
	if err := row.Scan(&info.AgentID, &info.DomainID, &info.Address, &resources, &info.RegisteredAt, &info.UpdatedAt); err != nil {
		return nil, err
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &info.Resources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
	}
	return &info, nil
}
