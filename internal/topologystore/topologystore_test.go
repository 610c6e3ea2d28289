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

package topologystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow is a rowScanner fed by literal column values, avoiding any
// dependency on a live Postgres connection — the same reason
// utils/redis's own tests stick to pure config/flag conversions rather
// than a live Redis round trip.
type fakeRow struct {
	agentID, domainID, address string
	resources                  []byte
	registeredAt, updatedAt    time.Time
}

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*string) = r.agentID
	*dest[1].(*string) = r.domainID
	*dest[2].(*string) = r.address
	*dest[3].(*[]byte) = r.resources
	*dest[4].(*time.Time) = r.registeredAt
	*dest[5].(*time.Time) = r.updatedAt
	return nil
}

func TestScanAgentInfoUnmarshalsResources(t *testing.T) {
	now := time.Now().UTC()
	row := fakeRow{
		agentID:      "a1",
		domainID:     "d1",
		address:      "10.0.0.1:7000",
		resources:    []byte(`{"cpu":4,"mem":8}`),
		registeredAt: now,
		updatedAt:    now,
	}

	info, err := scanAgentInfo(row)
	require.NoError(t, err)
	assert.Equal(t, "a1", info.AgentID)
	assert.Equal(t, "d1", info.DomainID)
	assert.Equal(t, "10.0.0.1:7000", info.Address)
	assert.Equal(t, float64(4), info.Resources["cpu"])
	assert.Equal(t, float64(8), info.Resources["mem"])
	assert.Equal(t, now, info.RegisteredAt)
}

func TestScanAgentInfoEmptyResources(t *testing.T) {
	row := fakeRow{agentID: "a2", domainID: "d1", address: "10.0.0.2:7000"}

	info, err := scanAgentInfo(row)
	require.NoError(t, err)
	assert.Nil(t, info.Resources)
}
