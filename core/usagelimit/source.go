// Copyright 1999-2020 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usagelimit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/dancing-ui/aigateway/core/store"
)

const snapshotKeyFormat = "aigateway:usagelimit:snapshot:%s"

// snapshotDocument is the wire form the billing collaborator publishes
// into the shared store.
type snapshotDocument struct {
	BillingCycleStart int64   `json:"billing_cycle_start"`
	TokensUsed        int64   `json:"tokens_used"`
	CostUsed          float64 `json:"cost_used"`
	PrevTokensUsed    int64   `json:"prev_tokens_used"`
	PrevCostUsed      float64 `json:"prev_cost_used"`
	MaxTokens         int64   `json:"max_tokens"`
	MaxCost           float64 `json:"max_cost"`
}

// StoreSource reads usage snapshots the billing collaborator publishes
// into the shared key-value store.
type StoreSource struct {
	store store.Store
}

func NewStoreSource(st store.Store) (*StoreSource, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	return &StoreSource{store: st}, nil
}

func (s *StoreSource) Fetch(ctx context.Context, identity string) (*UsageLimitInfo, error) {
	val, exists, err := s.store.Get(ctx, fmt.Sprintf(snapshotKeyFormat, identity))
	if err != nil {
		return nil, errors.Wrapf(err, "fetch usage snapshot for %q", identity)
	}
	if !exists {
		// No published snapshot means the identity has no recorded usage.
		return &UsageLimitInfo{Identity: identity}, nil
	}

	var doc snapshotDocument
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, errors.Wrapf(err, "decode usage snapshot for %q", identity)
	}
	return &UsageLimitInfo{
		Identity:          identity,
		BillingCycleStart: doc.BillingCycleStart,
		TokensUsed:        doc.TokensUsed,
		CostUsed:          doc.CostUsed,
		PrevTokensUsed:    doc.PrevTokensUsed,
		PrevCostUsed:      doc.PrevCostUsed,
		MaxTokens:         doc.MaxTokens,
		MaxCost:           doc.MaxCost,
	}, nil
}
