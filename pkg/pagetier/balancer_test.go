// Copyright 2023 The pagetier Authors. All Rights Reserved.
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

package pagetier

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBalancer(tiers map[Node]*Tier) *Balancer {
	cfg := defaultConfig()
	engine := NewCopyEngine(cfg.Copy.Threads, nil, tiers)
	return NewBalancer(engine, tiers, cfg, GetStats())
}

func TestRebalanceHotOnlyScenario(t *testing.T) {
	tiers := newTestTiers()
	b := newTestBalancer(tiers)
	group := NewResourceGroup("scenario")
	group.SetCapacity(testFastNode, 50)

	// Fast: 40 pages resident. Slow: 200 pages, 60 of them hot, so
	// the headroom of 10 keeps selection hot-only.
	addGroupPages(t, group, tiers[testFastNode], 40, false)
	addGroupPages(t, group, tiers[testSlowNode], 60, true)
	addGroupPages(t, group, tiers[testSlowNode], 140, false)

	nrFailed := b.Rebalance(group, testSlowNode, testFastNode, 100, MigrateSinglethread, false, false)

	assert.Equal(t, uint64(0), nrFailed)
	// The trim stops two pages short of the ceiling.
	assert.Equal(t, uint64(48), group.Snapshot(testFastNode).Occupancy)
	assert.Equal(t, uint64(192), group.Snapshot(testSlowNode).Occupancy)
	// Nothing retreated from the fast tier.
	assert.Equal(t, uint64(40), group.InactivePages(testFastNode))
}

func TestRebalanceUnevictableFastPages(t *testing.T) {
	tiers := newTestTiers()
	b := newTestBalancer(tiers)
	group := NewResourceGroup("pinned")
	group.SetCapacity(testFastNode, 50)

	// Most of the fast tier cannot retreat, so the offsetting
	// isolation undershoots and the forward migration must fit the
	// remaining headroom on its own.
	for _, p := range addGroupPages(t, group, tiers[testFastNode], 35, false) {
		p.SetFlag(PageUnevictable)
	}
	addGroupPages(t, group, tiers[testFastNode], 5, false)
	addGroupPages(t, group, tiers[testSlowNode], 50, false)

	b.Rebalance(group, testSlowNode, testFastNode, 50, MigrateSinglethread, false, true)

	fastSnap := group.Snapshot(testFastNode)
	assert.LessOrEqual(t, fastSnap.Occupancy, fastSnap.Capacity)
	assert.Equal(t, uint64(48), fastSnap.Occupancy)
	assert.Equal(t, uint64(42), group.Snapshot(testSlowNode).Occupancy)
}

func TestRebalanceWidensSelection(t *testing.T) {
	tiers := newTestTiers()
	b := newTestBalancer(tiers)
	group := NewResourceGroup("widen")
	group.SetCapacity(testFastNode, 100)

	// Headroom 100 exceeds the 5 hot pages, so cold pages move too.
	addGroupPages(t, group, tiers[testSlowNode], 5, true)
	addGroupPages(t, group, tiers[testSlowNode], 25, false)

	nrFailed := b.Rebalance(group, testSlowNode, testFastNode, 30, MigrateSinglethread, false, false)

	assert.Equal(t, uint64(0), nrFailed)
	assert.Equal(t, uint64(30), group.Snapshot(testFastNode).Occupancy)
	assert.Equal(t, uint64(0), group.Snapshot(testSlowNode).Occupancy)
}

func TestRebalanceExchange(t *testing.T) {
	tiers := newTestTiers()
	cfg := defaultConfig()
	// Without hardware huge-page migration, base pages pair up too.
	cfg.HugePageMigration = false
	engine := NewCopyEngine(cfg.Copy.Threads, nil, tiers)
	b := NewBalancer(engine, tiers, cfg, GetStats())
	group := NewResourceGroup("exchange")
	group.SetCapacity(testFastNode, 20)

	// Fast tier full of cold pages, slow tier hot beyond the
	// ceiling: pairs must trade places instead of evicting first.
	addGroupPages(t, group, tiers[testFastNode], 20, false)
	addGroupPages(t, group, tiers[testSlowNode], 20, true)

	before := b.stats.ExchangedPairs("exchange")
	b.Rebalance(group, testSlowNode, testFastNode, 20, MigrateConcur, true, true)

	assert.Greater(t, b.stats.ExchangedPairs("exchange"), before)
	fastSnap := group.Snapshot(testFastNode)
	assert.LessOrEqual(t, fastSnap.Occupancy, fastSnap.Capacity)
	assert.Equal(t, uint64(20), group.Snapshot(testSlowNode).Occupancy)
}

// TestRebalanceCapacityInvariant checks over random configurations
// that one balancing pass never pushes fast-tier occupancy above its
// ceiling, and never loses pages, including when the fast tier
// already overshoots.
func TestRebalanceCapacityInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		tiers := newTestTiers()
		b := newTestBalancer(tiers)
		group := NewResourceGroup("prop")

		capacity := uint64(r.Intn(120))
		fastHot := r.Intn(60)
		fastCold := r.Intn(60)
		fastPinned := r.Intn(40)
		slowHot := r.Intn(60)
		slowCold := r.Intn(60)
		budget := uint64(r.Intn(200))
		exchange := r.Intn(2) == 0
		hotAndCold := r.Intn(2) == 0

		group.SetCapacity(testFastNode, capacity)
		addGroupPages(t, group, tiers[testFastNode], fastHot, true)
		addGroupPages(t, group, tiers[testFastNode], fastCold, false)
		for _, p := range addGroupPages(t, group, tiers[testFastNode], fastPinned, false) {
			p.SetFlag(PageUnevictable)
		}
		addGroupPages(t, group, tiers[testSlowNode], slowHot, true)
		addGroupPages(t, group, tiers[testSlowNode], slowCold, false)

		total := uint64(fastHot + fastCold + fastPinned + slowHot + slowCold)
		fastBefore := uint64(fastHot + fastCold + fastPinned)

		b.Rebalance(group, testSlowNode, testFastNode, budget, MigrateSinglethread, exchange, hotAndCold)

		fastAfter := group.Snapshot(testFastNode).Occupancy
		slowAfter := group.Snapshot(testSlowNode).Occupancy

		limit := capacity
		if fastBefore > limit {
			limit = fastBefore
		}
		if fastAfter > limit {
			t.Errorf("round %d: fast occupancy %d exceeds limit %d (capacity %d, before %d)",
				round, fastAfter, limit, capacity, fastBefore)
		}
		if fastAfter+slowAfter != total {
			t.Errorf("round %d: pages not conserved: %d+%d != %d",
				round, fastAfter, slowAfter, total)
		}
	}
}

func TestRebalanceZeroBudget(t *testing.T) {
	tiers := newTestTiers()
	b := newTestBalancer(tiers)
	group := NewResourceGroup("zero")
	group.SetCapacity(testFastNode, 50)
	addGroupPages(t, group, tiers[testSlowNode], 10, true)

	nrFailed := b.Rebalance(group, testSlowNode, testFastNode, 0, MigrateSinglethread, false, false)
	assert.Equal(t, uint64(0), nrFailed)
	assert.Equal(t, uint64(10), group.Snapshot(testSlowNode).Occupancy)
}

func TestPairFromLists(t *testing.T) {
	tiers := newTestTiers()
	var a, b, aLeft, bLeft pageList

	p1 := allocIsolated(t, tiers[testSlowNode], SizeBase, 1)
	p2 := allocIsolated(t, tiers[testSlowNode], SizeBase, 2)
	q1 := allocIsolated(t, tiers[testFastNode], SizeBase, 3)
	m := NewMapping("testfile")
	cached := allocIsolated(t, tiers[testFastNode], SizeBase, 4)
	m.addPage(cached, 0)

	a.pushBack(p1)
	a.pushBack(p2)
	b.pushBack(cached)
	b.pushBack(q1)

	pairs := pairFromLists(&a, &b, &aLeft, &bLeft)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].from != p1 || pairs[0].to != q1 {
		t.Errorf("unexpected pairing")
	}
	if bLeft.empty() || bLeft.pages[0] != cached {
		t.Errorf("cached page not left over")
	}
	if a.empty() || a.pages[0] != p2 {
		t.Errorf("unpaired partner not back on its list")
	}
}
