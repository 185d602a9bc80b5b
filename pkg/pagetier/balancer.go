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

// Balancer moves a resource group's pages between a slow and a fast
// tier toward the group's capacity ceilings. One rebalance pass
// isolates candidates, trades pages pairwise where possible and
// migrates the rest.
type Balancer struct {
	engine *CopyEngine
	tiers  map[Node]*Tier
	cfg    *Config
	stats  *Stats
}

// NewBalancer creates a balancer over the tiers.
func NewBalancer(engine *CopyEngine, tiers map[Node]*Tier, cfg *Config, stats *Stats) *Balancer {
	return &Balancer{
		engine: engine,
		tiers:  tiers,
		cfg:    cfg,
		stats:  stats,
	}
}

// pairable tells whether the page may take the exchange path at all.
// Pages cached in a mapping migrate instead, so pairing never has to
// unwind a half-built cached pair.
func pairable(p *Page) bool {
	return !p.hugetlb && p.mapping == nil
}

// pairFromLists pairs pages popped from two same-size-class lists.
// Pages that cannot pair, and partners of mismatched size, go to the
// leftover lists of their own side.
func pairFromLists(a, b *pageList, aLeft, bLeft *pageList) []*ExchangePair {
	var pairs []*ExchangePair
	for !a.empty() && !b.empty() {
		pa := a.popFront()
		pb := b.popFront()
		if !pairable(pa) {
			aLeft.pushBack(pa)
			b.pushFront(pb)
			continue
		}
		if !pairable(pb) {
			bLeft.pushBack(pb)
			a.pushFront(pa)
			continue
		}
		if pa.subpages != pb.subpages {
			aLeft.pushBack(pa)
			bLeft.pushBack(pb)
			continue
		}
		pairs = append(pairs, NewExchangePair(pa, pb))
	}
	return pairs
}

// exchangeIsolated pairs up the two isolated sets and runs the
// exchange, huge pages first. Base pages pair only when huge pages
// cannot migrate in hardware, since they then would have to split
// before a plain migration. All paired pages return to circulation
// on their own tier afterwards, whichever way each pair ended.
// Unpaired pages stay isolated in the leftover results for the
// migration steps. Returns the number of pairs that failed.
func (b *Balancer) exchangeIsolated(group *ResourceGroup, slowRes, fastRes *isolateResult, mode MigrateMode) int {
	var slowLeft, fastLeft isolateResult

	pairs := pairFromLists(&slowRes.huge, &fastRes.huge, &slowLeft.huge, &fastLeft.huge)
	if !b.cfg.HugePageMigration {
		pairs = append(pairs,
			pairFromLists(&slowRes.base, &fastRes.base, &slowLeft.base, &fastLeft.base)...)
	}

	failed := 0
	if len(pairs) > 0 {
		if mode&MigrateConcur != 0 {
			failed = ExchangePairsConcurrent(b.engine, pairs, mode)
		} else {
			failed = ExchangePairs(b.engine, pairs, mode)
		}
		for _, pr := range pairs {
			group.putbackPage(pr.from)
			group.putbackPage(pr.to)
		}
		b.stats.Store(StatsExchanged{
			Group:  group.Name(),
			Pairs:  uint64(len(pairs)),
			Failed: uint64(failed),
		})
	}

	slowRes.huge.splice(&slowLeft.huge)
	slowRes.base.splice(&slowLeft.base)
	fastRes.huge.splice(&fastLeft.huge)
	fastRes.base.splice(&fastLeft.base)
	return failed
}

// trimToBudget returns pages from the tail of the list to circulation
// until the list stops two pages short of the budget. The trim never
// lands the list exactly on the budget, so repeated passes do not
// flap at the capacity boundary, and an undershooting offset
// isolation on the other tier cannot push occupancy past the ceiling.
func trimToBudget(group *ResourceGroup, list *pageList, budget int64) {
	for !list.empty() {
		p := list.pages[len(list.pages)-1]
		margin := int64(2 * p.subpages)
		if int64(list.size())+margin <= budget {
			return
		}
		group.putbackPage(list.popBack())
	}
}

// trimToHeadroom drops isolated slow-tier pages that no longer fit
// the fast tier, splitting the remaining headroom between the huge
// and base lists when both still hold pages.
func trimToHeadroom(group *ResourceGroup, res *isolateResult, free int64) {
	if free < 0 {
		free = 0
	}
	if !res.huge.empty() && !res.base.empty() {
		trimToBudget(group, &res.huge, free/2)
		trimToBudget(group, &res.base, free-int64(res.huge.size()))
		return
	}
	trimToBudget(group, &res.huge, free)
	trimToBudget(group, &res.base, free)
}

// migrateResult migrates both lists of an isolated set to the node.
// Returns the number of base pages that did not move.
func (b *Balancer) migrateResult(group *ResourceGroup, res *isolateResult, dst Node, mode MigrateMode) uint64 {
	failed := b.migrateList(group, &res.huge, dst, mode)
	failed += b.migrateList(group, &res.base, dst, mode)
	return failed
}

func (b *Balancer) migrateList(group *ResourceGroup, list *pageList, dst Node, mode MigrateMode) uint64 {
	nrPages := list.size()
	if nrPages == 0 {
		return 0
	}
	failed := migrateList(b.engine, b.tiers, group, list, dst, b.cfg.BatchPages, mode)
	b.stats.Store(StatsMigrated{
		Group:  group.Name(),
		Node:   dst,
		Pages:  nrPages - failed,
		Failed: failed,
	})
	return failed
}

// Rebalance runs one balancing pass for the group between the slow
// and the fast tier, moving up to nrPages base pages. The counters it
// plans with are estimates, so isolation may return less than asked
// and pages isolated beyond the final headroom go back untouched.
// Returns the number of base pages that were selected but not moved.
func (b *Balancer) Rebalance(group *ResourceGroup, slow, fast Node, nrPages uint64, mode MigrateMode, exchange, hotAndCold bool) uint64 {
	fastSnap := group.Snapshot(fast)
	slowSnap := group.Snapshot(slow)

	if nrPages > fastSnap.Capacity {
		nrPages = fastSnap.Capacity
	}
	if nrPages > slowSnap.Occupancy {
		nrPages = slowSnap.Occupancy
	}
	if nrPages == 0 {
		return 0
	}

	headroom := fastSnap.Free()
	action := isolateHotPages
	if hotAndCold || headroom > int64(group.ActivePages(slow)) {
		action = isolateHotAndColdPages
	} else {
		// Hot-only selection fits what it takes into the existing
		// headroom instead of displacing fast-tier pages.
		if headroom < 0 {
			headroom = 0
		}
		if nrPages > uint64(headroom) {
			nrPages = uint64(headroom)
		}
	}

	slowRes := group.isolatePages(slow, nrPages, action)
	log.Debug("group %s: isolated %d/%d pages on slow node %d",
		group.Name(), slowRes.taken(), nrPages, slow)

	// Overflow: whatever does not fit the fast tier must displace
	// an offsetting volume, cold pages first.
	fastRes := &isolateResult{}
	if overflow := int64(slowRes.taken()) - headroom; overflow > 0 {
		fastRes = group.isolatePages(fast, uint64(overflow), isolateColdPages)
		if int64(fastRes.taken()) < overflow {
			more := group.isolatePages(fast, uint64(overflow)-fastRes.taken(), isolateHotPages)
			fastRes.base.splice(&more.base)
			fastRes.huge.splice(&more.huge)
			fastRes.takenBase += more.takenBase
			fastRes.takenHuge += more.takenHuge
		}
	}

	var nrFailed uint64
	if exchange && slowRes.taken() > 0 && fastRes.taken() > 0 {
		nrFailed += uint64(b.exchangeIsolated(group, slowRes, fastRes, mode))
	}

	// Fast-tier surplus retreats first so the forward migration has
	// the headroom it was promised.
	nrFailed += b.migrateResult(group, fastRes, slow, mode)

	trimToHeadroom(group, slowRes, group.Snapshot(fast).Free())
	nrFailed += b.migrateResult(group, slowRes, fast, mode)
	return nrFailed
}
