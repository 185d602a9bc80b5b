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

// isolateAction selects which activity lists supply candidates.
type isolateAction int

const (
	isolateColdPages isolateAction = iota + 1
	isolateHotPages
	isolateHotAndColdPages
)

// isolateResult carries isolated candidates split by size class.
// Odd-sized pages ride on the huge list but count as base pages.
type isolateResult struct {
	base      pageList
	huge      pageList
	takenBase uint64
	takenHuge uint64
}

func (r *isolateResult) taken() uint64 {
	return r.takenBase + r.takenHuge
}

// tryIsolate takes the page off normal bookkeeping: it must have no
// other holder. The isolation reference stays until putback.
func (p *Page) tryIsolate() bool {
	if p.HasFlag(PageUnevictable) {
		return false
	}
	if !p.freezeRefs(0) {
		// Another holder pins the page: being freed, observed or
		// moved elsewhere.
		return false
	}
	p.Get()
	p.SetFlag(pageIsolated)
	return true
}

// isolateListLocked pulls up to nrToScan base pages worth of
// candidates off one activity list. Busy pages are skipped and
// returned to the head, and do not count toward the result.
// Caller holds the group lock.
func isolateListLocked(src *pageList, nrToScan uint64, res *isolateResult) uint64 {
	var nrTaken, scan uint64
	var busy, odd pageList

	for scan = 0; scan < nrToScan && nrTaken < nrToScan && !src.empty(); scan++ {
		p := src.popFront()
		if !p.tryIsolate() {
			busy.pushBack(p)
			continue
		}
		nrPages := uint64(p.subpages)
		nrTaken += nrPages
		switch {
		case p.subpages == 1:
			res.base.pushBack(p)
			res.takenBase += nrPages
		case p.subpages == HugePageSubpages:
			res.huge.pushBack(p)
			res.takenHuge += nrPages
		default:
			odd.pushBack(p)
			res.takenBase += nrPages
		}
	}
	src.splice(&busy)
	res.huge.splice(&odd)
	return nrTaken
}

// isolatePages supplies candidate pages of the group on the node,
// removing them from the activity lists. The result is an estimate:
// the caller must not assume exactly the requested count.
func (g *ResourceGroup) isolatePages(node Node, nrPages uint64, action isolateAction) *isolateResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn := g.node(node)
	res := &isolateResult{}
	var nrAllTaken uint64

	lists := []struct {
		list *pageList
		hot  bool
	}{
		{&gn.inactive, false},
		{&gn.active, true},
	}
	for _, l := range lists {
		if action == isolateColdPages && l.hot {
			continue
		}
		if action == isolateHotPages && !l.hot {
			continue
		}
		nrTaken := isolateListLocked(l.list, nrPages-nrAllTaken, res)
		gn.isolated += nrTaken
		nrAllTaken += nrTaken
		if nrAllTaken >= nrPages {
			break
		}
	}
	return res
}

// isolatePage takes one directly addressed page off its activity
// lists, the per-page form of isolatePages. Fails when the page is
// not in circulation on the group or has another holder.
func (g *ResourceGroup) isolatePage(p *Page) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gn := g.node(p.node)
	if !gn.active.remove(p) && !gn.inactive.remove(p) {
		return false
	}
	if !p.tryIsolate() {
		if p.HasFlag(PageActive) {
			gn.active.pushBack(p)
		} else {
			gn.inactive.pushBack(p)
		}
		return false
	}
	gn.isolated += uint64(p.subpages)
	return true
}

// putbackPage returns an isolated page to normal circulation on its
// own tier, dropping the isolation reference.
func (g *ResourceGroup) putbackPage(p *Page) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gn := g.node(p.node)
	gn.isolated -= uint64(p.subpages)
	p.ClearFlag(pageIsolated)
	if p.HasFlag(PageActive) {
		gn.active.pushBack(p)
	} else {
		gn.inactive.pushBack(p)
	}
	p.Put()
}

// putbackList returns all pages of the list to circulation.
func (g *ResourceGroup) putbackList(pl *pageList) {
	for !pl.empty() {
		g.putbackPage(pl.popFront())
	}
}

// shrinkActiveList demotes unreferenced pages from the hot list of
// the group on the node. Referenced pages get one more trip around
// the active list.
func (g *ResourceGroup) shrinkActiveList(node Node, nrToScan uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn := g.node(node)
	var keep, demote pageList
	var scanned uint64

	for scanned < nrToScan && !gn.active.empty() {
		p := gn.active.popFront()
		scanned += uint64(p.subpages)
		if p.HasFlag(PageUnevictable) {
			keep.pushBack(p)
			continue
		}
		if p.TestClearFlag(PageReferenced) {
			keep.pushBack(p)
			continue
		}
		p.ClearFlag(PageActive)
		demote.pushBack(p)
	}
	gn.active.splice(&keep)
	gn.inactive.splice(&demote)
}

// shrinkInactiveList promotes repeatedly referenced pages from the
// cold list of the group on the node.
func (g *ResourceGroup) shrinkInactiveList(node Node, nrToScan uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn := g.node(node)
	var keep, promote pageList
	var scanned uint64

	for scanned < nrToScan && !gn.inactive.empty() {
		p := gn.inactive.popFront()
		scanned += uint64(p.subpages)
		if p.TestClearFlag(PageReferenced) {
			p.SetFlag(PageActive)
			promote.pushBack(p)
			continue
		}
		keep.pushBack(p)
	}
	gn.inactive.splice(&keep)
	gn.active.splice(&promote)
}

// shrinkLists ages the activity lists of the group on both tiers,
// scanning half of each list.
func (g *ResourceGroup) shrinkLists(slow, fast Node) {
	for _, node := range []Node{slow, fast} {
		g.mu.Lock()
		gn := g.node(node)
		activeScan := gn.active.size() / 2
		inactiveScan := gn.inactive.size() / 2
		g.mu.Unlock()

		g.shrinkActiveList(node, activeScan)
		g.shrinkInactiveList(node, inactiveScan)
	}
}
