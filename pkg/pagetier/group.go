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
	"sync"
)

// pageList is an ordered list of pages with a running total in base
// pages. The head holds the oldest entries.
type pageList struct {
	pages  []*Page
	nrBase uint64
}

func (pl *pageList) empty() bool {
	return len(pl.pages) == 0
}

func (pl *pageList) size() uint64 {
	return pl.nrBase
}

func (pl *pageList) pushBack(p *Page) {
	pl.pages = append(pl.pages, p)
	pl.nrBase += uint64(p.subpages)
}

func (pl *pageList) pushFront(p *Page) {
	pl.pages = append([]*Page{p}, pl.pages...)
	pl.nrBase += uint64(p.subpages)
}

func (pl *pageList) popFront() *Page {
	if len(pl.pages) == 0 {
		return nil
	}
	p := pl.pages[0]
	pl.pages = pl.pages[1:]
	pl.nrBase -= uint64(p.subpages)
	return p
}

func (pl *pageList) popBack() *Page {
	if len(pl.pages) == 0 {
		return nil
	}
	p := pl.pages[len(pl.pages)-1]
	pl.pages = pl.pages[:len(pl.pages)-1]
	pl.nrBase -= uint64(p.subpages)
	return p
}

// remove takes one specific page off the list, wherever it sits.
func (pl *pageList) remove(p *Page) bool {
	for i, q := range pl.pages {
		if q == p {
			pl.pages = append(pl.pages[:i], pl.pages[i+1:]...)
			pl.nrBase -= uint64(p.subpages)
			return true
		}
	}
	return false
}

// splice appends all pages of other and empties it.
func (pl *pageList) splice(other *pageList) {
	pl.pages = append(pl.pages, other.pages...)
	pl.nrBase += other.nrBase
	other.pages = nil
	other.nrBase = 0
}

// groupNode is the per-(group, tier) accounting: capacity ceiling,
// activity lists and the isolated-page count.
type groupNode struct {
	capacity uint64
	active   pageList
	inactive pageList
	isolated uint64
}

// ResourceGroup is the unit whose page budget and tier capacities
// are tracked.
type ResourceGroup struct {
	name string

	mu    sync.Mutex
	nodes map[Node]*groupNode
}

// NewResourceGroup creates a group with no per-tier capacity set.
func NewResourceGroup(name string) *ResourceGroup {
	return &ResourceGroup{
		name:  name,
		nodes: make(map[Node]*groupNode),
	}
}

// Name returns the name of the group.
func (g *ResourceGroup) Name() string {
	return g.name
}

func (g *ResourceGroup) node(node Node) *groupNode {
	gn, ok := g.nodes[node]
	if !ok {
		gn = &groupNode{}
		g.nodes[node] = gn
	}
	return gn
}

// SetCapacity sets the capacity ceiling of the group on the node, in
// base pages.
func (g *ResourceGroup) SetCapacity(node Node, nrPages uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.node(node).capacity = nrPages
}

// AddPage accounts a page to the group on its node, placing it on
// the activity list its flags select.
func (g *ResourceGroup) AddPage(p *Page) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.group = g
	gn := g.node(p.node)
	if p.HasFlag(PageActive) {
		gn.active.pushBack(p)
	} else {
		gn.inactive.pushBack(p)
	}
}

// Snapshot computes the per-tier counters of the group on the node.
// Isolated pages still occupy their tier.
func (g *ResourceGroup) Snapshot(node Node) TierSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	gn := g.node(node)
	return TierSnapshot{
		Node:      node,
		Capacity:  gn.capacity,
		Occupancy: gn.active.size() + gn.inactive.size() + gn.isolated,
	}
}

// ActivePages returns the hot page count of the group on the node.
func (g *ResourceGroup) ActivePages(node Node) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node(node).active.size()
}

// InactivePages returns the cold page count of the group on the node.
func (g *ResourceGroup) InactivePages(node Node) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.node(node).inactive.size()
}

// moveAccounting moves a page's accounting from one node to another
// after migration. The page is expected to be isolated, so only the
// isolated counters move.
func (g *ResourceGroup) moveAccounting(from, to Node, nrPages uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.node(from).isolated -= nrPages
	g.node(to).isolated += nrPages
}
