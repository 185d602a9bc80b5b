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

	"github.com/pkg/errors"
)

// Tier is a memory pool with distinct performance and capacity
// characteristics. Page frames are allocated from and returned to a
// tier; per-group occupancy accounting lives in ResourceGroup.
type Tier struct {
	node Node
	cpus int

	mu        sync.Mutex
	allocated uint64
	allocFail bool
}

// NewTier creates a tier for the node with the given number of local
// CPUs.
func NewTier(node Node, cpus int) *Tier {
	return &Tier{node: node, cpus: cpus}
}

// Node returns the node identity of the tier.
func (t *Tier) Node() Node {
	return t.node
}

// CPUCount returns the number of CPUs local to the tier.
func (t *Tier) CPUCount() int {
	return t.cpus
}

// AllocPage allocates a page frame on the tier.
func (t *Tier) AllocPage(class SizeClass) (*Page, error) {
	subpages := 1
	if class == SizeHuge {
		subpages = HugePageSubpages
	}
	return t.allocPageSubpages(subpages)
}

// allocPageSubpages allocates a frame of an arbitrary size, matching
// an odd-sized page being moved.
func (t *Tier) allocPageSubpages(subpages int) (*Page, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allocFail {
		return nil, errors.Wrapf(ErrNoMem, "node %d page allocation failed", t.node)
	}
	p := newPageSubpages(t.node, subpages)
	t.allocated += uint64(p.subpages)
	return p, nil
}

// FreePage returns a page frame to the tier.
func (t *Tier) FreePage(p *Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.node != t.node {
		log.Panic("freeing page frame %d on wrong node %d", p.frame, t.node)
	}
	t.allocated -= uint64(p.subpages)
	p.data = nil
}

// TierSnapshot is a per-tier, per-group view computed once per
// balancing pass. Its counters are estimates: occupancy can drift
// between the snapshot and the isolation acting on it.
type TierSnapshot struct {
	Node      Node
	Capacity  uint64
	Occupancy uint64
}

// Free returns the free headroom of the tier for the group. Negative
// when the group already overshoots its ceiling.
func (s TierSnapshot) Free() int64 {
	return int64(s.Capacity) - int64(s.Occupancy)
}
