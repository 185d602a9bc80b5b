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
	"sync/atomic"

	"github.com/pkg/errors"
)

// pte is one translation of an address space. During migration or
// exchange the translation is replaced with a placeholder that
// records where accesses must redirect once the operation settles.
type pte struct {
	page      *Page
	migration bool
}

// AddressSpace models the reachable memory domain of one task group
// member: virtual addresses translated to pages.
type AddressSpace struct {
	id    int
	uid   int
	group *ResourceGroup

	mu           sync.RWMutex
	translations map[uint64]*pte

	rebalancing int32
}

// NewAddressSpace creates an address space owned by uid, accounted
// to the group.
func NewAddressSpace(id, uid int, group *ResourceGroup) *AddressSpace {
	return &AddressSpace{
		id:           id,
		uid:          uid,
		group:        group,
		translations: make(map[uint64]*pte),
	}
}

// ID returns the address space identifier.
func (as *AddressSpace) ID() int {
	return as.id
}

// Group returns the resource group of the address space.
func (as *AddressSpace) Group() *ResourceGroup {
	return as.group
}

// MapPage installs a translation from vaddr to the page and records
// the reverse mapping.
func (as *AddressSpace) MapPage(vaddr uint64, p *Page) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.translations[vaddr] = &pte{page: p}
	if p.rmap == nil {
		p.rmap = &Rmap{}
	}
	p.rmap.addEntry(as, vaddr)
	p.group = as.group
}

// resolvePage translates vaddr to its page. The address must be
// page-aligned, translated, and not under migration.
func (as *AddressSpace) resolvePage(vaddr uint64) (*Page, error) {
	if vaddr%PageSize != 0 {
		return nil, errors.Wrapf(ErrInval, "address %#x not page-aligned", vaddr)
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	entry, ok := as.translations[vaddr]
	if !ok {
		return nil, errors.Wrapf(ErrFault, "address %#x not mapped", vaddr)
	}
	if entry.migration || entry.page == nil {
		return nil, errors.Wrapf(ErrNoEnt, "no page present at %#x", vaddr)
	}
	return entry.page, nil
}

// tryStartRebalance takes the exclusive rebalance-in-progress flag.
func (as *AddressSpace) tryStartRebalance() bool {
	return atomic.CompareAndSwapInt32(&as.rebalancing, 0, 1)
}

// endRebalance drops the rebalance-in-progress flag.
func (as *AddressSpace) endRebalance() {
	atomic.StoreInt32(&as.rebalancing, 0)
}

// tryToUnmap replaces every translation resolving to the page with a
// migration placeholder. Returns the number of translations removed.
func tryToUnmap(p *Page) int {
	if p.rmap == nil {
		return 0
	}
	p.rmap.mu.Lock()
	defer p.rmap.mu.Unlock()
	removed := 0
	for i := range p.rmap.entries {
		e := &p.rmap.entries[i]
		if !e.present {
			continue
		}
		e.space.mu.Lock()
		e.space.translations[e.vaddr] = &pte{page: p, migration: true}
		e.space.mu.Unlock()
		e.present = false
		removed++
	}
	return removed
}

// removeMigrationEntries reinstalls translations recorded in the
// reverse mapping, pointing them at target: the new page on success,
// the original one on failure.
func removeMigrationEntries(r *Rmap, target *Page) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		e := &r.entries[i]
		if e.present {
			continue
		}
		e.space.mu.Lock()
		e.space.translations[e.vaddr] = &pte{page: target}
		e.space.mu.Unlock()
		e.present = true
	}
	target.rmap = r
}
