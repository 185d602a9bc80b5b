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
)

// SizeClass is the size class of a page.
type SizeClass int

const (
	// SizeBase is a base-size page.
	SizeBase SizeClass = iota
	// SizeHuge is a huge page of HugePageSubpages base pages.
	SizeHuge
)

// PageFlag is one bit of page status.
type PageFlag uint32

const (
	// PageError marks an I/O error on the page.
	PageError PageFlag = 1 << iota
	// PageReferenced marks a recently referenced page.
	PageReferenced
	// PageUptodate marks content valid for reading.
	PageUptodate
	// PageDirty marks content newer than its backing store.
	PageDirty
	// PageActive keeps the page on the hot activity list.
	PageActive
	// PageUnevictable excludes the page from activity lists.
	PageUnevictable
	// PageChecked is filesystem-private state.
	PageChecked
	// PageMappedToDisk marks blocks allocated on disk.
	PageMappedToDisk
	// PageYoung is an aging hint: accessed since the last scan.
	PageYoung
	// PageIdle is an aging hint: not accessed since marked idle.
	PageIdle
	// PageSwapBacked marks anonymous/shmem memory backed by swap.
	PageSwapBacked
	// PageSwapCache marks a page cached in swap.
	PageSwapCache
	// PageWriteback marks a page under writeback.
	PageWriteback
	// PagePrivate marks attached filesystem-private metadata.
	PagePrivate
	// pageIsolated marks a page taken off its activity list.
	pageIsolated
)

// Page is the unit of movement between tiers.
//
// The page lock must be held by the sole thread mutating the page's
// identity or content. The reference count reflects exactly the
// holders: the caller, any isolation list and any in-flight
// protocol state.
type Page struct {
	frame    uint64
	data     []byte
	subpages int
	hugetlb  bool

	flags uint32
	refs  int32
	mu    sync.Mutex

	mapping *Mapping
	index   uint64

	group    *ResourceGroup
	node     Node
	tierHint Node

	rmap *Rmap
	priv *privData
}

// privData is transient filesystem-private metadata attached to a
// page on the buffered-filesystem path.
type privData struct {
	busy bool
}

var nextFrame uint64

// newPage allocates a page frame on the given node.
func newPage(node Node, class SizeClass) *Page {
	subpages := 1
	if class == SizeHuge {
		subpages = HugePageSubpages
	}
	return newPageSubpages(node, subpages)
}

// newPageSubpages allocates a page frame of subpages base pages.
func newPageSubpages(node Node, subpages int) *Page {
	return &Page{
		frame:    atomic.AddUint64(&nextFrame, 1),
		data:     make([]byte, subpages*PageSize),
		subpages: subpages,
		node:     node,
		tierHint: node,
	}
}

// Frame returns the physical identity of the page.
func (p *Page) Frame() uint64 {
	return p.frame
}

// Data returns the page content.
func (p *Page) Data() []byte {
	return p.data
}

// Subpages returns the number of base pages in the page.
func (p *Page) Subpages() int {
	return p.subpages
}

// SizeClass returns the size class of the page.
func (p *Page) SizeClass() SizeClass {
	if p.subpages == 1 {
		return SizeBase
	}
	return SizeHuge
}

// Node returns the tier the page frame resides on.
func (p *Page) Node() Node {
	return p.node
}

// Group returns the resource group the page is accounted to.
func (p *Page) Group() *ResourceGroup {
	return p.group
}

// Mapping returns the cached mapping of the page, nil for anonymous
// memory.
func (p *Page) Mapping() *Mapping {
	return p.mapping
}

// Flags returns a snapshot of all status flags.
func (p *Page) Flags() PageFlag {
	return PageFlag(atomic.LoadUint32(&p.flags))
}

// HasFlag tells whether the flag is set.
func (p *Page) HasFlag(f PageFlag) bool {
	return atomic.LoadUint32(&p.flags)&uint32(f) != 0
}

// SetFlag sets the flag.
func (p *Page) SetFlag(f PageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears the flag.
func (p *Page) ClearFlag(f PageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// TestClearFlag clears the flag and returns its previous state.
func (p *Page) TestClearFlag(f PageFlag) bool {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return old&uint32(f) != 0
		}
	}
}

// Get takes a reference on the page.
func (p *Page) Get() {
	atomic.AddInt32(&p.refs, 1)
}

// Put drops a reference on the page.
func (p *Page) Put() {
	if atomic.AddInt32(&p.refs, -1) < 0 {
		log.Panic("page %d reference count went negative", p.frame)
	}
}

// RefCount returns the current reference count.
func (p *Page) RefCount() int {
	return int(atomic.LoadInt32(&p.refs))
}

// freezeRefs succeeds when the reference count matches exactly the
// expected holder count. This optimistic check is the sole
// concurrency control for identity mutation: every other mutator of
// page identity must go through the same check.
func (p *Page) freezeRefs(expected int) bool {
	return atomic.LoadInt32(&p.refs) == int32(expected)
}

// TryLock attempts to take the page lock without blocking.
func (p *Page) TryLock() bool {
	return p.mu.TryLock()
}

// Lock takes the page lock, blocking until available.
func (p *Page) Lock() {
	p.mu.Lock()
}

// Unlock releases the page lock.
func (p *Page) Unlock() {
	p.mu.Unlock()
}

// hasPrivate tells whether filesystem-private metadata is attached.
func (p *Page) hasPrivate() bool {
	return p.HasFlag(PagePrivate) && p.priv != nil
}

// tryFreePrivate releases filesystem-private metadata of an orphaned
// page, so the page can move. Fails when the metadata is pinned.
func (p *Page) tryFreePrivate() bool {
	if p.priv != nil && p.priv.busy {
		return false
	}
	p.priv = nil
	p.ClearFlag(PagePrivate)
	return true
}

// mapCount returns the number of translations currently resolving to
// this page.
func (p *Page) mapCount() int {
	if p.rmap == nil {
		return 0
	}
	return p.rmap.mappedCount()
}

// Rmap is the reverse-mapping structure of a page: the address
// ranges where the page is mapped. A pinned Rmap must not be freed
// even if the page becomes unmapped, so an in-flight operation can
// still restore translations.
type Rmap struct {
	mu      sync.Mutex
	entries []rmapEntry
	pins    int32
}

type rmapEntry struct {
	space   *AddressSpace
	vaddr   uint64
	present bool
}

// getRmap pins and returns the reverse-mapping structure, or nil if
// the page is not mapped anywhere. The pin delays freeing the
// structure until putRmap, even if the page gets fully unmapped in
// between.
func (p *Page) getRmap() *Rmap {
	if p.rmap == nil || p.mapCount() == 0 {
		return nil
	}
	atomic.AddInt32(&p.rmap.pins, 1)
	return p.rmap
}

// putRmap drops a pin taken with getRmap.
func putRmap(r *Rmap) {
	if r == nil {
		return
	}
	if atomic.AddInt32(&r.pins, -1) < 0 {
		log.Panic("reverse-mapping pin count went negative")
	}
}

func (r *Rmap) mappedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.present {
			count++
		}
	}
	return count
}

func (r *Rmap) addEntry(space *AddressSpace, vaddr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, rmapEntry{space: space, vaddr: vaddr, present: true})
}
