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
	"github.com/pkg/errors"
)

// ExchangePair is one unit of exchange work: two isolated pages whose
// contents and identities swap, leaving each page frame on its tier.
type ExchangePair struct {
	from *Page
	to   *Page

	// Pinned reverse mappings, held across unmap so translations can
	// be restored whichever way the exchange ends.
	fromRmap *Rmap
	toRmap   *Rmap

	retries int
	err     error
}

// NewExchangePair pairs two isolated pages for exchange.
func NewExchangePair(from, to *Page) *ExchangePair {
	return &ExchangePair{from: from, to: to}
}

// Err returns the final outcome of the pair.
func (pr *ExchangePair) Err() error {
	return pr.err
}

// exchangeMapping commits the identity swap of two pages. For
// anonymous pages this is the point of no return: once the reference
// counts freeze at exactly the isolation holder, no concurrent
// observer exists and identity may move. A page cached in a mapping
// additionally hands its index slot and buffer metadata to the other
// page under the index lock.
func exchangeMapping(from, to *Page) error {
	if from.mapping != nil && to.mapping != nil {
		log.Panic("exchanging two cached pages: frames %d and %d", from.frame, to.frame)
	}

	if from.mapping == nil && to.mapping == nil {
		if !from.freezeRefs(1) || !to.freezeRefs(1) {
			return errors.Wrapf(ErrAgain, "frames %d/%d have concurrent observers", from.frame, to.frame)
		}
		from.index, to.index = to.index, from.index
		return nil
	}

	cached, anon := from, to
	if to.mapping != nil {
		cached, anon = to, from
	}
	m := cached.mapping
	m.mu.Lock()
	defer m.mu.Unlock()
	if !cached.freezeRefs(1) || !anon.freezeRefs(1) {
		return errors.Wrapf(ErrAgain, "frames %d/%d have concurrent observers", from.frame, to.frame)
	}
	m.setEntriesLocked(cached.index, cached.subpages, anon)
	m.transferBuffersLocked(anon, cached)
	anon.mapping, anon.index = m, cached.index
	cached.mapping, cached.index = nil, 0
	return nil
}

// swapFlag moves one status flag between two pages.
func swapFlag(a, b *Page, f PageFlag) {
	af := a.TestClearFlag(f)
	bf := b.TestClearFlag(f)
	if af {
		b.SetFlag(f)
	}
	if bf {
		a.SetFlag(f)
	}
}

// exchangeFlags swaps the status flags and accounting identity of two
// pages. The swap-cache bit moves together with the mapping identity,
// so it goes last. Physical placement (node) and the isolated bit
// stay with the frame.
func exchangeFlags(a, b *Page) {
	swapFlag(a, b, PageError)
	swapFlag(a, b, PageReferenced)
	swapFlag(a, b, PageUptodate)
	swapFlag(a, b, PageActive)
	swapFlag(a, b, PageUnevictable)
	swapFlag(a, b, PageChecked)
	swapFlag(a, b, PageMappedToDisk)
	swapFlag(a, b, PageDirty)
	swapFlag(a, b, PageWriteback)
	swapFlag(a, b, PageYoung)
	swapFlag(a, b, PageIdle)
	swapFlag(a, b, PageSwapBacked)
	swapFlag(a, b, PagePrivate)
	swapFlag(a, b, PageSwapCache)

	a.priv, b.priv = b.priv, a.priv
	a.group, b.group = b.group, a.group
	a.tierHint, b.tierHint = b.tierHint, a.tierHint
}

// exchangeCommitted moves content and status between two pages whose
// identity swap has already been committed. Content goes through the
// engine when an accelerated mode is requested, one subpage at a
// time otherwise.
func exchangeCommitted(e *CopyEngine, from, to *Page, mode MigrateMode) {
	err := errors.Wrap(ErrNoEngine, "synchronous mode")
	if mode&(MigrateMT|MigrateDMA) != 0 {
		err = e.ExchangeContent([]*Page{from}, []*Page{to}, mode)
	}
	if err != nil {
		for i := 0; i < from.subpages; i++ {
			off := i * PageSize
			exchangeChunkSync(from.data[off:off+PageSize], to.data[off:off+PageSize])
		}
	}
	exchangeFlags(from, to)
}

// xstate tracks progress of one exchange, so unwinding on failure
// releases exactly what was taken.
type xstate int

const (
	xStart xstate = iota
	xLockedFrom
	xLockedTo
	xUnmapped
)

// lockPair takes both page locks in pair order. Async mode never
// blocks: contention aborts the attempt with a transient error.
func (pr *ExchangePair) lockPair(mode MigrateMode) (xstate, error) {
	if mode&MigrateAsync != 0 {
		if !pr.from.TryLock() {
			return xStart, errors.Wrapf(ErrAgain, "frame %d lock contended", pr.from.frame)
		}
		if !pr.to.TryLock() {
			return xLockedFrom, errors.Wrapf(ErrAgain, "frame %d lock contended", pr.to.frame)
		}
		return xLockedTo, nil
	}
	pr.from.Lock()
	pr.to.Lock()
	return xLockedTo, nil
}

// unwind releases what the exchange took, restoring translations to
// point back at their original pages when identity never moved.
func (pr *ExchangePair) unwind(s xstate) {
	switch s {
	case xUnmapped:
		pr.from.rmap = nil
		pr.to.rmap = nil
		removeMigrationEntries(pr.fromRmap, pr.from)
		removeMigrationEntries(pr.toRmap, pr.to)
		fallthrough
	case xLockedTo:
		pr.to.Unlock()
		fallthrough
	case xLockedFrom:
		pr.from.Unlock()
	}
	putRmap(pr.fromRmap)
	putRmap(pr.toRmap)
	pr.fromRmap, pr.toRmap = nil, nil
}

// unmapAndExchange runs the whole protocol for one pair: lock, unmap,
// identity commit, content and status swap, remap. On any failure
// before the commit the pair unwinds to its pre-exchange state.
func unmapAndExchange(e *CopyEngine, pr *ExchangePair, mode MigrateMode) error {
	from, to := pr.from, pr.to
	if from.subpages != to.subpages {
		return errors.Wrapf(ErrInval, "size class mismatch: %d vs %d subpages", from.subpages, to.subpages)
	}

	s, err := pr.lockPair(mode)
	if err != nil {
		pr.unwind(s)
		return err
	}

	if from.HasFlag(PageWriteback) || to.HasFlag(PageWriteback) {
		pr.unwind(s)
		return errors.Wrap(ErrAgain, "page under writeback")
	}
	if (from.mapping != nil && from.subpages > 1) || (to.mapping != nil && to.subpages > 1) {
		// No path swaps a file-backed huge page in place.
		pr.unwind(s)
		return errors.Wrap(ErrUnsupported, "file-backed huge page")
	}

	pr.fromRmap = from.getRmap()
	pr.toRmap = to.getRmap()
	tryToUnmap(from)
	tryToUnmap(to)
	s = xUnmapped
	if from.mapCount() != 0 || to.mapCount() != 0 {
		pr.unwind(s)
		return errors.Wrap(ErrAgain, "page gained a translation during unmap")
	}

	// Orphaned filesystem-private metadata pins the page unless it
	// can be dropped now.
	if from.mapping == nil && from.hasPrivate() && !from.tryFreePrivate() {
		pr.unwind(s)
		return errors.Wrapf(ErrAgain, "frame %d private metadata pinned", from.frame)
	}
	if to.mapping == nil && to.hasPrivate() && !to.tryFreePrivate() {
		pr.unwind(s)
		return errors.Wrapf(ErrAgain, "frame %d private metadata pinned", to.frame)
	}

	if err := exchangeMapping(from, to); err != nil {
		pr.unwind(s)
		return err
	}

	exchangeCommitted(e, from, to, mode)

	// Identity moved: translations that resolved to from must now
	// resolve to to, and the reverse mappings trade owners.
	from.rmap = nil
	to.rmap = nil
	removeMigrationEntries(pr.fromRmap, to)
	removeMigrationEntries(pr.toRmap, from)

	to.Unlock()
	from.Unlock()
	putRmap(pr.fromRmap)
	putRmap(pr.toRmap)
	pr.fromRmap, pr.toRmap = nil, nil
	return nil
}

// ExchangePairs runs the pairs one by one on the calling thread.
// Each pair settles completely before the next starts. Returns the
// number of pairs that did not exchange.
func ExchangePairs(e *CopyEngine, pairs []*ExchangePair, mode MigrateMode) int {
	failed := 0
	for _, pr := range pairs {
		pr.err = unmapAndExchange(e, pr, mode)
		if pr.err != nil {
			failed++
			rlog.Debug("exchange of frames %d/%d failed: %v", pr.from.frame, pr.to.frame, pr.err)
		}
	}
	return failed
}
