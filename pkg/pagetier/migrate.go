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

// Migration moves a page to a fresh frame on another tier, unlike
// exchange which trades two existing frames. It is the one-sided
// fallback for pages that could not be paired.

// migrateFlags transfers status flags and accounting identity from
// the old frame to the new one.
func migrateFlags(to, from *Page) {
	for _, f := range []PageFlag{
		PageError, PageReferenced, PageUptodate, PageActive,
		PageUnevictable, PageChecked, PageMappedToDisk, PageDirty,
		PageYoung, PageIdle, PageSwapBacked, PagePrivate, PageSwapCache,
	} {
		if from.TestClearFlag(f) {
			to.SetFlag(f)
		}
	}
	to.priv, from.priv = from.priv, nil
	to.group = from.group
	to.tierHint = from.tierHint
}

// migrateContent copies page content to the new frame, spreading huge
// pages over worker threads when requested.
func migrateContent(e *CopyEngine, to, from *Page, mode MigrateMode) {
	if mode&MigrateDMA != 0 {
		err := e.CopyPageDMA(to, from)
		if err == nil {
			return
		}
		log.Debug("channel copy of frame %d failed, copying inline: %v", from.frame, err)
	}
	if mode&MigrateMT != 0 && from.subpages > 1 {
		if err := e.CopyPageMT(to, from); err == nil {
			return
		}
	}
	copyPageSync(to, from)
}

// migratePage moves one isolated page to a fresh frame on the
// destination tier. On success the old frame is free to release and
// the new page carries the isolation reference.
func migratePage(e *CopyEngine, dst *Tier, from *Page, mode MigrateMode) (*Page, error) {
	to, err := dst.allocPageSubpages(from.subpages)
	if err != nil {
		return nil, err
	}

	if mode&MigrateAsync != 0 {
		if !from.TryLock() {
			dst.FreePage(to)
			return nil, errors.Wrapf(ErrAgain, "frame %d lock contended", from.frame)
		}
	} else {
		from.Lock()
	}
	fail := func(err error) (*Page, error) {
		from.Unlock()
		dst.FreePage(to)
		return nil, err
	}

	if from.HasFlag(PageWriteback) {
		return fail(errors.Wrapf(ErrAgain, "frame %d under writeback", from.frame))
	}

	rmap := from.getRmap()
	tryToUnmap(from)
	if from.mapCount() != 0 {
		from.rmap = nil
		removeMigrationEntries(rmap, from)
		putRmap(rmap)
		return fail(errors.Wrap(ErrAgain, "page gained a translation during unmap"))
	}

	if !from.freezeRefs(1) {
		from.rmap = nil
		removeMigrationEntries(rmap, from)
		putRmap(rmap)
		return fail(errors.Wrapf(ErrAgain, "frame %d has concurrent observers", from.frame))
	}

	// Identity commits to the new frame.
	if m := from.mapping; m != nil {
		m.mu.Lock()
		m.setEntriesLocked(from.index, from.subpages, to)
		m.transferBuffersLocked(to, from)
		to.mapping, to.index = m, from.index
		from.mapping, from.index = nil, 0
		m.mu.Unlock()
	}
	migrateContent(e, to, from, mode)
	migrateFlags(to, from)

	to.Get()
	to.SetFlag(pageIsolated)

	from.rmap = nil
	removeMigrationEntries(rmap, to)
	from.Unlock()
	putRmap(rmap)
	return to, nil
}

// migrateList moves every page of the list to the destination tier
// in bounded batches. Pages that could not move go back to
// circulation on their own tier. Returns the number of base pages
// that did not move.
func migrateList(e *CopyEngine, tiers map[Node]*Tier, group *ResourceGroup, list *pageList, dstNode Node, batchPages uint64, mode MigrateMode) uint64 {
	dst, ok := tiers[dstNode]
	if !ok {
		nrFailed := list.size()
		group.putbackList(list)
		return nrFailed
	}
	if batchPages == 0 {
		batchPages = defaultBatchPages
	}

	var nrFailed uint64
	for !list.empty() {
		var batch, moved uint64
		for batch < batchPages && !list.empty() {
			from := list.popFront()
			batch += uint64(from.subpages)

			to, err := migratePage(e, dst, from, mode)
			if err != nil {
				rlog.Debug("migration of frame %d to node %d failed: %v", from.frame, dstNode, err)
				nrFailed += uint64(from.subpages)
				group.putbackPage(from)
				if isFatal(err) {
					nrFailed += list.size()
					group.putbackList(list)
					return nrFailed
				}
				continue
			}

			group.moveAccounting(from.node, dstNode, uint64(from.subpages))
			from.ClearFlag(pageIsolated)
			from.Put()
			tiers[from.node].FreePage(from)
			group.putbackPage(to)
			moved += uint64(to.subpages)
		}
		log.Debug("migrated %d of %d pages to node %d", moved, batch, dstNode)
	}
	return nrFailed
}
