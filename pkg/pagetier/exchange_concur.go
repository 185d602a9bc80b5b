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

// The concurrent batch scheduler runs many pairs through the
// exchange protocol in shared phases: all pairs unmap, then all
// commit identity, then one batched content swap, then all remap.
// Batching the content phase is what lets the copy engine spread a
// whole batch over worker threads or copy channels at once.

// concurEligible tells whether a pair may ride the concurrent path.
// Pool-backed huge pages and pages cached in a mapping need the
// sequential protocol.
func concurEligible(pr *ExchangePair) error {
	for _, p := range []*Page{pr.from, pr.to} {
		if p.hugetlb {
			return errors.Wrapf(ErrDivert, "frame %d is pool-backed huge", p.frame)
		}
		if p.mapping != nil {
			return errors.Wrapf(ErrDivert, "frame %d is cached in a mapping", p.frame)
		}
	}
	return nil
}

// unmapPairConcur runs the unmap phase for one pair. After the forced
// lock pass the scheduler stops being polite and blocks on page
// locks, so a repeatedly contended pair still makes progress.
func unmapPairConcur(pr *ExchangePair, mode MigrateMode, force bool) error {
	lockMode := mode | MigrateAsync
	if force {
		lockMode = mode &^ MigrateAsync
	}
	s, err := pr.lockPair(lockMode)
	if err != nil {
		pr.unwind(s)
		return err
	}

	if pr.from.HasFlag(PageWriteback) || pr.to.HasFlag(PageWriteback) {
		pr.unwind(s)
		return errors.Wrap(ErrAgain, "page under writeback")
	}

	pr.fromRmap = pr.from.getRmap()
	pr.toRmap = pr.to.getRmap()
	tryToUnmap(pr.from)
	tryToUnmap(pr.to)
	if pr.from.mapCount() != 0 || pr.to.mapCount() != 0 {
		pr.unwind(xUnmapped)
		return errors.Wrap(ErrAgain, "page gained a translation during unmap")
	}
	return nil
}

// finishPairConcur runs the remap phase for one exchanged pair.
func finishPairConcur(pr *ExchangePair) {
	pr.from.rmap = nil
	pr.to.rmap = nil
	removeMigrationEntries(pr.fromRmap, pr.to)
	removeMigrationEntries(pr.toRmap, pr.from)
	pr.to.Unlock()
	pr.from.Unlock()
	putRmap(pr.fromRmap)
	putRmap(pr.toRmap)
	pr.fromRmap, pr.toRmap = nil, nil
	pr.err = nil
}

// contentPhase swaps content for all committed pairs at once when an
// accelerated mode is requested, pair by pair otherwise. Status flags
// swap per pair either way.
func contentPhase(e *CopyEngine, committed []*ExchangePair, mode MigrateMode) {
	batched := false
	if mode&(MigrateMT|MigrateDMA) != 0 {
		froms := make([]*Page, len(committed))
		tos := make([]*Page, len(committed))
		for i, pr := range committed {
			froms[i] = pr.from
			tos[i] = pr.to
		}
		if err := e.ExchangeContent(froms, tos, mode); err == nil {
			batched = true
		} else {
			log.Debug("batched content exchange unavailable: %v", err)
		}
	}
	for _, pr := range committed {
		if !batched {
			for i := 0; i < pr.from.subpages; i++ {
				off := i * PageSize
				exchangeChunkSync(pr.from.data[off:off+PageSize], pr.to.data[off:off+PageSize])
			}
		}
		exchangeFlags(pr.from, pr.to)
	}
}

// ExchangePairsConcurrent runs the pairs through the batched phases,
// retrying transiently failed pairs for a bounded number of passes
// and diverting ineligible pairs to the sequential path. A fatal
// error abandons the remaining batch. Returns the number of pairs
// that never exchanged.
func ExchangePairsConcurrent(e *CopyEngine, pairs []*ExchangePair, mode MigrateMode) int {
	var serialized []*ExchangePair
	failed := 0

	pending := make([]*ExchangePair, 0, len(pairs))
	for _, pr := range pairs {
		if pr.from.subpages != pr.to.subpages {
			pr.err = errors.Wrapf(ErrInval, "size class mismatch: %d vs %d subpages",
				pr.from.subpages, pr.to.subpages)
			failed++
			continue
		}
		if err := concurEligible(pr); err != nil {
			log.Debug("pair of frames %d/%d diverted: %v", pr.from.frame, pr.to.frame, err)
			serialized = append(serialized, pr)
			continue
		}
		pending = append(pending, pr)
	}

	aborted := false
	for pass := 1; pass <= maxExchangePasses && len(pending) > 0 && !aborted; pass++ {
		var unmapped, committed, retry []*ExchangePair

		for i, pr := range pending {
			err := unmapPairConcur(pr, mode, pass > forcedLockPass)
			switch {
			case err == nil:
				unmapped = append(unmapped, pr)
			case isFatal(err):
				pr.err = err
				failed++
				aborted = true
			case isTransient(err):
				pr.err = err
				pr.retries++
				retry = append(retry, pr)
			default:
				pr.err = err
				failed++
			}
			if aborted {
				for _, rest := range pending[i+1:] {
					rest.err = errors.Wrap(ErrAgain, "batch abandoned")
					failed++
				}
				break
			}
		}

		for _, pr := range unmapped {
			if aborted {
				pr.unwind(xUnmapped)
				pr.err = errors.Wrap(ErrAgain, "batch abandoned")
				failed++
				continue
			}
			if err := exchangeMapping(pr.from, pr.to); err != nil {
				pr.unwind(xUnmapped)
				if isTransient(err) {
					pr.err = err
					pr.retries++
					retry = append(retry, pr)
				} else {
					pr.err = err
					failed++
				}
				continue
			}
			committed = append(committed, pr)
		}

		contentPhase(e, committed, mode)
		for _, pr := range committed {
			finishPairConcur(pr)
		}

		pending = retry
	}

	for _, pr := range pending {
		if pr.err == nil {
			pr.err = errors.Wrap(ErrAgain, "retry passes exhausted")
		}
		failed++
	}

	if len(serialized) > 0 {
		failed += ExchangePairs(e, serialized, mode)
	}
	return failed
}
