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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// pageState is the externally observable state of a page, captured
// for before/after comparison.
type pageState struct {
	Frame   uint64
	Node    Node
	Flags   PageFlag
	Content []byte
}

func captureState(p *Page) pageState {
	return pageState{
		Frame:   p.frame,
		Node:    p.node,
		Flags:   p.Flags(),
		Content: pageContent(p),
	}
}

func TestExchangeAnonPair(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0xBB)
	wantFrom := pageContent(to)
	wantTo := pageContent(from)

	failed := ExchangePairs(e, []*ExchangePair{NewExchangePair(from, to)}, MigrateSinglethread)
	if failed != 0 {
		t.Fatalf("exchange failed")
	}
	if !contentEqual(from.data, wantFrom) {
		t.Errorf("first frame does not hold second frame's content")
	}
	if !contentEqual(to.data, wantTo) {
		t.Errorf("second frame does not hold first frame's content")
	}
	if from.node != testSlowNode || to.node != testFastNode {
		t.Errorf("frames changed node: %d/%d", from.node, to.node)
	}
}

func TestExchangeFlagSwap(t *testing.T) {
	tcases := []struct {
		name string
		flag PageFlag
	}{
		{"error", PageError},
		{"referenced", PageReferenced},
		{"uptodate", PageUptodate},
		{"dirty", PageDirty},
		{"active", PageActive},
		{"checked", PageChecked},
		{"mappedtodisk", PageMappedToDisk},
		{"young", PageYoung},
		{"idle", PageIdle},
		{"swapbacked", PageSwapBacked},
		{"swapcache", PageSwapCache},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tiers := newTestTiers()
			e := newTestEngine(4)
			from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0x01)
			to := allocIsolated(t, tiers[testFastNode], SizeBase, 0x02)
			from.SetFlag(tc.flag)

			failed := ExchangePairs(e, []*ExchangePair{NewExchangePair(from, to)}, MigrateSinglethread)
			if failed != 0 {
				t.Fatalf("exchange failed")
			}
			if from.HasFlag(tc.flag) {
				t.Errorf("flag still set on first frame")
			}
			if !to.HasFlag(tc.flag) {
				t.Errorf("flag not moved to second frame")
			}
		})
	}
}

// The writeback precondition keeps the flag out of full protocol
// runs, so the transfer is checked on the flag swap directly.
func TestExchangeWritebackFlagTransfer(t *testing.T) {
	tiers := newTestTiers()
	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0x01)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0x02)
	from.SetFlag(PageWriteback)

	exchangeFlags(from, to)

	if from.HasFlag(PageWriteback) {
		t.Errorf("writeback still set on first frame")
	}
	if !to.HasFlag(PageWriteback) {
		t.Errorf("writeback not moved to second frame")
	}
}

func TestExchangeGroupOwnershipSwap(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0x01)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0x02)
	gFrom := NewResourceGroup("gfrom")
	gTo := NewResourceGroup("gto")
	from.group, to.group = gFrom, gTo

	failed := ExchangePairs(e, []*ExchangePair{NewExchangePair(from, to)}, MigrateSinglethread)
	if failed != 0 {
		t.Fatalf("exchange failed")
	}
	if from.group != gTo || to.group != gFrom {
		t.Errorf("group ownership not swapped")
	}
}

func TestExchangeFailureRestoresState(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0xBB)
	from.SetFlag(PageDirty)

	// A concurrent observer of to blocks the identity commit.
	to.Get()
	defer to.Put()

	beforeFrom := captureState(from)
	beforeTo := captureState(to)

	pr := NewExchangePair(from, to)
	failed := ExchangePairs(e, []*ExchangePair{pr}, MigrateSinglethread)
	if failed != 1 {
		t.Fatal("expected exchange to fail")
	}
	if !isTransient(pr.Err()) {
		t.Errorf("expected transient failure, got %v", pr.Err())
	}
	if diff := cmp.Diff(beforeFrom, captureState(from)); diff != "" {
		t.Errorf("first page changed on failed exchange (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(beforeTo, captureState(to)); diff != "" {
		t.Errorf("second page changed on failed exchange (-before +after):\n%s", diff)
	}
}

func TestExchangeSizeMismatch(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	from := allocIsolated(t, tiers[testSlowNode], SizeHuge, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0xBB)

	pr := NewExchangePair(from, to)
	failed := ExchangePairs(e, []*ExchangePair{pr}, MigrateSinglethread)
	if failed != 1 {
		t.Fatal("expected exchange to fail")
	}
	if errors.Cause(pr.Err()) != ErrInval {
		t.Errorf("expected invalid-argument failure, got %v", pr.Err())
	}
}

func TestExchangeMappedPair(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	group := NewResourceGroup("g0")
	as := NewAddressSpace(1, 1000, group)

	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0xBB)
	as.MapPage(0x1000, from)
	as.MapPage(0x2000, to)
	wantAtFrom := pageContent(from)
	wantAtTo := pageContent(to)

	failed := ExchangePairs(e, []*ExchangePair{NewExchangePair(from, to)}, MigrateSinglethread)
	if failed != 0 {
		t.Fatalf("exchange failed")
	}

	// Virtual content stays put while the backing frames trade tiers.
	pAtFrom, err := as.resolvePage(0x1000)
	if err != nil {
		t.Fatalf("resolving first address after exchange: %v", err)
	}
	pAtTo, err := as.resolvePage(0x2000)
	if err != nil {
		t.Fatalf("resolving second address after exchange: %v", err)
	}
	if pAtFrom != to || pAtTo != from {
		t.Errorf("translations not redirected to exchanged frames")
	}
	if !contentEqual(pAtFrom.data, wantAtFrom) {
		t.Errorf("content at first address changed")
	}
	if !contentEqual(pAtTo.data, wantAtTo) {
		t.Errorf("content at second address changed")
	}
	if pAtFrom.node != testFastNode {
		t.Errorf("first address now backed by node %d, expected %d", pAtFrom.node, testFastNode)
	}
}

func TestExchangeCachedPage(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	m := NewMapping("testfile")

	cached := allocIsolated(t, tiers[testSlowNode], SizeBase, 0xC0)
	anon := allocIsolated(t, tiers[testFastNode], SizeBase, 0xA0)
	m.addPage(cached, 7)

	failed := ExchangePairs(e, []*ExchangePair{NewExchangePair(cached, anon)}, MigrateSinglethread)
	if failed != 0 {
		t.Fatalf("exchange failed")
	}
	if m.Page(7) != anon {
		t.Errorf("mapping index not redirected to the other frame")
	}
	if anon.mapping != m || anon.index != 7 {
		t.Errorf("cached identity did not move to the other frame")
	}
	if cached.mapping != nil {
		t.Errorf("cached identity still on the original frame")
	}
}

func TestExchangeFileBackedHugeUnsupported(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	m := NewMapping("testfile")

	from := allocIsolated(t, tiers[testSlowNode], SizeHuge, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeHuge, 0xBB)
	m.addPage(from, 0)

	pr := NewExchangePair(from, to)
	failed := ExchangePairs(e, []*ExchangePair{pr}, MigrateSinglethread)
	if failed != 1 {
		t.Fatal("expected exchange to fail")
	}
	if errors.Cause(pr.Err()) != ErrUnsupported {
		t.Errorf("expected unsupported failure, got %v", pr.Err())
	}
}

func TestExchangeWritebackRetries(t *testing.T) {
	tiers := newTestTiers()
	e := newTestEngine(4)
	from := allocIsolated(t, tiers[testSlowNode], SizeBase, 0xAA)
	to := allocIsolated(t, tiers[testFastNode], SizeBase, 0xBB)
	to.SetFlag(PageWriteback)

	pr := NewExchangePair(from, to)
	failed := ExchangePairs(e, []*ExchangePair{pr}, MigrateSinglethread)
	if failed != 1 {
		t.Fatal("expected exchange to fail")
	}
	if !isTransient(pr.Err()) {
		t.Errorf("expected transient failure, got %v", pr.Err())
	}
}
