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
)

func addGroupPages(t *testing.T, group *ResourceGroup, tier *Tier, n int, active bool) []*Page {
	t.Helper()
	pages := make([]*Page, 0, n)
	for i := 0; i < n; i++ {
		p, err := tier.AllocPage(SizeBase)
		if err != nil {
			t.Fatal(err)
		}
		if active {
			p.SetFlag(PageActive)
		}
		group.AddPage(p)
		pages = append(pages, p)
	}
	return pages
}

func TestIsolateActions(t *testing.T) {
	tcases := []struct {
		name      string
		action    isolateAction
		request   uint64
		expected  uint64
		expectHot bool
	}{
		{
			name:     "cold only",
			action:   isolateColdPages,
			request:  5,
			expected: 5,
		},
		{
			name:      "hot only",
			action:    isolateHotPages,
			request:   5,
			expected:  5,
			expectHot: true,
		},
		{
			name:     "hot and cold",
			action:   isolateHotAndColdPages,
			request:  15,
			expected: 15,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			tiers := newTestTiers()
			group := NewResourceGroup("g0")
			addGroupPages(t, group, tiers[testSlowNode], 10, true)
			addGroupPages(t, group, tiers[testSlowNode], 10, false)

			res := group.isolatePages(testSlowNode, tc.request, tc.action)
			if res.taken() != tc.expected {
				t.Errorf("expected %d isolated pages, got %d", tc.expected, res.taken())
			}
			if tc.expectHot {
				for !res.base.empty() {
					p := res.base.popFront()
					if !p.HasFlag(PageActive) {
						t.Errorf("cold page isolated by hot-only action")
					}
					group.putbackPage(p)
				}
			}
			snap := group.Snapshot(testSlowNode)
			if snap.Occupancy != 20 {
				t.Errorf("isolation changed occupancy: %d", snap.Occupancy)
			}
		})
	}
}

func TestIsolateSkipsBusyPages(t *testing.T) {
	tiers := newTestTiers()
	group := NewResourceGroup("g0")
	pages := addGroupPages(t, group, tiers[testSlowNode], 4, false)

	// Pages with another holder are skipped, not taken.
	pages[0].Get()
	pages[2].Get()

	res := group.isolatePages(testSlowNode, 10, isolateColdPages)
	if res.taken() != 2 {
		t.Fatalf("expected 2 isolated pages, got %d", res.taken())
	}
	for !res.base.empty() {
		p := res.base.popFront()
		if p == pages[0] || p == pages[2] {
			t.Errorf("busy page isolated")
		}
		group.putbackPage(p)
	}
	if group.InactivePages(testSlowNode) != 4 {
		t.Errorf("busy pages not returned to the list")
	}
}

func TestIsolateOddSizedPages(t *testing.T) {
	tiers := newTestTiers()
	group := NewResourceGroup("g0")

	odd, err := tiers[testSlowNode].allocPageSubpages(9)
	if err != nil {
		t.Fatal(err)
	}
	group.AddPage(odd)
	huge, err := tiers[testSlowNode].AllocPage(SizeHuge)
	if err != nil {
		t.Fatal(err)
	}
	group.AddPage(huge)

	res := group.isolatePages(testSlowNode, 1024, isolateColdPages)
	if res.takenBase != 9 {
		t.Errorf("odd-sized page not counted as base pages: %d", res.takenBase)
	}
	if res.takenHuge != HugePageSubpages {
		t.Errorf("huge page not counted: %d", res.takenHuge)
	}
	if !res.base.empty() {
		t.Errorf("odd-sized page on the base list")
	}
	// The odd page rides at the tail of the huge list.
	if res.huge.pages[len(res.huge.pages)-1] != odd {
		t.Errorf("odd-sized page not at the huge list tail")
	}
}

func TestPutbackRestoresLists(t *testing.T) {
	tiers := newTestTiers()
	group := NewResourceGroup("g0")
	addGroupPages(t, group, tiers[testSlowNode], 6, true)
	addGroupPages(t, group, tiers[testSlowNode], 6, false)

	res := group.isolatePages(testSlowNode, 12, isolateHotAndColdPages)
	group.putbackList(&res.base)
	group.putbackList(&res.huge)

	if group.ActivePages(testSlowNode) != 6 || group.InactivePages(testSlowNode) != 6 {
		t.Errorf("putback did not restore activity lists: %d hot, %d cold",
			group.ActivePages(testSlowNode), group.InactivePages(testSlowNode))
	}
	snap := group.Snapshot(testSlowNode)
	if snap.Occupancy != 12 {
		t.Errorf("occupancy drifted across isolate/putback: %d", snap.Occupancy)
	}
}

func TestShrinkLists(t *testing.T) {
	tiers := newTestTiers()
	group := NewResourceGroup("g0")
	hot := addGroupPages(t, group, tiers[testSlowNode], 8, true)
	cold := addGroupPages(t, group, tiers[testSlowNode], 8, false)

	// Half the scanned hot pages were referenced and stay hot, the
	// rest demote. One cold page was referenced twice and promotes.
	hot[0].SetFlag(PageReferenced)
	hot[1].SetFlag(PageReferenced)
	cold[0].SetFlag(PageReferenced)

	group.shrinkLists(testSlowNode, testFastNode)

	if cold[0].HasFlag(PageActive) != true {
		t.Errorf("referenced cold page not promoted")
	}
	if hot[2].HasFlag(PageActive) {
		t.Errorf("unreferenced hot page not demoted")
	}
	if !hot[0].HasFlag(PageActive) {
		t.Errorf("referenced hot page demoted")
	}
	if hot[0].HasFlag(PageReferenced) {
		t.Errorf("referenced bit not consumed by the scan")
	}
}
