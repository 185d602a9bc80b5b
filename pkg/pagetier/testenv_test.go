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

const (
	testSlowNode = Node(0)
	testFastNode = Node(1)
)

func newTestTiers() map[Node]*Tier {
	return map[Node]*Tier{
		testSlowNode: NewTier(testSlowNode, 8),
		testFastNode: NewTier(testFastNode, 8),
	}
}

func newTestEngine(threads int) *CopyEngine {
	return NewCopyEngine(threads, nil, newTestTiers())
}

// fillPage writes a per-byte pattern seeded with b, so partial or
// misaligned copies show up as a diff.
func fillPage(p *Page, b byte) {
	for i := range p.data {
		p.data[i] = b ^ byte(i)
	}
}

func pageContent(p *Page) []byte {
	c := make([]byte, len(p.data))
	copy(c, p.data)
	return c
}

// allocIsolated allocates a filled page holding its isolation
// reference, ready to enter the exchange protocol.
func allocIsolated(t *testing.T, tier *Tier, class SizeClass, b byte) *Page {
	t.Helper()
	p, err := tier.AllocPage(class)
	if err != nil {
		t.Fatalf("allocating page on node %d: %v", tier.Node(), err)
	}
	fillPage(p, b)
	p.Get()
	p.SetFlag(pageIsolated)
	return p
}

func contentEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
