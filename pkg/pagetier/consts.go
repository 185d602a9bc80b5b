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

const (
	// PageSize is the size of a base page in bytes.
	PageSize = 4096
	// HugePageSubpages is the number of base pages in a huge page.
	HugePageSubpages = 512

	// maxCopyWorkers is the most worker threads one copy call may use.
	maxCopyWorkers = 32
	// defaultCopyThreads is the default worker thread limit.
	defaultCopyThreads = 4

	// maxExchangePasses bounds retrying in the concurrent scheduler.
	maxExchangePasses = 10
	// forcedLockPass is the pass after which the concurrent
	// scheduler switches from non-blocking to blocking page locks:
	// three polite passes, then contended pairs get waited out.
	forcedLockPass = 3

	// defaultBatchPages bounds how many base pages worth of work one
	// concurrent migration batch may carry.
	defaultBatchPages = 4096
	// requestChunkPairs bounds how many address pairs are
	// materialized from a request at a time.
	requestChunkPairs = 128
)

// MigrateMode selects blocking and acceleration behavior of one
// migration or exchange call.
type MigrateMode int

const (
	// MigrateSinglethread is the default synchronous behavior.
	MigrateSinglethread MigrateMode = 0
	// MigrateAsync never blocks on page locks.
	MigrateAsync MigrateMode = 1 << iota
	// MigrateSyncLight allows blocking on most operations but not writeback.
	MigrateSyncLight
	// MigrateSync blocks when migrating pages.
	MigrateSync
	// MigrateMT uses multiple worker threads to move page contents.
	MigrateMT
	// MigrateDMA offloads content copies to copy channels.
	MigrateDMA
	// MigrateConcur batches independent pairs through shared phases.
	MigrateConcur
)

// Node identifies a memory tier.
type Node int

// NodeMask is a set of nodes.
type NodeMask uint64

// NewNodeMask returns a mask with the given nodes set.
func NewNodeMask(nodes ...Node) NodeMask {
	mask := NodeMask(0)
	for _, node := range nodes {
		mask |= 1 << uint(node)
	}
	return mask
}

// Weight returns the number of nodes in the mask.
func (m NodeMask) Weight() int {
	count := 0
	for ; m != 0; m &= m - 1 {
		count++
	}
	return count
}

// First returns the lowest node in the mask, or -1 if the mask is empty.
func (m NodeMask) First() Node {
	for node := Node(0); node < 64; node++ {
		if m&(1<<uint(node)) != 0 {
			return node
		}
	}
	return Node(-1)
}
