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

/*

	Package pagetier places memory pages of a resource group on two
	tiers of physical memory, a fast tier and a slow tier. It keeps
	the fast tier populated with hot pages without exceeding its
	capacity, and when both tiers are full it exchanges pairs of
	pages in place instead of evicting and copying.

	Component types

	1. The copy engine (copy.go, channelpool.go) copies or swaps
	page contents: single-threaded, split into chunks over a pool
	of worker threads, or offloaded to copy channels.

	2. The exchange protocol (exchange.go) atomically swaps the
	identity, content and metadata of two locked, unmapped pages.
	The batch scheduler (exchange_concur.go) drives many pairs
	through the protocol in parallel phases, with a serialized
	fallback for pairs the concurrent path does not support.

	3. Plain migration (migrate.go) moves single pages to a target
	tier, allocating a fresh destination page for each.

	4. The balancer (balancer.go) decides how many pages to pull
	from each tier for a group, isolates candidates from the
	activity lists (isolate.go), pairs them up for exchange or
	queues them for migration, and reconciles overflow.

	5. The manager (manager.go) exposes the two entry points:
	bulk page-pair exchange on virtual address arrays, and tier
	rebalancing for a resource group.

	Supporting modules

	1. Pages, mappings and address spaces (page.go, mapping.go,
	space.go) model the unit of movement and its bookkeeping.
	2. Tiers and groups (tier.go, group.go) hold per-tier,
	per-group occupancy, capacity and activity lists.
	3. Stats (stats.go) accumulate per-group move and exchange
	statistics, exported through a prometheus collector
	(collector.go).
*/

package pagetier
