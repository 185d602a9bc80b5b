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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StatsHeartbeat is a named liveness event.
type StatsHeartbeat struct {
	Name string
}

// StatsExchanged records one exchange batch of a group.
type StatsExchanged struct {
	Group  string
	Pairs  uint64
	Failed uint64
}

// StatsMigrated records one migration batch of a group.
type StatsMigrated struct {
	Group  string
	Node   Node
	Pages  uint64
	Failed uint64
}

// StatsRequest records per-pair statuses of one exchange request.
type StatsRequest struct {
	Group    string
	Statuses []int
}

type groupStats struct {
	exchangedPairs uint64
	exchangeFailed uint64
	migratedPages  uint64
	migrateFailed  uint64
	migratedTo     map[Node]uint64
	statusCounts   map[int]uint64
}

func newGroupStats() *groupStats {
	return &groupStats{
		migratedTo:   make(map[Node]uint64),
		statusCounts: make(map[int]uint64),
	}
}

// Stats aggregates balancing and exchange activity. One entry type
// per event source, stored through a single Store.
type Stats struct {
	mu         sync.Mutex
	groups     map[string]*groupStats
	heartbeats map[string]uint64
}

var stats = newStats()

func newStats() *Stats {
	return &Stats{
		groups:     make(map[string]*groupStats),
		heartbeats: make(map[string]uint64),
	}
}

// GetStats returns the global statistics.
func GetStats() *Stats {
	return stats
}

func (s *Stats) group(name string) *groupStats {
	gs, ok := s.groups[name]
	if !ok {
		gs = newGroupStats()
		s.groups[name] = gs
	}
	return gs
}

// Store records an entry.
func (s *Stats) Store(entry interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := entry.(type) {
	case StatsHeartbeat:
		s.heartbeats[v.Name]++
	case StatsExchanged:
		gs := s.group(v.Group)
		gs.exchangedPairs += v.Pairs - v.Failed
		gs.exchangeFailed += v.Failed
	case StatsMigrated:
		gs := s.group(v.Group)
		gs.migratedPages += v.Pages
		gs.migrateFailed += v.Failed
		gs.migratedTo[v.Node] += v.Pages
	case StatsRequest:
		gs := s.group(v.Group)
		for _, status := range v.Statuses {
			gs.statusCounts[status]++
		}
	default:
		log.Error("unknown statistics entry %T", entry)
	}
}

// ExchangedPairs returns the number of successfully exchanged pairs
// of the group.
func (s *Stats) ExchangedPairs(group string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group(group).exchangedPairs
}

// MigratedPages returns the number of migrated base pages of the group.
func (s *Stats) MigratedPages(group string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group(group).migratedPages
}

func sortedStringKeys(m map[string]*groupStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedNodeKeys(m map[Node]uint64) []Node {
	keys := make([]Node, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedIntKeys(m map[int]uint64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Summarize returns a human-readable table of all counters.
func (s *Stats) Summarize() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := []string{
		"table: group statistics",
		"   group exchanged exfailed migrated migfailed",
	}
	for _, name := range sortedStringKeys(s.groups) {
		gs := s.groups[name]
		lines = append(lines, fmt.Sprintf("   %s %d %d %d %d",
			name, gs.exchangedPairs, gs.exchangeFailed, gs.migratedPages, gs.migrateFailed))
		for _, node := range sortedNodeKeys(gs.migratedTo) {
			lines = append(lines, fmt.Sprintf("      to node %d: %d pages", node, gs.migratedTo[node]))
		}
		for _, status := range sortedIntKeys(gs.statusCounts) {
			lines = append(lines, fmt.Sprintf("      status %d: %d pairs", status, gs.statusCounts[status]))
		}
	}
	if len(s.heartbeats) > 0 {
		lines = append(lines, "table: heartbeats")
		names := make([]string, 0, len(s.heartbeats))
		for name := range s.heartbeats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("   %s %d", name, s.heartbeats[name]))
		}
	}
	return strings.Join(lines, "\n")
}
