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
)

// Mapping is a cached address-space index: the structure a
// file-backed or swap-cached page belongs to. Lookups and identity
// mutation of member pages go through the exclusive index lock.
type Mapping struct {
	name string

	mu      sync.Mutex
	entries map[uint64]*Page

	// buffers holds transient lock/ownership metadata of the
	// buffered-filesystem path, keyed by page frame.
	buffers map[uint64]*bufferState
}

// bufferState is per-page buffered-filesystem metadata transferred
// between pages when their identity is exchanged.
type bufferState struct {
	owner  uint64
	locked bool
}

// NewMapping creates an empty cached mapping.
func NewMapping(name string) *Mapping {
	return &Mapping{
		name:    name,
		entries: make(map[uint64]*Page),
		buffers: make(map[uint64]*bufferState),
	}
}

// Name returns the name of the mapping.
func (m *Mapping) Name() string {
	return m.name
}

// Page returns the page at the given index, or nil.
func (m *Mapping) Page(index uint64) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[index]
}

// addPage inserts a page at the index; every constituent sub-page of
// a huge page gets its own index entry.
func (m *Mapping) addPage(p *Page, index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < uint64(p.subpages); i++ {
		m.entries[index+i] = p
	}
	p.mapping = m
	p.index = index
}

// removePage drops the index entries of the page.
func (m *Mapping) removePage(p *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < uint64(p.subpages); i++ {
		delete(m.entries, p.index+i)
	}
	p.mapping = nil
}

// setEntriesLocked rewrites the index entries of a page slot to
// point at another page. Caller holds the index lock.
func (m *Mapping) setEntriesLocked(index uint64, subpages int, p *Page) {
	for i := uint64(0); i < uint64(subpages); i++ {
		m.entries[index+i] = p
	}
}

// transferBuffers moves the buffered-filesystem metadata of from to
// to, following an identity exchange. Caller holds the index lock.
func (m *Mapping) transferBuffersLocked(to, from *Page) {
	state, ok := m.buffers[from.frame]
	if !ok {
		return
	}
	delete(m.buffers, from.frame)
	state.owner = to.frame
	m.buffers[to.frame] = state
}
