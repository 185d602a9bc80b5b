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
	"encoding/binary"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CopyEngine moves and exchanges page contents, optionally spreading
// the work over worker threads or offloading it to copy channels.
// Every accelerated entry point reports ErrNoEngine when its
// configuration is unusable, and the caller falls back to the
// synchronous path. The engine never touches page identity.
type CopyEngine struct {
	threads int
	pool    *ChannelPool
	tiers   map[Node]*Tier
}

// NewCopyEngine creates an engine with the given worker thread limit.
// The pool may be nil when no copy channels are present.
func NewCopyEngine(threads int, pool *ChannelPool, tiers map[Node]*Tier) *CopyEngine {
	if threads <= 0 {
		threads = defaultCopyThreads
	}
	return &CopyEngine{
		threads: threads,
		pool:    pool,
		tiers:   tiers,
	}
}

// affinityCPUCount counts the CPUs the process may run on.
func affinityCPUCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	return set.Count()
}

// workerCount resolves the thread count for one accelerated call:
// the configured limit capped by the CPUs local to the node, rounded
// down to an even count. An unusable count disables acceleration.
func (e *CopyEngine) workerCount(node Node) (int, error) {
	cpus := affinityCPUCount()
	if t, ok := e.tiers[node]; ok && t.CPUCount() > 0 {
		cpus = t.CPUCount()
	}
	count := e.threads
	if cpus < count {
		count = cpus
	}
	count = (count / 2) * 2
	if count > maxCopyWorkers || count <= 1 {
		return 0, errors.Wrapf(ErrNoEngine, "unusable worker count %d on node %d", count, node)
	}
	return count, nil
}

// copyPageSync copies page content on the calling thread.
func copyPageSync(to, from *Page) {
	copy(to.data, from.data)
}

// exchangeChunkSync swaps two byte ranges in place, one 64-bit word
// at a time, without auxiliary storage. Page sizes are multiples of
// the word size.
func exchangeChunkSync(a, b []byte) {
	for i := 0; i+8 <= len(a); i += 8 {
		av := binary.LittleEndian.Uint64(a[i:])
		bv := binary.LittleEndian.Uint64(b[i:])
		binary.LittleEndian.PutUint64(a[i:], bv)
		binary.LittleEndian.PutUint64(b[i:], av)
	}
}

// exchangePageSync swaps the contents of two pages on the calling
// thread.
func exchangePageSync(a, b *Page) {
	exchangeChunkSync(a.data, b.data)
}

// chunkBounds splits size bytes into count contiguous chunks; the
// last chunk absorbs the remainder.
func chunkBounds(size, count, i int) (int, int) {
	chunk := size / count
	start := i * chunk
	end := start + chunk
	if i == count-1 {
		end = size
	}
	return start, end
}

// CopyPageMT copies page content with worker threads, splitting the
// page into equal contiguous chunks.
func (e *CopyEngine) CopyPageMT(to, from *Page) error {
	count, err := e.workerCount(to.node)
	if err != nil {
		return err
	}
	size := len(from.data)
	wg := sync.WaitGroup{}
	for i := 0; i < count; i++ {
		start, end := chunkBounds(size, count, i)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			copy(to.data[start:end], from.data[start:end])
		}(start, end)
	}
	wg.Wait()
	return nil
}

// ExchangePageMT swaps the contents of two pages with worker threads.
// Each worker swaps its chunk in place, so no page-sized scratch
// buffer is needed.
func (e *CopyEngine) ExchangePageMT(a, b *Page) error {
	if len(a.data) != len(b.data) {
		log.Panic("exchanging content of different sizes: %d vs %d", len(a.data), len(b.data))
	}
	count, err := e.workerCount(a.node)
	if err != nil {
		return err
	}
	size := len(a.data)
	wg := sync.WaitGroup{}
	for i := 0; i < count; i++ {
		start, end := chunkBounds(size, count, i)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			exchangeChunkSync(a.data[start:end], b.data[start:end])
		}(start, end)
	}
	wg.Wait()
	return nil
}

// CopyPageListMT copies a batch of pages with worker threads. Pages
// are dealt to workers round robin, whole pages per worker, so a mix
// of sizes still spreads.
func (e *CopyEngine) CopyPageListMT(tos, froms []*Page) error {
	if len(tos) != len(froms) {
		log.Panic("copy list length mismatch: %d vs %d", len(tos), len(froms))
	}
	if len(tos) == 0 {
		return nil
	}
	count, err := e.workerCount(tos[0].node)
	if err != nil {
		return err
	}
	if count > len(tos) {
		count = len(tos)
	}
	wg := sync.WaitGroup{}
	for w := 0; w < count; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(tos); i += count {
				copy(tos[i].data, froms[i].data)
			}
		}(w)
	}
	wg.Wait()
	return nil
}

// ExchangePageListMT swaps the contents of a batch of page pairs with
// worker threads. Both sides of each pair must be the same size.
func (e *CopyEngine) ExchangePageListMT(froms, tos []*Page) error {
	if len(tos) != len(froms) {
		log.Panic("exchange list length mismatch: %d vs %d", len(froms), len(tos))
	}
	if len(tos) == 0 {
		return nil
	}
	for i := range froms {
		if len(froms[i].data) != len(tos[i].data) {
			log.Panic("exchanging content of different sizes: %d vs %d",
				len(froms[i].data), len(tos[i].data))
		}
	}
	count, err := e.workerCount(froms[0].node)
	if err != nil {
		return err
	}
	if count > len(froms) {
		count = len(froms)
	}
	wg := sync.WaitGroup{}
	for w := 0; w < count; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(froms); i += count {
				exchangeChunkSync(froms[i].data, tos[i].data)
			}
		}(w)
	}
	wg.Wait()
	return nil
}

// CopyPageDMA offloads one content copy to a copy channel.
func (e *CopyEngine) CopyPageDMA(to, from *Page) error {
	return e.CopyPageListDMA([]*Page{to}, []*Page{from})
}

// CopyPageListDMA offloads a batch of content copies to copy
// channels, one descriptor per page, spread over the reserved
// channels round robin.
func (e *CopyEngine) CopyPageListDMA(tos, froms []*Page) error {
	if e.pool == nil {
		return errors.Wrap(ErrChannelReserve, "no channel pool configured")
	}
	if len(tos) != len(froms) {
		log.Panic("copy list length mismatch: %d vs %d", len(tos), len(froms))
	}
	descs := make([]*copyDesc, len(tos))
	for i := range tos {
		descs[i] = &copyDesc{dst: tos[i].data, src: froms[i].data}
	}
	return e.pool.Run(descs)
}

// ExchangePageListDMA offloads a batch of in-place content swaps to
// copy channels.
func (e *CopyEngine) ExchangePageListDMA(froms, tos []*Page) error {
	if e.pool == nil {
		return errors.Wrap(ErrChannelReserve, "no channel pool configured")
	}
	if len(tos) != len(froms) {
		log.Panic("exchange list length mismatch: %d vs %d", len(froms), len(tos))
	}
	descs := make([]*copyDesc, len(froms))
	for i := range froms {
		descs[i] = &copyDesc{dst: tos[i].data, src: froms[i].data, swap: true}
	}
	return e.pool.Run(descs)
}

// ExchangeContent swaps the contents of a batch of page pairs using
// the fastest configured path, falling back from channels to worker
// threads. ErrNoEngine means the caller must swap synchronously.
func (e *CopyEngine) ExchangeContent(froms, tos []*Page, mode MigrateMode) error {
	var allErrors *multierror.Error
	if mode&MigrateDMA != 0 {
		err := e.ExchangePageListDMA(froms, tos)
		if err == nil {
			return nil
		}
		allErrors = multierror.Append(allErrors, err)
		log.Debug("channel exchange failed, falling back to threads: %v", err)
	}
	if mode&MigrateMT != 0 {
		err := e.ExchangePageListMT(froms, tos)
		if err == nil {
			return nil
		}
		allErrors = multierror.Append(allErrors, err)
	}
	if allErrors.ErrorOrNil() == nil {
		return errors.Wrap(ErrNoEngine, "no accelerated mode requested")
	}
	return errors.Wrapf(ErrNoEngine, "accelerated exchange failed: %v", allErrors)
}
