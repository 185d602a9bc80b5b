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

	"github.com/pkg/errors"
)

// ExchangeFlags selects behavior of one ExchangeAddrs request.
type ExchangeFlags int

const (
	// ExchangeMoveAll exchanges pages regardless of share count.
	ExchangeMoveAll ExchangeFlags = 1 << iota
	// ExchangeMT moves content with worker threads.
	ExchangeMT
	// ExchangeConcur runs pairs through the batched scheduler.
	ExchangeConcur

	exchangeFlagsAll = ExchangeMoveAll | ExchangeMT | ExchangeConcur
)

// ManageFlags selects behavior of one ManageMemory request.
type ManageFlags int

const (
	// ManageMove runs the balancer.
	ManageMove ManageFlags = 1 << iota
	// ManageMT moves content with worker threads.
	ManageMT
	// ManageDMA offloads content movement to copy channels.
	ManageDMA
	// ManageConcur batches migrations and exchanges.
	ManageConcur
	// ManageExchange trades pages pairwise instead of evicting first.
	ManageExchange
	// ManageShrinkLists ages the activity lists before balancing.
	ManageShrinkLists
	// ManageMoveHotCold widens candidate selection to hot and cold.
	ManageMoveHotCold

	manageFlagsAll = ManageMove | ManageMT | ManageDMA | ManageConcur |
		ManageExchange | ManageShrinkLists | ManageMoveHotCold
)

// Creds identify the caller of an entry point.
type Creds struct {
	UID int
	// CapSysNice allows operating on address spaces of other users.
	CapSysNice bool
}

// Manager owns the tiers, address spaces and the engines, and
// exposes the two entry points of the subsystem.
type Manager struct {
	mu     sync.Mutex
	cfg    *Config
	tiers  map[Node]*Tier
	spaces map[int]*AddressSpace

	pool     *ChannelPool
	engine   *CopyEngine
	balancer *Balancer
	stats    *Stats
}

// NewManager creates a manager with the given configuration. The
// configuration is validated whichever way it was produced.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		tiers:  make(map[Node]*Tier),
		spaces: make(map[int]*AddressSpace),
		stats:  GetStats(),
	}
	m.pool = NewChannelPool(cfg.DMA.Channels)
	m.pool.UseAllChannels(cfg.Copy.UseAllChannels)
	if !cfg.DMA.Enabled {
		m.pool.Disable()
	}
	m.engine = NewCopyEngine(cfg.Copy.Threads, m.pool, m.tiers)
	m.balancer = NewBalancer(m.engine, m.tiers, cfg, m.stats)
	return m, nil
}

// AddTier registers a tier.
func (m *Manager) AddTier(t *Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.Node()] = t
}

// Tier returns the tier of the node, or nil.
func (m *Manager) Tier(node Node) *Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiers[node]
}

// AddSpace registers an address space.
func (m *Manager) AddSpace(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[as.ID()] = as
}

// Stats returns the statistics sink of the manager.
func (m *Manager) Stats() *Stats {
	return m.stats
}

func (m *Manager) space(id int) (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.spaces[id]
	if !ok {
		return nil, errors.Wrapf(ErrSrch, "address space %d", id)
	}
	return as, nil
}

// checkAccess validates the caller against the target address space.
func checkAccess(creds Creds, as *AddressSpace) error {
	if creds.UID == as.uid || creds.CapSysNice {
		return nil
	}
	return errors.Wrapf(ErrPerm, "uid %d cannot operate on address space %d", creds.UID, as.id)
}

// resolveExchangeable resolves one address to a page eligible for
// exchange: aligned, present, and not shared unless move-all.
func resolveExchangeable(as *AddressSpace, vaddr uint64, flags ExchangeFlags) (*Page, error) {
	p, err := as.resolvePage(vaddr)
	if err != nil {
		return nil, err
	}
	if p.mapCount() > 1 && flags&ExchangeMoveAll == 0 {
		return nil, errors.Wrapf(ErrAccess, "page at %#x mapped %d times", vaddr, p.mapCount())
	}
	return p, nil
}

// isolateForRequest pins a resolved page for the duration of one
// request. Group-accounted pages come off their activity lists, so
// the group cannot select or account a page the request already
// holds. Pages already held elsewhere are busy.
func isolateForRequest(p *Page) error {
	if g := p.group; g != nil {
		if !g.isolatePage(p) {
			return errors.Wrapf(ErrBusy, "frame %d held elsewhere", p.frame)
		}
		return nil
	}
	if !p.tryIsolate() {
		return errors.Wrapf(ErrBusy, "frame %d held elsewhere", p.frame)
	}
	return nil
}

// releaseFromRequest returns a request-isolated page to circulation.
func releaseFromRequest(p *Page) {
	if g := p.group; g != nil {
		g.putbackPage(p)
		return
	}
	p.ClearFlag(pageIsolated)
	p.Put()
}

// migrateRequestPage moves one request-isolated page to the tier,
// freeing the old frame and moving its accounting to the new one.
// The isolation taken for the request is dropped whichever way the
// move ends.
func (m *Manager) migrateRequestPage(p *Page, dst, src *Tier, mode MigrateMode) error {
	newPage, err := migratePage(m.engine, dst, p, mode)
	if err != nil {
		releaseFromRequest(p)
		return err
	}
	if g := newPage.group; g != nil {
		g.moveAccounting(p.node, newPage.node, uint64(p.subpages))
	}
	p.ClearFlag(pageIsolated)
	p.Put()
	src.FreePage(p)
	releaseFromRequest(newPage)
	return nil
}

// crossMigrate moves each page of a size-mismatched pair to the
// other page's tier independently, the closest effect an exchange
// would have had.
func (m *Manager) crossMigrate(from, to *Page, mode MigrateMode) error {
	m.mu.Lock()
	fromDst, okFrom := m.tiers[to.node]
	toDst, okTo := m.tiers[from.node]
	m.mu.Unlock()
	if !okFrom || !okTo {
		releaseFromRequest(from)
		releaseFromRequest(to)
		return errors.Wrapf(ErrInval, "no tier for nodes %d/%d", to.node, from.node)
	}
	if err := m.migrateRequestPage(from, fromDst, toDst, mode); err != nil {
		releaseFromRequest(to)
		return err
	}
	return m.migrateRequestPage(to, toDst, fromDst, mode)
}

// ExchangeAddrs exchanges the pages at fromAddrs with the pages at
// toAddrs within the address space, reporting one status per pair
// through status: 0 on success, a negative errno-style code
// otherwise. Pairs of mismatched size class migrate independently
// instead. The request is processed in bounded chunks so one call
// never materializes an unbounded pair array.
func (m *Manager) ExchangeAddrs(creds Creds, spaceID int, fromAddrs, toAddrs []uint64, status []int, flags ExchangeFlags) error {
	if len(fromAddrs) != len(toAddrs) || len(status) != len(fromAddrs) {
		return errors.Wrapf(ErrInval, "array lengths %d/%d/%d differ",
			len(fromAddrs), len(toAddrs), len(status))
	}
	if flags&^exchangeFlagsAll != 0 {
		return errors.Wrapf(ErrInval, "unknown flags %#x", flags&^exchangeFlagsAll)
	}
	as, err := m.space(spaceID)
	if err != nil {
		return err
	}
	if err := checkAccess(creds, as); err != nil {
		return err
	}

	mode := MigrateSinglethread
	if flags&ExchangeMT != 0 {
		mode |= MigrateMT
	}
	if flags&ExchangeConcur != 0 {
		mode |= MigrateConcur
	}

	for start := 0; start < len(fromAddrs); start += requestChunkPairs {
		end := start + requestChunkPairs
		if end > len(fromAddrs) {
			end = len(fromAddrs)
		}
		m.exchangeChunk(as, fromAddrs[start:end], toAddrs[start:end], status[start:end], mode, flags)
	}

	if group := as.Group(); group != nil {
		m.stats.Store(StatsRequest{Group: group.Name(), Statuses: status})
	}
	return nil
}

// exchangeChunk resolves, isolates and exchanges one chunk of pairs.
func (m *Manager) exchangeChunk(as *AddressSpace, fromAddrs, toAddrs []uint64, status []int, mode MigrateMode, flags ExchangeFlags) {
	var pairs []*ExchangePair
	pairIndex := make(map[*ExchangePair]int)

	for i := range fromAddrs {
		from, err := resolveExchangeable(as, fromAddrs[i], flags)
		if err != nil {
			status[i] = statusOf(err)
			continue
		}
		to, err := resolveExchangeable(as, toAddrs[i], flags)
		if err != nil {
			status[i] = statusOf(err)
			continue
		}
		if err := isolateForRequest(from); err != nil {
			status[i] = statusOf(err)
			continue
		}
		if err := isolateForRequest(to); err != nil {
			releaseFromRequest(from)
			status[i] = statusOf(err)
			continue
		}

		if from.subpages != to.subpages {
			status[i] = statusOf(m.crossMigrate(from, to, mode))
			continue
		}

		pr := NewExchangePair(from, to)
		pairIndex[pr] = i
		pairs = append(pairs, pr)
	}

	if len(pairs) == 0 {
		return
	}
	if mode&MigrateConcur != 0 {
		ExchangePairsConcurrent(m.engine, pairs, mode)
	} else {
		ExchangePairs(m.engine, pairs, mode)
	}
	for _, pr := range pairs {
		if pr.err != nil && isStructural(pr.err) {
			// No exchange path exists for the pair: fall back to
			// independent migration toward each other's tier.
			status[pairIndex[pr]] = statusOf(m.crossMigrate(pr.from, pr.to, mode))
			continue
		}
		status[pairIndex[pr]] = statusOf(pr.err)
		releaseFromRequest(pr.from)
		releaseFromRequest(pr.to)
	}
}

// ManageMemory rebalances the resource group of the address space
// between the slow and fast tiers, up to nrPages base pages. Both
// masks must name exactly one node. A rebalance already running on
// the space rejects the call instead of queueing it.
func (m *Manager) ManageMemory(creds Creds, spaceID int, nrPages uint64, slowMask, fastMask NodeMask, flags ManageFlags) error {
	if slowMask.Weight() != 1 || fastMask.Weight() != 1 {
		return errors.Wrapf(ErrInval, "node masks %#x/%#x must each name one node",
			uint64(slowMask), uint64(fastMask))
	}
	if flags&^manageFlagsAll != 0 {
		return errors.Wrapf(ErrInval, "unknown flags %#x", flags&^manageFlagsAll)
	}
	as, err := m.space(spaceID)
	if err != nil {
		return err
	}
	if err := checkAccess(creds, as); err != nil {
		return err
	}
	group := as.Group()
	if group == nil {
		return errors.Wrapf(ErrSrch, "address space %d has no resource group", spaceID)
	}

	if !as.tryStartRebalance() {
		return errors.Wrapf(ErrInProgress, "address space %d", spaceID)
	}
	defer as.endRebalance()

	slow, fast := slowMask.First(), fastMask.First()
	if flags&ManageShrinkLists != 0 {
		group.shrinkLists(slow, fast)
	}
	if flags&ManageMove != 0 {
		mode := MigrateSinglethread
		if flags&ManageMT != 0 {
			mode |= MigrateMT
		}
		if flags&ManageDMA != 0 {
			mode |= MigrateDMA
		}
		if flags&ManageConcur != 0 {
			mode |= MigrateConcur
		}
		nrFailed := m.balancer.Rebalance(group, slow, fast, nrPages,
			mode, flags&ManageExchange != 0, flags&ManageMoveHotCold != 0)
		if nrFailed > 0 {
			log.Info("rebalance of group %s left %d pages unmoved", group.Name(), nrFailed)
		}
	}
	m.stats.Store(StatsHeartbeat{Name: "manager.ManageMemory"})
	return nil
}
