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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pagetier/pagetier/pkg/metrics"
)

var (
	exchangedPairsDesc = prometheus.NewDesc(
		"pagetier_exchanged_pairs_total",
		"Number of successfully exchanged page pairs.",
		[]string{"group"}, nil,
	)
	exchangeFailedDesc = prometheus.NewDesc(
		"pagetier_exchange_failed_total",
		"Number of page pairs that failed to exchange.",
		[]string{"group"}, nil,
	)
	migratedPagesDesc = prometheus.NewDesc(
		"pagetier_migrated_pages_total",
		"Number of migrated base pages.",
		[]string{"group", "node"}, nil,
	)
	migrateFailedDesc = prometheus.NewDesc(
		"pagetier_migrate_failed_total",
		"Number of base pages that failed to migrate.",
		[]string{"group"}, nil,
	)
	requestStatusDesc = prometheus.NewDesc(
		"pagetier_request_status_total",
		"Per-pair statuses reported to exchange requests.",
		[]string{"group", "status"}, nil,
	)
)

type statsCollector struct {
	stats *Stats
}

func init() {
	err := metrics.RegisterCollector("pagetier", func() (prometheus.Collector, error) {
		return &statsCollector{stats: GetStats()}, nil
	})
	if err != nil {
		log.Error("failed to register statistics collector: %v", err)
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- exchangedPairsDesc
	ch <- exchangeFailedDesc
	ch <- migratedPagesDesc
	ch <- migrateFailedDesc
	ch <- requestStatusDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	for _, name := range sortedStringKeys(c.stats.groups) {
		gs := c.stats.groups[name]
		ch <- prometheus.MustNewConstMetric(exchangedPairsDesc,
			prometheus.CounterValue, float64(gs.exchangedPairs), name)
		ch <- prometheus.MustNewConstMetric(exchangeFailedDesc,
			prometheus.CounterValue, float64(gs.exchangeFailed), name)
		ch <- prometheus.MustNewConstMetric(migrateFailedDesc,
			prometheus.CounterValue, float64(gs.migrateFailed), name)
		for _, node := range sortedNodeKeys(gs.migratedTo) {
			ch <- prometheus.MustNewConstMetric(migratedPagesDesc,
				prometheus.CounterValue, float64(gs.migratedTo[node]),
				name, strconv.Itoa(int(node)))
		}
		for _, status := range sortedIntKeys(gs.statusCounts) {
			ch <- prometheus.MustNewConstMetric(requestStatusDesc,
				prometheus.CounterValue, float64(gs.statusCounts[status]),
				name, strconv.Itoa(status))
		}
	}
}
