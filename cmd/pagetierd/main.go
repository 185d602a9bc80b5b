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

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/pagetier/pagetier/pkg/metrics"
	"github.com/pagetier/pagetier/pkg/pagetier"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "pagetierd: "+format+"\n", a...)
	os.Exit(1)
}

type tierSpec struct {
	Node     int
	CPUs     int
	Capacity uint64
	Pages    uint64
	HotPages uint64
}

// daemonConfig is the YAML configuration of the daemon: the tiering
// subsystem configuration plus the balancing setup to run.
type daemonConfig struct {
	Pagetier   pagetier.Config
	Slow       tierSpec
	Fast       tierSpec
	Group      string
	Budget     uint64
	IntervalMs int
	Exchange   bool
	HotAndCold bool
}

func readConfig(path string) (*daemonConfig, error) {
	config := &daemonConfig{
		Group:      "default",
		IntervalMs: 10000,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func addTier(m *pagetier.Manager, group *pagetier.ResourceGroup, spec tierSpec) *pagetier.Tier {
	tier := pagetier.NewTier(pagetier.Node(spec.Node), spec.CPUs)
	m.AddTier(tier)
	group.SetCapacity(tier.Node(), spec.Capacity)
	for i := uint64(0); i < spec.Pages; i++ {
		p, err := tier.AllocPage(pagetier.SizeBase)
		if err != nil {
			exit("allocating pages on node %d: %v", spec.Node, err)
		}
		if i < spec.HotPages {
			p.SetFlag(pagetier.PageActive)
		}
		group.AddPage(p)
	}
	return tier
}

func serveMetrics(addr string) {
	gatherer, err := metrics.NewMetricGatherer()
	if err != nil {
		exit("creating metric gatherer: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			exit("serving metrics on %s: %v", addr, err)
		}
	}()
}

func manageFlags(config *daemonConfig) pagetier.ManageFlags {
	flags := pagetier.ManageMove | pagetier.ManageShrinkLists
	if config.Pagetier.Copy.Threads > 1 {
		flags |= pagetier.ManageMT
	}
	if config.Pagetier.DMA.Enabled {
		flags |= pagetier.ManageDMA
	}
	if config.Exchange {
		flags |= pagetier.ManageExchange | pagetier.ManageConcur
	}
	if config.HotAndCold {
		flags |= pagetier.ManageMoveHotCold
	}
	return flags
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read daemon configuration from FILE")
	optMetrics := flag.String("metrics", "", "-metrics=ADDR serve prometheus metrics on ADDR")
	optRounds := flag.Int("rounds", 0, "-rounds=N stop after N balancing rounds, 0 runs forever")
	flag.Parse()

	if *optConfig == "" {
		exit("missing -config=FILE")
	}
	config, err := readConfig(*optConfig)
	if err != nil {
		exit("reading configuration: %v", err)
	}

	m, err := pagetier.NewManager(&config.Pagetier)
	if err != nil {
		exit("invalid configuration: %v", err)
	}
	group := pagetier.NewResourceGroup(config.Group)
	addTier(m, group, config.Slow)
	addTier(m, group, config.Fast)

	space := pagetier.NewAddressSpace(os.Getpid(), os.Getuid(), group)
	m.AddSpace(space)

	if *optMetrics != "" {
		serveMetrics(*optMetrics)
	}

	creds := pagetier.Creds{UID: os.Getuid()}
	slowMask := pagetier.NewNodeMask(pagetier.Node(config.Slow.Node))
	fastMask := pagetier.NewNodeMask(pagetier.Node(config.Fast.Node))
	flags := manageFlags(config)

	for round := 1; *optRounds == 0 || round <= *optRounds; round++ {
		err := m.ManageMemory(creds, space.ID(), config.Budget, slowMask, fastMask, flags)
		if err != nil {
			exit("balancing round %d: %v", round, err)
		}
		fmt.Println(m.Stats().Summarize())
		time.Sleep(time.Duration(config.IntervalMs) * time.Millisecond)
	}
}
