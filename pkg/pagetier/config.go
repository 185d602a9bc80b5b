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
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CopyConfig configures the bulk copy engine.
type CopyConfig struct {
	// Threads is the worker thread limit of one accelerated copy.
	Threads int
	// UseAllChannels spreads one batch over every reserved channel.
	UseAllChannels bool
}

// DMAConfig configures the copy channel pool.
type DMAConfig struct {
	Enabled  bool
	Channels int
}

// Config is the tiering subsystem configuration.
type Config struct {
	Copy CopyConfig
	// BatchPages bounds one concurrent migration batch, in base pages.
	BatchPages uint64
	// HugePageMigration tells whether huge pages migrate in hardware
	// without splitting.
	HugePageMigration bool
	DMA               DMAConfig
}

func defaultConfig() *Config {
	return &Config{
		Copy:              CopyConfig{Threads: defaultCopyThreads},
		BatchPages:        defaultBatchPages,
		HugePageMigration: true,
	}
}

func (c *Config) validate() error {
	var allErrors *multierror.Error
	if c.Copy.Threads < 0 || c.Copy.Threads > maxCopyWorkers {
		allErrors = multierror.Append(allErrors,
			errors.Errorf("copy thread limit %d out of range 0-%d", c.Copy.Threads, maxCopyWorkers))
	}
	if c.DMA.Enabled && c.DMA.Channels <= 0 {
		allErrors = multierror.Append(allErrors,
			errors.Errorf("copy channels enabled with channel count %d", c.DMA.Channels))
	}
	return allErrors.ErrorOrNil()
}

// SetConfigJson sets the configuration from a JSON string, filling
// unset fields with defaults.
func (c *Config) SetConfigJson(configJson string) error {
	config := *defaultConfig()
	if err := json.Unmarshal([]byte(configJson), &config); err != nil {
		return errors.Wrap(err, "parsing configuration")
	}
	if err := config.validate(); err != nil {
		return err
	}
	*c = config
	return nil
}
