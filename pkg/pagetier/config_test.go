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

	"github.com/pagetier/pagetier/pkg/testutils"
)

func TestSetConfigJson(t *testing.T) {
	tcases := []struct {
		name              string
		config            string
		expectedConfig    *Config
		expectedErrors    int
		expectedSubstring []string
	}{
		{
			name:   "empty config gets defaults",
			config: `{}`,
			expectedConfig: &Config{
				Copy:              CopyConfig{Threads: defaultCopyThreads},
				BatchPages:        defaultBatchPages,
				HugePageMigration: true,
			},
		},
		{
			name:   "full config",
			config: `{"Copy":{"Threads":8,"UseAllChannels":true},"BatchPages":512,"HugePageMigration":false,"DMA":{"Enabled":true,"Channels":4}}`,
			expectedConfig: &Config{
				Copy:       CopyConfig{Threads: 8, UseAllChannels: true},
				BatchPages: 512,
				DMA:        DMAConfig{Enabled: true, Channels: 4},
			},
		},
		{
			name:              "thread limit out of range",
			config:            `{"Copy":{"Threads":64}}`,
			expectedErrors:    1,
			expectedSubstring: []string{"thread limit"},
		},
		{
			name:              "channels enabled without channels",
			config:            `{"DMA":{"Enabled":true}}`,
			expectedErrors:    1,
			expectedSubstring: []string{"channel count"},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config := &Config{}
			err := config.SetConfigJson(tc.config)
			if tc.expectedErrors > 0 {
				testutils.VerifyError(t, err, tc.expectedErrors, tc.expectedSubstring)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			testutils.VerifyDeepEqual(t, "configuration", tc.expectedConfig, config)
		})
	}
}

func TestSetConfigJsonSyntaxError(t *testing.T) {
	config := &Config{}
	if err := config.SetConfigJson(`{"Copy":`); err == nil {
		t.Errorf("expected parse error")
	}
}
