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
	"time"

	logger "github.com/pagetier/pagetier/pkg/log"
)

// log is the package logger.
var log = logger.NewLogger("pagetier")

// rlog serves per-page failure paths, which can fire once per page
// of a large batch.
var rlog = logger.RateLimit(log, logger.Interval(time.Second))
