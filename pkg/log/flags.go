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

package log

import (
	"flag"
	"strings"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line option names.
	optLevel = "logger-level"
	optDebug = "logger-debug"
)

// options capture logger settings configurable on the command line.
type options struct {
	Level  Level
	Debug  srcmap
	Logger backendName
}

// srcmap tracks per-source debugging settings. The source "*" (or
// "all") applies to any source without a setting of its own.
type srcmap map[string]bool

// backendName names a registered Backend.
type backendName string

var opt = &options{
	Level:  DefaultLevel,
	Debug:  make(srcmap),
	Logger: FmtBackendName,
}

func (o *options) debugEnabled(source string) bool {
	if enabled, ok := o.Debug[source]; ok {
		return enabled
	}
	return o.Debug["*"]
}

// Set sets the level from the given name, implementing flag.Value.
func (l *Level) Set(value string) error {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return loggerError("invalid logging level '%s'", value)
	}
	*l = level
	SetLevel(level)
	return nil
}

// String returns the name of the level.
func (l Level) String() string {
	names := map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warning",
		LevelError: "error",
	}
	if name, ok := names[l]; ok {
		return name
	}
	return names[LevelInfo]
}

// Set parses a comma-separated list of sources, each optionally
// prefixed with "off:", implementing flag.Value.
func (m *srcmap) Set(value string) error {
	sm := *m
	for _, entry := range strings.Split(value, ",") {
		enabled, src := true, entry
		if strings.HasPrefix(entry, "off:") {
			enabled, src = false, entry[4:]
		} else if strings.HasPrefix(entry, "on:") {
			src = entry[3:]
		}
		if src == "all" {
			src = "*"
		}
		if src == "" {
			return loggerError("invalid source spec '%s' in source map", entry)
		}
		sm[src] = enabled
	}
	log.update()
	return nil
}

// String returns a string representation of the srcmap.
func (m *srcmap) String() string {
	srcs := []string{}
	for src, enabled := range *m {
		if enabled {
			srcs = append(srcs, src)
		} else {
			srcs = append(srcs, "off:"+src)
		}
	}
	return strings.Join(srcs, ",")
}

func init() {
	flag.Var(&opt.Level, optLevel,
		"least severe level of messages to pass through (debug, info, warning, error)")
	flag.Var(&opt.Debug, optDebug,
		"comma-separated list of sources to enable debug messages for, or 'all'")
}
