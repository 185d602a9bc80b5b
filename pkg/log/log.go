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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level is the log message severity level below which we suppress messages.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
)

// Logger is the interface for configuring and producing log messages.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Panic(format string, args ...interface{})

	EnableDebug(bool) bool
	DebugEnabled() bool

	Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{})
	DebugBlock(prefix string, format string, args ...interface{})
	InfoBlock(prefix string, format string, args ...interface{})
	ErrorBlock(prefix string, format string, args ...interface{})

	Source() string
}

// Backend is an entity that can emit log messages.
type Backend interface {
	Name() string
	Debug(message string)
	Info(message string)
	Warn(message string)
	Error(message string)
}

// logger produces messages for a single source.
type logger struct {
	source string
	prefix string
	debug  bool
}

// logging is our shared runtime state.
type logging struct {
	sync.RWMutex
	level    Level
	active   Backend
	loggers  map[string]*logger
	backends map[string]Backend
}

var log = &logging{
	level:    DefaultLevel,
	active:   &fmtBackend{},
	loggers:  make(map[string]*logger),
	backends: make(map[string]Backend),
}

// NewLogger creates a logger for the source, reusing an existing one if possible.
func NewLogger(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return NewLogger(source)
}

func (lg *logging) get(source string) *logger {
	source = strings.Trim(source, "[] ")
	if l, ok := lg.loggers[source]; ok {
		return l
	}
	l := &logger{
		source: source,
		prefix: "[" + source + "] ",
		debug:  opt.debugEnabled(source),
	}
	lg.loggers[source] = l
	return l
}

// SetLevel sets the lowest severity that is not suppressed.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetBackend activates the named logging backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	b, ok := log.backends[name]
	if !ok {
		return loggerError("unknown logger backend '%s'", name)
	}
	log.active = b
	return nil
}

// RegisterBackend registers a logging backend.
func RegisterBackend(b Backend) {
	log.Lock()
	defer log.Unlock()
	log.backends[b.Name()] = b
	if string(opt.Logger) == b.Name() {
		log.active = b
	}
}

func (l *logger) Source() string {
	return l.source
}

func (l *logger) passthrough(level Level) bool {
	log.RLock()
	defer log.RUnlock()
	return log.level <= level || (level == LevelDebug && l.debug)
}

func (l *logger) format(format string, args ...interface{}) string {
	return l.prefix + fmt.Sprintf(format, args...)
}

// Debug emits a debug message.
func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	log.active.Debug(l.format(format, args...))
}

// Info emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	if !l.passthrough(LevelInfo) {
		return
	}
	log.active.Info(l.format(format, args...))
}

// Warn emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	if !l.passthrough(LevelWarn) {
		return
	}
	log.active.Warn(l.format(format, args...))
}

// Error emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	if !l.passthrough(LevelError) {
		return
	}
	log.active.Error(l.format(format, args...))
}

// Fatal emits an error message and exits.
func (l *logger) Fatal(format string, args ...interface{}) {
	log.active.Error(l.format(format, args...))
	os.Exit(1)
}

// Panic emits an error message and panics.
func (l *logger) Panic(format string, args ...interface{}) {
	message := l.format(format, args...)
	log.active.Error(message)
	panic(message)
}

// EnableDebug controls debugging for the source, returning the previous state.
func (l *logger) EnableDebug(enable bool) bool {
	log.Lock()
	defer log.Unlock()
	previous := l.debug
	l.debug = enable
	return previous
}

// DebugEnabled returns the debugging state of the source.
func (l *logger) DebugEnabled() bool {
	return l.debug
}

// Block emits a multiline message block with the given emitting function.
func (l *logger) Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

// DebugBlock emits a block of debug messages.
func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.Block(l.Debug, prefix, format, args...)
}

// InfoBlock emits a block of info messages.
func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Info, prefix, format, args...)
}

// ErrorBlock emits a block of error messages.
func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Error, prefix, format, args...)
}

// update reconfigures running loggers after a debug srcmap change.
func (lg *logging) update() {
	lg.Lock()
	defer lg.Unlock()
	for source, l := range lg.loggers {
		l.debug = opt.debugEnabled(source)
	}
}

// Default logger/source.
var defLogger Logger

// Default gets the default logger.
func Default() Logger {
	return defLogger
}

// Info emits an info message with the default source.
func Info(format string, args ...interface{}) {
	defLogger.Info(format, args...)
}

// Warn emits a warning message with the default source.
func Warn(format string, args ...interface{}) {
	defLogger.Warn(format, args...)
}

// Error emits an error message with the default source.
func Error(format string, args ...interface{}) {
	defLogger.Error(format, args...)
}

// Debug emits a debug message with the default source.
func Debug(format string, args ...interface{}) {
	defLogger.Debug(format, args...)
}

// Fatal emits an error message with the default source and exits.
func Fatal(format string, args ...interface{}) {
	defLogger.Fatal(format, args...)
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}

//
// fallback fmt backend, using fmt.Println
//

// FmtBackendName is the name of the formatted stdout backend.
const FmtBackendName = "fmt"

type fmtBackend struct{}

var _ Backend = &fmtBackend{}

func (f *fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Debug(message string) {
	fmt.Println("D: " + message)
}

func (f *fmtBackend) Info(message string) {
	fmt.Println("I: " + message)
}

func (f *fmtBackend) Warn(message string) {
	fmt.Println("W: " + message)
}

func (f *fmtBackend) Error(message string) {
	fmt.Println("E: " + message)
}

func init() {
	RegisterBackend(&fmtBackend{})

	source := filepath.Base(filepath.Clean(os.Args[0]))
	defLogger = NewLogger(source)
}
