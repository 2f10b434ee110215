// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package log

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	verbose atomic.Int32
	mu      sync.Mutex
)

// maxLineBytes bounds a single formatted log line; longer lines are
// truncated in the middle so a single runaway dump (e.g. a process Dump())
// doesn't flood stderr.
const maxLineBytes = 4096

// SetVerbose sets the logging verbosity level. Calls to Logf with a level
// greater than this are dropped.
func SetVerbose(v int) {
	verbose.Store(int32(v))
}

// Logf prints a timestamped log line to stderr when level is at or below the
// current verbosity.
func Logf(level int, msg string, args ...interface{}) {
	if int32(level) > verbose.Load() {
		return
	}
	line := []byte(fmt.Sprintf(msg, args...))
	if len(line) > maxLineBytes {
		line = Truncate(line, maxLineBytes/2, maxLineBytes/2)
	}
	mu.Lock()
	defer mu.Unlock()
	now := time.Now()
	fmt.Fprintf(os.Stderr, "%02v:%02v:%02v %s\n",
		now.Hour(), now.Minute(), now.Second(), line)
}

// Fatalf logs an unrecoverable error and terminates the process. It is
// reserved for programmer-error conditions that cannot be attributed to a
// single input or caller (e.g. a misconfigured options table), never for
// ordinary workflow failures, which are returned as errors.
func Fatalf(msg string, args ...interface{}) {
	mu.Lock()
	fmt.Fprintf(os.Stderr, "FATAL: %v\n", fmt.Sprintf(msg, args...))
	mu.Unlock()
	os.Exit(1)
}
