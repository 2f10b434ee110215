//go:build linux

package shmem

import "github.com/google/realmfuzzer/pkg/osutil"

// newBacking maps size bytes of real memfd-backed shared memory, the same
// mechanism used to hand a counter or test-input region to a separate
// instrumented process.
func newBacking(size int) ([]byte, func() error, error) {
	f, mem, err := osutil.CreateMemMappedFile(size)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return osutil.CloseMemMappedFile(f, mem) }, nil
}
