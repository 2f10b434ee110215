// Package shmem models the engine's shared-memory region: a typed,
// name-tagged byte buffer carrying counters, PC tables, and test inputs
// across the engine/process boundary. Regions are named
// base64(target-id) || "/" || module-id so a consumer can recover which
// process and module a region belongs to purely from its handle.
package shmem

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/realmfuzzer/pkg/fault"
)

// Region is a byte buffer shared between a single producer and a single
// consumer. The producer calls Reserve/Update; the consumer Links by name
// and calls Read. There is no finer-grained consistency guarantee than
// "after Update, a subsequent Read observes the full written content" —
// callers must only consult a Region at synchronization points.
//
// On Linux, Reserve backs the region with real memfd-mapped memory via
// pkg/osutil, the same mechanism a separate engine/process pair would use
// to actually share counters across an address-space boundary; on other
// platforms it falls back to a plain slice.
type Region struct {
	mu     sync.RWMutex
	name   string
	buf    []byte
	closer func() error
}

// Reserve creates a new, unnamed region of the given size on the producer
// side.
func Reserve(size int) (*Region, error) {
	buf, closer, err := newBacking(size)
	if err != nil {
		return nil, fault.Wrap(fault.BadState, err, "shmem: reserve %d bytes", size)
	}
	return &Region{buf: buf, closer: closer}, nil
}

// Close releases the region's backing memory, if any. It is safe to call on
// a Region created by Mirror, which has none.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer()
	r.closer = nil
	return err
}

// Mirror creates a producer-side region and copies v's bytes into it.
func Mirror(v []byte) *Region {
	r := &Region{buf: make([]byte, len(v))}
	copy(r.buf, v)
	return r
}

// Name formats the base64(target-id)/module-id name used by Share, with
// base64 padding stripped.
func Name(targetID uint64, moduleID string) string {
	enc := base64.RawURLEncoding.EncodeToString(targetIDBytes(targetID))
	return enc + "/" + moduleID
}

func targetIDBytes(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 16))
}

// Share assigns this region the name for the given target/module and
// returns a consumer-facing Handle carrying that name plus a reference to
// the region (standing in for an OS-level shareable handle).
func (r *Region) Share(targetID uint64, moduleID string) *Handle {
	r.mu.Lock()
	r.name = Name(targetID, moduleID)
	r.mu.Unlock()
	return &Handle{name: r.name, region: r}
}

// Handle is the consumer-visible reference obtained from Share; Link
// validates and resolves it into a usable Region.
type Handle struct {
	name   string
	region *Region
}

func (h *Handle) Name() string { return h.name }

// ParseName recovers the target-id prefix and module-id suffix of a region
// name, splitting at the first "/" (any later "/" stays in the module-id).
// It fails invalid-argument if the name has no "/", the module-id is empty,
// or the prefix does not decode as base64 of a hex target-id.
func ParseName(name string) (targetID uint64, moduleID string, err error) {
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return 0, "", fault.New(fault.InvalidArgument, "shmem: malformed region name %q", name)
	}
	prefix, moduleID := name[:idx], name[idx+1:]
	if moduleID == "" {
		return 0, "", fault.New(fault.InvalidArgument, "shmem: empty module id in %q", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(prefix)
	if err != nil {
		return 0, "", fault.Wrap(fault.InvalidArgument, err, "shmem: bad target-id prefix in %q", name)
	}
	targetID, err = strconv.ParseUint(string(raw), 16, 64)
	if err != nil {
		return 0, "", fault.Wrap(fault.InvalidArgument, err, "shmem: bad target-id value in %q", name)
	}
	return targetID, moduleID, nil
}

// Link resolves a Handle on the consumer side. It rejects handles whose
// name does not parse per ParseName.
func Link(h *Handle) (*Region, error) {
	if _, _, err := ParseName(h.name); err != nil {
		return nil, err
	}
	return h.region, nil
}

// Read returns a copy of the region's current content.
func (r *Region) Read() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Write replaces the region's content. len(v) must equal the region's
// reserved size.
func (r *Region) Write(v []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(v) != len(r.buf) {
		return fault.New(fault.InvalidArgument, "shmem: write size %d != region size %d", len(v), len(r.buf))
	}
	copy(r.buf, v)
	return nil
}

// Update applies fn to the region's content in place, under the region's
// lock, so the writer's whole update is visible atomically to the next
// Read.
func (r *Region) Update(fn func(buf []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.buf)
}

func (r *Region) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Region) String() string {
	return fmt.Sprintf("shmem.Region{name=%q size=%d}", r.name, len(r.buf))
}
