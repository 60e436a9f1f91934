// Package alloc implements the ID Allocator: a 64-bit id space with
// wrap-around allocation, used both for backing-store object ids and
// the (map_id, khf_id) pairs handed out per logical object.
//
// Grounded directly on original_source/src/alloc.rs's Allocator, which
// holds a `latest` cursor and an allocated set and scans forward with
// wrapping increment.
package alloc

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExhausted is returned by Alloc when every id in the 64-bit space is
// already allocated.
var ErrExhausted = errors.New("id space exhausted")

// ErrAlreadyAllocated is returned by Reserve when the requested id is
// already allocated.
var ErrAlreadyAllocated = errors.New("id already allocated")

// Allocator hands out and recycles 64-bit ids.
type Allocator struct {
	mu        sync.Mutex
	latest    uint64
	allocated map[uint64]struct{}
}

// New returns an empty allocator with its cursor at 0.
func New() *Allocator {
	return &Allocator{allocated: make(map[uint64]struct{})}
}

// Alloc returns the first free id starting from the cursor with 64-bit
// wraparound, and leaves the cursor on that id. It fails only when the
// full id space is exhausted.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.latest
	looped := false
	for !(a.latest == start && looped) {
		if _, taken := a.allocated[a.latest]; !taken {
			a.allocated[a.latest] = struct{}{}
			id := a.latest
			return id, nil
		}
		a.latest++
		looped = true
	}
	return 0, ErrExhausted
}

// Dealloc removes id from the allocated set. Idempotent.
func (a *Allocator) Dealloc(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, id)
}

// Reserve forces id to be considered allocated, failing if it already
// is. Used at init to carve out the four reserved object ids.
func (a *Allocator) Reserve(id uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.allocated[id]; taken {
		return fmt.Errorf("alloc: reserve %d: %w", id, ErrAlreadyAllocated)
	}
	a.allocated[id] = struct{}{}
	return nil
}

// IsAllocated reports whether id is currently allocated.
func (a *Allocator) IsAllocated(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[id]
	return ok
}

type snapshot struct {
	Latest    uint64
	Allocated []uint64
}

// MarshalBinary serializes the allocator's cursor and allocated set.
func (a *Allocator) MarshalBinary() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.allocated))
	for id := range a.allocated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snapshot{Latest: a.latest, Allocated: ids}); err != nil {
		return nil, fmt.Errorf("alloc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores an allocator previously produced by
// MarshalBinary, replacing any existing state.
func (a *Allocator) UnmarshalBinary(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("alloc: decode: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest = snap.Latest
	a.allocated = make(map[uint64]struct{}, len(snap.Allocated))
	for _, id := range snap.Allocated {
		a.allocated[id] = struct{}{}
	}
	return nil
}
