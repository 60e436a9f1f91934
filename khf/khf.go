// Package khf implements the keyed hash forest: a structure that maps
// 64-bit ids to fixed-size keys derived by keyed hashing down a tree of
// configured fanout, supporting invalidation ("update") of a subset of
// ids that forces their derived keys to change, and reporting the
// invalidated set on commit. It is this module's only implementation of
// kms.KeyManagementScheme, used both as the master KHF (keyed by KHF ids)
// and as each object's own KHF (keyed by block indices).
//
// Grounded on the shape described in original_source/src/lib.rs (the
// master_khf / object_khfs split) and exercised by the consolidation
// test in original_source/src/io/recrypt.rs.
package khf

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/lemosyne/lethe/hasher"
)

// Key is a fixed-size leaf key, matching lethe.KeySize.
type Key = [32]byte

// DefaultFanouts is the fixed default fanout vector used for both the
// master KHF and object KHFs unless overridden by the builder.
var DefaultFanouts = []uint64{4, 4, 4, 4}

// Consolidation selects a consolidation strategy. Full is the only
// strategy this module implements: every segment holding at least one
// pending override is folded back into a single fresh root.
type Consolidation int

const (
	// ConsolidationFull regenerates the root key of every segment that
	// has at least one overridden leaf, and reports every leaf id in
	// that segment as dirty (their derived keys all change, not just
	// the previously-overridden ones).
	ConsolidationFull Consolidation = iota
)

type segment struct {
	root Key
}

// Khf is a keyed hash forest. The zero value is not usable; construct
// one with New.
type Khf struct {
	mu sync.Mutex

	fanouts []uint64
	width   uint64 // leaves per segment = product(fanouts)
	hash    hasher.Hash
	rng     io.Reader

	segments  map[uint64]segment
	overrides map[uint64]Key
	dirty     map[uint64]struct{}

	maxID     uint64 // highest id ever touched by Derive/Update
	touched   bool
	size      uint64 // explicit live bound set by Truncate
	truncated bool
}

// New constructs an empty forest with the given fanout vector, hash, and
// randomness source. fanouts must be non-empty and every entry must be
// at least 1.
func New(fanouts []uint64, hash hasher.Hash, rng io.Reader) *Khf {
	if len(fanouts) == 0 {
		fanouts = append([]uint64(nil), DefaultFanouts...)
	}
	width := uint64(1)
	for _, f := range fanouts {
		width *= f
	}
	return &Khf{
		fanouts:   append([]uint64(nil), fanouts...),
		width:     width,
		hash:      hash,
		rng:       rng,
		segments:  make(map[uint64]segment),
		overrides: make(map[uint64]Key),
		dirty:     make(map[uint64]struct{}),
	}
}

// liveBound returns the exclusive upper bound on live leaf ids: the
// explicit truncation size if one has been set, otherwise one past the
// highest id ever touched.
func (k *Khf) liveBound() uint64 {
	if k.truncated {
		return k.size
	}
	if !k.touched {
		return 0
	}
	return k.maxID + 1
}

func (k *Khf) touch(id uint64) {
	if !k.touched || id > k.maxID {
		k.maxID = id
		k.touched = true
	}
}

func (k *Khf) segmentRoot(idx uint64) Key {
	seg, ok := k.segments[idx]
	if !ok {
		seg = segment{root: k.randomKey()}
		k.segments[idx] = seg
	}
	return seg.root
}

func (k *Khf) randomKey() Key {
	var key Key
	if _, err := io.ReadFull(k.rng, key[:]); err != nil {
		panic("khf: reading randomness failed: " + err.Error())
	}
	return key
}

// deriveLeaf walks the fanout levels from a segment's root key down to
// the leaf at pos (the id's offset within its segment), hashing the
// level index into the key at each level.
func (k *Khf) deriveLeaf(root Key, pos uint64) Key {
	key := root
	remaining := pos
	divisor := k.width
	for level, fanout := range k.fanouts {
		divisor /= fanout
		idx := remaining / divisor
		remaining %= divisor

		var buf [10]byte
		binary.BigEndian.PutUint16(buf[0:2], uint16(level))
		binary.BigEndian.PutUint64(buf[2:10], idx)
		key = k.hash.Sum(key, buf[:])
	}
	return key
}

// Derive returns id's current key without mutating forest state.
func (k *Khf) Derive(id uint64) (Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.derive(id), nil
}

func (k *Khf) derive(id uint64) Key {
	if key, ok := k.overrides[id]; ok {
		return key
	}
	segIdx := id / k.width
	pos := id % k.width
	root := k.segmentRoot(segIdx)
	return k.deriveLeaf(root, pos)
}

// Update rotates id's key: a fresh key is generated, stored as an
// override, and id is marked dirty until the next Commit. The new key is
// returned.
func (k *Khf) Update(id uint64) (Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.touch(id)
	key := k.randomKey()
	k.overrides[id] = key
	k.dirty[id] = struct{}{}
	return key, nil
}

// Commit returns the set of ids updated since the last Commit, sorted,
// and clears the dirty set. It does not affect overrides: the rotated
// keys remain in effect, only the bookkeeping of "needs persisting" is
// reset.
func (k *Khf) Commit() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	ids := make([]uint64, 0, len(k.dirty))
	for id := range k.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	k.dirty = make(map[uint64]struct{})
	return ids
}

// Truncate drops all keys at or past index n: overrides for those ids
// are forgotten and the forest's live bound becomes n.
func (k *Khf) Truncate(n uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for id := range k.overrides {
		if id >= n {
			delete(k.overrides, id)
			delete(k.dirty, id)
		}
	}
	k.size = n
	k.truncated = true
}

// Consolidate folds overridden leaves back into fresh segment roots and
// returns every leaf id affected - every id in a segment that held at
// least one override, since all their derived keys change once the
// segment's root is regenerated, bounded by the forest's current live
// bound. Overrides for the affected ids are cleared; derive(id) for
// those ids is now served by the regenerated segment tree.
func (k *Khf) Consolidate(mode Consolidation) []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	if mode != ConsolidationFull {
		panic(fmt.Sprintf("khf: unsupported consolidation mode %d", mode))
	}

	segs := make(map[uint64]struct{})
	for id := range k.overrides {
		segs[id/k.width] = struct{}{}
	}
	if len(segs) == 0 {
		return nil
	}

	bound := k.liveBound()
	var dirty []uint64
	for segIdx := range segs {
		k.segments[segIdx] = segment{root: k.randomKey()}

		start := segIdx * k.width
		end := start + k.width
		if bound != 0 && end > bound {
			end = bound
		}
		for id := start; id < end; id++ {
			delete(k.overrides, id)
			dirty = append(dirty, id)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })
	return dirty
}

// Clone returns a deep copy, used to snapshot a forest before an
// external consolidation pass mutates it into the "next" authority.
func (k *Khf) Clone() *Khf {
	k.mu.Lock()
	defer k.mu.Unlock()

	clone := &Khf{
		fanouts:   append([]uint64(nil), k.fanouts...),
		width:     k.width,
		hash:      k.hash,
		rng:       k.rng,
		segments:  make(map[uint64]segment, len(k.segments)),
		overrides: make(map[uint64]Key, len(k.overrides)),
		dirty:     make(map[uint64]struct{}, len(k.dirty)),
		maxID:     k.maxID,
		touched:   k.touched,
		size:      k.size,
		truncated: k.truncated,
	}
	for id, seg := range k.segments {
		clone.segments[id] = seg
	}
	for id, key := range k.overrides {
		clone.overrides[id] = key
	}
	for id := range k.dirty {
		clone.dirty[id] = struct{}{}
	}
	return clone
}

// snapshot is the gob-serializable form of a Khf: only exported fields
// round-trip through encoding/gob.
type snapshot struct {
	Fanouts   []uint64
	Width     uint64
	Segments  map[uint64]Key
	Overrides map[uint64]Key
	Dirty     []uint64
	MaxID     uint64
	Touched   bool
	Size      uint64
	Truncated bool
}

// MarshalBinary serializes the forest as an opaque byte blob.
func (k *Khf) MarshalBinary() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	segs := make(map[uint64]Key, len(k.segments))
	for idx, seg := range k.segments {
		segs[idx] = seg.root
	}
	dirty := make([]uint64, 0, len(k.dirty))
	for id := range k.dirty {
		dirty = append(dirty, id)
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })

	snap := snapshot{
		Fanouts:   k.fanouts,
		Width:     k.width,
		Segments:  segs,
		Overrides: k.overrides,
		Dirty:     dirty,
		MaxID:     k.maxID,
		Touched:   k.touched,
		Size:      k.size,
		Truncated: k.truncated,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return nil, fmt.Errorf("khf: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary deserializes a forest previously produced by
// MarshalBinary. hash and rng are not part of the serialized form and
// must be supplied again via SetCollaborators before the forest is used.
func (k *Khf) UnmarshalBinary(data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("khf: decode: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.fanouts = snap.Fanouts
	k.width = snap.Width
	k.segments = make(map[uint64]segment, len(snap.Segments))
	for idx, root := range snap.Segments {
		k.segments[idx] = segment{root: root}
	}
	if snap.Overrides == nil {
		snap.Overrides = make(map[uint64]Key)
	}
	k.overrides = snap.Overrides
	k.dirty = make(map[uint64]struct{}, len(snap.Dirty))
	for _, id := range snap.Dirty {
		k.dirty[id] = struct{}{}
	}
	k.maxID = snap.MaxID
	k.touched = snap.Touched
	k.size = snap.Size
	k.truncated = snap.Truncated
	return nil
}

// SetCollaborators installs the hash and RNG a forest needs after being
// deserialized via UnmarshalBinary (these are not part of the persisted
// blob - they're runtime-injected external collaborators).
func (k *Khf) SetCollaborators(hash hasher.Hash, rng io.Reader) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hash = hash
	k.rng = rng
}

// LiveCount returns the number of live leaf ids, i.e. ceil(size/D) once
// the caller has truncated to a known D-aligned bound; it is simply the
// forest's live bound, which the object-level Truncate call keeps in
// sync with the object's byte size.
func (k *Khf) LiveCount() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.liveBound()
}
