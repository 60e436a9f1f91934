// Package lethe implements a multi-object, block-level cryptographic
// storage layer that provides confidentiality and secure deletion
// through per-block key derivation from a two-level keyed hash forest:
// a master KHF whose leaves are the root keys of per-object KHFs, each
// of which derives the per-block content key for one logical object.
//
// A Lethe instance owns the master KHF, a bounded cache of loaded
// object KHFs, the external-object-id mapping table, the ID allocator,
// and handles to two external collaborators it never implements
// itself: a backing objstore.Store for bulk ciphertext and KHF blobs,
// and a small trusted enclave.Enclave for the current master key.
package lethe

import (
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lemosyne/lethe/alloc"
	"github.com/lemosyne/lethe/crypter"
	"github.com/lemosyne/lethe/cryptio"
	"github.com/lemosyne/lethe/enclave"
	"github.com/lemosyne/lethe/hasher"
	"github.com/lemosyne/lethe/internal/metrics"
	"github.com/lemosyne/lethe/internal/xlog"
	"github.com/lemosyne/lethe/khf"
	"github.com/lemosyne/lethe/objstore"
)

// Reserved object ids, fixed at init and never returned by the
// allocator.
const (
	reservedMasterKhf = uint64(0)
	reservedFanouts   = uint64(1)
	reservedAlloc     = uint64(2)
	reservedMappings  = uint64(3)
	firstAllocatable  = uint64(4)
)

// Lethe is the core of the storage layer: the single owner of the
// backing store, the enclave, and every in-memory forest, per the
// single-threaded, exclusively-owned-resource model of §5 of the
// protocol this implements.
type Lethe struct {
	mu sync.Mutex

	store   objstore.Store
	enclave enclave.Enclave

	cipher crypter.Cipher
	hash   hasher.Hash
	rng    io.Reader

	masterFanouts []uint64
	objectFanouts []uint64
	blockSize     uint64

	masterKey Key
	masterKhf *khf.Khf

	allocator  *alloc.Allocator
	mappings   mappings
	objectKhfs *lru.Cache[uint64, *khf.Khf]

	khfCacheSize int

	metrics struct {
		commits    metrics.Counter
		rotations  metrics.Counter
		cacheHits  metrics.Counter
		cacheMiss  metrics.Counter
		evictFlush metrics.Counter
	}
}

// New constructs a fresh Lethe instance over store and enc: a random
// master key is generated, the master KHF starts empty with the
// configured (default [4,4,4,4]) fanouts, and the four reserved object
// ids are carved out of the allocator so they are never handed to a
// caller's object.
func New(store objstore.Store, enc enclave.Enclave, opts ...Option) (*Lethe, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	l := &Lethe{
		store:         store,
		enclave:       enc,
		cipher:        cfg.cipher,
		hash:          cfg.hash,
		rng:           cfg.rng,
		masterFanouts: cfg.masterFanouts,
		objectFanouts: cfg.objectFanouts,
		blockSize:     cfg.blockSize,
		masterKhf:     khf.New(cfg.masterFanouts, cfg.hash, cfg.rng),
		allocator:     alloc.New(),
		mappings:      make(mappings),
		khfCacheSize:  cfg.khfCacheSize,
	}
	l.metrics.commits = metrics.NewRegisteredCounter("lethe/commits")
	l.metrics.rotations = metrics.NewRegisteredCounter("lethe/rotations")
	l.metrics.cacheHits = metrics.NewRegisteredCounter("lethe/khfcache/hits")
	l.metrics.cacheMiss = metrics.NewRegisteredCounter("lethe/khfcache/misses")
	l.metrics.evictFlush = metrics.NewRegisteredCounter("lethe/khfcache/evict_flush")

	cache, err := l.newObjectKhfCache()
	if err != nil {
		return nil, fmt.Errorf("lethe: new object khf cache: %w", err)
	}
	l.objectKhfs = cache

	if _, err := io.ReadFull(l.rng, l.masterKey[:]); err != nil {
		return nil, wrapErr(KindIO, "new", err)
	}

	for _, id := range []uint64{reservedMasterKhf, reservedFanouts, reservedAlloc, reservedMappings} {
		if err := l.allocator.Reserve(id); err != nil {
			return nil, wrapErr(KindAlloc, "new", err)
		}
		if err := store.Create(id, 0); err != nil && !errors.Is(err, objstore.ErrExists) {
			return nil, wrapErr(KindIO, "new", err)
		}
	}

	xlog.Info("lethe: new instance", "block_size", l.blockSize, "master_fanouts", l.masterFanouts)
	return l, nil
}

// Create allocates a (map_id, khf_id) pair for objid, installs a fresh
// object KHF in the cache, and registers the mapping and the two
// backing-store slots (map_id for ciphertext, khf_id for the object
// KHF's own serialized blob).
func (l *Lethe) Create(objid uint64, flags uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.mappings[objid]; ok {
		return wrapErr(KindUnknown, "create", fmt.Errorf("object %d: %w", objid, ErrObjectExists))
	}

	mapID, err := l.allocator.Alloc()
	if err != nil {
		return wrapErr(KindAlloc, "create", err)
	}
	khfID, err := l.allocator.Alloc()
	if err != nil {
		l.allocator.Dealloc(mapID)
		return wrapErr(KindAlloc, "create", err)
	}

	if err := l.store.Create(mapID, flags); err != nil {
		l.allocator.Dealloc(mapID)
		l.allocator.Dealloc(khfID)
		return wrapErr(KindIO, "create", err)
	}
	if err := l.store.Create(khfID, 0); err != nil {
		l.store.Destroy(mapID)
		l.allocator.Dealloc(mapID)
		l.allocator.Dealloc(khfID)
		return wrapErr(KindIO, "create", err)
	}

	l.objectKhfs.Add(khfID, khf.New(l.objectFanouts, l.hash, l.rng))
	l.mappings[objid] = MapEntry{MapID: mapID, KhfID: khfID}

	xlog.Debug("lethe: created object", "objid", objid, "map_id", mapID, "khf_id", khfID)
	return nil
}

// Destroy removes objid's mapping and cached KHF, deallocates both
// internal ids, and destroys the backing map_id object. It is a no-op
// for an unknown objid.
func (l *Lethe) Destroy(objid uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.mappings[objid]
	if !ok {
		return nil
	}

	// Evicting first, while khf_id's backing object still exists, lets
	// any pending rotation flush land somewhere real instead of failing
	// against an id that's already gone; the flush is thrown away a few
	// lines later regardless, since the object itself is being destroyed.
	l.objectKhfs.Remove(entry.KhfID)

	if err := l.store.Destroy(entry.MapID); err != nil {
		return wrapErr(KindIO, "destroy", err)
	}
	if err := l.store.Destroy(entry.KhfID); err != nil {
		return wrapErr(KindIO, "destroy", err)
	}

	delete(l.mappings, objid)
	l.allocator.Dealloc(entry.MapID)
	l.allocator.Dealloc(entry.KhfID)

	xlog.Debug("lethe: destroyed object", "objid", objid)
	return nil
}

// GetInfo forwards to the backing store for objid's map_id object.
func (l *Lethe) GetInfo(objid uint64) (objstore.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.mappings[objid]
	if !ok {
		return objstore.Info{}, wrapErr(KindMissingKhf, "get_info", ErrUnknownObject)
	}
	info, err := l.store.GetInfo(entry.MapID)
	if err != nil {
		return objstore.Info{}, wrapErr(KindIO, "get_info", err)
	}
	return info, nil
}

// SetInfo forwards to the backing store for objid's map_id object.
func (l *Lethe) SetInfo(objid uint64, info objstore.Info) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.mappings[objid]
	if !ok {
		return wrapErr(KindMissingKhf, "set_info", ErrUnknownObject)
	}
	if err := l.store.SetInfo(entry.MapID, info); err != nil {
		return wrapErr(KindIO, "set_info", err)
	}
	return nil
}

// Close releases the enclave and backing store.
func (l *Lethe) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enclave.Close(); err != nil {
		return wrapErr(KindIO, "close", err)
	}
	if err := l.store.Close(); err != nil {
		return wrapErr(KindIO, "close", err)
	}
	return nil
}

// objectKhf returns the loaded KHF for khfID, lazily loading and
// decrypting it from the backing store if it is not already cached.
// Caller must hold l.mu.
func (l *Lethe) objectKhf(khfID uint64) (*khf.Khf, error) {
	if cached, ok := l.objectKhfs.Get(khfID); ok {
		l.metrics.cacheHits.Inc(1)
		return cached, nil
	}
	l.metrics.cacheMiss.Inc(1)

	key, err := l.masterKhf.Derive(khfID)
	if err != nil {
		return nil, wrapErr(KindKhf, "load_khf", err)
	}

	handle, err := l.store.ReadHandle(khfID)
	if err != nil {
		return nil, wrapErr(KindIO, "load_khf", err)
	}
	defer handle.Close()

	// CryptIo restarts the keystream on every Read, so the whole blob is
	// read in one call sized to the object.
	size, err := handle.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, wrapErr(KindIO, "load_khf", err)
	}
	if _, err := handle.Seek(0, io.SeekStart); err != nil {
		return nil, wrapErr(KindIO, "load_khf", err)
	}
	data := make([]byte, size)
	ci := cryptio.NewCryptIo(handle, l.cipher, key)
	if _, err := io.ReadFull(ci, data); err != nil {
		return nil, wrapErr(KindIO, "load_khf", err)
	}

	obj := khf.New(l.objectFanouts, l.hash, l.rng)
	if err := obj.UnmarshalBinary(data); err != nil {
		return nil, wrapErr(KindSerde, "load_khf", err)
	}
	obj.SetCollaborators(l.hash, l.rng)

	l.objectKhfs.Add(khfID, obj)
	return obj, nil
}

// newObjectKhfCache builds a bounded object-KHF cache whose eviction
// callback flushes an entry's current serialized state to its backing
// khf_id blob before the last in-memory reference to it is dropped, so
// a capacity-triggered eviction can never silently discard block-key
// rotations made via a WriteHandle since the last PersistState.
func (l *Lethe) newObjectKhfCache() (*lru.Cache[uint64, *khf.Khf], error) {
	return lru.NewWithEvict[uint64, *khf.Khf](l.khfCacheSize, l.flushEvictedKhf)
}

// flushEvictedKhf is the object-khf cache's eviction callback. It has
// no error return, so failures are logged rather than propagated; the
// caller that triggered the eviction (Add/Get/Remove) has already
// succeeded at its own job by the time this runs.
func (l *Lethe) flushEvictedKhf(khfID uint64, obj *khf.Khf) {
	data, err := obj.MarshalBinary()
	if err != nil {
		xlog.Error("lethe: evict flush: marshal failed", "khf_id", khfID, "err", err)
		return
	}
	key, err := l.masterKhf.Derive(khfID)
	if err != nil {
		xlog.Error("lethe: evict flush: derive failed", "khf_id", khfID, "err", err)
		return
	}
	if err := l.writeBlob(khfID, key, data); err != nil {
		xlog.Error("lethe: evict flush: write failed", "khf_id", khfID, "err", err)
		return
	}
	l.metrics.evictFlush.Inc(1)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
