package lethe

import (
	"io"

	"github.com/lemosyne/lethe/alloc"
	"github.com/lemosyne/lethe/cryptio"
	"github.com/lemosyne/lethe/internal/xlog"
	"github.com/lemosyne/lethe/khf"
)

// LoadState implements the load state machine: the backing store's own
// state is reloaded, the master key is read from the enclave, and the
// four reserved blobs are decrypted and deserialized into fresh local
// values. All four must succeed before any field of l is mutated, so a
// corrupt blob or a stale master key leaves the instance exactly as it
// was before the call.
func (l *Lethe) LoadState() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.LoadState(); err != nil {
		return wrapErr(KindIO, "load_state", err)
	}

	if _, err := l.enclave.Seek(0, io.SeekStart); err != nil {
		return wrapErr(KindIO, "load_state", err)
	}
	var key Key
	if _, err := io.ReadFull(l.enclave, key[:]); err != nil {
		return wrapErr(KindIO, "load_state", err)
	}

	masterBlob, err := l.readBlob(reservedMasterKhf, key)
	if err != nil {
		return err
	}
	newMasterKhf := khf.New(l.masterFanouts, l.hash, l.rng)
	if err := newMasterKhf.UnmarshalBinary(masterBlob); err != nil {
		return wrapErr(KindSerde, "load_state", err)
	}

	fanoutsBlob, err := l.readBlob(reservedFanouts, key)
	if err != nil {
		return err
	}
	newObjectFanouts, err := decodeFanouts(fanoutsBlob)
	if err != nil {
		return wrapErr(KindSerde, "load_state", err)
	}

	allocBlob, err := l.readBlob(reservedAlloc, key)
	if err != nil {
		return err
	}
	newAllocator := alloc.New()
	if err := newAllocator.UnmarshalBinary(allocBlob); err != nil {
		return wrapErr(KindSerde, "load_state", err)
	}

	mappingsBlob, err := l.readBlob(reservedMappings, key)
	if err != nil {
		return err
	}
	newMappings, err := unmarshalMappings(mappingsBlob)
	if err != nil {
		return wrapErr(KindSerde, "load_state", err)
	}

	// A fresh cache replaces the old one outright rather than calling
	// Purge: Purge would run the eviction callback over every entry and
	// flush its in-memory (now-discarded) state back over the blob this
	// call just reloaded from committed storage, exactly the
	// uncommitted-state leak LoadState exists to undo.
	freshCache, err := l.newObjectKhfCache()
	if err != nil {
		return wrapErr(KindUnknown, "load_state", err)
	}

	newMasterKhf.SetCollaborators(l.hash, l.rng)
	l.masterKey = key
	l.masterKhf = newMasterKhf
	l.objectFanouts = newObjectFanouts
	l.allocator = newAllocator
	l.mappings = newMappings
	l.objectKhfs = freshCache

	xlog.Info("lethe: loaded state", "objects", len(l.mappings))
	return nil
}

func (l *Lethe) readBlob(id uint64, key Key) ([]byte, error) {
	handle, err := l.store.ReadHandle(id)
	if err != nil {
		return nil, wrapErr(KindIO, "load_state", err)
	}
	defer handle.Close()

	// CryptIo restarts the keystream on every Read, so the whole blob is
	// read in one call sized to the object.
	size, err := handle.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, wrapErr(KindIO, "load_state", err)
	}
	if _, err := handle.Seek(0, io.SeekStart); err != nil {
		return nil, wrapErr(KindIO, "load_state", err)
	}
	data := make([]byte, size)
	ci := cryptio.NewCryptIo(handle, l.cipher, key)
	if _, err := io.ReadFull(ci, data); err != nil {
		return nil, wrapErr(KindIO, "load_state", err)
	}
	return data, nil
}
