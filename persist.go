package lethe

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/lemosyne/lethe/cryptio"
	"github.com/lemosyne/lethe/internal/xlog"
)

// PersistState implements the commit state machine: every object KHF
// marked dirty since the last commit is serialized and encrypted under
// the key the master KHF derives for its khf_id, the master key is then
// rotated, and the
// four reserved blobs are re-encrypted under the new master key and
// written to freshly staged objects - never touching the live reserved
// ids 0-3 directly. Only once all four stage writes succeed is the new
// master key written to the enclave, the linearization point of a
// successful commit: if PersistState fails at any point up to and
// including that write, the live reserved ids still hold whatever they
// held before this call, still decryptable under the master key the
// enclave still holds, so a crash there leaves the previous snapshot
// exactly as recoverable as if PersistState had never been called.
// Only after the enclave has committed to the new key are the staged
// blobs swapped into the live reserved ids, and finally the backing
// store commits its own state.
func (l *Lethe) PersistState() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dirty := l.masterKhf.Commit()
	for _, khfID := range dirty {
		objKhf, err := l.objectKhf(khfID)
		if err != nil {
			return err
		}
		data, err := objKhf.MarshalBinary()
		if err != nil {
			return wrapErr(KindSerde, "persist_state", err)
		}

		key, err := l.masterKhf.Derive(khfID)
		if err != nil {
			return wrapErr(KindKhf, "persist_state", err)
		}

		if err := l.writeBlob(khfID, key, data); err != nil {
			return err
		}
	}

	var newKey Key
	if _, err := io.ReadFull(l.rng, newKey[:]); err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}

	masterBlob, err := l.masterKhf.MarshalBinary()
	if err != nil {
		return wrapErr(KindSerde, "persist_state", err)
	}
	fanoutsBlob, err := encodeFanouts(l.objectFanouts)
	if err != nil {
		return wrapErr(KindSerde, "persist_state", err)
	}
	allocBlob, err := l.allocator.MarshalBinary()
	if err != nil {
		return wrapErr(KindSerde, "persist_state", err)
	}
	mappingsBlob, err := l.mappings.marshalBinary()
	if err != nil {
		return wrapErr(KindSerde, "persist_state", err)
	}

	reserved := []struct {
		target uint64
		data   []byte
	}{
		{reservedMasterKhf, masterBlob},
		{reservedFanouts, fanoutsBlob},
		{reservedAlloc, allocBlob},
		{reservedMappings, mappingsBlob},
	}

	staged := make([]uint64, 0, len(reserved))
	defer func() {
		for _, id := range staged {
			if err := l.store.Destroy(id); err != nil {
				xlog.Error("lethe: abandon staged object failed", "staging_id", id, "err", err)
			}
		}
	}()

	for _, r := range reserved {
		stagingID, err := l.store.Stage()
		if err != nil {
			return wrapErr(KindIO, "persist_state", err)
		}
		staged = append(staged, stagingID)

		if err := l.writeBlob(stagingID, newKey, r.data); err != nil {
			return err
		}
	}

	if _, err := l.enclave.Seek(0, io.SeekStart); err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}
	if _, err := l.enclave.Write(newKey[:]); err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}
	l.masterKey = newKey
	l.metrics.rotations.Inc(1)

	for i, r := range reserved {
		if err := l.store.Swap(staged[i], r.target); err != nil {
			return wrapErr(KindIO, "persist_state", err)
		}
	}
	staged = nil

	if err := l.store.PersistState(); err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}

	l.metrics.commits.Inc(1)
	return nil
}

// writeBlob encrypts data under key and writes it whole to object id
// via a write handle and CryptIo. The object must already exist (a
// reserved id or khf_id created at New/Create, or a staging id
// returned by Store.Stage).
func (l *Lethe) writeBlob(id uint64, key Key, data []byte) error {
	handle, err := l.store.WriteHandle(id)
	if err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}
	defer handle.Close()

	ci := cryptio.NewCryptIo(handle, l.cipher, key)
	if _, err := ci.Write(data); err != nil {
		return wrapErr(KindIO, "persist_state", err)
	}
	return nil
}

func encodeFanouts(fanouts []uint64) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fanouts); err != nil {
		return nil, fmt.Errorf("lethe: encode fanouts: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFanouts(data []byte) ([]uint64, error) {
	var fanouts []uint64
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&fanouts); err != nil {
		return nil, fmt.Errorf("lethe: decode fanouts: %w", err)
	}
	return fanouts, nil
}
