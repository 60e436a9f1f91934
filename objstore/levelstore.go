package objstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/lemosyne/lethe/internal/xlog"
)

var metaKey = []byte{0x00, 'm', 'e', 't', 'a'}

// LevelStore is a Store backed by a single goleveldb database: each
// object id maps to one value holding its entire byte content. Handles
// stage reads/writes in memory and flush back to the database on Close,
// since goleveldb has no native notion of a seekable stream.
type LevelStore struct {
	mu   sync.RWMutex
	db   *leveldb.DB
	meta map[uint64]Info
}

// NewLevelStore opens (creating if necessary) a goleveldb database at
// dir.
func NewLevelStore(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: open leveldb %s: %w", dir, err)
	}
	ls := &LevelStore{db: db, meta: make(map[uint64]Info)}
	if err := ls.loadMeta(); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		db.Close()
		return nil, err
	}
	xlog.Info("objstore: opened level store", "dir", dir, "objects", len(ls.meta))
	return ls, nil
}

func objectKey(id uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'o'
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func (ls *LevelStore) loadMeta() error {
	data, err := ls.db.Get(metaKey, nil)
	if err != nil {
		return err
	}
	meta := make(map[uint64]Info)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return fmt.Errorf("objstore: decode meta: %w", err)
	}
	ls.meta = meta
	return nil
}

func (ls *LevelStore) saveMeta() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ls.meta); err != nil {
		return fmt.Errorf("objstore: encode meta: %w", err)
	}
	return ls.db.Put(metaKey, buf.Bytes(), nil)
}

func (ls *LevelStore) Create(id uint64, flags uint32) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.meta[id]; ok {
		return fmt.Errorf("objstore: create %d: %w", id, ErrExists)
	}
	if err := ls.db.Put(objectKey(id), nil, nil); err != nil {
		return fmt.Errorf("objstore: create %d: %w", id, err)
	}
	ls.meta[id] = Info{Flags: flags}
	return ls.saveMeta()
}

func (ls *LevelStore) Destroy(id uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.meta[id]; !ok {
		return nil
	}
	if err := ls.db.Delete(objectKey(id), nil); err != nil {
		return fmt.Errorf("objstore: destroy %d: %w", id, err)
	}
	delete(ls.meta, id)
	return ls.saveMeta()
}

func (ls *LevelStore) GetInfo(id uint64) (Info, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	info, ok := ls.meta[id]
	if !ok {
		return Info{}, fmt.Errorf("objstore: get_info %d: %w", id, ErrNotFound)
	}
	return info, nil
}

func (ls *LevelStore) SetInfo(id uint64, info Info) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	existing, ok := ls.meta[id]
	if !ok {
		return fmt.Errorf("objstore: set_info %d: %w", id, ErrNotFound)
	}
	existing.Flags = info.Flags
	ls.meta[id] = existing
	return ls.saveMeta()
}

func (ls *LevelStore) Truncate(id uint64, size uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	info, ok := ls.meta[id]
	if !ok {
		return fmt.Errorf("objstore: truncate %d: %w", id, ErrNotFound)
	}
	data, err := ls.db.Get(objectKey(id), nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("objstore: truncate %d: %w", id, err)
	}
	buf := make([]byte, size)
	copy(buf, data)
	if err := ls.db.Put(objectKey(id), buf, nil); err != nil {
		return fmt.Errorf("objstore: truncate %d: %w", id, err)
	}
	info.Size = size
	ls.meta[id] = info
	return ls.saveMeta()
}

// Stage creates a new object under a uuid-derived id that can never
// collide with an allocator-managed one, ready to receive staged
// content ahead of a Swap.
func (ls *LevelStore) Stage() (uint64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var id uint64
	for {
		u := uuid.New()
		id = binary.BigEndian.Uint64(u[:8])
		if _, ok := ls.meta[id]; !ok {
			break
		}
	}

	if err := ls.db.Put(objectKey(id), nil, nil); err != nil {
		return 0, fmt.Errorf("objstore: stage %d: %w", id, err)
	}
	ls.meta[id] = Info{}
	if err := ls.saveMeta(); err != nil {
		return 0, err
	}
	return id, nil
}

// Swap moves staging's value onto target's key and deletes staging's
// key in one WriteBatch, which goleveldb applies atomically, so target
// never observes a state between its old and new content.
func (ls *LevelStore) Swap(staging, target uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.meta[staging]; !ok {
		return fmt.Errorf("objstore: swap %d -> %d: staging %w", staging, target, ErrNotFound)
	}
	if _, ok := ls.meta[target]; !ok {
		return fmt.Errorf("objstore: swap %d -> %d: target %w", staging, target, ErrNotFound)
	}

	data, err := ls.db.Get(objectKey(staging), nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("objstore: swap %d -> %d: %w", staging, target, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(objectKey(target), data)
	batch.Delete(objectKey(staging))
	if err := ls.db.Write(batch, nil); err != nil {
		return fmt.Errorf("objstore: swap %d -> %d: %w", staging, target, err)
	}

	info := ls.meta[target]
	info.Size = uint64(len(data))
	ls.meta[target] = info
	delete(ls.meta, staging)
	return ls.saveMeta()
}

func (ls *LevelStore) openHandle(id uint64) (Handle, error) {
	ls.mu.RLock()
	_, ok := ls.meta[id]
	ls.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("objstore: open %d: %w", id, ErrNotFound)
	}

	data, err := ls.db.Get(objectKey(id), nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("objstore: open %d: %w", id, err)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &levelHandle{store: ls, id: id, buf: buf}, nil
}

func (ls *LevelStore) ReadHandle(id uint64) (Handle, error)  { return ls.openHandle(id) }
func (ls *LevelStore) WriteHandle(id uint64) (Handle, error) { return ls.openHandle(id) }
func (ls *LevelStore) RWHandle(id uint64) (Handle, error)    { return ls.openHandle(id) }

func (ls *LevelStore) PersistState() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.saveMeta()
}

func (ls *LevelStore) LoadState() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.loadMeta()
}

func (ls *LevelStore) Close() error {
	return ls.db.Close()
}

func (ls *LevelStore) putObject(id uint64, buf []byte) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err := ls.db.Put(objectKey(id), buf, nil); err != nil {
		return fmt.Errorf("objstore: write %d: %w", id, err)
	}
	info := ls.meta[id]
	info.Size = uint64(len(buf))
	ls.meta[id] = info
	return nil
}

type levelHandle struct {
	store *LevelStore
	id    uint64
	buf   []byte
	pos   int64
	dirty bool
}

func (h *levelHandle) Read(p []byte) (int, error) {
	if h.pos >= int64(len(h.buf)) {
		return 0, io.EOF
	}
	n := copy(p, h.buf[h.pos:])
	h.pos += int64(n)
	return n, nil
}

func (h *levelHandle) Write(p []byte) (int, error) {
	end := h.pos + int64(len(p))
	if end > int64(len(h.buf)) {
		grown := make([]byte, end)
		copy(grown, h.buf)
		h.buf = grown
	}
	copy(h.buf[h.pos:end], p)
	h.pos = end
	h.dirty = true
	return len(p), nil
}

func (h *levelHandle) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = h.pos + offset
	case io.SeekEnd:
		newPos = int64(len(h.buf)) + offset
	default:
		return 0, fmt.Errorf("objstore: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, errors.New("objstore: negative seek position")
	}
	h.pos = newPos
	return newPos, nil
}

func (h *levelHandle) Close() error {
	if !h.dirty {
		return nil
	}
	return h.store.putObject(h.id, h.buf)
}

var _ Store = (*LevelStore)(nil)
