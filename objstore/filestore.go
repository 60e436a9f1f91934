package objstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/google/uuid"
	"github.com/prometheus/tsdb/fileutil"

	"github.com/lemosyne/lethe/internal/xlog"
)

const metaFileName = ".lethe-meta"

// FileStore is a Store backed by one file per object id under a root
// directory, instance-locked the way core/rawdb/prunedfreezer.go locks
// its freezer directory, with a bounded fastcache read cache over small
// reads that is invalidated by bumping a per-id generation counter on
// every write (grounded on triedb/pathdb/disklayer.go's clean-node
// cache).
type FileStore struct {
	mu     sync.RWMutex
	root   string
	lock   fileutil.Releaser
	cache  *fastcache.Cache
	meta   map[uint64]Info
	gen    map[uint64]uint64
	closed bool
}

// NewFileStore opens (creating if necessary) a directory-backed store
// rooted at dir, with a read cache bounded to cacheBytes bytes.
func NewFileStore(dir string, cacheBytes int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("objstore: mkdir %s: %w", dir, err)
	}
	lock, _, err := fileutil.Flock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, fmt.Errorf("objstore: lock %s: %w", dir, err)
	}
	if cacheBytes <= 0 {
		cacheBytes = 32 * 1024 * 1024
	}
	fs := &FileStore{
		root:  dir,
		lock:  lock,
		cache: fastcache.New(cacheBytes),
		meta:  make(map[uint64]Info),
		gen:   make(map[uint64]uint64),
	}
	if err := fs.loadMeta(); err != nil && !os.IsNotExist(err) {
		lock.Release()
		return nil, err
	}
	xlog.Info("objstore: opened file store", "dir", dir, "objects", len(fs.meta))
	return fs, nil
}

func (fs *FileStore) objectPath(id uint64) string {
	return filepath.Join(fs.root, fmt.Sprintf("obj-%020d", id))
}

func (fs *FileStore) metaPath() string {
	return filepath.Join(fs.root, metaFileName)
}

func (fs *FileStore) loadMeta() error {
	data, err := os.ReadFile(fs.metaPath())
	if err != nil {
		return err
	}
	meta := make(map[uint64]Info)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return fmt.Errorf("objstore: decode meta: %w", err)
	}
	fs.meta = meta
	return nil
}

// saveMeta writes the metadata table via a temp file and atomic rename,
// then fsyncs the directory so the rename is itself durable.
func (fs *FileStore) saveMeta() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fs.meta); err != nil {
		return fmt.Errorf("objstore: encode meta: %w", err)
	}

	tmp := filepath.Join(fs.root, ".tmp-meta-"+uuid.NewString())
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("objstore: write temp meta: %w", err)
	}
	if err := os.Rename(tmp, fs.metaPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("objstore: rename meta: %w", err)
	}

	dir, err := os.Open(fs.root)
	if err != nil {
		return nil // best effort; the rename itself already landed
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}

func (fs *FileStore) bumpGen(id uint64) {
	fs.mu.Lock()
	fs.gen[id]++
	fs.mu.Unlock()
}

func (fs *FileStore) cacheKey(id, gen uint64, offset int64, length int) []byte {
	key := make([]byte, 0, 28)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], id)
	key = append(key, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], gen)
	key = append(key, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(offset))
	key = append(key, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(length))
	key = append(key, tmp[:4]...)
	return key
}

// Create registers a new object id, starting at size 0.
func (fs *FileStore) Create(id uint64, flags uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.meta[id]; ok {
		return fmt.Errorf("objstore: create %d: %w", id, ErrExists)
	}
	f, err := os.OpenFile(fs.objectPath(id), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("objstore: create %d: %w", id, err)
	}
	f.Close()

	fs.meta[id] = Info{Flags: flags}
	return fs.saveMeta()
}

// Destroy removes an object and its metadata. No-op if unknown.
func (fs *FileStore) Destroy(id uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.meta[id]; !ok {
		return nil
	}
	if err := os.Remove(fs.objectPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objstore: destroy %d: %w", id, err)
	}
	delete(fs.meta, id)
	fs.gen[id]++
	return fs.saveMeta()
}

// GetInfo reports the object's flags and its current on-disk size.
func (fs *FileStore) GetInfo(id uint64) (Info, error) {
	fs.mu.RLock()
	info, ok := fs.meta[id]
	fs.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("objstore: get_info %d: %w", id, ErrNotFound)
	}

	st, err := os.Stat(fs.objectPath(id))
	if err != nil {
		return Info{}, fmt.Errorf("objstore: stat %d: %w", id, err)
	}
	info.Size = uint64(st.Size())
	return info, nil
}

// SetInfo updates an object's flags. Size is derived from the file
// itself and cannot be set directly; use Truncate.
func (fs *FileStore) SetInfo(id uint64, info Info) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	existing, ok := fs.meta[id]
	if !ok {
		return fmt.Errorf("objstore: set_info %d: %w", id, ErrNotFound)
	}
	existing.Flags = info.Flags
	fs.meta[id] = existing
	return fs.saveMeta()
}

// Truncate resizes the underlying file and bumps its cache generation.
func (fs *FileStore) Truncate(id uint64, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.meta[id]; !ok {
		return fmt.Errorf("objstore: truncate %d: %w", id, ErrNotFound)
	}
	if err := os.Truncate(fs.objectPath(id), int64(size)); err != nil {
		return fmt.Errorf("objstore: truncate %d: %w", id, err)
	}
	fs.gen[id]++
	return nil
}

// Stage creates a new object under a uuid-derived id that can never
// collide with an allocator-managed one, ready to receive staged
// content ahead of a Swap.
func (fs *FileStore) Stage() (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var id uint64
	for {
		u := uuid.New()
		id = binary.BigEndian.Uint64(u[:8])
		if _, ok := fs.meta[id]; !ok {
			break
		}
	}

	f, err := os.OpenFile(fs.objectPath(id), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("objstore: stage %d: %w", id, err)
	}
	f.Close()

	fs.meta[id] = Info{}
	if err := fs.saveMeta(); err != nil {
		return 0, err
	}
	return id, nil
}

// Swap renames staging's backing file onto target's path - a single
// rename(2) syscall, durable once saveMeta's own rename lands - so
// target's content flips from whatever it held to staging's in one
// atomic step, and staging ceases to exist either way.
func (fs *FileStore) Swap(staging, target uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.meta[staging]; !ok {
		return fmt.Errorf("objstore: swap %d -> %d: staging %w", staging, target, ErrNotFound)
	}
	if _, ok := fs.meta[target]; !ok {
		return fmt.Errorf("objstore: swap %d -> %d: target %w", staging, target, ErrNotFound)
	}

	if err := os.Rename(fs.objectPath(staging), fs.objectPath(target)); err != nil {
		return fmt.Errorf("objstore: swap %d -> %d: %w", staging, target, err)
	}
	delete(fs.meta, staging)
	fs.gen[target]++
	delete(fs.gen, staging)
	return fs.saveMeta()
}

func (fs *FileStore) openHandle(id uint64, flag int) (Handle, error) {
	fs.mu.RLock()
	_, ok := fs.meta[id]
	fs.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("objstore: open %d: %w", id, ErrNotFound)
	}

	f, err := os.OpenFile(fs.objectPath(id), flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("objstore: open %d: %w", id, err)
	}
	return &fileHandle{store: fs, id: id, f: f}, nil
}

// ReadHandle opens a read-only handle over id.
func (fs *FileStore) ReadHandle(id uint64) (Handle, error) { return fs.openHandle(id, os.O_RDONLY) }

// WriteHandle opens a write-only handle over id.
func (fs *FileStore) WriteHandle(id uint64) (Handle, error) { return fs.openHandle(id, os.O_WRONLY) }

// RWHandle opens a read-write handle over id.
func (fs *FileStore) RWHandle(id uint64) (Handle, error) { return fs.openHandle(id, os.O_RDWR) }

// PersistState flushes the metadata table durably to disk.
func (fs *FileStore) PersistState() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.saveMeta()
}

// LoadState reloads the metadata table from disk and resets the read
// cache. Create, Destroy, SetInfo, Stage and Swap each write the table
// through as they run, so the reloaded table still holds their changes
// made after the last PersistState.
func (fs *FileStore) LoadState() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.loadMeta(); err != nil {
		return fmt.Errorf("objstore: load state: %w", err)
	}
	fs.cache.Reset()
	fs.gen = make(map[uint64]uint64)
	return nil
}

// Close releases the directory lock. Safe to call once.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	return fs.lock.Release()
}

type fileHandle struct {
	store *FileStore
	id    uint64
	f     *os.File
}

func (h *fileHandle) Read(p []byte) (int, error) {
	off, err := h.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	h.store.mu.RLock()
	gen := h.store.gen[h.id]
	h.store.mu.RUnlock()

	key := h.store.cacheKey(h.id, gen, off, len(p))
	if cached := h.store.cache.Get(nil, key); cached != nil {
		n := copy(p, cached)
		if _, err := h.f.Seek(int64(n), io.SeekCurrent); err != nil {
			return 0, err
		}
		return n, nil
	}

	n, err := h.f.Read(p)
	if n > 0 {
		h.store.cache.Set(key, p[:n])
	}
	return n, err
}

func (h *fileHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	h.store.bumpGen(h.id)
	return n, err
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	return h.f.Seek(offset, whence)
}

func (h *fileHandle) Close() error {
	return h.f.Close()
}

var _ Store = (*FileStore)(nil)
