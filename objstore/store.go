// Package objstore defines the backing object store external
// collaborator: an opaque id-keyed byte-stream provider that Lethe
// layers its block-crypto adapters over. Two concrete bindings are
// provided: FileStore (one file per id, instance-locked) and LevelStore
// (a single goleveldb database, one entry per id).
package objstore

import (
	"errors"
	"io"
)

// ErrNotFound is returned by operations addressing an id with no
// backing object.
var ErrNotFound = errors.New("objstore: object not found")

// ErrExists is returned by Create when id is already present.
var ErrExists = errors.New("objstore: object already exists")

// Info describes an object's out-of-band metadata.
type Info struct {
	Size  uint64
	Flags uint32
}

// Handle is a seekable byte stream over one backing object.
type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// Store is the backing object store collaborator, per the external
// interfaces the protocol places deliberately out of core scope.
type Store interface {
	Create(id uint64, flags uint32) error
	Destroy(id uint64) error
	GetInfo(id uint64) (Info, error)
	SetInfo(id uint64, info Info) error
	ReadHandle(id uint64) (Handle, error)
	WriteHandle(id uint64) (Handle, error)
	RWHandle(id uint64) (Handle, error)
	Truncate(id uint64, size uint64) error

	// Stage creates a fresh, uniquely-named object outside the
	// caller's own id space and returns its id, for staging content
	// that should only become visible at some other, already-live id
	// once it is fully written. Callers swap it into place with Swap,
	// or Destroy it directly to abandon it.
	Stage() (id uint64, err error)

	// Swap atomically replaces target's content and size with
	// staging's, then discards staging. target must already exist;
	// staging must be an id previously returned by Stage. Used to
	// durably commit a batch of new blobs without ever leaving a live
	// id in a partially-written state.
	Swap(staging, target uint64) error

	PersistState() error
	LoadState() error
	Close() error
}
