package enclave

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/tsdb/fileutil"
)

// FileEnclave is an Enclave backed by a single small file, instance
// locked the same way objstore.FileStore locks its directory - in
// practice this file would sit on a separately-trusted volume, but this
// binding just needs to behave like one for development and testing.
type FileEnclave struct {
	f    *os.File
	lock fileutil.Releaser
}

// NewFileEnclave opens (creating if necessary) path as the enclave file.
func NewFileEnclave(path string) (*FileEnclave, error) {
	lock, _, err := fileutil.Flock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("enclave: lock %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		lock.Release()
		return nil, fmt.Errorf("enclave: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("enclave: open %s: %w", path, err)
	}
	return &FileEnclave{f: f, lock: lock}, nil
}

func (e *FileEnclave) Read(p []byte) (int, error)  { return e.f.Read(p) }
func (e *FileEnclave) Write(p []byte) (int, error) { return e.f.Write(p) }
func (e *FileEnclave) Seek(offset int64, whence int) (int64, error) {
	return e.f.Seek(offset, whence)
}

func (e *FileEnclave) Close() error {
	err := e.f.Close()
	if rerr := e.lock.Release(); err == nil {
		err = rerr
	}
	return err
}

var _ Enclave = (*FileEnclave)(nil)
