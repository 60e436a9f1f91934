package lethe

import (
	"crypto/rand"
	"io"

	"github.com/lemosyne/lethe/crypter"
	"github.com/lemosyne/lethe/hasher"
	"github.com/lemosyne/lethe/khf"
)

// config holds the pluggable external collaborators and the tunables
// the builder exposes, matching the functional-options idiom used
// throughout the teacher's stack in place of a large constructor
// parameter list.
type config struct {
	cipher        crypter.Cipher
	hash          hasher.Hash
	rng           io.Reader
	masterFanouts []uint64
	objectFanouts []uint64
	blockSize     uint64
	khfCacheSize  int
}

func defaultConfig() *config {
	return &config{
		cipher:        crypter.ChaCha20{},
		hash:          hasher.Blake2b{},
		rng:           rand.Reader,
		masterFanouts: append([]uint64(nil), khf.DefaultFanouts...),
		objectFanouts: append([]uint64(nil), khf.DefaultFanouts...),
		blockSize:     4096,
		khfCacheSize:  128,
	}
}

// Option configures a Lethe instance at construction time.
type Option func(*config)

// WithCipher overrides the default ChaCha20 cipher collaborator.
func WithCipher(c crypter.Cipher) Option {
	return func(cfg *config) { cfg.cipher = c }
}

// WithHasher overrides the default BLAKE2b hash collaborator.
func WithHasher(h hasher.Hash) Option {
	return func(cfg *config) { cfg.hash = h }
}

// WithRNG overrides the default crypto/rand randomness source.
func WithRNG(rng io.Reader) Option {
	return func(cfg *config) { cfg.rng = rng }
}

// WithMasterFanouts overrides the master KHF's fanout vector.
func WithMasterFanouts(fanouts []uint64) Option {
	return func(cfg *config) { cfg.masterFanouts = append([]uint64(nil), fanouts...) }
}

// WithObjectFanouts overrides every object KHF's fanout vector.
func WithObjectFanouts(fanouts []uint64) Option {
	return func(cfg *config) { cfg.objectFanouts = append([]uint64(nil), fanouts...) }
}

// WithBlockSize overrides the default 4096-byte block size D.
func WithBlockSize(size uint64) Option {
	return func(cfg *config) { cfg.blockSize = size }
}

// WithObjectKhfCacheSize overrides the bounded LRU size for loaded
// object KHFs.
func WithObjectKhfCacheSize(size int) Option {
	return func(cfg *config) { cfg.khfCacheSize = size }
}
