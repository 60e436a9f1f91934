package cryptio

import (
	"io"

	"github.com/lemosyne/lethe/crypter"
	"github.com/lemosyne/lethe/kms"
)

// BlockRecryptIo has the same shape as BlockCryptIo but decrypts with one
// authority and re-encrypts under another - used during forest
// consolidation, where the caller enumerates each block reported dirty
// by the new forest, reads it through this adapter at the old key, and
// writes it back at the new key. Both authorities are queried only with
// Derive: the keys are final, already prepared by the external
// consolidation step that produced next.
//
// Grounded on original_source/src/io/recrypt.rs.
type BlockRecryptIo struct {
	io        ReadWriteSeeker
	curr      kms.KeyManagementScheme
	next      kms.KeyManagementScheme
	cipher    crypter.Cipher
	blockSize int
}

// NewBlockRecryptIo returns a BlockRecryptIo over io, decrypting existing
// ciphertext under curr and encrypting all output under next.
func NewBlockRecryptIo(io ReadWriteSeeker, curr, next kms.KeyManagementScheme, cipher crypter.Cipher, blockSize int) *BlockRecryptIo {
	return &BlockRecryptIo{io: io, curr: curr, next: next, cipher: cipher, blockSize: blockSize}
}

// Seek delegates directly to the underlying stream.
func (b *BlockRecryptIo) Seek(offset int64, whence int) (int64, error) {
	return b.io.Seek(offset, whence)
}

// Read decrypts with the current authority.
func (b *BlockRecryptIo) Read(p []byte) (int, error) {
	total := 0
	size := len(p)

	origin, err := b.io.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	offset := int(origin)

	if offset%b.blockSize != 0 {
		block := offset / b.blockSize
		fill := offset % b.blockSize
		rest := minInt(size, b.blockSize-fill)

		tmp := make([]byte, fill+rest)
		off := block * b.blockSize
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return 0, err
		}
		n, err := b.io.Read(tmp)
		if err != nil && err != io.EOF {
			return 0, err
		}
		actuallyRead := n - fill
		if n == 0 || actuallyRead <= 0 {
			if _, serr := b.io.Seek(origin, io.SeekStart); serr != nil {
				return 0, serr
			}
			return 0, nil
		}

		key, derr := b.curr.Derive(uint64(block))
		if derr != nil {
			return 0, derr
		}
		dec := b.cipher.Decrypt(key, tmp[:n])
		copy(p[:actuallyRead], dec[fill:fill+actuallyRead])

		offset += actuallyRead
		total += actuallyRead
		size -= actuallyRead
	}

	for size > 0 && offset%b.blockSize == 0 {
		block := offset / b.blockSize
		rest := minInt(size, b.blockSize)

		tmp := make([]byte, rest)
		off := block * b.blockSize
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return total, err
		}
		n, err := b.io.Read(tmp)
		if err != nil && err != io.EOF {
			return total, err
		}
		if n == 0 {
			if _, serr := b.io.Seek(origin+int64(total), io.SeekStart); serr != nil {
				return total, serr
			}
			return total, nil
		}

		key, derr := b.curr.Derive(uint64(block))
		if derr != nil {
			return total, derr
		}
		dec := b.cipher.Decrypt(key, tmp[:n])
		copy(p[total:total+n], dec)

		offset += n
		size -= n
		total += n
	}

	if _, err := b.io.Seek(origin+int64(total), io.SeekStart); err != nil {
		return total, err
	}
	return total, nil
}

// Write decrypts any RMW with curr and encrypts everything with next.
func (b *BlockRecryptIo) Write(p []byte) (int, error) {
	total := 0
	size := len(p)

	origin, err := b.io.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	offset := int(origin)

	if offset%b.blockSize != 0 {
		block := offset / b.blockSize
		fill := offset % b.blockSize
		rest := minInt(size, b.blockSize-fill)

		tmp := make([]byte, b.blockSize)
		off := block * b.blockSize
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return 0, err
		}
		n, err := b.io.Read(tmp)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n == 0 {
			if _, serr := b.io.Seek(origin, io.SeekStart); serr != nil {
				return 0, serr
			}
			return 0, nil
		}

		key, derr := b.curr.Derive(uint64(block))
		if derr != nil {
			return 0, derr
		}
		merged := b.cipher.Decrypt(key, tmp)
		copy(merged[fill:fill+rest], p[:rest])

		key, derr = b.next.Derive(uint64(block))
		if derr != nil {
			return 0, derr
		}
		enc := b.cipher.Encrypt(key, merged)

		amount := maxInt(n, fill+rest)
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return 0, err
		}
		nbytes, err := b.io.Write(enc[:amount])
		if err != nil {
			return 0, err
		}
		actuallyWritten := minInt(rest, nbytes-fill)
		if nbytes == 0 || actuallyWritten <= 0 {
			if _, serr := b.io.Seek(origin, io.SeekStart); serr != nil {
				return 0, serr
			}
			return 0, nil
		}

		offset += actuallyWritten
		size -= actuallyWritten
		total += actuallyWritten
	}

	for size > 0 && size/b.blockSize > 0 && offset%b.blockSize == 0 {
		block := offset / b.blockSize
		key, derr := b.next.Derive(uint64(block))
		if derr != nil {
			return total, derr
		}
		enc := b.cipher.Encrypt(key, p[total:total+b.blockSize])

		off := block * b.blockSize
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return total, err
		}
		nbytes, err := b.io.Write(enc)
		if err != nil {
			return total, err
		}
		if nbytes == 0 {
			if _, serr := b.io.Seek(origin+int64(total), io.SeekStart); serr != nil {
				return total, serr
			}
			return total, nil
		}

		offset += nbytes
		size -= nbytes
		total += nbytes
	}

	if size > 0 {
		block := offset / b.blockSize

		tmp := make([]byte, b.blockSize)
		off := block * b.blockSize
		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return total, err
		}
		actuallyRead, err := b.io.Read(tmp)
		if err != nil && err != io.EOF {
			return total, err
		}
		actuallyWrite := maxInt(size, actuallyRead)

		key, derr := b.curr.Derive(uint64(block))
		if derr != nil {
			return total, derr
		}
		merged := b.cipher.Decrypt(key, tmp)
		copy(merged[:size], p[total:total+size])

		key, derr = b.next.Derive(uint64(block))
		if derr != nil {
			return total, derr
		}
		enc := b.cipher.Encrypt(key, merged)

		if _, err := b.io.Seek(int64(off), io.SeekStart); err != nil {
			return total, err
		}
		nbytes, err := b.io.Write(enc[:actuallyWrite])
		if err != nil {
			return total, err
		}
		total += minInt(size, nbytes)
		if nbytes == 0 {
			if _, serr := b.io.Seek(origin+int64(total), io.SeekStart); serr != nil {
				return total, serr
			}
			return total, nil
		}
	}

	if _, err := b.io.Seek(origin+int64(total), io.SeekStart); err != nil {
		return total, err
	}
	return total, nil
}
