package cryptio

import (
	"io"

	"github.com/lemosyne/lethe/crypter"
	"github.com/lemosyne/lethe/kms"
)

// BlockCryptIo presents a seekable plaintext byte stream over an
// underlying seekable ciphertext object, encrypting/decrypting in fixed
// blocks under keys obtained from a key authority that supports
// Derive/Update.
//
// Grounded structurally on original_source/src/io/blockcrypt.rs's
// head/whole-block/tail decomposition.
type BlockCryptIo struct {
	io        ReadWriteSeeker
	kms       kms.KeyManagementScheme
	cipher    crypter.Cipher
	blockSize int
}

// NewBlockCryptIo returns a BlockCryptIo over io, encrypting with cipher
// in blocks of blockSize bytes, keyed through authority.
func NewBlockCryptIo(io ReadWriteSeeker, authority kms.KeyManagementScheme, cipher crypter.Cipher, blockSize int) *BlockCryptIo {
	return &BlockCryptIo{io: io, kms: authority, cipher: cipher, blockSize: blockSize}
}

// Seek delegates directly to the underlying stream: the cipher is
// length-preserving, so plaintext and ciphertext offsets always
// coincide.
func (b *BlockCryptIo) Seek(offset int64, whence int) (int64, error) {
	return b.io.Seek(offset, whence)
}

// Read decomposes the requested range into an optional head slice, zero
// or more whole-block slices, and an optional tail slice, deriving each
// block's key and decrypting before copying into p. A non-empty read at
// or past the end of the object returns 0 and io.EOF.
func (b *BlockCryptIo) Read(p []byte) (int, error) {
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
			if size == 0 {
				return 0, nil
			}
			return 0, io.EOF
		}

		key, derr := b.kms.Derive(uint64(block))
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
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		key, derr := b.kms.Derive(uint64(block))
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

// Write performs read-modify-write on partial blocks, rotating each
// touched block's key via Update before re-encrypting. Whole-block
// writes skip the read and rotate directly.
func (b *BlockCryptIo) Write(p []byte) (int, error) {
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

		key, derr := b.kms.Derive(uint64(block))
		if derr != nil {
			return 0, derr
		}
		merged := b.cipher.Decrypt(key, tmp)
		copy(merged[fill:fill+rest], p[:rest])

		if _, uerr := b.kms.Update(uint64(block)); uerr != nil {
			return 0, uerr
		}
		key, derr = b.kms.Derive(uint64(block))
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
		if _, uerr := b.kms.Update(uint64(block)); uerr != nil {
			return total, uerr
		}
		key, derr := b.kms.Derive(uint64(block))
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

		key, derr := b.kms.Derive(uint64(block))
		if derr != nil {
			return total, derr
		}
		merged := b.cipher.Decrypt(key, tmp)
		copy(merged[:size], p[total:total+size])

		if _, uerr := b.kms.Update(uint64(block)); uerr != nil {
			return total, uerr
		}
		key, derr = b.kms.Derive(uint64(block))
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
