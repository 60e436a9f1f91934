// Package enclave provides the small trusted-storage collaborator Lethe
// writes the master key to: a read/write/seek byte stream assumed to sit
// on trusted storage (a TPM, a secure element, or an out-of-band
// channel), holding exactly one E-byte key at offset 0.
package enclave

import "io"

// Enclave is a small trusted read/write/seek byte stream.
type Enclave interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}
