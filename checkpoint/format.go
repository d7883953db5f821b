// Package checkpoint serializes training snapshots — the primitive
// population, the optimizer state and the iteration counters — to a
// compact binary format and stores them in a blobstore.
//
// A snapshot is immutable once written. Restoring one replaces the
// population and optimizer state wholesale and resumes the iteration
// counter; there is no partial recovery: a snapshot that fails any
// validation (magic, version, checksum, shape consistency) is rejected
// outright.
package checkpoint

import (
	"errors"
	"fmt"
)

// MagicNumber identifies checkpoint files ("SPLT").
const MagicNumber uint32 = 0x53504C54

// Version is the current format version.
const Version uint8 = 1

// Compression selects the body codec.
type Compression uint8

const (
	// CompressionNone stores the body raw.
	CompressionNone Compression = iota
	// CompressionZstd compresses the body with zstd.
	CompressionZstd
	// CompressionLZ4 compresses the body with lz4.
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

var (
	// ErrFormat indicates a structurally invalid checkpoint: bad magic,
	// unsupported version or codec, or a truncated body.
	ErrFormat = errors.New("checkpoint: invalid format")
	// ErrChecksum indicates body corruption.
	ErrChecksum = errors.New("checkpoint: checksum mismatch")
	// ErrShapeMismatch indicates a snapshot whose array shapes disagree
	// with each other or with the configured model.
	ErrShapeMismatch = errors.New("checkpoint: shape mismatch")
)
