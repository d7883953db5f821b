package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/splatgo/gaussian"
	"github.com/hupe1980/splatgo/optim"
)

// Snapshot is a point-in-time copy of everything the training loop needs
// to resume: the population, the optimizer moments and the counters that
// drive the schedule.
type Snapshot struct {
	Iteration      uint64
	ActiveSHDegree int
	Cloud          *gaussian.Cloud
	Optim          *optim.StateStore
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Encode writes the snapshot to w: an uncompressed 8-byte header (magic,
// version, codec), then the compressed body, then the CRC32-C of the
// uncompressed body.
func (s *Snapshot) Encode(w io.Writer, compression Compression) error {
	if s.Cloud == nil || s.Optim == nil {
		return fmt.Errorf("checkpoint: snapshot has no cloud or optimizer state")
	}
	if s.Cloud.Len() != s.Optim.Rows() {
		return fmt.Errorf("%w: cloud has %d rows, optimizer state has %d", ErrShapeMismatch, s.Cloud.Len(), s.Optim.Rows())
	}

	header := [8]byte{}
	binary.LittleEndian.PutUint32(header[0:], MagicNumber)
	header[4] = Version
	header[5] = uint8(compression)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	body, err := s.encodeBody()
	if err != nil {
		return err
	}

	if err := writeCompressed(w, body, compression); err != nil {
		return err
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(body, castagnoli))
	if _, err := w.Write(sum[:]); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}

	return nil
}

// Decode reads a snapshot written by Encode, verifying the header, the
// checksum and the internal shape consistency of the arrays.
func Decode(r io.Reader) (*Snapshot, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if binary.LittleEndian.Uint32(header[0:]) != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic number", ErrFormat)
	}
	if header[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, header[4])
	}
	compression := Compression(header[5])

	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: truncated body", ErrFormat)
	}
	wantSum := binary.LittleEndian.Uint32(rest[len(rest)-4:])

	body, err := readCompressed(rest[:len(rest)-4], compression)
	if err != nil {
		return nil, err
	}
	if crc32.Checksum(body, castagnoli) != wantSum {
		return nil, ErrChecksum
	}

	return decodeBody(body)
}

func (s *Snapshot) encodeBody() ([]byte, error) {
	var buf bytes.Buffer
	cols := s.Cloud.Columns()

	writeUint64(&buf, s.Iteration)
	writeUint32(&buf, uint32(s.ActiveSHDegree))
	writeUint32(&buf, uint32(cols.MaxSHDegree))
	writeUint32(&buf, uint32(len(cols.Types)))

	writeFloats(&buf, cols.Positions)
	writeFloats(&buf, cols.Rotations)
	writeFloats(&buf, cols.Scales)
	writeFloats(&buf, cols.Opacities)
	writeFloats(&buf, cols.FeaturesDC)
	writeFloats(&buf, cols.FeaturesRest)
	for _, t := range cols.Types {
		buf.WriteByte(uint8(t))
	}

	groups := s.Optim.Groups()
	writeUint32(&buf, uint32(len(groups)))
	for _, g := range groups {
		writeString(&buf, g.Name)
		writeUint32(&buf, uint32(g.Stride))
		writeUint64(&buf, uint64(g.Step))
		writeFloats(&buf, g.ExpAvg)
		writeFloats(&buf, g.ExpAvgSq)
	}

	return buf.Bytes(), nil
}

func decodeBody(body []byte) (*Snapshot, error) {
	r := &bodyReader{buf: body}

	snap := &Snapshot{
		Iteration:      r.uint64(),
		ActiveSHDegree: int(r.uint32()),
	}
	maxSHDegree := int(r.uint32())
	rows := int(r.uint32())

	cols := gaussian.Columns{
		MaxSHDegree:  maxSHDegree,
		Positions:    r.floats(),
		Rotations:    r.floats(),
		Scales:       r.floats(),
		Opacities:    r.floats(),
		FeaturesDC:   r.floats(),
		FeaturesRest: r.floats(),
	}
	cols.Types = make([]gaussian.Type, rows)
	for i := range cols.Types {
		cols.Types[i] = gaussian.Type(r.byte())
	}

	numGroups := int(r.uint32())
	if r.err != nil {
		return nil, r.err
	}
	if numGroups <= 0 || numGroups > len(gaussian.Groups()) {
		return nil, fmt.Errorf("%w: implausible group count %d", ErrFormat, numGroups)
	}

	groups := make([]*optim.GroupState, 0, numGroups)
	for i := 0; i < numGroups; i++ {
		groups = append(groups, &optim.GroupState{
			Name:     r.string(),
			Stride:   int(r.uint32()),
			Step:     int64(r.uint64()),
			ExpAvg:   r.floats(),
			ExpAvgSq: r.floats(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(r.buf))
	}

	cloud, err := gaussian.FromColumns(cols)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	store, err := optim.FromGroups(groups)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if cloud.Len() != store.Rows() {
		return nil, fmt.Errorf("%w: cloud has %d rows, optimizer state has %d", ErrShapeMismatch, cloud.Len(), store.Rows())
	}
	if snap.ActiveSHDegree < 0 || snap.ActiveSHDegree > cloud.MaxSHDegree() {
		return nil, fmt.Errorf("%w: active SH degree %d exceeds maximum %d", ErrShapeMismatch, snap.ActiveSHDegree, cloud.MaxSHDegree())
	}

	snap.Cloud = cloud
	snap.Optim = store

	return snap, nil
}

func writeCompressed(w io.Writer, body []byte, compression Compression) error {
	switch compression {
	case CompressionNone:
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		return nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := enc.Write(body); err != nil {
			enc.Close()
			return fmt.Errorf("compress body: %w", err)
		}
		return enc.Close()
	case CompressionLZ4:
		enc := lz4.NewWriter(w)
		if _, err := enc.Write(body); err != nil {
			enc.Close()
			return fmt.Errorf("compress body: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: unsupported compression %d", ErrFormat, uint8(compression))
	}
}

func readCompressed(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		body, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		return body, nil
	case CompressionLZ4:
		body, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression %d", ErrFormat, uint8(compression))
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeFloats(buf *bytes.Buffer, vals []float32) {
	writeUint32(buf, uint32(len(vals)))
	var b [4]byte
	for _, v := range vals {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
}

// bodyReader cursors through the body, latching the first error so the
// decode path can read a whole section before checking.
type bodyReader struct {
	buf []byte
	err error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated body", ErrFormat)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *bodyReader) byte() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bodyReader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *bodyReader) string() string {
	return string(r.take(int(r.uint32())))
}

func (r *bodyReader) floats() []float32 {
	n := int(r.uint32())
	b := r.take(n * 4)
	if b == nil {
		return nil
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vals
}
