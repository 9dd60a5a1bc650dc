// Package snapshot persists clustering results as compact binary blobs.
//
// A snapshot captures the model geometry, the final centroids, the
// per-sample assignments, and a roaring-bitmap membership index derived
// from the assignments. Snapshots are written through a
// blobstore.BlobStore, so the same artifact can live on local disk, in
// memory, or on S3-compatible object storage.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hupe1980/centroid/blobstore"
	"github.com/hupe1980/centroid/partition"
)

var (
	// ErrBadMagic is returned when a blob does not start with the snapshot magic.
	ErrBadMagic = errors.New("snapshot: bad magic")
	// ErrUnsupportedVersion is returned for snapshots written by a newer format revision.
	ErrUnsupportedVersion = errors.New("snapshot: unsupported format version")
	// ErrCorrupt is returned when a snapshot fails structural validation.
	ErrCorrupt = errors.New("snapshot: corrupt data")
)

const (
	formatVersion = 1
	headerSize    = 32
)

var magic = [4]byte{'C', 'S', 'N', 'P'}

// Model is the persisted form of a clustering run.
type Model struct {
	Samples  int
	Features int
	Clusters int
	Groups   int
	Seed     int64

	// Centroids holds Clusters rows of Features values.
	Centroids []float32
	// Assignments holds one cluster index per sample.
	Assignments []uint32
	// Membership is the inverted index over Assignments. It is rebuilt on
	// encode and populated on decode; callers never need to set it.
	Membership *partition.Membership
}

func (m *Model) validate() error {
	if m.Samples <= 0 || m.Features <= 0 || m.Clusters <= 0 {
		return fmt.Errorf("%w: non-positive geometry", ErrCorrupt)
	}
	if len(m.Centroids) != m.Clusters*m.Features {
		return fmt.Errorf("%w: centroid buffer holds %d values, want %d",
			ErrCorrupt, len(m.Centroids), m.Clusters*m.Features)
	}
	if len(m.Assignments) != m.Samples {
		return fmt.Errorf("%w: assignment buffer holds %d values, want %d",
			ErrCorrupt, len(m.Assignments), m.Samples)
	}
	return nil
}

type encodeOptions struct {
	compression Compression
}

// EncodeOption configures Encode and Save.
type EncodeOption func(*encodeOptions)

// WithCompression selects the section compression algorithm. The default
// is CompressionZSTD.
func WithCompression(c Compression) EncodeOption {
	return func(o *encodeOptions) {
		o.compression = c
	}
}

// Encode serializes the model.
//
// Layout: a fixed 32-byte header (magic, version, compression, geometry,
// seed) followed by three length-delimited sections: centroids,
// assignments, membership. All integers are little-endian.
func Encode(m *Model, opts ...EncodeOption) ([]byte, error) {
	o := encodeOptions{compression: CompressionZSTD}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.compression.valid() {
		return nil, errors.New("snapshot: unknown compression type")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	member, err := partition.FromAssignments(m.Assignments, m.Clusters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	memberBytes, err := member.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+4*len(m.Centroids)+4*len(m.Assignments)+len(memberBytes))
	copy(out[0:], magic[:])
	binary.LittleEndian.PutUint16(out[4:], formatVersion)
	out[6] = byte(o.compression)
	out[7] = 0
	binary.LittleEndian.PutUint32(out[8:], uint32(m.Samples))
	binary.LittleEndian.PutUint32(out[12:], uint32(m.Features))
	binary.LittleEndian.PutUint32(out[16:], uint32(m.Clusters))
	binary.LittleEndian.PutUint32(out[20:], uint32(m.Groups))
	binary.LittleEndian.PutUint64(out[24:], uint64(m.Seed))

	for _, raw := range [][]byte{floatsToBytes(m.Centroids), uintsToBytes(m.Assignments), memberBytes} {
		section, err := packSection(raw, o.compression)
		if err != nil {
			return nil, err
		}
		out = append(out, section...)
	}
	return out, nil
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (*Model, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrCorrupt, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != formatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, v)
	}
	compression := Compression(data[6])
	if !compression.valid() {
		return nil, fmt.Errorf("%w: compression type %d", ErrCorrupt, data[6])
	}

	m := &Model{
		Samples:  int(binary.LittleEndian.Uint32(data[8:])),
		Features: int(binary.LittleEndian.Uint32(data[12:])),
		Clusters: int(binary.LittleEndian.Uint32(data[16:])),
		Groups:   int(binary.LittleEndian.Uint32(data[20:])),
		Seed:     int64(binary.LittleEndian.Uint64(data[24:])),
	}

	rest := data[headerSize:]
	var sections [3][]byte
	for i := range sections {
		raw, n, err := unpackSection(rest, compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		sections[i] = raw
		rest = rest[n:]
	}

	var err error
	if m.Centroids, err = bytesToFloats(sections[0]); err != nil {
		return nil, err
	}
	if m.Assignments, err = bytesToUints(sections[1]); err != nil {
		return nil, err
	}
	m.Membership = &partition.Membership{}
	if err := m.Membership.UnmarshalBinary(sections[2]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save encodes the model and writes it to the store under name.
func Save(ctx context.Context, store blobstore.BlobStore, name string, m *Model, opts ...EncodeOption) error {
	data, err := Encode(m, opts...)
	if err != nil {
		return err
	}
	return store.Put(ctx, name, data)
}

// Load reads a snapshot from the store and decodes it.
func Load(ctx context.Context, store blobstore.BlobStore, name string) (*Model, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	r, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func floatsToBytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func bytesToFloats(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: float section length %d", ErrCorrupt, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

func uintsToBytes(vals []uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func bytesToUints(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: uint section length %d", ErrCorrupt, len(data))
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return out, nil
}
