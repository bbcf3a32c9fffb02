package fat

import (
	"encoding/binary"
	"fmt"
	"io"

	"fatsalvage"
)

// ValueClass is the interpretation of a FAT entry after width-specific
// masking and threshold classification.
type ValueClass uint8

const (
	// Free marks a cluster that is not allocated to anything.
	Free ValueClass = iota
	// Reserved marks cluster 1's conventional reserved value.
	Reserved
	// Bad marks a cluster the formatter found unreadable.
	Bad
	// EndOfChain terminates a cluster chain.
	EndOfChain
	// NextCluster links to the following cluster of the chain.
	NextCluster
)

func (c ValueClass) String() string {
	switch c {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Bad:
		return "bad"
	case EndOfChain:
		return "end-of-chain"
	case NextCluster:
		return "next"
	}
	return fmt.Sprintf("ValueClass(%d)", uint8(c))
}

// Value is one decoded FAT entry.
type Value struct {
	Class ValueClass
	// Next is the following cluster in the chain. Only meaningful when Class
	// is NextCluster.
	Next ClusterID
	// Raw is the unmasked on-disk value.
	Raw uint32
}

// IsFree reports whether the entry marks its cluster as unallocated.
func (v Value) IsFree() bool {
	return v.Class == Free
}

// entryCodec hides the difference between 16-bit and 32-bit FAT entries.
// Classification thresholds and masking are the only things that vary; all
// traversal logic is width agnostic.
type entryCodec interface {
	entryWidth() int64
	decode(raw []byte) Value
}

type fat16Codec struct{}

func (fat16Codec) entryWidth() int64 { return 2 }

func (fat16Codec) decode(raw []byte) Value {
	v := uint32(binary.LittleEndian.Uint16(raw))
	switch {
	case v == 0x0000:
		return Value{Class: Free, Raw: v}
	case v == 0x0001:
		return Value{Class: Reserved, Raw: v}
	case v == 0xFFF7:
		return Value{Class: Bad, Raw: v}
	case v >= 0xFFF8:
		return Value{Class: EndOfChain, Raw: v}
	}
	return Value{Class: NextCluster, Next: ClusterID(v), Raw: v}
}

type fat32Codec struct{}

func (fat32Codec) entryWidth() int64 { return 4 }

func (fat32Codec) decode(raw []byte) Value {
	v := binary.LittleEndian.Uint32(raw)
	// The top four bits are reserved and must be ignored, not rejected.
	masked := v & 0x0FFFFFFF
	switch {
	case masked == 0x0000000:
		return Value{Class: Free, Raw: v}
	case masked == 0x0000001:
		return Value{Class: Reserved, Raw: v}
	case masked == 0x0FFFFFF7:
		return Value{Class: Bad, Raw: v}
	case masked >= 0x0FFFFFF8:
		return Value{Class: EndOfChain, Raw: v}
	}
	return Value{Class: NextCluster, Next: ClusterID(masked), Raw: v}
}

func codecFor(variant Variant) entryCodec {
	if variant == Variant32 {
		return fat32Codec{}
	}
	return fat16Codec{}
}

// TableReader reads entries from one copy of the File Allocation Table.
// Index 0 is the primary copy; higher indices address backup copies so
// callers can compare them. Reads never leave the table region.
type TableReader struct {
	geo      Geometry
	img      io.ReaderAt
	offset   int64
	codec    entryCodec
	maxEntry ClusterID
}

// NewTableReader returns a reader over the FAT copy with the given index.
// Fails with ErrOutOfRange when the volume has no such copy.
func NewTableReader(geo Geometry, img io.ReaderAt, fatIndex uint8) (*TableReader, error) {
	if fatIndex >= geo.NumFATs {
		return nil, fatsalvage.ErrOutOfRange.WithMessage(
			fmt.Sprintf("FAT copy %d requested but the volume has %d", fatIndex, geo.NumFATs))
	}

	codec := codecFor(geo.Variant)
	return &TableReader{
		geo:      geo,
		img:      img,
		offset:   geo.FATOffset(fatIndex),
		codec:    codec,
		maxEntry: ClusterID(geo.FATSizeBytes()/codec.entryWidth() - 1),
	}, nil
}

// MaxEntry returns the highest cluster index the table region can address.
func (r *TableReader) MaxEntry() ClusterID {
	return r.maxEntry
}

// ReadEntry reads and classifies the FAT entry for the given cluster index.
// Fails with ErrOutOfRange when the index exceeds the table's addressable
// entries. Re-reading the same index is idempotent.
func (r *TableReader) ReadEntry(cluster ClusterID) (Value, error) {
	if cluster > r.maxEntry {
		return Value{}, fatsalvage.ErrOutOfRange.WithMessage(
			fmt.Sprintf("cluster %d exceeds the table's %d entries", cluster, r.maxEntry+1))
	}

	width := r.codec.entryWidth()
	raw := make([]byte, width)
	if _, err := r.img.ReadAt(raw, r.offset+int64(cluster)*width); err != nil {
		return Value{}, fatsalvage.ErrOutOfRange.Wrap(err)
	}

	return r.codec.decode(raw), nil
}
