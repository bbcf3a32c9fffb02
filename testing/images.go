// Package testing builds synthetic FAT16 and FAT32 images for tests. Images
// are laid out in memory exactly as a formatter would put them on disk, so
// tests can exercise the real byte-level parsers, then vandalize the image
// (zero FAT chains, flip checksum bytes, rig cycles) to simulate deletion and
// corruption.
package testing

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"unicode/utf16"

	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"fatsalvage/fat"
)

// bootSectorCommon mirrors the BPB layout shared by both variants.
type bootSectorCommon struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// bootSector32Extension mirrors the FAT32-only region following the BPB.
type bootSector32Extension struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
}

// rawDirent mirrors the on-disk 32-byte short-name record.
type rawDirent struct {
	Name             [8]byte
	Ext              [3]byte
	Attributes       uint8
	NTReserved       uint8
	CreatedTenths    uint8
	CreatedTime      uint16
	CreatedDate      uint16
	AccessedDate     uint16
	FirstClusterHigh uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	FirstClusterLow  uint16
	FileSize         uint32
}

// rawLongName mirrors the on-disk 32-byte long-name record.
type rawLongName struct {
	Sequence   uint8
	Name1      [5]uint16
	Attributes uint8
	EntryType  uint8
	Checksum   uint8
	Name2      [6]uint16
	MustBeZero uint16
	Name3      [2]uint16
}

// Image is a synthetic FAT volume under construction. All offsets assume the
// volume starts at byte 0; prepend an MBR yourself if a test needs one.
type Image struct {
	t *testing.T

	Raw     []byte
	Variant fat.Variant

	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	SectorsPerFAT     uint32
	TotalSectors      uint32
	RootCluster       uint32

	nextRootSlot int
	dirSlots     map[uint32]int
	nextCluster  uint32
}

// NewFAT16Image returns a freshly formatted FAT16 volume: 512-byte sectors,
// one sector per cluster, two FAT copies and 4500 data clusters — just past
// the FAT16 threshold so variant detection lands where the test expects.
func NewFAT16Image(t *testing.T) *Image {
	img := &Image{
		t:                 t,
		Variant:           fat.Variant16,
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   1,
		NumFATs:           2,
		RootEntries:       512,
		SectorsPerFAT:     18,
		TotalSectors:      4569,
		nextCluster:       2,
	}
	img.format()
	return img
}

// NewFAT32Image returns a freshly formatted FAT32 volume with 65600 data
// clusters, the minimum neighborhood where the cluster-count rule says FAT32.
// The root directory occupies cluster 2.
func NewFAT32Image(t *testing.T) *Image {
	img := &Image{
		t:                 t,
		Variant:           fat.Variant32,
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   32,
		NumFATs:           2,
		RootEntries:       0,
		SectorsPerFAT:     520,
		TotalSectors:      66672,
		RootCluster:       2,
		nextCluster:       3,
	}
	img.format()
	return img
}

func (img *Image) format() {
	img.dirSlots = make(map[uint32]int)
	img.Raw = make([]byte, int64(img.TotalSectors)*int64(img.BytesPerSector))

	common := bootSectorCommon{
		JmpBoot:         [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:  img.BytesPerSector,
		ReservedSectors: img.ReservedSectors,
		NumFATs:         img.NumFATs,
		RootEntryCount:  img.RootEntries,
		Media:           0xF8,
		SectorsPerTrack: 63,
		NumHeads:        16,
	}
	copy(common.OEMName[:], "MSDOS5.0")
	common.SectorsPerCluster = img.SectorsPerCluster

	if img.Variant == fat.Variant16 {
		common.TotalSectors16 = uint16(img.TotalSectors)
		common.SectorsPerFAT16 = uint16(img.SectorsPerFAT)
	} else {
		common.TotalSectors32 = img.TotalSectors
	}

	writer := bytewriter.New(img.Raw)
	require.NoError(img.t, binary.Write(writer, binary.LittleEndian, &common))

	if img.Variant == fat.Variant32 {
		ext := bootSector32Extension{
			SectorsPerFAT32: img.SectorsPerFAT,
			RootCluster:     img.RootCluster,
			FSInfoSector:    1,
		}
		require.NoError(img.t, binary.Write(writer, binary.LittleEndian, &ext))
	}

	img.Raw[0x1FE] = 0x55
	img.Raw[0x1FF] = 0xAA

	// Reserved FAT entries 0 and 1: media descriptor and an end marker.
	if img.Variant == fat.Variant16 {
		img.SetFATEntry(0, 0xFFF8)
		img.SetFATEntry(1, 0xFFFF)
	} else {
		img.SetFATEntry(0, 0x0FFFFFF8)
		img.SetFATEntry(1, 0x0FFFFFFF)
		img.SetFATEntry(img.RootCluster, img.EOC())
	}
}

// Reader returns a positional reader over the image, the shape every
// recovery API consumes.
func (img *Image) Reader() io.ReaderAt {
	return RawReader(img.Raw)
}

// RawReader returns a positional reader over arbitrary bytes, for disks built
// outside the Image helpers. The bytesextra stream is seek-based, so ReadAt
// is adapted on top of it under a lock; concurrent readers each see their own
// offset, as io.ReaderAt requires.
func RawReader(raw []byte) io.ReaderAt {
	return &streamReaderAt{stream: bytesextra.NewReadWriteSeeker(raw)}
}

type streamReaderAt struct {
	mu     sync.Mutex
	stream io.ReadSeeker
}

func (r *streamReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.stream.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.stream, p)
}

// EOC returns the end-of-chain marker value for the image's variant.
func (img *Image) EOC() uint32 {
	if img.Variant == fat.Variant16 {
		return 0xFFFF
	}
	return 0x0FFFFFFF
}

// Bad returns the bad-cluster marker value for the image's variant.
func (img *Image) Bad() uint32 {
	if img.Variant == fat.Variant16 {
		return 0xFFF7
	}
	return 0x0FFFFFF7
}

func (img *Image) entryWidth() int64 {
	if img.Variant == fat.Variant16 {
		return 2
	}
	return 4
}

func (img *Image) fatOffset(copyIndex int) int64 {
	fatSize := int64(img.SectorsPerFAT) * int64(img.BytesPerSector)
	return int64(img.ReservedSectors)*int64(img.BytesPerSector) + int64(copyIndex)*fatSize
}

// SetFATEntryCopy sets one entry in a single FAT copy.
func (img *Image) SetFATEntryCopy(copyIndex int, cluster, value uint32) {
	require.Less(img.t, copyIndex, int(img.NumFATs), "no such FAT copy")
	off := img.fatOffset(copyIndex) + int64(cluster)*img.entryWidth()
	if img.Variant == fat.Variant16 {
		binary.LittleEndian.PutUint16(img.Raw[off:], uint16(value))
	} else {
		binary.LittleEndian.PutUint32(img.Raw[off:], value)
	}
}

// SetFATEntry sets one entry in every FAT copy, keeping them mirrored the
// way a live driver would.
func (img *Image) SetFATEntry(cluster, value uint32) {
	for i := 0; i < int(img.NumFATs); i++ {
		img.SetFATEntryCopy(i, cluster, value)
	}
}

// RootDirOffset returns the byte offset of the directory region holding root
// entries: the fixed region on FAT16, the root cluster on FAT32.
func (img *Image) RootDirOffset() int64 {
	base := int64(img.ReservedSectors)*int64(img.BytesPerSector) +
		int64(img.NumFATs)*int64(img.SectorsPerFAT)*int64(img.BytesPerSector)
	if img.Variant == fat.Variant16 {
		return base
	}
	return img.ClusterOffset(img.RootCluster)
}

func (img *Image) rootDirBytes() int64 {
	if img.Variant == fat.Variant16 {
		return int64(img.RootEntries) * 32
	}
	return img.ClusterBytes()
}

// ClusterBytes returns the cluster size in bytes.
func (img *Image) ClusterBytes() int64 {
	return int64(img.SectorsPerCluster) * int64(img.BytesPerSector)
}

// ClusterOffset returns the byte offset of a data cluster.
func (img *Image) ClusterOffset(cluster uint32) int64 {
	rootBytes := (int64(img.RootEntries)*32 + int64(img.BytesPerSector) - 1) /
		int64(img.BytesPerSector) * int64(img.BytesPerSector)
	dataStart := int64(img.ReservedSectors)*int64(img.BytesPerSector) +
		int64(img.NumFATs)*int64(img.SectorsPerFAT)*int64(img.BytesPerSector) +
		rootBytes
	return dataStart + (int64(cluster)-2)*img.ClusterBytes()
}

// Alloc reserves n contiguous clusters and returns them. Nothing is written
// to the FAT; use Chain or leave them zeroed to model a deleted run.
func (img *Image) Alloc(n int) []uint32 {
	clusters := make([]uint32, n)
	for i := range clusters {
		clusters[i] = img.nextCluster
		img.nextCluster++
	}
	return clusters
}

// Chain links the given clusters in the FAT, terminating with the
// end-of-chain marker.
func (img *Image) Chain(clusters []uint32) {
	for i, c := range clusters {
		if i == len(clusters)-1 {
			img.SetFATEntry(c, img.EOC())
		} else {
			img.SetFATEntry(c, clusters[i+1])
		}
	}
}

// ZeroChain wipes the FAT entries of the given clusters, as deletion does.
func (img *Image) ZeroChain(clusters []uint32) {
	for _, c := range clusters {
		img.SetFATEntry(c, 0)
	}
}

// WriteClusterData writes data into a cluster's data region.
func (img *Image) WriteClusterData(cluster uint32, data []byte) {
	require.LessOrEqual(img.t, int64(len(data)), img.ClusterBytes(),
		"data does not fit in one cluster")
	copy(img.Raw[img.ClusterOffset(cluster):], data)
}

// WriteFile allocates contiguous clusters for data, writes the content, and
// links the chain when active is true. It returns the clusters used.
func (img *Image) WriteFile(data []byte, active bool) []uint32 {
	clusterBytes := img.ClusterBytes()
	count := (int64(len(data)) + clusterBytes - 1) / clusterBytes
	if count == 0 {
		count = 1
	}

	clusters := img.Alloc(int(count))
	for i, c := range clusters {
		start := int64(i) * clusterBytes
		end := start + clusterBytes
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if start < end {
			img.WriteClusterData(c, data[start:end])
		}
	}
	if active {
		img.Chain(clusters)
	}
	return clusters
}

// DirentSpec describes one directory entry to synthesize.
type DirentSpec struct {
	// ShortName is the 8.3 name, dot separated ("FORENS~1.TXT").
	ShortName string
	// LongName, when set, emits the long-name records preceding the entry.
	LongName     string
	Attr         byte
	StartCluster uint32
	Size         uint32
	// Deleted overwrites the first byte of the short entry and of every
	// long-name record with 0xE5, the way deletion does. Checksums keep the
	// values computed from the intact name.
	Deleted bool
}

// AddRootEntry appends an entry (and its long-name records) to the root
// directory and returns the record index of the short entry.
func (img *Image) AddRootEntry(spec DirentSpec) int {
	capacity := int(img.rootDirBytes() / 32)
	return img.addEntry(img.RootDirOffset(), &img.nextRootSlot, capacity, spec)
}

// AddDirEntry appends an entry to the directory stored in the given cluster
// and returns the record index of the short entry within that cluster.
func (img *Image) AddDirEntry(dirCluster uint32, spec DirentSpec) int {
	slot := img.dirSlots[dirCluster]
	capacity := int(img.ClusterBytes() / 32)
	written := img.addEntry(img.ClusterOffset(dirCluster), &slot, capacity, spec)
	img.dirSlots[dirCluster] = slot
	return written
}

// EntryOffset returns the byte offset of a record index relative to a
// directory region's base offset.
func EntryOffset(base int64, slot int) int64 {
	return base + int64(slot)*32
}

func (img *Image) addEntry(base int64, slot *int, capacity int, spec DirentSpec) int {
	shortRaw := formatShortName(img.t, spec.ShortName)
	checksum := shortNameChecksum(shortRaw)

	if spec.LongName != "" {
		units := utf16.Encode([]rune(spec.LongName))
		records := (len(units) + 12) / 13

		// Physically first record carries the final logical segment.
		for i := records; i >= 1; i-- {
			rec := rawLongName{
				Sequence:   uint8(i),
				Attributes: 0x0F,
				Checksum:   checksum,
			}
			if i == records {
				rec.Sequence |= 0x40
			}

			segment := make([]uint16, 13)
			for j := range segment {
				segment[j] = 0xFFFF
			}
			start := (i - 1) * 13
			end := start + 13
			if end > len(units) {
				end = len(units)
			}
			copy(segment, units[start:end])
			if end-start < 13 {
				segment[end-start] = 0x0000
			}
			copy(rec.Name1[:], segment[0:5])
			copy(rec.Name2[:], segment[5:11])
			copy(rec.Name3[:], segment[11:13])

			if spec.Deleted {
				rec.Sequence = 0xE5
			}
			img.writeRecord(base, slot, capacity, &rec)
		}
	}

	entry := rawDirent{
		Attributes:       spec.Attr,
		FirstClusterHigh: uint16(spec.StartCluster >> 16),
		FirstClusterLow:  uint16(spec.StartCluster),
		FileSize:         spec.Size,
		ModifiedDate:     0x5299, // 2021-04-25, an arbitrary valid stamp
		ModifiedTime:     0x6C2B,
	}
	entry.Name = [8]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	copy(entry.Name[:], shortRaw[:8])
	copy(entry.Ext[:], shortRaw[8:])
	if spec.Deleted {
		entry.Name[0] = 0xE5
	}

	written := *slot
	img.writeRecord(base, slot, capacity, &entry)
	return written
}

func (img *Image) writeRecord(base int64, slot *int, capacity int, record interface{}) {
	require.Less(img.t, *slot, capacity, "directory region is full")

	var buf bytes.Buffer
	require.NoError(img.t, binary.Write(&buf, binary.LittleEndian, record))
	require.Equal(img.t, 32, buf.Len(), "directory record must be 32 bytes")

	copy(img.Raw[EntryOffset(base, *slot):], buf.Bytes())
	*slot++
}

// formatShortName packs a dot-separated 8.3 name into its eleven raw bytes.
func formatShortName(t *testing.T, name string) [11]byte {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}

	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			dot = i
			break
		}
	}

	base, ext := name, ""
	if dot >= 0 {
		base, ext = name[:dot], name[dot+1:]
	}
	// A leading dot entry ("." or "..") is all base, no extension.
	if dot == 0 {
		base, ext = name, ""
	}

	require.LessOrEqual(t, len(base), 8, "8.3 base name too long")
	require.LessOrEqual(t, len(ext), 3, "8.3 extension too long")
	copy(raw[:8], base)
	copy(raw[8:], ext)
	return raw
}

// shortNameChecksum duplicates the on-disk checksum so fixtures do not have
// to depend on the code under test for their own correctness.
func shortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, b := range name {
		sum = (sum >> 1) | (sum << 7)
		sum += b
	}
	return sum
}

// WrapInPartition builds a new image containing an MBR whose first partition
// entry points at this volume, placed startLBA sectors in.
func (img *Image) WrapInPartition(partitionType byte, startLBA uint32) []byte {
	disk := make([]byte, int64(startLBA)*512+int64(len(img.Raw)))

	entry := disk[0x1BE : 0x1BE+16]
	entry[4] = partitionType
	binary.LittleEndian.PutUint32(entry[8:], startLBA)
	binary.LittleEndian.PutUint32(entry[12:], uint32(len(img.Raw)/512))
	disk[0x1FE] = 0x55
	disk[0x1FF] = 0xAA

	copy(disk[int64(startLBA)*512:], img.Raw)
	return disk
}
