// Package fat implements read-only interpretation of FAT16 and FAT32 volumes
// and recovery of deleted files from them. Nothing in this package ever
// writes to the image.
package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"fatsalvage"
)

// SectorID is an absolute sector number within the volume.
type SectorID uint32

// ClusterID is a cluster number as stored on disk. Clusters 0 and 1 are
// reserved; data clusters start at 2.
type ClusterID uint32

// Variant identifies the width of the volume's FAT entries.
type Variant int

const (
	// Variant16 is a FAT16 volume: 16-bit FAT entries, fixed root directory.
	Variant16 Variant = 16
	// Variant32 is a FAT32 volume: 32-bit FAT entries (28 significant bits),
	// cluster-chained root directory.
	Variant32 Variant = 32
)

func (v Variant) String() string {
	return fmt.Sprintf("FAT%d", int(v))
}

const (
	// BootSectorSize is the number of bytes occupied by the boot sector.
	BootSectorSize = 512
	// DirentSize is the size of one on-disk directory record.
	DirentSize = 32

	bootSignatureOffset = 0x1FE
	minFAT16Clusters    = 4085
	minFAT32Clusters    = 65525
)

// rawBPB is the on-disk layout of the BIOS Parameter Block common to all FAT
// versions, starting at offset 0 of the boot sector.
type rawBPB struct {
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

// rawFAT32Extension is the FAT32-specific region that follows rawBPB when
// SectorsPerFAT16 is zero.
type rawFAT32Extension struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
}

// Geometry holds every filesystem parameter the other components need. It is
// resolved once per volume and immutable afterwards.
type Geometry struct {
	// VolumeOffset is the absolute byte offset of the volume inside the
	// image, supplied by the partition-locating collaborator.
	VolumeOffset int64

	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	SectorsPerFAT     uint32
	TotalSectors      uint32
	Variant           Variant

	// RootStartCluster is the first cluster of the root directory. Only
	// meaningful on FAT32; FAT16 roots live in a fixed region instead.
	RootStartCluster ClusterID

	// TotalClusters is the number of data clusters on the volume. The highest
	// valid cluster number is TotalClusters+1.
	TotalClusters uint32

	// RootDirSectors is the size of the fixed root directory region in
	// sectors. Zero on FAT32.
	RootDirSectors uint32
}

// ResolveGeometry reads and validates the boot sector found at volumeOffset
// and returns the resolved volume geometry. All validation failures are
// reported as ErrMalformedBootSector.
func ResolveGeometry(img io.ReaderAt, volumeOffset int64) (Geometry, error) {
	sector := make([]byte, BootSectorSize)
	if _, err := img.ReadAt(sector, volumeOffset); err != nil {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.Wrap(err)
	}

	raw := rawBPB{}
	if err := binary.Read(bytes.NewReader(sector), binary.LittleEndian, &raw); err != nil {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.Wrap(err)
	}

	// Valid x86 jump instructions are the only two byte patterns a real
	// formatter emits at offset 0.
	if !(sector[0] == 0xEB && sector[2] == 0x90) && sector[0] != 0xE9 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("invalid jump boot bytes % 02X", sector[0:3]))
	}

	if sector[bootSignatureOffset] != 0x55 || sector[bootSignatureOffset+1] != 0xAA {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			"boot signature 0x55AA not found")
	}

	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("bytes per sector must be 512, 1024, 2048 or 4096, got %d",
				raw.BytesPerSector))
	}

	spc := raw.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("sectors per cluster must be a nonzero power of two, got %d", spc))
	}

	if raw.NumFATs < 1 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage("FAT count is zero")
	}

	if raw.ReservedSectors == 0 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			"reserved sector count is zero")
	}

	totalSectors := uint32(raw.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = raw.TotalSectors32
	}
	if totalSectors == 0 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			"total sector count is zero")
	}

	sectorsPerFAT := uint32(raw.SectorsPerFAT16)
	var ext rawFAT32Extension
	if sectorsPerFAT == 0 {
		extReader := bytes.NewReader(sector[36:])
		if err := binary.Read(extReader, binary.LittleEndian, &ext); err != nil {
			return Geometry{}, fatsalvage.ErrMalformedBootSector.Wrap(err)
		}
		sectorsPerFAT = ext.SectorsPerFAT32
	}
	if sectorsPerFAT == 0 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage("FAT size is zero")
	}

	// Root directory region size, rounded up to whole sectors. Zero for FAT32.
	rootDirSectors := (uint32(raw.RootEntryCount)*DirentSize + uint32(raw.BytesPerSector) - 1) /
		uint32(raw.BytesPerSector)

	overheadSectors := uint32(raw.ReservedSectors) +
		uint32(raw.NumFATs)*sectorsPerFAT + rootDirSectors
	if totalSectors <= overheadSectors {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("total sectors %d do not cover the %d metadata sectors",
				totalSectors, overheadSectors))
	}

	totalClusters := (totalSectors - overheadSectors) / uint32(spc)

	// The FAT variant is determined by the cluster count alone. This is the
	// rule from Microsoft's FAT specification; the FSType string in the boot
	// sector is informational and may lie.
	var variant Variant
	switch {
	case totalClusters < minFAT16Clusters:
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			fmt.Sprintf("%d clusters is a FAT12 volume, which is not supported",
				totalClusters))
	case totalClusters < minFAT32Clusters:
		variant = Variant16
	default:
		variant = Variant32
	}

	geo := Geometry{
		VolumeOffset:      volumeOffset,
		BytesPerSector:    raw.BytesPerSector,
		SectorsPerCluster: spc,
		ReservedSectors:   raw.ReservedSectors,
		NumFATs:           raw.NumFATs,
		RootEntryCount:    raw.RootEntryCount,
		SectorsPerFAT:     sectorsPerFAT,
		TotalSectors:      totalSectors,
		Variant:           variant,
		TotalClusters:     totalClusters,
		RootDirSectors:    rootDirSectors,
	}

	if variant == Variant32 {
		if raw.RootEntryCount != 0 {
			return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
				fmt.Sprintf("FAT32 volume declares %d fixed root entries",
					raw.RootEntryCount))
		}
		geo.RootStartCluster = ClusterID(ext.RootCluster)
		if !geo.ValidCluster(geo.RootStartCluster) {
			return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
				fmt.Sprintf("FAT32 root cluster %d is out of range", ext.RootCluster))
		}
	} else if raw.RootEntryCount == 0 {
		return Geometry{}, fatsalvage.ErrMalformedBootSector.WithMessage(
			"FAT16 volume declares no root directory entries")
	}

	return geo, nil
}

// BytesPerCluster returns the cluster size in bytes.
func (g Geometry) BytesPerCluster() uint32 {
	return uint32(g.BytesPerSector) * uint32(g.SectorsPerCluster)
}

// MaxCluster returns the highest valid data cluster number.
func (g Geometry) MaxCluster() ClusterID {
	return ClusterID(g.TotalClusters + 1)
}

// ValidCluster reports whether cluster is an addressable data cluster.
func (g Geometry) ValidCluster(cluster ClusterID) bool {
	return cluster >= 2 && cluster <= g.MaxCluster()
}

// FATOffset returns the absolute byte offset of the FAT copy with the given
// index. The index is not range checked here; TableReader does that.
func (g Geometry) FATOffset(fatIndex uint8) int64 {
	return g.VolumeOffset +
		int64(g.ReservedSectors)*int64(g.BytesPerSector) +
		int64(fatIndex)*g.FATSizeBytes()
}

// FATSizeBytes returns the size in bytes of one FAT copy.
func (g Geometry) FATSizeBytes() int64 {
	return int64(g.SectorsPerFAT) * int64(g.BytesPerSector)
}

// RootDirOffset returns the absolute byte offset of the fixed FAT16 root
// directory region. On FAT32 it returns the offset the region would have,
// which is also where the data region begins.
func (g Geometry) RootDirOffset() int64 {
	return g.FATOffset(g.NumFATs)
}

// RootDirBytes returns the size of the fixed root directory region in bytes.
func (g Geometry) RootDirBytes() int64 {
	return int64(g.RootDirSectors) * int64(g.BytesPerSector)
}

// DataRegionOffset returns the absolute byte offset of cluster 2.
func (g Geometry) DataRegionOffset() int64 {
	return g.RootDirOffset() + g.RootDirBytes()
}

// ClusterOffset returns the absolute byte offset of the first byte of the
// given data cluster. Every downstream read depends on this arithmetic being
// exact. The caller is responsible for validating the cluster number.
func (g Geometry) ClusterOffset(cluster ClusterID) int64 {
	return g.DataRegionOffset() +
		(int64(cluster)-2)*int64(g.SectorsPerCluster)*int64(g.BytesPerSector)
}
