// Package mbr locates FAT volumes inside a raw disk image by decoding the
// Master Boot Record's partition table. Its only job is to hand the fat
// package a byte offset; volume interpretation happens there.
package mbr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"fatsalvage"
)

const (
	// Size is the number of bytes occupied by the MBR.
	Size = 512

	tableOffset     = 0x1BE
	entrySize       = 16
	signatureOffset = 0x1FE

	// DefaultSectorSize converts partition LBAs to byte offsets. MBR
	// addressing predates large-sector media; 512 is the value every tool in
	// this space assumes.
	DefaultSectorSize = 512
)

// PartitionType is the one-byte type ID of a partition table entry.
type PartitionType uint8

// Partition type IDs this package can classify.
const (
	TypeEmpty       PartitionType = 0x00
	TypeFAT16Small  PartitionType = 0x04
	TypeExtended    PartitionType = 0x05
	TypeFAT16       PartitionType = 0x06
	TypeNTFS        PartitionType = 0x07
	TypeFAT32       PartitionType = 0x0B
	TypeFAT32LBA    PartitionType = 0x0C
	TypeFAT16LBA    PartitionType = 0x0E
	TypeExtendedLBA PartitionType = 0x0F
)

// IsFAT reports whether the type ID denotes a FAT16 or FAT32 partition.
func (t PartitionType) IsFAT() bool {
	switch t {
	case TypeFAT16Small, TypeFAT16, TypeFAT16LBA, TypeFAT32, TypeFAT32LBA:
		return true
	}
	return false
}

func (t PartitionType) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeFAT16Small:
		return "FAT16 (<32MB)"
	case TypeExtended:
		return "extended"
	case TypeFAT16:
		return "FAT16"
	case TypeNTFS:
		return "NTFS/exFAT"
	case TypeFAT32:
		return "FAT32"
	case TypeFAT32LBA:
		return "FAT32 LBA"
	case TypeFAT16LBA:
		return "FAT16 LBA"
	case TypeExtendedLBA:
		return "extended LBA"
	}
	return fmt.Sprintf("unknown (0x%02X)", uint8(t))
}

// rawEntry is the on-disk layout of one 16-byte partition table entry. The
// CHS fields are obsolete and kept only so the record decodes at the right
// width.
type rawEntry struct {
	Status       uint8
	CHSStart     [3]byte
	Type         uint8
	CHSEnd       [3]byte
	StartLBA     uint32
	TotalSectors uint32
}

// Partition is one decoded partition table entry.
type Partition struct {
	Index        int
	Status       uint8
	Type         PartitionType
	StartLBA     uint32
	TotalSectors uint32
}

// IsEmpty reports whether the table slot is unused.
func (p Partition) IsEmpty() bool {
	return p.Type == TypeEmpty && p.StartLBA == 0 && p.TotalSectors == 0
}

// ByteOffset returns the partition's absolute byte offset for the given
// sector size.
func (p Partition) ByteOffset(sectorSize int64) int64 {
	return int64(p.StartLBA) * sectorSize
}

func (p Partition) String() string {
	return fmt.Sprintf("partition %d: %s, LBA %d, %d sectors",
		p.Index, p.Type, p.StartLBA, p.TotalSectors)
}

// Table is the decoded MBR partition table.
type Table struct {
	Partitions [4]Partition
}

// Parse decodes the partition table from the first sector of the image.
// Fails with ErrMalformedPartitionTable when the sector is unreadable or the
// 0x55AA signature is missing.
func Parse(img io.ReaderAt) (*Table, error) {
	sector := make([]byte, Size)
	if _, err := img.ReadAt(sector, 0); err != nil {
		return nil, fatsalvage.ErrMalformedPartitionTable.Wrap(err)
	}

	if sector[signatureOffset] != 0x55 || sector[signatureOffset+1] != 0xAA {
		return nil, fatsalvage.ErrMalformedPartitionTable.WithMessage(
			"MBR signature 0x55AA not found")
	}

	table := &Table{}
	for i := 0; i < 4; i++ {
		raw := rawEntry{}
		record := sector[tableOffset+i*entrySize : tableOffset+(i+1)*entrySize]
		if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, &raw); err != nil {
			return nil, fatsalvage.ErrMalformedPartitionTable.Wrap(err)
		}

		table.Partitions[i] = Partition{
			Index:        i,
			Status:       raw.Status,
			Type:         PartitionType(raw.Type),
			StartLBA:     raw.StartLBA,
			TotalSectors: raw.TotalSectors,
		}
	}

	return table, nil
}

// FirstFAT returns the first FAT-typed partition, in table order.
func (t *Table) FirstFAT() (Partition, bool) {
	for _, p := range t.Partitions {
		if p.Type.IsFAT() {
			return p, true
		}
	}
	return Partition{}, false
}
