package mbr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatsalvage"
	"fatsalvage/mbr"
	fstesting "fatsalvage/testing"
)

func TestParse(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	disk := img.WrapInPartition(byte(mbr.TypeFAT16), 63)

	table, err := mbr.Parse(fstesting.RawReader(disk))
	require.NoError(t, err)

	p := table.Partitions[0]
	assert.Equal(t, 0, p.Index)
	assert.Equal(t, mbr.TypeFAT16, p.Type)
	assert.EqualValues(t, 63, p.StartLBA)
	assert.Equal(t, int64(63*512), p.ByteOffset(mbr.DefaultSectorSize))
	assert.False(t, p.IsEmpty())

	for _, empty := range table.Partitions[1:] {
		assert.True(t, empty.IsEmpty())
	}
}

func TestParseRejectsMissingSignature(t *testing.T) {
	disk := make([]byte, mbr.Size)

	_, err := mbr.Parse(fstesting.RawReader(disk))
	assert.ErrorIs(t, err, fatsalvage.ErrMalformedPartitionTable)
}

func TestFirstFAT(t *testing.T) {
	img := fstesting.NewFAT32Image(t)
	disk := img.WrapInPartition(byte(mbr.TypeFAT32LBA), 2048)

	// Slot a non-FAT partition ahead of it.
	disk[0x1BE+4] = byte(mbr.TypeNTFS)
	copy(disk[0x1BE+16:0x1BE+32], disk[0x1BE:0x1BE+16])
	disk[0x1BE+16+4] = byte(mbr.TypeFAT32LBA)
	disk[0x1BE+4] = byte(mbr.TypeNTFS)

	table, err := mbr.Parse(fstesting.RawReader(disk))
	require.NoError(t, err)

	p, ok := table.FirstFAT()
	require.True(t, ok)
	assert.Equal(t, 1, p.Index)
	assert.Equal(t, mbr.TypeFAT32LBA, p.Type)
}

func TestFirstFATNone(t *testing.T) {
	disk := make([]byte, mbr.Size)
	disk[0x1FE] = 0x55
	disk[0x1FF] = 0xAA
	disk[0x1BE+4] = byte(mbr.TypeNTFS)

	table, err := mbr.Parse(fstesting.RawReader(disk))
	require.NoError(t, err)

	_, ok := table.FirstFAT()
	assert.False(t, ok)
}

func TestPartitionTypeClassification(t *testing.T) {
	assert.True(t, mbr.TypeFAT16.IsFAT())
	assert.True(t, mbr.TypeFAT16Small.IsFAT())
	assert.True(t, mbr.TypeFAT16LBA.IsFAT())
	assert.True(t, mbr.TypeFAT32.IsFAT())
	assert.True(t, mbr.TypeFAT32LBA.IsFAT())
	assert.False(t, mbr.TypeEmpty.IsFAT())
	assert.False(t, mbr.TypeNTFS.IsFAT())
	assert.False(t, mbr.TypeExtended.IsFAT())

	assert.Equal(t, "FAT32", mbr.TypeFAT32.String())
	assert.Equal(t, "unknown (0x42)", mbr.PartitionType(0x42).String())
}
