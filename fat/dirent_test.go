package fat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatsalvage"
	"fatsalvage/fat"
	fstesting "fatsalvage/testing"
)

func rootEntries(t *testing.T, img *fstesting.Image) []fat.Dirent {
	t.Helper()

	geo, err := fat.ResolveGeometry(img.Reader(), 0)
	require.NoError(t, err)
	table, err := fat.NewTableReader(geo, img.Reader(), 0)
	require.NoError(t, err)

	entries, err := fat.ReadRootDirectory(context.Background(), geo, img.Reader(), table)
	require.NoError(t, err)
	return entries
}

func TestParseDirectoryLongName(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{
		ShortName:    "FORENS~1.TXT",
		LongName:     "forensic_report_final.txt",
		Attr:         fat.AttrArchive,
		StartCluster: 5,
		Size:         1000,
	})

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)

	assert.Equal(t, "FORENS~1.TXT", entries[0].ShortName())
	assert.Equal(t, "forensic_report_final.txt", entries[0].LongName)
	assert.Equal(t, "forensic_report_final.txt", entries[0].DisplayName())
	assert.EqualValues(t, 5, entries[0].StartCluster(fat.Variant16))
	assert.EqualValues(t, 1000, entries[0].FileSize)
}

func TestParseDirectoryChecksumMismatchFallsBackToShortName(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	slot := img.AddRootEntry(fstesting.DirentSpec{
		ShortName: "FORENS~1.TXT",
		LongName:  "forensic_report_final.txt",
		Attr:      fat.AttrArchive,
	})

	// Corrupt the checksum byte of the long-name record preceding the short
	// entry. The long name must be dropped, never reported as an error.
	off := fstesting.EntryOffset(img.RootDirOffset(), slot-1) + 13
	img.Raw[off] ^= 0xFF

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)

	assert.Empty(t, entries[0].LongName)
	assert.Equal(t, "FORENS~1.TXT", entries[0].DisplayName())
}

func TestParseDirectoryBrokenSequenceFallsBackToShortName(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	slot := img.AddRootEntry(fstesting.DirentSpec{
		ShortName: "FORENS~1.TXT",
		LongName:  "forensic_report_final.txt",
		Attr:      fat.AttrArchive,
	})

	// Two records; rewrite the first one's order byte so the run no longer
	// descends to 1.
	off := fstesting.EntryOffset(img.RootDirOffset(), slot-2)
	img.Raw[off] = 0x40 | 0x07

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].LongName)
}

func TestParseDirectoryDeletedEntryKeepsLongName(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{
		ShortName:    "FORENS~1.TXT",
		LongName:     "forensic_report_final.txt",
		Attr:         fat.AttrArchive,
		StartCluster: 9,
		Size:         4096,
		Deleted:      true,
	})

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)

	// Deletion destroys the short entry's first byte, so the stored checksum
	// can no longer be verified; the long name is kept on the strength of the
	// sequence structure alone.
	assert.True(t, entries[0].IsDeleted())
	assert.Equal(t, "forensic_report_final.txt", entries[0].DisplayName())
}

func TestParseDirectoryDeletedShortNameSubstitution(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{
		ShortName: "REPORT.DOC",
		Attr:      fat.AttrArchive,
		Deleted:   true,
	})

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)

	assert.True(t, entries[0].IsDeleted())
	assert.Equal(t, "_EPORT.DOC", entries[0].DisplayName())
}

func TestDisplayNameRestoresResourceForkDot(t *testing.T) {
	entry := fat.Dirent{
		Name: [8]byte{fat.DeletedMarker, '_', 'D', 'A', 'T', 'A', ' ', ' '},
		Ext:  [3]byte{' ', ' ', ' '},
	}
	assert.Equal(t, "._DATA", entry.DisplayName())
}

func TestParseDirectoryStopsAtTerminator(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "ALPHA.TXT", Attr: fat.AttrArchive})
	slot := img.AddRootEntry(fstesting.DirentSpec{ShortName: "BETA.TXT", Attr: fat.AttrArchive})
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "GAMMA.TXT", Attr: fat.AttrArchive})

	// Zero BETA's record: everything after a 0x00 first byte is unused space.
	off := fstesting.EntryOffset(img.RootDirOffset(), slot)
	copy(img.Raw[off:off+32], make([]byte, 32))

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)
	assert.Equal(t, "ALPHA.TXT", entries[0].ShortName())
}

func TestParseDirectoryClassifiesSpecialEntries(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "SALVAGE", Attr: fat.AttrVolumeLabel})
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "SUBDIR", Attr: fat.AttrDirectory, StartCluster: 3})
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "PLAIN.BIN", Attr: fat.AttrArchive})

	entries := rootEntries(t, img)
	require.Len(t, entries, 3)

	assert.True(t, entries[0].IsVolumeLabel())
	assert.True(t, entries[1].IsDir())
	assert.False(t, entries[2].IsVolumeLabel())
	assert.False(t, entries[2].IsDir())
}

func TestDirentStartClusterWidth(t *testing.T) {
	entry := fat.Dirent{FirstClusterHigh: 0x0002, FirstClusterLow: 0x0005}

	// FAT16 entries may carry garbage in the high word; only FAT32 uses it.
	assert.EqualValues(t, 0x0005, entry.StartCluster(fat.Variant16))
	assert.EqualValues(t, 0x00020005, entry.StartCluster(fat.Variant32))
}

func TestDirentTimestamps(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "STAMP.TXT", Attr: fat.AttrArchive})

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)

	assert.Equal(t,
		time.Date(2021, time.April, 25, 13, 33, 22, 0, time.UTC),
		entries[0].Modified())
	// No creation stamp was written; a zero date decodes to the zero time.
	assert.True(t, entries[0].Created().IsZero())
}

func TestDecodeTimestampZeroDate(t *testing.T) {
	assert.True(t, fat.DecodeDate(0).IsZero())
	assert.True(t, fat.DecodeTimestamp(0, 0x6C2B).IsZero())
}

func TestReadDirectoryClusterIgnoresFAT(t *testing.T) {
	img := fstesting.NewFAT16Image(t)

	geo, err := fat.ResolveGeometry(img.Reader(), 0)
	require.NoError(t, err)

	// A deleted directory's cluster: FAT entry zeroed, records intact.
	dir := img.Alloc(1)[0]
	img.AddDirEntry(dir, fstesting.DirentSpec{ShortName: "NOTES.TXT", Attr: fat.AttrArchive, Size: 12})

	entries, err := fat.ReadDirectoryCluster(geo, img.Reader(), fat.ClusterID(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "NOTES.TXT", entries[0].ShortName())

	_, err = fat.ReadDirectoryCluster(geo, img.Reader(), 1)
	assert.ErrorIs(t, err, fatsalvage.ErrInvalidStartCluster)
}

func TestReadRootDirectoryFAT32(t *testing.T) {
	img := fstesting.NewFAT32Image(t)
	img.AddRootEntry(fstesting.DirentSpec{ShortName: "DEEP.BIN", Attr: fat.AttrArchive, StartCluster: 3})

	entries := rootEntries(t, img)
	require.Len(t, entries, 1)
	assert.Equal(t, "DEEP.BIN", entries[0].ShortName())
}

func TestShortNameChecksumRotates(t *testing.T) {
	var name [11]byte
	copy(name[:], "FORENS~1TXT")

	sum := fat.ShortNameChecksum(name)

	// The rotate makes the checksum order sensitive, unlike a plain sum.
	var swapped [11]byte
	copy(swapped[:], "FORENS~1TXT")
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.NotEqual(t, sum, fat.ShortNameChecksum(swapped))
}
