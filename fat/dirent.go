package fat

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf16"

	"fatsalvage"
)

// Directory entry attribute flags.
const (
	// AttrReadOnly marks a directory entry as read-only.
	AttrReadOnly = 0x01

	// AttrHidden marks an entry as hidden from normal directory listings.
	AttrHidden = 0x02

	// AttrSystem marks an entry as essential to the operating system.
	AttrSystem = 0x04

	// AttrVolumeLabel marks the pseudo-entry carrying the volume label. It
	// must live in the root directory and is never a recovery candidate.
	AttrVolumeLabel = 0x08

	// AttrDirectory marks an entry as a directory.
	AttrDirectory = 0x10

	// AttrArchive is set whenever an entry is created or modified; backup
	// tools use it to find changed files.
	AttrArchive = 0x20

	// attrLongName is the attribute combination identifying a long-file-name
	// record: read-only, hidden, system and volume-label all at once.
	attrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

const (
	// DeletedMarker overwrites the first name byte when an entry is deleted,
	// destroying the original first character of the 8.3 name.
	DeletedMarker = 0xE5

	// kanjiLead substitutes a real first name byte of 0xE5 so it is not
	// mistaken for a deletion marker.
	kanjiLead = 0x05

	// lfnLastFlag marks the long-name record holding the final logical
	// segment, which is physically stored first.
	lfnLastFlag = 0x40

	// lfnSequenceMask extracts the sequence number from the order byte.
	lfnSequenceMask = 0x1F

	// lfnUnitsPerEntry is the number of UTF-16 code units one long-name
	// record carries.
	lfnUnitsPerEntry = 13
)

// rawDirent is the on-disk layout of one 32-byte short-name directory record.
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

// rawLongName is the on-disk layout of one 32-byte long-file-name record. The
// thirteen UTF-16 code units are scattered across three blocks.
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

// Dirent is one decoded directory entry. Raw on-disk fields are preserved
// as stored; in particular a deleted entry keeps 0xE5 as its first name byte
// because the original character is unrecoverable.
type Dirent struct {
	Name             [8]byte
	Ext              [3]byte
	Attributes       uint8
	NTReserved       uint8
	CreatedTenths    uint8
	CreatedTime      uint16
	CreatedDate      uint16
	AccessedDate     uint16
	FirstClusterHigh uint16
	FirstClusterLow  uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	FileSize         uint32

	// LongName is the reassembled long file name. Empty when the entry has
	// none or when the long-name records failed checksum or sequence
	// validation and the 8.3 name is the only trustworthy one.
	LongName string
}

// IsDeleted reports whether the entry has been marked deleted.
func (d *Dirent) IsDeleted() bool {
	return d.Name[0] == DeletedMarker
}

// IsDir reports whether the entry is a directory.
func (d *Dirent) IsDir() bool {
	return d.Attributes&AttrDirectory != 0
}

// IsVolumeLabel reports whether the entry is the volume-label pseudo-entry.
func (d *Dirent) IsVolumeLabel() bool {
	return d.Attributes&AttrVolumeLabel != 0 && d.Attributes&attrLongName != attrLongName
}

// IsDotEntry reports whether the entry is the "." or ".." self reference.
func (d *Dirent) IsDotEntry() bool {
	n := d.ShortName()
	return n == "." || n == ".."
}

// StartCluster returns the entry's first data cluster. FAT32 splits the
// cluster number across two words; FAT16 uses only the low word and may leave
// garbage in the high one.
func (d *Dirent) StartCluster(variant Variant) ClusterID {
	if variant == Variant32 {
		return ClusterID(d.FirstClusterHigh)<<16 | ClusterID(d.FirstClusterLow)
	}
	return ClusterID(d.FirstClusterLow)
}

// ShortName returns the 8.3 name with padding stripped. The first byte of a
// deleted entry is the raw 0xE5 marker; use DisplayName for something
// printable.
func (d *Dirent) ShortName() string {
	name := make([]byte, 0, 12)
	name = append(name, bytes.TrimRight(d.Name[:], " ")...)
	if len(name) > 0 && name[0] == kanjiLead {
		name[0] = DeletedMarker
	}

	ext := bytes.TrimRight(d.Ext[:], " ")
	if len(ext) > 0 {
		name = append(name, '.')
		name = append(name, ext...)
	}
	return string(name)
}

// DisplayName returns the best printable name for the entry: the long name
// when one survived validation, otherwise the 8.3 name. For deleted entries
// the destroyed first character is substituted with '_', except for macOS
// resource forks ("._*") whose leading '.' can be restored with certainty.
// Path separators and unknown characters are replaced so the result is safe
// to use as a file name.
func (d *Dirent) DisplayName() string {
	name := d.LongName
	if name == "" {
		name = d.ShortName()
		if d.IsDeleted() && len(name) > 0 {
			b := []byte(name)
			if len(b) > 1 && b[1] == '_' {
				b[0] = '.'
			} else {
				b[0] = '_'
			}
			name = string(b)
		}
	}

	name = strings.Map(func(r rune) rune {
		switch r {
		case '?', '/', '\\', 0xFFFD:
			return '_'
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

// Modified returns the last-modified timestamp, or the zero time when the
// stored date is invalid.
func (d *Dirent) Modified() time.Time {
	return DecodeTimestamp(d.ModifiedDate, d.ModifiedTime)
}

// Created returns the creation timestamp.
func (d *Dirent) Created() time.Time {
	return DecodeTimestamp(d.CreatedDate, d.CreatedTime)
}

// Accessed returns the last-accessed date. The format stores no time of day
// for accesses.
func (d *Dirent) Accessed() time.Time {
	return DecodeDate(d.AccessedDate)
}

// ShortNameChecksum computes the checksum stored in every long-name record:
// a rotate-right-and-add over the eleven raw short-name bytes.
func ShortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, b := range name {
		sum = (sum >> 1) | (sum << 7)
		sum += b
	}
	return sum
}

// ParseDirectory decodes the 32-byte records in buf into directory entries.
// Parsing is deterministic: the same bytes always yield the same entries.
// Long-name runs are validated against the short entry that follows them in
// storage order; on checksum or sequence mismatch the long name is discarded
// and the entry keeps only its 8.3 name (a recoverable inconsistency, never
// an error). A record whose first byte is zero terminates the directory's
// used region. Volume labels and dot entries are returned classified; it is
// the caller's job to exclude them from recovery candidates.
func ParseDirectory(buf []byte) []Dirent {
	var entries []Dirent
	var pendingLong []rawLongName

	for off := 0; off+DirentSize <= len(buf); off += DirentSize {
		record := buf[off : off+DirentSize]
		if record[0] == 0x00 {
			break
		}

		if record[11]&attrLongName == attrLongName && record[11]&AttrDirectory == 0 {
			var lfn rawLongName
			// A 32-byte record always decodes; binary.Read cannot fail here.
			binary.Read(bytes.NewReader(record), binary.LittleEndian, &lfn)
			pendingLong = append(pendingLong, lfn)
			continue
		}

		var raw rawDirent
		binary.Read(bytes.NewReader(record), binary.LittleEndian, &raw)
		entry := Dirent{
			Name:             raw.Name,
			Ext:              raw.Ext,
			Attributes:       raw.Attributes,
			NTReserved:       raw.NTReserved,
			CreatedTenths:    raw.CreatedTenths,
			CreatedTime:      raw.CreatedTime,
			CreatedDate:      raw.CreatedDate,
			AccessedDate:     raw.AccessedDate,
			FirstClusterHigh: raw.FirstClusterHigh,
			FirstClusterLow:  raw.FirstClusterLow,
			ModifiedTime:     raw.ModifiedTime,
			ModifiedDate:     raw.ModifiedDate,
			FileSize:         raw.FileSize,
		}

		if len(pendingLong) > 0 {
			if name, err := assembleLongName(pendingLong, &entry); err == nil {
				entry.LongName = name
			}
			pendingLong = pendingLong[:0]
		}

		entries = append(entries, entry)
	}

	return entries
}

// assembleLongName validates a run of long-name records against the short
// entry that follows them and returns the reassembled name. Records are in
// storage order: the final logical segment first, sequence numbers descending
// to 1. Deletion overwrites order bytes with 0xE5; those records are accepted
// at whatever position the run implies, and the checksum test is skipped for
// deleted short entries because their first name byte no longer matches what
// the checksum was computed over.
func assembleLongName(records []rawLongName, short *Dirent) (string, error) {
	var shortRaw [11]byte
	copy(shortRaw[:8], short.Name[:])
	copy(shortRaw[8:], short.Ext[:])
	want := ShortNameChecksum(shortRaw)

	n := len(records)
	var logical strings.Builder
	for i := n - 1; i >= 0; i-- {
		rec := records[i]

		if rec.Sequence != DeletedMarker {
			seq := int(rec.Sequence & lfnSequenceMask)
			if seq != n-i {
				return "", fatsalvage.ErrChecksumMismatch.WithMessage(
					fmt.Sprintf("long name sequence %d at position %d of %d", seq, i, n))
			}
			if i == 0 && rec.Sequence&lfnLastFlag == 0 {
				return "", fatsalvage.ErrChecksumMismatch.WithMessage(
					"long name run does not start with its final segment")
			}
		}

		if !short.IsDeleted() && rec.Checksum != want {
			return "", fatsalvage.ErrChecksumMismatch.WithMessage(
				fmt.Sprintf("record checksum 0x%02X, short name checksum 0x%02X",
					rec.Checksum, want))
		}

		logical.WriteString(decodeLongNameUnits(rec))
	}

	return logical.String(), nil
}

// decodeLongNameUnits extracts a record's thirteen UTF-16 code units, stopping
// at the null terminator and dropping 0xFFFF padding.
func decodeLongNameUnits(rec rawLongName) string {
	units := make([]uint16, 0, lfnUnitsPerEntry)
	units = append(units, rec.Name1[:]...)
	units = append(units, rec.Name2[:]...)
	units = append(units, rec.Name3[:]...)

	end := len(units)
	for i, u := range units {
		if u == 0x0000 {
			end = i
			break
		}
	}
	units = units[:end]

	trimmed := units[:0]
	for _, u := range units {
		if u != 0xFFFF {
			trimmed = append(trimmed, u)
		}
	}
	return string(utf16.Decode(trimmed))
}

// ReadRootDirectory reads and parses the volume's root directory: the fixed
// region on FAT16, the root cluster chain on FAT32.
func ReadRootDirectory(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
) ([]Dirent, error) {
	if geo.Variant == Variant32 {
		return ReadDirectory(ctx, geo, img, table, geo.RootStartCluster)
	}

	buf := make([]byte, geo.RootDirBytes())
	if _, err := img.ReadAt(buf, geo.RootDirOffset()); err != nil {
		return nil, fatsalvage.ErrOutOfRange.Wrap(err)
	}
	return ParseDirectory(buf), nil
}

// ReadDirectory traces the active cluster chain starting at startCluster and
// parses its contents as directory records. For deleted directories, whose
// chains are zeroed, use ReadDirectoryCluster instead.
func ReadDirectory(
	ctx context.Context, geo Geometry, img io.ReaderAt, table *TableReader,
	startCluster ClusterID,
) ([]Dirent, error) {
	chain, err := TraceChain(ctx, geo, table, startCluster)
	if err != nil {
		return nil, err
	}

	buf, err := chain.ReadAll(img)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(buf), nil
}

// ReadDirectoryCluster reads a single cluster and parses it as directory
// records without consulting the FAT. This is the only way to list a deleted
// directory.
func ReadDirectoryCluster(
	geo Geometry, img io.ReaderAt, cluster ClusterID,
) ([]Dirent, error) {
	if !geo.ValidCluster(cluster) {
		return nil, fatsalvage.ErrInvalidStartCluster.WithMessage(
			fmt.Sprintf("cluster %d is not a valid data cluster", cluster))
	}

	buf := make([]byte, geo.BytesPerCluster())
	if _, err := img.ReadAt(buf, geo.ClusterOffset(cluster)); err != nil {
		return nil, fatsalvage.ErrOutOfRange.Wrap(err)
	}
	return ParseDirectory(buf), nil
}
