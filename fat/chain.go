package fat

import (
	"context"
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"

	"fatsalvage"
)

// Extent is a contiguous byte range of the image. Runs of adjacent clusters
// collapse into one extent.
type Extent struct {
	Offset int64
	Length int64
}

// Chain is the ordered allocation of one active file or directory, resolved
// by following FAT entry links to the end-of-chain marker.
type Chain struct {
	Clusters []ClusterID
	Extents  []Extent
}

// TotalBytes returns the number of bytes covered by the chain's extents.
func (c Chain) TotalBytes() int64 {
	var n int64
	for _, e := range c.Extents {
		n += e.Length
	}
	return n
}

// ReadAll reads every extent of the chain in order and returns the
// concatenated bytes.
func (c Chain) ReadAll(img io.ReaderAt) ([]byte, error) {
	buf := make([]byte, c.TotalBytes())
	pos := int64(0)
	for _, e := range c.Extents {
		if _, err := img.ReadAt(buf[pos:pos+e.Length], e.Offset); err != nil {
			return nil, fatsalvage.ErrOutOfRange.Wrap(err)
		}
		pos += e.Length
	}
	return buf, nil
}

// TraceChain follows FAT entry links from startCluster until the end-of-chain
// marker and returns the visited clusters with their byte extents. A zeroed
// (free) entry also terminates the chain: on images that have seen deletions
// a chain can legitimately run into wiped territory.
//
// Fails with ErrCorruptChain when a cluster repeats, a link leaves the valid
// data-cluster range, a bad or reserved value appears mid-chain, or the chain
// grows past the volume's total cluster count.
func TraceChain(
	ctx context.Context, geo Geometry, table *TableReader, startCluster ClusterID,
) (Chain, error) {
	if !geo.ValidCluster(startCluster) {
		return Chain{}, fatsalvage.ErrCorruptChain.WithMessage(
			fmt.Sprintf("start cluster %d outside valid range [2, %d]",
				startCluster, geo.MaxCluster()))
	}

	visited := bitmap.New(int(geo.MaxCluster()) + 1)
	clusterBytes := int64(geo.BytesPerCluster())

	var chain Chain
	current := startCluster
	for {
		if err := ctx.Err(); err != nil {
			return Chain{}, fatsalvage.ErrCancelled.Wrap(err)
		}

		if !geo.ValidCluster(current) {
			return Chain{}, fatsalvage.ErrCorruptChain.WithMessage(
				fmt.Sprintf("chain from %d links to invalid cluster %d after %d clusters",
					startCluster, current, len(chain.Clusters)))
		}
		if visited.Get(int(current)) {
			return Chain{}, fatsalvage.ErrCorruptChain.WithMessage(
				fmt.Sprintf("chain from %d revisits cluster %d", startCluster, current))
		}
		if uint32(len(chain.Clusters)) >= geo.TotalClusters {
			return Chain{}, fatsalvage.ErrCorruptChain.WithMessage(
				fmt.Sprintf("chain from %d exceeds the volume's %d clusters",
					startCluster, geo.TotalClusters))
		}

		visited.Set(int(current), true)
		chain.Clusters = append(chain.Clusters, current)
		chain.appendCluster(geo.ClusterOffset(current), clusterBytes)

		value, err := table.ReadEntry(current)
		if err != nil {
			return Chain{}, err
		}

		switch value.Class {
		case EndOfChain, Free:
			return chain, nil
		case NextCluster:
			current = value.Next
		default:
			return Chain{}, fatsalvage.ErrCorruptChain.WithMessage(
				fmt.Sprintf("cluster %d holds a %s value mid-chain", current, value.Class))
		}
	}
}

// appendCluster extends the last extent when the new cluster is adjacent to
// it, otherwise starts a new extent.
func (c *Chain) appendCluster(offset, length int64) {
	if n := len(c.Extents); n > 0 {
		last := &c.Extents[n-1]
		if last.Offset+last.Length == offset {
			last.Length += length
			return
		}
	}
	c.Extents = append(c.Extents, Extent{Offset: offset, Length: length})
}
