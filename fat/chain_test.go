package fat_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fatsalvage"
	"fatsalvage/fat"
	fstesting "fatsalvage/testing"
)

func tableFor(t *testing.T, img *fstesting.Image) (fat.Geometry, *fat.TableReader) {
	t.Helper()

	geo, err := fat.ResolveGeometry(img.Reader(), 0)
	require.NoError(t, err)
	table, err := fat.NewTableReader(geo, img.Reader(), 0)
	require.NoError(t, err)
	return geo, table
}

func TestTraceChainContiguous(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	content := bytes.Repeat([]byte("evidence "), 150)
	clusters := img.WriteFile(content, true)
	require.Len(t, clusters, 3)

	geo, table := tableFor(t, img)

	chain, err := fat.TraceChain(context.Background(), geo, table, fat.ClusterID(clusters[0]))
	require.NoError(t, err)

	assert.Equal(t, []fat.ClusterID{2, 3, 4}, chain.Clusters)
	// Adjacent clusters collapse into a single extent.
	require.Len(t, chain.Extents, 1)
	assert.EqualValues(t, 1536, chain.TotalBytes())

	data, err := chain.ReadAll(img.Reader())
	require.NoError(t, err)
	assert.Equal(t, content, data[:len(content)])
}

func TestTraceChainFragmented(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.SetFATEntry(2, 7)
	img.SetFATEntry(7, 3)
	img.SetFATEntry(3, 0xFFFF)

	geo, table := tableFor(t, img)

	chain, err := fat.TraceChain(context.Background(), geo, table, 2)
	require.NoError(t, err)

	assert.Equal(t, []fat.ClusterID{2, 7, 3}, chain.Clusters)
	assert.Len(t, chain.Extents, 3)
	assert.EqualValues(t, 1536, chain.TotalBytes())
}

func TestTraceChainFreeEntryTerminates(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	// A chain that runs into wiped territory: 2 links to 3, whose entry was
	// zeroed by a later deletion.
	img.SetFATEntry(2, 3)

	geo, table := tableFor(t, img)

	chain, err := fat.TraceChain(context.Background(), geo, table, 2)
	require.NoError(t, err)
	assert.Equal(t, []fat.ClusterID{2, 3}, chain.Clusters)
}

func TestTraceChainCycle(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.SetFATEntry(5, 6)
	img.SetFATEntry(6, 5)

	geo, table := tableFor(t, img)

	_, err := fat.TraceChain(context.Background(), geo, table, 5)
	assert.ErrorIs(t, err, fatsalvage.ErrCorruptChain)
}

func TestTraceChainSelfLink(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.SetFATEntry(5, 5)

	geo, table := tableFor(t, img)

	_, err := fat.TraceChain(context.Background(), geo, table, 5)
	assert.ErrorIs(t, err, fatsalvage.ErrCorruptChain)
}

func TestTraceChainBadClusterMidChain(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	img.SetFATEntry(2, img.Bad())

	geo, table := tableFor(t, img)

	_, err := fat.TraceChain(context.Background(), geo, table, 2)
	assert.ErrorIs(t, err, fatsalvage.ErrCorruptChain)
}

func TestTraceChainLinkOutOfRange(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	// 4600 is addressable by the table region but past the last data cluster.
	img.SetFATEntry(2, 4600)

	geo, table := tableFor(t, img)

	_, err := fat.TraceChain(context.Background(), geo, table, 2)
	assert.ErrorIs(t, err, fatsalvage.ErrCorruptChain)
}

func TestTraceChainInvalidStart(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	geo, table := tableFor(t, img)

	for _, start := range []fat.ClusterID{0, 1, geo.MaxCluster() + 1} {
		_, err := fat.TraceChain(context.Background(), geo, table, start)
		assert.ErrorIs(t, err, fatsalvage.ErrCorruptChain, "start %d", start)
	}
}

func TestTraceChainCancellation(t *testing.T) {
	img := fstesting.NewFAT16Image(t)
	clusters := img.WriteFile(make([]byte, 2048), true)

	geo, table := tableFor(t, img)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fat.TraceChain(ctx, geo, table, fat.ClusterID(clusters[0]))
	assert.ErrorIs(t, err, fatsalvage.ErrCancelled)
}

func TestTraceChainFAT32(t *testing.T) {
	img := fstesting.NewFAT32Image(t)
	content := bytes.Repeat([]byte{0xAB}, 1024)
	clusters := img.WriteFile(content, true)

	geo, table := tableFor(t, img)

	chain, err := fat.TraceChain(context.Background(), geo, table, fat.ClusterID(clusters[0]))
	require.NoError(t, err)
	require.Len(t, chain.Clusters, 2)

	data, err := chain.ReadAll(img.Reader())
	require.NoError(t, err)
	assert.Equal(t, content, data)
}
