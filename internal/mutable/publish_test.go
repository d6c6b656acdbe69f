package mutable

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstPublishPlacesOneSharePerPeer(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "first contents")
	si := node.StorageIndex()

	holders := grid.holders(t, si)
	require.Len(t, holders, 10)
	seen := make(map[int]bool)
	for peer, shnums := range holders {
		require.Len(t, shnums, 1, "peer %s", peer)
		seen[shnums[0]] = true
	}
	assert.Len(t, seen, 10)

	for _, p := range grid.peers {
		shnums := p.shnums(t, si)
		c, err := UnpackCheckstring(p.rawShare(t, si, shnums[0]))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), c.Seqnum)
	}
}

func TestPublishOnFewPeersWrapsAround(t *testing.T) {
	grid := newTestGrid(t, 4)
	node := createFile(t, grid, testConfig(), "crowded")

	total := 0
	for _, shnums := range grid.holders(t, node.StorageIndex()) {
		assert.GreaterOrEqual(t, len(shnums), 2)
		assert.LessOrEqual(t, len(shnums), 3)
		total += len(shnums)
	}
	assert.Equal(t, 10, total)

	data, err := node.DownloadBestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "crowded", string(data))
}

func TestOverwriteIncrementsSeqnum(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "v1")
	ctx := context.Background()

	require.NoError(t, node.Overwrite(ctx, []byte("v2")))
	require.NoError(t, node.Overwrite(ctx, []byte("version three")))

	sm, _, err := node.UpdateServermap(ctx, nil, ModeCheck)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sm.HighestSeqnum())
	require.Len(t, sm.RecoverableVersions(), 1)
	assert.Empty(t, sm.UnrecoverableVersions())
	assert.Equal(t, 10, sm.Len())

	data, err := node.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "version three", string(data))
}

func TestPublishUpdatesServermapInPlace(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "v1")
	ctx := context.Background()

	sm, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)
	status, err := node.Upload(ctx, sm, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.Seqnum)
	assert.Equal(t, 1.0, status.Progress())

	// the same map is now current and can drive the next publish
	best, ok := sm.BestRecoverableVersion()
	require.True(t, ok)
	assert.Equal(t, uint64(2), best.Seqnum)
	status, err = node.Upload(ctx, sm, []byte("v3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), status.Seqnum)
}

func TestPublishDetectsConflictingWrite(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "original")
	si := node.StorageIndex()
	perm := grid.permuted(si)
	ctx := context.Background()

	sm, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)

	// another writer moves share 0 to seqnum 7 behind our back
	share := perm[0].rawShare(t, si, 0)
	binary.BigEndian.PutUint64(share[1:9], 7)
	perm[0].putShare(t, node, 0, share)

	_, err = node.Upload(ctx, sm, []byte("stale"))
	require.ErrorIs(t, err, ErrUncoordinatedWrite)

	// the conflicting share is untouched
	c, err := UnpackCheckstring(perm[0].rawShare(t, si, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.Seqnum)
}

func TestPublishDetectsSurpriseShare(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "original")
	si := node.StorageIndex()
	perm := grid.permuted(si)
	ctx := context.Background()

	sm, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)

	// a share we never saw appears next to one we are about to replace
	share := perm[5].rawShare(t, si, 5)
	binary.BigEndian.PutUint64(share[1:9], 9)
	perm[0].putShare(t, node, 5, share)

	_, err = node.Upload(ctx, sm, []byte("surprised"))
	require.ErrorIs(t, err, ErrUncoordinatedWrite)
}

func TestPublishLeavesOutOfRangeSharesAlone(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "v1")
	si := node.StorageIndex()
	perm := grid.permuted(si)
	ctx := context.Background()

	// a stray copy under a share number a 3-of-10 encoding never produces
	perm[0].putShare(t, node, 12, perm[0].rawShare(t, si, 0))

	sm, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)
	_, ok := sm.VersionOnPeer(perm[0].id, 12)
	require.True(t, ok)

	_, err = node.Upload(ctx, sm, []byte("v2"))
	require.NoError(t, err)

	stray, ok := sm.VersionOnPeer(perm[0].id, 12)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stray.Seqnum)
	assert.Equal(t, []int{0, 12}, perm[0].shnums(t, si))
	c, err := UnpackCheckstring(perm[0].rawShare(t, si, 12))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Seqnum)

	data, err := node.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestPublishLosingToNewerWriter(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "original")
	ctx := context.Background()

	stale, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)

	other, err := Open(testConfig(), grid, node.WriteCap())
	require.NoError(t, err)
	require.NoError(t, other.Overwrite(ctx, []byte("other 2")))
	require.NoError(t, other.Overwrite(ctx, []byte("other 3")))

	_, err = node.Upload(ctx, stale, []byte("mine"))
	require.ErrorIs(t, err, ErrUncoordinatedWrite)

	data, err := node.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "other 3", string(data))
}

func TestPublishRoutesAroundFailedWrites(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "v1")
	si := node.StorageIndex()
	perm := grid.permuted(si)
	ctx := context.Background()

	perm[2].setFailWrites(true)
	require.NoError(t, node.Overwrite(ctx, []byte("v2")))

	sm, err := node.Check(ctx)
	require.NoError(t, err)
	best, ok := sm.BestRecoverableVersion()
	require.True(t, ok)
	assert.Equal(t, uint64(2), best.Seqnum)
	assert.Equal(t, 10, sm.SharesAvailable()[best].Shares)

	// the failed peer still holds the old share 2; a copy of the new one lives elsewhere
	v, ok := sm.VersionOnPeer(perm[2].id, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Seqnum)
}

func TestPublishFailsWithoutPeers(t *testing.T) {
	grid := newTestGrid(t, 3)
	for _, p := range grid.peers {
		p.setFailWrites(true)
	}
	_, err := Create(context.Background(), testConfig(), grid, []byte("nowhere"))
	require.ErrorIs(t, err, ErrNotEnoughPeers)
	assert.ErrorIs(t, err, errPeerDown)
}

func TestPublishRejectsLargeFiles(t *testing.T) {
	grid := newTestGrid(t, 3)
	cfg := testConfig()
	cfg.MaxFileSize = 10
	_, err := Create(context.Background(), cfg, grid, bytes.Repeat([]byte{'x'}, 11))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestPublishNeedsWriteModeServermap(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "v1")
	sm, _, err := node.UpdateServermap(context.Background(), nil, ModeReadEnough)
	require.NoError(t, err)

	_, err = NewPublish(node, sm)
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestPublishEmptyContents(t *testing.T) {
	grid := newTestGrid(t, 5)
	node := createFile(t, grid, testConfig(), "")
	data, err := node.DownloadBestVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestPublishIsSingleUse(t *testing.T) {
	grid := newTestGrid(t, 5)
	node := createFile(t, grid, testConfig(), "v1")
	sm, _, err := node.UpdateServermap(context.Background(), nil, ModeWrite)
	require.NoError(t, err)

	p, err := NewPublish(node, sm)
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), []byte("v2")))
	assert.Error(t, p.Publish(context.Background(), []byte("v3")))
}
