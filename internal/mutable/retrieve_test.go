package mutable

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrieveReplacesCorruptShares(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(share []byte, o Offsets)
	}{
		{"block", func(share []byte, o Offsets) { share[o.ShareData] ^= 0x01 }},
		{"block hash tree", func(share []byte, o Offsets) { share[o.BlockHashTree] ^= 0x01 }},
		{"share hash chain", func(share []byte, o Offsets) { share[o.ShareHashChain+2] ^= 0x01 }},
		{"truncated", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grid := newTestGrid(t, 10)
			node := createFile(t, grid, testConfig(), "the quick brown fox jumps over the lazy dog")
			si := node.StorageIndex()
			perm := grid.permuted(si)

			share := perm[0].rawShare(t, si, 0)
			_, o, err := UnpackHeader(share)
			require.NoError(t, err)
			if tt.corrupt != nil {
				tt.corrupt(share, o)
			} else {
				share = share[:o.EncPrivkey-1]
			}
			perm[0].putShare(t, node, 0, share)

			ctx := context.Background()
			sm, err := node.Check(ctx)
			require.NoError(t, err)
			best, ok := sm.BestRecoverableVersion()
			require.True(t, ok)
			_, held := sm.VersionOnPeer(perm[0].id, 0)
			require.True(t, held, "the signed prefix is intact so the update keeps the share")

			data, status, err := NewRetrieve(node, sm, best).Download(ctx)
			require.NoError(t, err)
			assert.Equal(t, "the quick brown fox jumps over the lazy dog", string(data))
			assert.Equal(t, "Finished", status.Status())

			assert.True(t, sm.IsBad(perm[0].id, 0))
			var corrupt *CorruptShareError
			found := false
			for _, p := range sm.Problems() {
				if errors.As(p, &corrupt) && corrupt.Peer == perm[0].id {
					found = true
				}
			}
			assert.True(t, found)
		})
	}
}

func TestRetrieveNotEnoughShares(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "unavailable")
	perm := grid.permuted(node.StorageIndex())
	ctx := context.Background()

	sm, err := node.Check(ctx)
	require.NoError(t, err)
	best, ok := sm.BestRecoverableVersion()
	require.True(t, ok)

	for i := 0; i < 8; i++ {
		perm[i].setFailing(true)
	}
	_, _, err = NewRetrieve(node, sm, best).Download(ctx)
	require.ErrorIs(t, err, ErrNotEnoughShares)
	assert.Contains(t, err.Error(), "got 2 of 3")
}

func TestRetrieveUnknownVersion(t *testing.T) {
	grid := newTestGrid(t, 5)
	node := createFile(t, grid, testConfig(), "known")
	sm, err := node.Check(context.Background())
	require.NoError(t, err)

	_, _, err = NewRetrieve(node, sm, testVersion(99, 1)).Download(context.Background())
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestRetrieveOlderVersion(t *testing.T) {
	grid := newTestGrid(t, 10)
	node := createFile(t, grid, testConfig(), "old")
	ctx := context.Background()

	sm, _, err := node.UpdateServermap(ctx, nil, ModeWrite)
	require.NoError(t, err)
	v1, ok := sm.BestRecoverableVersion()
	require.True(t, ok)
	snapshot := sm.Clone()

	require.NoError(t, node.Overwrite(ctx, []byte("new")))

	// the old shares are gone, so the snapshot cannot be read any more
	_, err = node.DownloadVersion(ctx, snapshot, v1)
	assert.ErrorIs(t, err, ErrNotEnoughShares)

	data, err := node.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestRetrieveIsSingleUse(t *testing.T) {
	grid := newTestGrid(t, 5)
	node := createFile(t, grid, testConfig(), "once")
	sm, err := node.Check(context.Background())
	require.NoError(t, err)
	best, _ := sm.BestRecoverableVersion()

	r := NewRetrieve(node, sm, best)
	_, _, err = r.Download(context.Background())
	require.NoError(t, err)
	_, _, err = r.Download(context.Background())
	assert.Error(t, err)
}
