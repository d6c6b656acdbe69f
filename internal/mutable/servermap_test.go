package mutable

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVersion(seqnum uint64, root byte) VersionInfo {
	v := VersionInfo{Seqnum: seqnum, K: 3, N: 10, SegmentSize: 3, DataLength: 3}
	v.RootHash[0] = root
	return v
}

func TestServerMapRecoverability(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	v5 := testVersion(5, 1)
	v6 := testVersion(6, 2)

	sm.AddShare("peer-a", 0, v5, now)
	sm.AddShare("peer-b", 1, v5, now)
	sm.AddShare("peer-c", 2, v5, now)
	// a second copy of a share number does not add to recoverability
	sm.AddShare("peer-d", 2, v5, now)
	sm.AddShare("peer-e", 3, v6, now)
	sm.AddShare("peer-f", 4, v6, now)

	assert.Equal(t, []VersionInfo{v5}, sm.RecoverableVersions())
	assert.Equal(t, []VersionInfo{v6}, sm.UnrecoverableVersions())
	best, ok := sm.BestRecoverableVersion()
	require.True(t, ok)
	assert.Equal(t, v5, best)
	assert.Equal(t, uint64(6), sm.HighestSeqnum())
	assert.Equal(t, []VersionInfo{v6}, sm.UnrecoverableNewerVersions())
	assert.False(t, sm.NeedsMerge())

	avail := sm.SharesAvailable()
	assert.Equal(t, Availability{Shares: 3, K: 3}, avail[v5])
	assert.Equal(t, Availability{Shares: 2, K: 3}, avail[v6])

	assert.Equal(t, "3*"+v5.ShortString()+",2*"+v6.ShortString(), sm.SummarizeVersions())

	groups := sm.VersionGroups()
	require.Len(t, groups[v5], 4)
	assert.Equal(t, 2, groups[v5][2].Shnum)
	assert.Equal(t, "peer-c", groups[v5][2].Peer)
	assert.Equal(t, "peer-d", groups[v5][3].Peer)
}

func TestServerMapEmpty(t *testing.T) {
	sm := NewServerMap()
	_, ok := sm.BestRecoverableVersion()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), sm.HighestSeqnum())
	assert.Empty(t, sm.RecoverableVersions())
	assert.Empty(t, sm.UnrecoverableNewerVersions())
	assert.Equal(t, "", sm.SummarizeVersions())
}

func TestServerMapNeedsMerge(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	a := testVersion(4, 1)
	b := testVersion(4, 2)
	for shnum := 0; shnum < 3; shnum++ {
		sm.AddShare(fmt.Sprintf("a-%d", shnum), shnum, a, now)
		sm.AddShare(fmt.Sprintf("b-%d", shnum), shnum+3, b, now)
	}
	assert.True(t, sm.NeedsMerge())

	// ties on seqnum are broken by root hash
	best, ok := sm.BestRecoverableVersion()
	require.True(t, ok)
	assert.Equal(t, b, best)
}

func TestServerMapBadShares(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	v := testVersion(3, 1)

	require.True(t, sm.AddShare("peer-a", 0, v, now))
	sm.MarkBad("peer-a", 0, v.Checkstring())
	assert.True(t, sm.IsBad("peer-a", 0))
	assert.Equal(t, 0, sm.Len())

	// the same bad share is not re-added on a later query
	assert.False(t, sm.AddShare("peer-a", 0, v, now))
	assert.Equal(t, 0, sm.Len())

	// a different version in the same slot is
	v2 := testVersion(4, 1)
	assert.True(t, sm.AddShare("peer-a", 0, v2, now))
	assert.Equal(t, 1, sm.Len())

	// writing a fresh share clears the marker
	sm.AddNewShare("peer-a", 0, v2, now)
	assert.False(t, sm.IsBad("peer-a", 0))
	assert.Empty(t, sm.BadShares())
}

func TestServerMapPeersAndProblems(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	v := testVersion(1, 1)
	sm.AddShare("peer-b", 3, v, now)
	sm.AddShare("peer-b", 1, v, now)
	sm.AddShare("peer-a", 0, v, now)
	sm.MarkReachable("peer-a")
	sm.MarkUnreachable("peer-z")
	sm.AddProblem(errors.New("boom"))

	assert.Equal(t, []string{"peer-a", "peer-b"}, sm.AllPeers())
	assert.Equal(t, []int{1, 3}, sm.SharesOnPeer("peer-b"))
	assert.True(t, sm.IsReachable("peer-a"))
	assert.Equal(t, []string{"peer-z"}, sm.UnreachablePeers())
	require.Len(t, sm.Problems(), 1)

	got, ok := sm.VersionOnPeer("peer-b", 3)
	require.True(t, ok)
	assert.Equal(t, v, got)
	_, ok = sm.VersionOnPeer("peer-b", 2)
	assert.False(t, ok)

	sm.forget("peer-b", 3)
	assert.Equal(t, []int{1}, sm.SharesOnPeer("peer-b"))
}

func TestServerMapCloneIsIndependent(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	v := testVersion(1, 1)
	sm.AddShare("peer-a", 0, v, now)
	sm.SetLastUpdate(ModeWrite, now)

	c := sm.Clone()
	c.AddShare("peer-b", 1, v, now)
	c.MarkBad("peer-a", 0, v.Checkstring())

	assert.Equal(t, 1, sm.Len())
	assert.False(t, sm.IsBad("peer-a", 0))
	mode, _ := c.LastUpdate()
	assert.Equal(t, ModeWrite, mode)
}

func TestServerMapDump(t *testing.T) {
	sm := NewServerMap()
	now := time.Now()
	v := testVersion(2, 1)
	for shnum := 0; shnum < 3; shnum++ {
		sm.AddShare(fmt.Sprintf("peer-%d", shnum), shnum, v, now)
	}
	sm.MarkBad("peer-x", 9, []byte("junk"))
	sm.AddProblem(errors.New("peer-y timed out"))

	var buf bytes.Buffer
	require.NoError(t, sm.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "[peer-0]: sh#0 seq2")
	assert.Contains(t, out, "3/3 shares, recoverable")
	assert.Contains(t, out, "1 bad shares")
	assert.Contains(t, out, "problem: peer-y timed out")
	assert.Equal(t, 7, strings.Count(out, "\n"))
}

func TestServerMapBestVersionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("best recoverable version is the greatest version with k shares", prop.ForAll(
		func(seqnums []int, roots []int, shnums []int) bool {
			sm := NewServerMap()
			now := time.Now()
			distinct := make(map[VersionInfo]map[int]bool)
			n := len(seqnums)
			if len(roots) < n {
				n = len(roots)
			}
			if len(shnums) < n {
				n = len(shnums)
			}
			for i := 0; i < n; i++ {
				v := testVersion(uint64(seqnums[i]), byte(roots[i]))
				sm.AddShare(fmt.Sprintf("peer-%d", i), shnums[i], v, now)
				if distinct[v] == nil {
					distinct[v] = make(map[int]bool)
				}
				distinct[v][shnums[i]] = true
			}

			var (
				want  VersionInfo
				found bool
			)
			for v, set := range distinct {
				if len(set) >= v.K && (!found || want.Less(v)) {
					want, found = v, true
				}
			}
			got, ok := sm.BestRecoverableVersion()
			if ok != found {
				return false
			}
			return !found || got == want
		},
		gen.SliceOf(gen.IntRange(1, 4)),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
