package mutable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/sharegrid/internal/storage"
)

var errPeerDown = errors.New("peer unreachable")

// testPeer wraps a storage server with call counters and fault switches.
type testPeer struct {
	id  string
	srv *storage.Server

	mu          sync.Mutex
	reads       int
	writes      int
	failReads   bool
	failWrites  bool
	hang        chan struct{}
	beforeWrite func()
}

func (p *testPeer) SlotReadv(ctx context.Context, si []byte, shnums []int, readv []storage.ReadVector) (storage.ReadData, error) {
	p.mu.Lock()
	p.reads++
	fail := p.failReads
	hang := p.hang
	p.mu.Unlock()
	if hang != nil {
		<-hang
		return nil, errPeerDown
	}
	if fail {
		return nil, errPeerDown
	}
	return p.srv.SlotReadv(ctx, si, shnums, readv)
}

func (p *testPeer) SlotTestvAndReadvAndWritev(ctx context.Context, si []byte, secrets storage.Secrets,
	tw map[int]storage.TestAndWriteVectors, readv []storage.ReadVector) (bool, storage.ReadData, error) {
	p.mu.Lock()
	p.writes++
	fail := p.failWrites
	hook := p.beforeWrite
	p.beforeWrite = nil
	p.mu.Unlock()
	if fail {
		return false, nil, errPeerDown
	}
	if hook != nil {
		hook()
	}
	return p.srv.SlotTestvAndReadvAndWritev(ctx, si, secrets, tw, readv)
}

func (p *testPeer) readCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *testPeer) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *testPeer) setFailWrites(fail bool) {
	p.mu.Lock()
	p.failWrites = fail
	p.mu.Unlock()
}

func (p *testPeer) setFailing(fail bool) {
	p.mu.Lock()
	p.failReads, p.failWrites = fail, fail
	p.mu.Unlock()
}

// rawShare returns the stored bytes of one share, or nil.
func (p *testPeer) rawShare(t *testing.T, si []byte, shnum int) []byte {
	t.Helper()
	data, err := p.srv.SlotReadv(context.Background(), si, []int{shnum}, []storage.ReadVector{{Offset: 0, Length: 1 << 24}})
	require.NoError(t, err)
	if len(data[shnum]) == 0 {
		return nil
	}
	return data[shnum][0]
}

// putShare overwrites one share unconditionally.
func (p *testPeer) putShare(t *testing.T, node *FileNode, shnum int, share []byte) {
	t.Helper()
	secrets, err := node.Secrets(p.id)
	require.NoError(t, err)
	length := int64(len(share))
	tw := map[int]storage.TestAndWriteVectors{shnum: {
		Writes:    []storage.WriteVector{{Offset: 0, Data: share}},
		NewLength: &length,
	}}
	ok, _, err := p.srv.SlotTestvAndReadvAndWritev(context.Background(), node.StorageIndex(), secrets, tw, nil)
	require.NoError(t, err)
	require.True(t, ok)
}

// shnums lists the shares held for si.
func (p *testPeer) shnums(t *testing.T, si []byte) []int {
	t.Helper()
	data, err := p.srv.SlotReadv(context.Background(), si, nil, []storage.ReadVector{{Offset: 0, Length: 1}})
	require.NoError(t, err)
	return sortedKeysOf(data)
}

func sortedKeysOf(data storage.ReadData) []int {
	m := make(map[int][]byte, len(data))
	for k := range data {
		m[k] = nil
	}
	return sortedKeys(m)
}

// testGrid is an in-process set of storage servers.
type testGrid struct {
	peers []*testPeer
}

func newTestGrid(t *testing.T, n int) *testGrid {
	t.Helper()
	g := &testGrid{}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("peer-%02d", i)
		srv := storage.NewServer(storage.ServerConfig{NodeID: id, Logger: zerolog.Nop()})
		t.Cleanup(func() { _ = srv.Close() })
		g.peers = append(g.peers, &testPeer{id: id, srv: srv})
	}
	return g
}

func (g *testGrid) Peers() []Peer {
	out := make([]Peer, len(g.peers))
	for i, p := range g.peers {
		out[i] = Peer{ID: p.id, Server: p}
	}
	return out
}

// permuted returns the peers in the order used for si.
func (g *testGrid) permuted(si []byte) []*testPeer {
	byID := make(map[string]*testPeer, len(g.peers))
	for _, p := range g.peers {
		byID[p.id] = p
	}
	var out []*testPeer
	for _, p := range PermutedPeers(g.Peers(), si) {
		out = append(out, byID[p.ID])
	}
	return out
}

func (g *testGrid) resetCounts() {
	for _, p := range g.peers {
		p.mu.Lock()
		p.reads, p.writes = 0, 0
		p.mu.Unlock()
	}
}

// holders maps peer id to the shares it holds for si.
func (g *testGrid) holders(t *testing.T, si []byte) map[string][]int {
	t.Helper()
	out := make(map[string][]int)
	for _, p := range g.peers {
		if shnums := p.shnums(t, si); len(shnums) > 0 {
			out[p.id] = shnums
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		RequiredShares: 3,
		TotalShares:    10,
		Logger:         zerolog.Nop(),
	}
}

func createFile(t *testing.T, g *testGrid, cfg Config, contents string) *FileNode {
	t.Helper()
	node, err := Create(context.Background(), cfg, g, []byte(contents))
	require.NoError(t, err)
	return node
}
