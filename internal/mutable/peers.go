package mutable

import (
	"bytes"
	"context"
	"sort"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

// StorageServer is the slot RPC surface of one peer.
type StorageServer interface {
	SlotReadv(ctx context.Context, storageIndex []byte, shnums []int, readv []storage.ReadVector) (storage.ReadData, error)
	SlotTestvAndReadvAndWritev(ctx context.Context, storageIndex []byte, secrets storage.Secrets,
		tw map[int]storage.TestAndWriteVectors, readv []storage.ReadVector) (bool, storage.ReadData, error)
}

// Peer is one storage server in the grid.
type Peer struct {
	ID     string
	Server StorageServer
}

// PeerSource supplies the current peer list.
type PeerSource interface {
	Peers() []Peer
}

// StaticPeers is a fixed peer list.
type StaticPeers []Peer

// Peers returns a copy of the list.
func (s StaticPeers) Peers() []Peer {
	return append([]Peer(nil), s...)
}

// PermutedPeers orders peers by the permutation hash of (storage index, peer id).
// The order is stable for a given storage index and spreads load across files.
func PermutedPeers(peers []Peer, storageIndex []byte) []Peer {
	type keyed struct {
		key  [hashutil.HashLen]byte
		peer Peer
	}
	ks := make([]keyed, 0, len(peers))
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		ks = append(ks, keyed{key: hashutil.PermutationKey(storageIndex, p.ID), peer: p})
	}
	sort.Slice(ks, func(i, j int) bool {
		return bytes.Compare(ks[i].key[:], ks[j].key[:]) < 0
	})
	out := make([]Peer, len(ks))
	for i, k := range ks {
		out[i] = k.peer
	}
	return out
}
