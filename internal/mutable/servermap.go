package mutable

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// ShareKey names one share slot on one peer.
type ShareKey struct {
	Peer  string
	Shnum int
}

// ShareLocation is one observed share of a version.
type ShareLocation struct {
	Shnum     int
	Peer      string
	Timestamp time.Time
}

type shareRecord struct {
	version   VersionInfo
	timestamp time.Time
}

// Availability is the recoverability of one version.
type Availability struct {
	Shares int // distinct share numbers seen
	K      int
}

// ServerMap records which version each (peer, share number) pair was last
// observed holding. It is owned by one updater or publisher at a time and is
// not safe for concurrent use.
type ServerMap struct {
	shares      map[ShareKey]shareRecord
	badShares   map[ShareKey][]byte
	connections map[string]StorageServer
	reachable   map[string]bool
	unreachable map[string]bool
	problems    []error

	lastUpdateMode Mode
	lastUpdateTime time.Time
}

// NewServerMap creates an empty map.
func NewServerMap() *ServerMap {
	return &ServerMap{
		shares:      make(map[ShareKey]shareRecord),
		badShares:   make(map[ShareKey][]byte),
		connections: make(map[string]StorageServer),
		reachable:   make(map[string]bool),
		unreachable: make(map[string]bool),
	}
}

// Clone returns an independent copy.
func (sm *ServerMap) Clone() *ServerMap {
	c := NewServerMap()
	for k, v := range sm.shares {
		c.shares[k] = v
	}
	for k, v := range sm.badShares {
		c.badShares[k] = append([]byte(nil), v...)
	}
	for k, v := range sm.connections {
		c.connections[k] = v
	}
	for k := range sm.reachable {
		c.reachable[k] = true
	}
	for k := range sm.unreachable {
		c.unreachable[k] = true
	}
	c.problems = append([]error(nil), sm.problems...)
	c.lastUpdateMode = sm.lastUpdateMode
	c.lastUpdateTime = sm.lastUpdateTime
	return c
}

// AddShare records an observation. It is ignored (and returns false) if the
// same share with the same checkstring was previously marked bad.
func (sm *ServerMap) AddShare(peer string, shnum int, v VersionInfo, ts time.Time) bool {
	key := ShareKey{Peer: peer, Shnum: shnum}
	if bad, ok := sm.badShares[key]; ok && string(bad) == string(v.Checkstring()) {
		return false
	}
	sm.shares[key] = shareRecord{version: v, timestamp: ts}
	return true
}

// AddNewShare records a share we just wrote, replacing any bad marker.
func (sm *ServerMap) AddNewShare(peer string, shnum int, v VersionInfo, ts time.Time) {
	key := ShareKey{Peer: peer, Shnum: shnum}
	delete(sm.badShares, key)
	sm.shares[key] = shareRecord{version: v, timestamp: ts}
}

// MarkBad evicts a share and remembers its checkstring so it is not re-added.
func (sm *ServerMap) MarkBad(peer string, shnum int, checkstring []byte) {
	key := ShareKey{Peer: peer, Shnum: shnum}
	sm.badShares[key] = append([]byte(nil), checkstring...)
	delete(sm.shares, key)
}

func (sm *ServerMap) forget(peer string, shnum int) {
	delete(sm.shares, ShareKey{Peer: peer, Shnum: shnum})
}

// BadShares returns the checkstring recorded for each bad share.
func (sm *ServerMap) BadShares() map[ShareKey][]byte {
	out := make(map[ShareKey][]byte, len(sm.badShares))
	for k, v := range sm.badShares {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// IsBad reports whether a share is marked bad.
func (sm *ServerMap) IsBad(peer string, shnum int) bool {
	_, ok := sm.badShares[ShareKey{Peer: peer, Shnum: shnum}]
	return ok
}

// SetConnection remembers how to reach a peer.
func (sm *ServerMap) SetConnection(peer string, server StorageServer) {
	sm.connections[peer] = server
}

// Connection returns the server for a peer seen by an earlier update.
func (sm *ServerMap) Connection(peer string) (StorageServer, bool) {
	s, ok := sm.connections[peer]
	return s, ok
}

// MarkReachable records that a peer answered a query.
func (sm *ServerMap) MarkReachable(peer string) {
	sm.reachable[peer] = true
	delete(sm.unreachable, peer)
}

// MarkUnreachable records that a query to a peer failed.
func (sm *ServerMap) MarkUnreachable(peer string) {
	sm.unreachable[peer] = true
}

// IsReachable reports whether the peer answered during the last update.
func (sm *ServerMap) IsReachable(peer string) bool { return sm.reachable[peer] }

// ReachablePeers returns the peers that answered, sorted.
func (sm *ServerMap) ReachablePeers() []string { return sortedSet(sm.reachable) }

// UnreachablePeers returns the peers whose queries failed, sorted.
func (sm *ServerMap) UnreachablePeers() []string { return sortedSet(sm.unreachable) }

// AddProblem records a non-fatal failure.
func (sm *ServerMap) AddProblem(err error) { sm.problems = append(sm.problems, err) }

// Problems returns the recorded non-fatal failures.
func (sm *ServerMap) Problems() []error { return append([]error(nil), sm.problems...) }

// SetLastUpdate records the mode and start time of the update that filled the map.
func (sm *ServerMap) SetLastUpdate(mode Mode, started time.Time) {
	sm.lastUpdateMode = mode
	sm.lastUpdateTime = started
}

// LastUpdate returns the mode and start time of the last update.
func (sm *ServerMap) LastUpdate() (Mode, time.Time) {
	return sm.lastUpdateMode, sm.lastUpdateTime
}

// Len returns the number of recorded shares.
func (sm *ServerMap) Len() int { return len(sm.shares) }

// Entries returns a copy of every (peer, share) observation.
func (sm *ServerMap) Entries() map[ShareKey]VersionInfo {
	out := make(map[ShareKey]VersionInfo, len(sm.shares))
	for k, r := range sm.shares {
		out[k] = r.version
	}
	return out
}

// AllPeers returns every peer holding a recorded share, sorted.
func (sm *ServerMap) AllPeers() []string {
	peers := make(map[string]bool)
	for k := range sm.shares {
		peers[k.Peer] = true
	}
	return sortedSet(peers)
}

// SharesOnPeer returns the share numbers recorded for a peer.
func (sm *ServerMap) SharesOnPeer(peer string) []int {
	var out []int
	for k := range sm.shares {
		if k.Peer == peer {
			out = append(out, k.Shnum)
		}
	}
	sort.Ints(out)
	return out
}

// VersionOnPeer returns the version recorded for one share slot.
func (sm *ServerMap) VersionOnPeer(peer string, shnum int) (VersionInfo, bool) {
	r, ok := sm.shares[ShareKey{Peer: peer, Shnum: shnum}]
	return r.version, ok
}

// VersionGroups groups recorded shares by version. Locations are sorted by
// share number, then peer.
func (sm *ServerMap) VersionGroups() map[VersionInfo][]ShareLocation {
	out := make(map[VersionInfo][]ShareLocation)
	for k, r := range sm.shares {
		out[r.version] = append(out[r.version], ShareLocation{Shnum: k.Shnum, Peer: k.Peer, Timestamp: r.timestamp})
	}
	for _, locs := range out {
		sort.Slice(locs, func(i, j int) bool {
			if locs[i].Shnum != locs[j].Shnum {
				return locs[i].Shnum < locs[j].Shnum
			}
			return locs[i].Peer < locs[j].Peer
		})
	}
	return out
}

// SharesAvailable returns, per version, the distinct share numbers seen and k.
func (sm *ServerMap) SharesAvailable() map[VersionInfo]Availability {
	distinct := make(map[VersionInfo]map[int]bool)
	for k, r := range sm.shares {
		if distinct[r.version] == nil {
			distinct[r.version] = make(map[int]bool)
		}
		distinct[r.version][k.Shnum] = true
	}
	out := make(map[VersionInfo]Availability, len(distinct))
	for v, shnums := range distinct {
		out[v] = Availability{Shares: len(shnums), K: v.K}
	}
	return out
}

// RecoverableVersions returns versions with at least k distinct shares,
// ordered by (seqnum, root hash).
func (sm *ServerMap) RecoverableVersions() []VersionInfo {
	var out []VersionInfo
	for v, a := range sm.SharesAvailable() {
		if a.Shares >= a.K {
			out = append(out, v)
		}
	}
	sortVersions(out)
	return out
}

// UnrecoverableVersions returns versions with fewer than k distinct shares,
// ordered by (seqnum, root hash).
func (sm *ServerMap) UnrecoverableVersions() []VersionInfo {
	var out []VersionInfo
	for v, a := range sm.SharesAvailable() {
		if a.Shares < a.K {
			out = append(out, v)
		}
	}
	sortVersions(out)
	return out
}

// BestRecoverableVersion returns the recoverable version with the greatest
// (seqnum, root hash).
func (sm *ServerMap) BestRecoverableVersion() (VersionInfo, bool) {
	rec := sm.RecoverableVersions()
	if len(rec) == 0 {
		return VersionInfo{}, false
	}
	return rec[len(rec)-1], true
}

// HighestSeqnum returns the largest seqnum seen in any version, or 0.
func (sm *ServerMap) HighestSeqnum() uint64 {
	var highest uint64
	for _, r := range sm.shares {
		if r.version.Seqnum > highest {
			highest = r.version.Seqnum
		}
	}
	return highest
}

// UnrecoverableNewerVersions returns unrecoverable versions whose seqnum
// exceeds that of the best recoverable version.
func (sm *ServerMap) UnrecoverableNewerVersions() []VersionInfo {
	var floor uint64
	if best, ok := sm.BestRecoverableVersion(); ok {
		floor = best.Seqnum
	}
	var out []VersionInfo
	for _, v := range sm.UnrecoverableVersions() {
		if v.Seqnum > floor {
			out = append(out, v)
		}
	}
	return out
}

// NeedsMerge reports whether more than one recoverable version shares the
// highest recoverable seqnum.
func (sm *ServerMap) NeedsMerge() bool {
	rec := sm.RecoverableVersions()
	if len(rec) < 2 {
		return false
	}
	top := rec[len(rec)-1].Seqnum
	n := 0
	for _, v := range rec {
		if v.Seqnum == top {
			n++
		}
	}
	return n > 1
}

// SummarizeVersions is a one-line description such as "1*seq3-abcd,2*seq4-efgh".
func (sm *ServerMap) SummarizeVersions() string {
	avail := sm.SharesAvailable()
	versions := make([]VersionInfo, 0, len(avail))
	for v := range avail {
		versions = append(versions, v)
	}
	sortVersions(versions)
	s := ""
	for i, v := range versions {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d*%s", avail[v].Shares, v.ShortString())
	}
	return s
}

// Dump writes a human-readable listing of the map.
func (sm *ServerMap) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "servermap: last update %s at %s\n", sm.lastUpdateMode, sm.lastUpdateTime.Format(time.RFC3339)); err != nil {
		return err
	}
	keys := make([]ShareKey, 0, len(sm.shares))
	for k := range sm.shares {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Peer != keys[j].Peer {
			return keys[i].Peer < keys[j].Peer
		}
		return keys[i].Shnum < keys[j].Shnum
	})
	for _, k := range keys {
		r := sm.shares[k]
		if _, err := fmt.Fprintf(w, "[%s]: sh#%d %s\n", hashutil.ShortID(k.Peer), k.Shnum, r.version); err != nil {
			return err
		}
	}
	avail := sm.SharesAvailable()
	for _, v := range append(sm.RecoverableVersions(), sm.UnrecoverableVersions()...) {
		a := avail[v]
		state := "recoverable"
		if a.Shares < a.K {
			state = "unrecoverable"
		}
		if _, err := fmt.Fprintf(w, "%s: %d/%d shares, %s\n", v.ShortString(), a.Shares, a.K, state); err != nil {
			return err
		}
	}
	if n := len(sm.badShares); n > 0 {
		if _, err := fmt.Fprintf(w, "%d bad shares\n", n); err != nil {
			return err
		}
	}
	for _, p := range sm.problems {
		if _, err := fmt.Fprintf(w, "problem: %v\n", p); err != nil {
			return err
		}
	}
	return nil
}

func sortVersions(vs []VersionInfo) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
