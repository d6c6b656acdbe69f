package mutable

import (
	"bytes"
	"fmt"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// VersionInfo names one revision of a mutable file. It is comparable and
// used directly as a map key.
type VersionInfo struct {
	Seqnum      uint64
	RootHash    [hashutil.HashLen]byte
	Salt        [SaltLen]byte
	SegmentSize uint64
	DataLength  uint64
	K           int
	N           int
	// SignedPrefix holds the raw prefix bytes the signature covers.
	SignedPrefix string
	Offsets      Offsets
}

func newVersionInfo(h *SignedHeader) VersionInfo {
	return VersionInfo{
		Seqnum:       h.Prefix.Seqnum,
		RootHash:     h.Prefix.RootHash,
		Salt:         h.Prefix.Salt,
		SegmentSize:  h.Prefix.SegmentSize,
		DataLength:   h.Prefix.DataLength,
		K:            h.Prefix.K,
		N:            h.Prefix.N,
		SignedPrefix: string(h.RawPrefix),
		Offsets:      h.Offsets,
	}
}

// Checkstring returns the bytes test vectors compare against.
func (v VersionInfo) Checkstring() []byte {
	return PackCheckstring(v.Seqnum, v.RootHash, v.Salt)
}

// Matches reports whether a read-back checkstring names this version.
func (v VersionInfo) Matches(c Checkstring) bool {
	return v.Seqnum == c.Seqnum && v.RootHash == c.RootHash && v.Salt == c.Salt
}

// Less orders versions by (seqnum, root hash).
func (v VersionInfo) Less(o VersionInfo) bool {
	if v.Seqnum != o.Seqnum {
		return v.Seqnum < o.Seqnum
	}
	return bytes.Compare(v.RootHash[:], o.RootHash[:]) < 0
}

// ShortString is "seq<N>-<root prefix>".
func (v VersionInfo) ShortString() string {
	return fmt.Sprintf("seq%d-%s", v.Seqnum, hashutil.B2A(v.RootHash[:])[:4])
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("seq%d-%s k=%d N=%d len=%d", v.Seqnum, hashutil.B2A(v.RootHash[:])[:4], v.K, v.N, v.DataLength)
}
