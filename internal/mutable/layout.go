package mutable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// Share layout. All integers are big-endian.
//
//	prefix   B version | Q seqnum | 32s root hash | 16s salt | B k | B N | Q segsize | Q datalen
//	offsets  L signature | L share hash chain | L block hash tree | L share data | Q enc privkey | Q EOF
//	pubkey   [HeaderLen, signature)
//	then signature, share hash chain (>H 32s entries), block hash tree, block, enc privkey.
const (
	ShareVersion   = 0
	SaltLen        = 16
	PrefixLen      = 1 + 8 + hashutil.HashLen + SaltLen + 1 + 1 + 8 + 8
	CheckstringLen = 1 + 8 + hashutil.HashLen + SaltLen
	OffsetsLen     = 4*4 + 8*2
	HeaderLen      = PrefixLen + OffsetsLen
	chainEntryLen  = 2 + hashutil.HashLen
)

// Prefix is the signed portion of every share.
type Prefix struct {
	Version     byte
	Seqnum      uint64
	RootHash    [hashutil.HashLen]byte
	Salt        [SaltLen]byte
	K           int
	N           int
	SegmentSize uint64
	DataLength  uint64
}

// Offsets locates each variable section within a share.
type Offsets struct {
	Signature      uint64
	ShareHashChain uint64
	BlockHashTree  uint64
	ShareData      uint64
	EncPrivkey     uint64
	EOF            uint64
}

// Share is one fully unpacked share.
type Share struct {
	Prefix
	Pubkey         []byte
	Signature      []byte
	ShareHashChain map[int][]byte
	BlockHashTree  [][]byte
	Block          []byte
	EncPrivkey     []byte
}

// PackPrefix serializes the signed prefix.
func PackPrefix(p Prefix) []byte {
	out := make([]byte, 0, PrefixLen)
	out = append(out, PackCheckstring(p.Seqnum, p.RootHash, p.Salt)...)
	out = append(out, byte(p.K), byte(p.N))
	out = binary.BigEndian.AppendUint64(out, p.SegmentSize)
	out = binary.BigEndian.AppendUint64(out, p.DataLength)
	return out
}

// UnpackPrefix parses the first PrefixLen bytes of data.
func UnpackPrefix(data []byte) (Prefix, error) {
	if len(data) < PrefixLen {
		return Prefix{}, &NeedMoreDataError{NeededBytes: PrefixLen}
	}
	var p Prefix
	p.Version = data[0]
	if p.Version != ShareVersion {
		return Prefix{}, fmt.Errorf("unknown share version %d", p.Version)
	}
	p.Seqnum = binary.BigEndian.Uint64(data[1:9])
	copy(p.RootHash[:], data[9:41])
	copy(p.Salt[:], data[41:57])
	p.K = int(data[57])
	p.N = int(data[58])
	p.SegmentSize = binary.BigEndian.Uint64(data[59:67])
	p.DataLength = binary.BigEndian.Uint64(data[67:75])
	return p, nil
}

// PackCheckstring serializes (version, seqnum, root hash, salt), the range
// compared by test-and-set writes.
func PackCheckstring(seqnum uint64, rootHash [hashutil.HashLen]byte, salt [SaltLen]byte) []byte {
	out := make([]byte, 0, CheckstringLen)
	out = append(out, ShareVersion)
	out = binary.BigEndian.AppendUint64(out, seqnum)
	out = append(out, rootHash[:]...)
	return append(out, salt[:]...)
}

// Checkstring identifies a version in test vectors and read-backs.
type Checkstring struct {
	Seqnum   uint64
	RootHash [hashutil.HashLen]byte
	Salt     [SaltLen]byte
}

// UnpackCheckstring parses a checkstring.
func UnpackCheckstring(data []byte) (Checkstring, error) {
	if len(data) < CheckstringLen {
		return Checkstring{}, &NeedMoreDataError{NeededBytes: CheckstringLen}
	}
	if data[0] != ShareVersion {
		return Checkstring{}, fmt.Errorf("unknown share version %d", data[0])
	}
	var c Checkstring
	c.Seqnum = binary.BigEndian.Uint64(data[1:9])
	copy(c.RootHash[:], data[9:41])
	copy(c.Salt[:], data[41:57])
	return c, nil
}

func packOffsets(o Offsets) []byte {
	out := make([]byte, 0, OffsetsLen)
	out = binary.BigEndian.AppendUint32(out, uint32(o.Signature))
	out = binary.BigEndian.AppendUint32(out, uint32(o.ShareHashChain))
	out = binary.BigEndian.AppendUint32(out, uint32(o.BlockHashTree))
	out = binary.BigEndian.AppendUint32(out, uint32(o.ShareData))
	out = binary.BigEndian.AppendUint64(out, o.EncPrivkey)
	return binary.BigEndian.AppendUint64(out, o.EOF)
}

func unpackOffsets(data []byte) Offsets {
	return Offsets{
		Signature:      uint64(binary.BigEndian.Uint32(data[0:4])),
		ShareHashChain: uint64(binary.BigEndian.Uint32(data[4:8])),
		BlockHashTree:  uint64(binary.BigEndian.Uint32(data[8:12])),
		ShareData:      uint64(binary.BigEndian.Uint32(data[12:16])),
		EncPrivkey:     binary.BigEndian.Uint64(data[16:24]),
		EOF:            binary.BigEndian.Uint64(data[24:32]),
	}
}

func (o Offsets) valid() bool {
	return o.Signature >= HeaderLen &&
		o.Signature <= o.ShareHashChain &&
		o.ShareHashChain <= o.BlockHashTree &&
		o.BlockHashTree <= o.ShareData &&
		o.ShareData <= o.EncPrivkey &&
		o.EncPrivkey <= o.EOF
}

// PackShare serializes prefix, key material, hashes and block into one share.
func PackShare(prefix []byte, pubkey, signature []byte, chain map[int][]byte, blockHashes [][]byte, block, encPrivkey []byte) ([]byte, error) {
	if len(prefix) != PrefixLen {
		return nil, fmt.Errorf("prefix is %d bytes, want %d", len(prefix), PrefixLen)
	}

	chainBytes := make([]byte, 0, len(chain)*chainEntryLen)
	for _, i := range sortedKeys(chain) {
		h := chain[i]
		if len(h) != hashutil.HashLen {
			return nil, fmt.Errorf("share hash %d is %d bytes", i, len(h))
		}
		chainBytes = binary.BigEndian.AppendUint16(chainBytes, uint16(i))
		chainBytes = append(chainBytes, h...)
	}
	treeBytes := make([]byte, 0, len(blockHashes)*hashutil.HashLen)
	for i, h := range blockHashes {
		if len(h) != hashutil.HashLen {
			return nil, fmt.Errorf("block hash %d is %d bytes", i, len(h))
		}
		treeBytes = append(treeBytes, h...)
	}

	var o Offsets
	o.Signature = uint64(HeaderLen + len(pubkey))
	o.ShareHashChain = o.Signature + uint64(len(signature))
	o.BlockHashTree = o.ShareHashChain + uint64(len(chainBytes))
	o.ShareData = o.BlockHashTree + uint64(len(treeBytes))
	o.EncPrivkey = o.ShareData + uint64(len(block))
	o.EOF = o.EncPrivkey + uint64(len(encPrivkey))
	if o.ShareData > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: share header sections exceed 4GiB", ErrFileTooLarge)
	}

	out := make([]byte, 0, o.EOF)
	out = append(out, prefix...)
	out = append(out, packOffsets(o)...)
	out = append(out, pubkey...)
	out = append(out, signature...)
	out = append(out, chainBytes...)
	out = append(out, treeBytes...)
	out = append(out, block...)
	out = append(out, encPrivkey...)
	return out, nil
}

// UnpackHeader parses the prefix and offsets table.
func UnpackHeader(data []byte) (Prefix, Offsets, error) {
	p, err := UnpackPrefix(data)
	if err != nil {
		return Prefix{}, Offsets{}, err
	}
	if len(data) < HeaderLen {
		return Prefix{}, Offsets{}, &NeedMoreDataError{NeededBytes: HeaderLen}
	}
	o := unpackOffsets(data[PrefixLen:HeaderLen])
	if !o.valid() {
		return Prefix{}, Offsets{}, fmt.Errorf("offsets table is inconsistent")
	}
	return p, o, nil
}

// SignedHeader is what a share query needs to build a version identifier.
type SignedHeader struct {
	Prefix    Prefix
	Offsets   Offsets
	RawPrefix []byte
	Pubkey    []byte
	Signature []byte
}

// UnpackPrefixAndSignature parses everything up to and including the signature.
func UnpackPrefixAndSignature(data []byte) (*SignedHeader, error) {
	p, o, err := UnpackHeader(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < o.ShareHashChain {
		return nil, &NeedMoreDataError{
			NeededBytes:      int(o.ShareHashChain),
			EncPrivkeyOffset: o.EncPrivkey,
			EncPrivkeyLength: o.EOF - o.EncPrivkey,
		}
	}
	return &SignedHeader{
		Prefix:    p,
		Offsets:   o,
		RawPrefix: append([]byte(nil), data[:PrefixLen]...),
		Pubkey:    append([]byte(nil), data[HeaderLen:o.Signature]...),
		Signature: append([]byte(nil), data[o.Signature:o.ShareHashChain]...),
	}, nil
}

// UnpackShare parses a complete share.
func UnpackShare(data []byte) (*Share, error) {
	p, o, err := UnpackHeader(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < o.EOF {
		return nil, &NeedMoreDataError{
			NeededBytes:      int(o.EOF),
			EncPrivkeyOffset: o.EncPrivkey,
			EncPrivkeyLength: o.EOF - o.EncPrivkey,
		}
	}

	chainBytes := data[o.ShareHashChain:o.BlockHashTree]
	if len(chainBytes)%chainEntryLen != 0 {
		return nil, fmt.Errorf("share hash chain length %d is not a multiple of %d", len(chainBytes), chainEntryLen)
	}
	chain := make(map[int][]byte, len(chainBytes)/chainEntryLen)
	for i := 0; i < len(chainBytes); i += chainEntryLen {
		idx := int(binary.BigEndian.Uint16(chainBytes[i : i+2]))
		chain[idx] = append([]byte(nil), chainBytes[i+2:i+chainEntryLen]...)
	}

	treeBytes := data[o.BlockHashTree:o.ShareData]
	if len(treeBytes)%hashutil.HashLen != 0 {
		return nil, fmt.Errorf("block hash tree length %d is not a multiple of %d", len(treeBytes), hashutil.HashLen)
	}
	tree := make([][]byte, 0, len(treeBytes)/hashutil.HashLen)
	for i := 0; i < len(treeBytes); i += hashutil.HashLen {
		tree = append(tree, append([]byte(nil), treeBytes[i:i+hashutil.HashLen]...))
	}

	return &Share{
		Prefix:         p,
		Pubkey:         append([]byte(nil), data[HeaderLen:o.Signature]...),
		Signature:      append([]byte(nil), data[o.Signature:o.ShareHashChain]...),
		ShareHashChain: chain,
		BlockHashTree:  tree,
		Block:          append([]byte(nil), data[o.ShareData:o.EncPrivkey]...),
		EncPrivkey:     append([]byte(nil), data[o.EncPrivkey:o.EOF]...),
	}, nil
}

func sortedKeys(m map[int][]byte) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
