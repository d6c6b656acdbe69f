package mutable

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrefix() Prefix {
	p := Prefix{
		Version:     ShareVersion,
		Seqnum:      7,
		K:           3,
		N:           10,
		SegmentSize: 36,
		DataLength:  34,
	}
	copy(p.RootHash[:], bytes.Repeat([]byte{0xaa}, 32))
	copy(p.Salt[:], bytes.Repeat([]byte{0x55}, SaltLen))
	return p
}

func packTestShare(t *testing.T) []byte {
	t.Helper()
	chain := map[int][]byte{
		2:  bytes.Repeat([]byte{2}, 32),
		4:  bytes.Repeat([]byte{4}, 32),
		16: bytes.Repeat([]byte{16}, 32),
	}
	share, err := PackShare(
		PackPrefix(testPrefix()),
		bytes.Repeat([]byte{'p'}, 32),
		bytes.Repeat([]byte{'s'}, 64),
		chain,
		[][]byte{bytes.Repeat([]byte{'b'}, 32)},
		[]byte("twelve bytes"),
		bytes.Repeat([]byte{'e'}, 32),
	)
	require.NoError(t, err)
	return share
}

func TestLayoutSizes(t *testing.T) {
	assert.Equal(t, 75, PrefixLen)
	assert.Equal(t, 57, CheckstringLen)
	assert.Equal(t, 32, OffsetsLen)
	assert.Equal(t, 107, HeaderLen)
}

func TestPrefixRoundTrip(t *testing.T) {
	p := testPrefix()
	packed := PackPrefix(p)
	require.Len(t, packed, PrefixLen)

	got, err := UnpackPrefix(packed)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	// the checkstring is the leading part of the prefix
	assert.Equal(t, packed[:CheckstringLen], PackCheckstring(p.Seqnum, p.RootHash, p.Salt))
}

func TestUnpackShare(t *testing.T) {
	data := packTestShare(t)

	share, err := UnpackShare(data)
	require.NoError(t, err)
	assert.Equal(t, testPrefix(), share.Prefix)
	assert.Equal(t, bytes.Repeat([]byte{'p'}, 32), share.Pubkey)
	assert.Equal(t, bytes.Repeat([]byte{'s'}, 64), share.Signature)
	assert.Equal(t, []int{2, 4, 16}, sortedKeys(share.ShareHashChain))
	assert.Equal(t, bytes.Repeat([]byte{16}, 32), share.ShareHashChain[16])
	require.Len(t, share.BlockHashTree, 1)
	assert.Equal(t, []byte("twelve bytes"), share.Block)
	assert.Equal(t, bytes.Repeat([]byte{'e'}, 32), share.EncPrivkey)

	_, o, err := UnpackHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(HeaderLen+32), o.Signature)
	assert.Equal(t, uint64(len(data)), o.EOF)
	assert.Equal(t, uint64(32), o.EOF-o.EncPrivkey)
}

func TestUnpackPrefixAndSignature(t *testing.T) {
	data := packTestShare(t)
	_, o, err := UnpackHeader(data)
	require.NoError(t, err)

	h, err := UnpackPrefixAndSignature(data[:o.ShareHashChain])
	require.NoError(t, err)
	assert.Equal(t, data[:PrefixLen], h.RawPrefix)
	assert.Equal(t, o, h.Offsets)
	assert.Len(t, h.Signature, 64)
}

func TestUnpackShortData(t *testing.T) {
	data := packTestShare(t)
	_, o, err := UnpackHeader(data)
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		unpack func([]byte) error
		needed int
	}{
		{"prefix", data[:40], func(b []byte) error { _, err := UnpackPrefix(b); return err }, PrefixLen},
		{"header", data[:PrefixLen+4], func(b []byte) error { _, _, err := UnpackHeader(b); return err }, HeaderLen},
		{"signature", data[:o.Signature+10], func(b []byte) error { _, err := UnpackPrefixAndSignature(b); return err }, int(o.ShareHashChain)},
		{"share", data[:len(data)-1], func(b []byte) error { _, err := UnpackShare(b); return err }, len(data)},
		{"checkstring", data[:20], func(b []byte) error { _, err := UnpackCheckstring(b); return err }, CheckstringLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.unpack(tt.data)
			require.ErrorIs(t, err, ErrNeedMoreData)
			var nmd *NeedMoreDataError
			require.True(t, errors.As(err, &nmd))
			assert.Equal(t, tt.needed, nmd.NeededBytes)
		})
	}

	// once the offsets are readable the error locates the encrypted privkey
	_, err = UnpackShare(data[:HeaderLen])
	var nmd *NeedMoreDataError
	require.True(t, errors.As(err, &nmd))
	assert.Equal(t, o.EncPrivkey, nmd.EncPrivkeyOffset)
	assert.Equal(t, uint64(32), nmd.EncPrivkeyLength)
}

func TestUnpackRejectsBadVersion(t *testing.T) {
	data := packTestShare(t)
	data[0] = 1
	_, err := UnpackPrefix(data)
	assert.Error(t, err)
	_, err = UnpackCheckstring(data)
	assert.Error(t, err)
}

func TestUnpackRejectsInconsistentOffsets(t *testing.T) {
	data := packTestShare(t)
	// signature offset pointing inside the header
	data[PrefixLen+3] = 10
	data[PrefixLen+2] = 0
	data[PrefixLen+1] = 0
	data[PrefixLen] = 0
	_, _, err := UnpackHeader(data)
	assert.Error(t, err)
}

func TestPackShareRejectsBadHashes(t *testing.T) {
	_, err := PackShare(PackPrefix(testPrefix()), nil, nil, map[int][]byte{1: []byte("short")}, nil, nil, nil)
	assert.Error(t, err)
	_, err = PackShare(PackPrefix(testPrefix()), nil, nil, nil, [][]byte{[]byte("short")}, nil, nil)
	assert.Error(t, err)
	_, err = PackShare([]byte("tiny"), nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestVersionInfoCheckstring(t *testing.T) {
	data := packTestShare(t)
	h, err := UnpackPrefixAndSignature(data)
	require.NoError(t, err)
	v := newVersionInfo(h)

	assert.Equal(t, data[:CheckstringLen], v.Checkstring())
	c, err := UnpackCheckstring(data)
	require.NoError(t, err)
	assert.True(t, v.Matches(c))

	c.Seqnum++
	assert.False(t, v.Matches(c))
	assert.Contains(t, v.String(), "seq7")
}
