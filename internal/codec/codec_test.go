package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncoder_InvalidParams(t *testing.T) {
	tests := []struct {
		name          string
		segSize, k, n int
	}{
		{"zero k", 9, 0, 3},
		{"n below k", 9, 3, 2},
		{"too many shares", 300, 3, 300},
		{"N past one byte", 258, 3, 256},
		{"segment not a multiple of k", 10, 3, 10},
		{"negative segment", -3, 3, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder(tt.segSize, tt.k, tt.n)
			assert.Error(t, err)
			_, err = NewDecoder(tt.segSize, tt.k, tt.n)
			assert.Error(t, err)
		})
	}
}

func TestEncode_BlocksAreSystematic(t *testing.T) {
	segment := []byte("Hello, Reed-Solomon erasure coding!!")
	require.Equal(t, 0, len(segment)%3)

	enc, err := NewEncoder(len(segment), 3, 10)
	require.NoError(t, err)
	blocks, ids, err := enc.Encode(segment)
	require.NoError(t, err)

	require.Len(t, blocks, 10)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
	for i, b := range blocks {
		assert.Len(t, b, enc.BlockSize(), "block %d", i)
	}
	assert.Equal(t, segment, bytes.Join(blocks[:3], nil))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
		k, n int
	}{
		{"small-3of10", 30, 3, 10},
		{"medium-6of9", 1024 * 6, 6, 9},
		{"large-10of13", 100 * 1020, 10, 13},
		{"no-parity-2of2", 64, 2, 2},
		{"one-of-one", 17, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segment := make([]byte, tt.size)
			_, _ = rand.Read(segment)

			enc, err := NewEncoder(tt.size, tt.k, tt.n)
			require.NoError(t, err)
			blocks, ids, err := enc.Encode(segment)
			require.NoError(t, err)

			// decode from the last k blocks
			subset := make(map[int][]byte, tt.k)
			for _, i := range ids[len(ids)-tt.k:] {
				subset[i] = blocks[i]
			}

			dec, err := NewDecoder(tt.size, tt.k, tt.n)
			require.NoError(t, err)
			got, err := dec.Decode(subset)
			require.NoError(t, err)
			assert.Equal(t, segment, got)
		})
	}
}

func TestEncode_ShortSegmentIsPadded(t *testing.T) {
	enc, err := NewEncoder(12, 3, 5)
	require.NoError(t, err)
	blocks, _, err := enc.Encode([]byte("abcdefg"))
	require.NoError(t, err)

	dec, err := NewDecoder(12, 3, 5)
	require.NoError(t, err)
	got, err := dec.Decode(map[int][]byte{1: blocks[1], 3: blocks[3], 4: blocks[4]})
	require.NoError(t, err)
	assert.Equal(t, append([]byte("abcdefg"), 0, 0, 0, 0, 0), got)
}

func TestEncode_Empty(t *testing.T) {
	enc, err := NewEncoder(0, 3, 10)
	require.NoError(t, err)
	blocks, _, err := enc.Encode(nil)
	require.NoError(t, err)
	require.Len(t, blocks, 10)
	for _, b := range blocks {
		assert.Empty(t, b)
	}

	dec, err := NewDecoder(0, 3, 10)
	require.NoError(t, err)
	got, err := dec.Decode(map[int][]byte{0: blocks[0], 5: blocks[5], 9: blocks[9]})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEncode_OversizedSegment(t *testing.T) {
	enc, err := NewEncoder(6, 3, 5)
	require.NoError(t, err)
	_, _, err = enc.Encode(make([]byte, 7))
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	dec, err := NewDecoder(9, 3, 5)
	require.NoError(t, err)

	_, err = dec.Decode(map[int][]byte{0: make([]byte, 3), 1: make([]byte, 3)})
	assert.ErrorContains(t, err, "insufficient blocks")

	_, err = dec.Decode(map[int][]byte{0: make([]byte, 3), 1: make([]byte, 3), 7: make([]byte, 3)})
	assert.ErrorContains(t, err, "out of range")

	_, err = dec.Decode(map[int][]byte{0: make([]byte, 3), 1: make([]byte, 3), 2: make([]byte, 4)})
	assert.ErrorContains(t, err, "has size")
}

func TestNextMultiple(t *testing.T) {
	assert.Equal(t, 0, NextMultiple(0, 3))
	assert.Equal(t, 3, NextMultiple(1, 3))
	assert.Equal(t, 3, NextMultiple(3, 3))
	assert.Equal(t, 12, NextMultiple(10, 3))
}
