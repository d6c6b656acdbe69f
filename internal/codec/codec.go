// Package codec erasure-codes one segment into N blocks, any k of which
// reconstruct it.
package codec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// MaxShares is the largest N the encoder supports. N is carried in a
// single byte of the share prefix.
const MaxShares = 255

// CRSEncoder encodes one segment of segmentSize bytes into N blocks of
// segmentSize/k bytes each. Block i for i < k is the i-th slice of the segment.
type CRSEncoder struct {
	k, n        int
	segmentSize int
	blockSize   int
}

// NewEncoder validates the parameters. segmentSize must be a multiple of k.
func NewEncoder(segmentSize, k, n int) (*CRSEncoder, error) {
	if err := checkParams(segmentSize, k, n); err != nil {
		return nil, err
	}
	return &CRSEncoder{k: k, n: n, segmentSize: segmentSize, blockSize: segmentSize / k}, nil
}

// BlockSize is the size of every encoded block.
func (e *CRSEncoder) BlockSize() int { return e.blockSize }

// Encode splits the segment into k pieces and produces N blocks plus their ids.
// A short segment is zero-padded to the configured size.
func (e *CRSEncoder) Encode(segment []byte) ([][]byte, []int, error) {
	if len(segment) > e.segmentSize {
		return nil, nil, fmt.Errorf("segment of %d bytes exceeds segment size %d", len(segment), e.segmentSize)
	}

	shards := make([][]byte, e.n)
	for i := 0; i < e.k; i++ {
		shards[i] = make([]byte, e.blockSize)
		start := i * e.blockSize
		if start < len(segment) {
			end := start + e.blockSize
			if end > len(segment) {
				end = len(segment)
			}
			copy(shards[i], segment[start:end])
		}
	}
	for i := e.k; i < e.n; i++ {
		shards[i] = make([]byte, e.blockSize)
	}

	ids := make([]int, e.n)
	for i := range ids {
		ids[i] = i
	}

	// an empty segment encodes to N empty blocks
	if e.blockSize == 0 || e.n == e.k {
		return shards, ids, nil
	}

	enc, err := reedsolomon.New(e.k, e.n-e.k)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create RS encoder: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, nil, fmt.Errorf("failed to encode shards: %w", err)
	}
	return shards, ids, nil
}

// CRSDecoder reconstructs a segment from any k blocks.
type CRSDecoder struct {
	k, n        int
	segmentSize int
	blockSize   int
}

// NewDecoder validates the parameters. segmentSize must be a multiple of k.
func NewDecoder(segmentSize, k, n int) (*CRSDecoder, error) {
	if err := checkParams(segmentSize, k, n); err != nil {
		return nil, err
	}
	return &CRSDecoder{k: k, n: n, segmentSize: segmentSize, blockSize: segmentSize / k}, nil
}

// Decode rebuilds the padded segment from blocks keyed by block id.
func (d *CRSDecoder) Decode(blocks map[int][]byte) ([]byte, error) {
	if len(blocks) < d.k {
		return nil, fmt.Errorf("insufficient blocks for reconstruction: need %d, have %d", d.k, len(blocks))
	}

	shards := make([][]byte, d.n)
	for id, block := range blocks {
		if id < 0 || id >= d.n {
			return nil, fmt.Errorf("block id %d out of range [0,%d)", id, d.n)
		}
		if len(block) != d.blockSize {
			return nil, fmt.Errorf("block %d has size %d, expected %d", id, len(block), d.blockSize)
		}
		shards[id] = block
	}

	if d.blockSize == 0 {
		return []byte{}, nil
	}

	if d.n > d.k {
		enc, err := reedsolomon.New(d.k, d.n-d.k)
		if err != nil {
			return nil, fmt.Errorf("failed to create RS decoder: %w", err)
		}
		if err := enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("failed to reconstruct shards: %w", err)
		}
	}

	segment := make([]byte, 0, d.segmentSize)
	for i := 0; i < d.k; i++ {
		if shards[i] == nil {
			return nil, fmt.Errorf("data shard %d is nil after reconstruction", i)
		}
		segment = append(segment, shards[i]...)
	}
	return segment, nil
}

func checkParams(segmentSize, k, n int) error {
	if k < 1 {
		return fmt.Errorf("required shares (k) must be >= 1, got %d", k)
	}
	if n < k {
		return fmt.Errorf("total shares (N) must be >= k, got k=%d N=%d", k, n)
	}
	if n > MaxShares {
		return fmt.Errorf("total shares (N) must be <= %d, got %d", MaxShares, n)
	}
	if segmentSize < 0 || segmentSize%k != 0 {
		return fmt.Errorf("segment size %d must be a non-negative multiple of k=%d", segmentSize, k)
	}
	return nil
}

// NextMultiple rounds n up to a multiple of k.
func NextMultiple(n, k int) int {
	if n%k == 0 {
		return n
	}
	return n + k - n%k
}
